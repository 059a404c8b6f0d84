package record

import (
	"errors"
	"fmt"
)

// ErrIllegalTransition is returned when a record is moved to a state its
// current state cannot reach.
var ErrIllegalTransition = errors.New("illegal record state transition")

// State is the lifecycle position of a record relative to the backend.
type State int

const (
	// Query marks a row materialized from a fetch and not touched since.
	Query State = iota

	// New marks a blank row created by the block, not yet staged.
	New

	// Inserted marks a row staged for insert.
	Inserted

	// Updated marks a row staged for update.
	Updated

	// Deleted marks a row staged for delete.
	Deleted

	// Consistent marks a row whose staged change was flushed.
	Consistent
)

var stateNames = [...]string{"query", "new", "inserted", "updated", "deleted", "consistent"}

// String returns the lower-case state name.
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// Staged reports whether the state waits for a flush.
func (s State) Staged() bool {
	return s == Inserted || s == Updated || s == Deleted
}

// ParseState is the inverse of State.String.
func ParseState(name string) (State, error) {
	for i, n := range stateNames {
		if n == name {
			return State(i), nil
		}
	}
	return 0, fmt.Errorf("unknown record state %q", name)
}

// transitions lists the states reachable from each state by staging.
// Every staged state may additionally move to Consistent.
var transitions = map[State][]State{
	Query:      {Updated, Deleted},
	New:        {Inserted, Deleted},
	Inserted:   {Inserted, Deleted},
	Updated:    {Updated, Deleted},
	Deleted:    {Deleted},
	Consistent: {Updated, Deleted},
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to State) bool {
	if to == Consistent {
		return from.Staged()
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
