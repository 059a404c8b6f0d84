// Package bind provides typed, named parameters for statements sent to the
// SQL gateway.
//
// A BindValue is referenced from SQL text as ":name". Names must be unique
// within one statement; Namer hands out collision-free names while a
// statement is being assembled.
package bind

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrDuplicateName is returned when two bind values in one statement share a name.
var ErrDuplicateName = errors.New("duplicate bind value name")

// BindValue is a named, typed statement parameter.
type BindValue struct {
	// Name is the placeholder name without the leading colon.
	Name string

	// Column is the source column the value belongs to, if any.
	Column string

	Value any
	Type  DataType

	// OutType marks an output parameter of a procedure call.
	OutType bool

	// Unique asks Uniquify to rename the value instead of rejecting a
	// colliding name.
	Unique bool
}

// New creates a bind value whose type is inferred from the Go value.
func New(name string, value any) BindValue {
	return BindValue{Name: name, Column: name, Value: value, Type: TypeOf(value)}
}

// NewTyped creates a bind value with an explicit declared type.
func NewTyped(name string, value any, t DataType) BindValue {
	return BindValue{Name: name, Column: name, Value: value, Type: t}
}

// Placeholder returns the SQL placeholder for the value (":name").
func (b BindValue) Placeholder() string {
	return ":" + b.Name
}

// Wire is the JSON form of a bind value as the gateway expects it.
type Wire struct {
	Name    string `json:"name"`
	Value   any    `json:"value"`
	Type    string `json:"type"`
	OutType bool   `json:"outtype,omitempty"`
}

// Wire converts the bind value to its wire form. Time values, and values
// declared as a date type, travel as epoch milliseconds.
func (b BindValue) Wire() Wire {
	v := b.Value
	if t, ok := v.(time.Time); ok {
		v = EpochMillis(t)
	} else if t, ok := v.(*time.Time); ok {
		if t == nil {
			v = nil
		} else {
			v = EpochMillis(*t)
		}
	}
	typ := b.Type
	if typ == Unknown {
		typ = TypeOf(b.Value)
	}
	return Wire{Name: b.Name, Value: v, Type: typ.String(), OutType: b.OutType}
}

// FromWire converts a wire bind value back, coercing date types to time.Time.
func FromWire(w Wire) BindValue {
	t := ParseType(w.Type)
	v := w.Value
	if t.IsDate() {
		if ts, ok := CoerceTime(v); ok {
			v = ts
		}
	}
	return BindValue{Name: w.Name, Column: w.Name, Value: v, Type: t, OutType: w.OutType}
}

// WireAll converts a list of bind values.
func WireAll(binds []BindValue) []Wire {
	out := make([]Wire, 0, len(binds))
	for _, b := range binds {
		out = append(out, b.Wire())
	}
	return out
}

// Validate checks that names are unique.
func Validate(binds []BindValue) error {
	seen := make(map[string]bool, len(binds))
	for _, b := range binds {
		key := strings.ToLower(b.Name)
		if seen[key] {
			return fmt.Errorf("%w: %q", ErrDuplicateName, b.Name)
		}
		seen[key] = true
	}
	return nil
}

// Uniquify renames values flagged Unique whose names collide with an
// earlier value. Colliding values without the flag are reported as errors.
func Uniquify(binds []BindValue) ([]BindValue, error) {
	namer := NewNamer()
	out := make([]BindValue, len(binds))
	for i, b := range binds {
		if namer.Used(b.Name) {
			if !b.Unique {
				return nil, fmt.Errorf("%w: %q", ErrDuplicateName, b.Name)
			}
			b.Name = namer.Take(b.Name)
		} else {
			namer.Reserve(b.Name)
		}
		out[i] = b
	}
	return out, nil
}

// Namer hands out placeholder names that are unique within one statement.
// Names compare case-insensitively, as the gateway treats them.
type Namer struct {
	used map[string]bool
}

// NewNamer creates an empty Namer.
func NewNamer() *Namer {
	return &Namer{used: make(map[string]bool)}
}

// Used reports whether name has been handed out.
func (n *Namer) Used(name string) bool {
	return n.used[strings.ToLower(name)]
}

// Reserve marks name as used.
func (n *Namer) Reserve(name string) {
	n.used[strings.ToLower(name)] = true
}

// Take returns base if free, otherwise base followed by the smallest
// counter that is free ("id", "id1", "id2", ...). The result is reserved.
func (n *Namer) Take(base string) string {
	if base == "" {
		base = "bind"
	}
	name := base
	for i := 1; n.Used(name); i++ {
		name = base + strconv.Itoa(i)
	}
	n.Reserve(name)
	return name
}
