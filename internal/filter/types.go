package filter

import (
	"errors"

	"github.com/roach88/formsql/internal/bind"
)

// ErrInvalidFilter reports a malformed filter tree or spec.
var ErrInvalidFilter = errors.New("invalid filter")

// Row is anything a filter can be evaluated against.
type Row interface {
	Value(column string) any
}

// Values adapts a plain map to Row.
type Values map[string]any

// Value implements Row.
func (v Values) Value(column string) any {
	return v[column]
}

// Node is an entry of a Structure: a Filter or a nested *Structure.
//
// This is a sealed interface; the marker method keeps implementations in
// this package.
type Node interface {
	filterNode()
}

// Filter is a leaf predicate on (usually) one column.
type Filter interface {
	Node

	// Column returns the filtered column ("" for custom SQL).
	Column() string

	// BindName returns the base name used for bind values.
	BindName() string

	// SetConstraint sets the value(s) the column is compared against and
	// returns the filter for chaining.
	SetConstraint(values ...any) Filter

	// Constraint returns the current constraint values.
	Constraint() []any

	// SQL renders the predicate with ":name" placeholders.
	SQL() string

	// BindValues returns one bind value per placeholder in SQL().
	BindValues() []bind.BindValue

	// Evaluate applies the predicate to a row in memory.
	Evaluate(row Row) bool

	Clone() Filter

	// Spec returns the wire form of the filter.
	Spec() Spec

	// bindNames lists every placeholder name the filter emits.
	bindNames() []string

	// renamed returns a copy whose bind names derive from base.
	renamed(base string) Filter
}

// Combinator joins an entry to the entries before it.
type Combinator int

const (
	And Combinator = iota
	Or
)

func (c Combinator) String() string {
	if c == Or {
		return "or"
	}
	return "and"
}

// ParseCombinator parses "and"/"or" (case-insensitive).
func ParseCombinator(s string) (Combinator, error) {
	switch s {
	case "and", "AND", "And", "":
		return And, nil
	case "or", "OR", "Or":
		return Or, nil
	default:
		return And, ErrInvalidFilter
	}
}

// Evaluate applies any node to a row.
func Evaluate(n Node, row Row) bool {
	switch v := n.(type) {
	case *Structure:
		return v.Evaluate(row)
	case Filter:
		return v.Evaluate(row)
	default:
		return false
	}
}
