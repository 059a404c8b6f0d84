package filter

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/roach88/formsql/internal/bind"
)

// Constraint is one entry of a Structure.
type Constraint struct {
	Combinator Combinator
	Node       Node
	Name       string // optional; unique within the structure
}

// Structure is an ordered AND/OR tree of filters and nested structures.
//
// A Structure is not safe for concurrent use.
type Structure struct {
	entries []Constraint
	binds   []bind.BindValue
}

func (*Structure) filterNode() {}

// NewStructure creates an empty structure.
func NewStructure() *Structure {
	return &Structure{}
}

// And appends node combined with "and". A non-empty name replaces any
// existing entry of that name in place.
func (s *Structure) And(node Node, name string) *Structure {
	return s.add(And, node, name)
}

// Or appends node combined with "or". A non-empty name replaces any
// existing entry of that name in place.
func (s *Structure) Or(node Node, name string) *Structure {
	return s.add(Or, node, name)
}

func (s *Structure) add(c Combinator, node Node, name string) *Structure {
	if node == nil {
		panic(fmt.Errorf("%w: nil node", ErrInvalidFilter))
	}
	if st, ok := node.(*Structure); ok && st.contains(s) {
		panic(fmt.Errorf("%w: structure cannot contain itself", ErrInvalidFilter))
	}
	entry := Constraint{Combinator: c, Node: node, Name: name}
	if name != "" {
		for i := range s.entries {
			if s.entries[i].Name == name {
				s.entries[i] = entry
				return s
			}
		}
	}
	s.entries = append(s.entries, entry)
	return s
}

// contains reports whether target is s or nested anywhere below s.
func (s *Structure) contains(target *Structure) bool {
	if s == target {
		return true
	}
	for _, e := range s.entries {
		if st, ok := e.Node.(*Structure); ok && st.contains(target) {
			return true
		}
	}
	return false
}

// Get returns the entry with the given name, or nil.
func (s *Structure) Get(name string) Node {
	for _, e := range s.entries {
		if e.Name == name {
			return e.Node
		}
	}
	return nil
}

// Delete removes the entry with the given name.
func (s *Structure) Delete(name string) bool {
	for i, e := range s.entries {
		if e.Name == name {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Remove removes the entry holding node (by identity).
func (s *Structure) Remove(node Node) bool {
	for i, e := range s.entries {
		if e.Node == node {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Clear removes all entries.
func (s *Structure) Clear() {
	s.entries = nil
	s.binds = nil
}

// Size returns the number of direct entries.
func (s *Structure) Size() int { return len(s.entries) }

// Empty reports whether the structure has no entries.
func (s *Structure) Empty() bool { return len(s.entries) == 0 }

// Entries returns a copy of the entries.
func (s *Structure) Entries() []Constraint {
	return append([]Constraint(nil), s.entries...)
}

// HasChildFilters reports whether any leaf filter exists below s.
func (s *Structure) HasChildFilters() bool {
	for _, e := range s.entries {
		switch n := e.Node.(type) {
		case *Structure:
			if n.HasChildFilters() {
				return true
			}
		case Filter:
			return true
		}
	}
	return false
}

// Evaluate applies the structure to a row. See the package documentation
// for the evaluation order. An empty structure matches everything.
func (s *Structure) Evaluate(row Row) bool {
	match := true
	first := true
	for _, e := range s.entries {
		if st, ok := e.Node.(*Structure); ok && !st.HasChildFilters() {
			continue
		}
		if !first {
			if match && e.Combinator == Or {
				continue
			}
			if !match && e.Combinator == And {
				continue
			}
		}
		first = false
		match = Evaluate(e.Node, row)
	}
	return match
}

// SQL renders the structure as a where-clause body and rebuilds the bind
// values returned by BindValues. Each call starts from scratch.
func (s *Structure) SQL() string {
	acc := &Accumulator{namer: bind.NewNamer()}
	sql := s.Build(0, acc)
	s.binds = acc.binds
	return sql
}

// String returns the SQL form.
func (s *Structure) String() string { return s.SQL() }

// BindValues returns the bind values collected by the last SQL call.
func (s *Structure) BindValues() []bind.BindValue {
	return append([]bind.BindValue(nil), s.binds...)
}

// Build renders the structure at the given nesting level, claiming bind
// names from acc. Use it to embed a structure in a larger statement whose
// other bind values were already reserved in acc.
func (s *Structure) Build(level int, acc *Accumulator) string {
	var b strings.Builder
	first := true
	for _, e := range s.entries {
		var part string
		switch n := e.Node.(type) {
		case *Structure:
			if !n.HasChildFilters() {
				continue
			}
			part = "(" + n.Build(level+1, acc) + ")"
		case Filter:
			f := acc.claim(n)
			acc.binds = append(acc.binds, f.BindValues()...)
			part = f.SQL()
		default:
			continue
		}
		if !first {
			b.WriteString(" ")
			b.WriteString(e.Combinator.String())
			b.WriteString(" ")
		}
		b.WriteString(part)
		first = false
	}
	return b.String()
}

// Clone deep-copies the structure.
func (s *Structure) Clone() *Structure {
	c := &Structure{entries: make([]Constraint, len(s.entries))}
	for i, e := range s.entries {
		switch n := e.Node.(type) {
		case *Structure:
			e.Node = n.Clone()
		case Filter:
			e.Node = n.Clone()
		}
		c.entries[i] = e
	}
	return c
}

// Accumulator collects bind values for one statement.
type Accumulator struct {
	namer *bind.Namer
	binds []bind.BindValue
	err   error
}

// NewAccumulator starts a statement whose names in reserved are taken.
func NewAccumulator(reserved ...string) *Accumulator {
	acc := &Accumulator{namer: bind.NewNamer()}
	for _, name := range reserved {
		acc.namer.Reserve(name)
	}
	return acc
}

// BindValues returns the values collected so far.
func (a *Accumulator) BindValues() []bind.BindValue {
	return a.binds
}

// Err returns the first error met while building, wrapping
// ErrInvalidFilter.
func (a *Accumulator) Err() error { return a.err }

// claim returns f, or a renamed copy of f whose bind names are all free,
// and reserves those names. Custom filters cannot be renamed; a collision
// is recorded in Err.
func (a *Accumulator) claim(f Filter) Filter {
	if a.free(f.bindNames()) {
		a.reserve(f.bindNames())
		return f
	}
	if _, ok := f.(*Custom); ok {
		for _, n := range f.bindNames() {
			if a.namer.Used(n) && a.err == nil {
				a.err = fmt.Errorf("%w: custom filter bind %q is already used", ErrInvalidFilter, n)
			}
		}
		a.reserve(f.bindNames())
		return f
	}
	base := f.BindName()
	for i := 1; ; i++ {
		c := f.renamed(base + strconv.Itoa(i))
		if a.free(c.bindNames()) {
			a.reserve(c.bindNames())
			return c
		}
	}
}

func (a *Accumulator) free(names []string) bool {
	for _, n := range names {
		if a.namer.Used(n) {
			return false
		}
	}
	return true
}

func (a *Accumulator) reserve(names []string) {
	for _, n := range names {
		a.namer.Reserve(n)
	}
}
