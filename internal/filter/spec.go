package filter

import (
	"fmt"

	"github.com/roach88/formsql/internal/bind"
)

// OpStructure marks a Spec that holds a nested structure.
const OpStructure = "structure"

// OpCustom marks a Spec that holds raw SQL.
const OpCustom = "custom"

// Spec is the JSON form of a filter node as carried in gateway requests.
type Spec struct {
	Combinator string      `json:"combinator,omitempty"`
	Name       string      `json:"name,omitempty"`
	Op         string      `json:"op"`
	Column     string      `json:"column,omitempty"`
	Bind       string      `json:"bind,omitempty"`
	Type       string      `json:"type,omitempty"`
	Values     []any       `json:"values,omitempty"`
	SQL        string      `json:"sql,omitempty"`
	BindValues []bind.Wire `json:"bindvalues,omitempty"`
	Filters    []Spec      `json:"filters,omitempty"`
}

// Spec implements Filter.
func (p *Predicate) Spec() Spec {
	sp := Spec{Op: string(p.op), Column: p.column}
	if p.bindName != p.column {
		sp.Bind = p.bindName
	}
	if p.dataType != bind.Unknown {
		sp.Type = p.dataType.String()
	}
	for _, b := range p.BindValues() {
		sp.Values = append(sp.Values, b.Wire().Value)
	}
	return sp
}

// Spec implements Filter.
func (c *Custom) Spec() Spec {
	return Spec{Op: OpCustom, SQL: c.sql, BindValues: bind.WireAll(c.binds)}
}

// Spec returns the wire form of the structure.
func (s *Structure) Spec() Spec {
	return Spec{Op: OpStructure, Filters: s.Specs()}
}

// Specs returns the wire form of each entry, tagged with its combinator
// and name.
func (s *Structure) Specs() []Spec {
	out := make([]Spec, 0, len(s.entries))
	for _, e := range s.entries {
		var sp Spec
		switch n := e.Node.(type) {
		case *Structure:
			sp = n.Spec()
		case Filter:
			sp = n.Spec()
		default:
			continue
		}
		sp.Combinator = e.Combinator.String()
		sp.Name = e.Name
		out = append(out, sp)
	}
	return out
}

// FromSpecs rebuilds a structure from entry specs.
func FromSpecs(specs []Spec) (*Structure, error) {
	s := NewStructure()
	for i, sp := range specs {
		node, err := FromSpec(sp)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		c, err := ParseCombinator(sp.Combinator)
		if err != nil {
			return nil, fmt.Errorf("entry %d: combinator %q: %w", i, sp.Combinator, err)
		}
		s.add(c, node, sp.Name)
	}
	return s, nil
}

// FromSpec rebuilds a node from its spec. Values of date types are coerced
// back to time.Time.
func FromSpec(sp Spec) (Node, error) {
	switch sp.Op {
	case OpStructure:
		return FromSpecs(sp.Filters)
	case OpCustom:
		binds := make([]bind.BindValue, len(sp.BindValues))
		for i, w := range sp.BindValues {
			binds[i] = bind.FromWire(w)
		}
		return NewCustom(sp.SQL, binds...), nil
	}

	p, err := New(Op(sp.Op), sp.Column)
	if err != nil {
		return nil, fmt.Errorf("%w: op %q column %q", err, sp.Op, sp.Column)
	}
	if sp.Bind != "" {
		p.SetBindName(sp.Bind)
	}
	t := bind.ParseType(sp.Type)
	if sp.Type != "" {
		p.WithType(t)
	}
	values := make([]any, len(sp.Values))
	for i, v := range sp.Values {
		if t.IsDate() {
			if ts, ok := bind.CoerceTime(v); ok {
				v = ts
			}
		}
		values[i] = v
	}
	switch p.op {
	case OpNull, OpNotNull:
	case OpBetween:
		if len(values) != 2 {
			return nil, fmt.Errorf("%w: between needs 2 values, got %d", ErrInvalidFilter, len(values))
		}
		p.SetConstraint(values...)
	case OpIn, OpNotIn:
		p.values = values
	default:
		if len(values) > 1 {
			return nil, fmt.Errorf("%w: %s takes one value, got %d", ErrInvalidFilter, p.op, len(values))
		}
		p.SetConstraint(values...)
	}
	return p, nil
}
