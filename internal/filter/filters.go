package filter

import (
	"strconv"
	"strings"

	"github.com/roach88/formsql/internal/bind"
)

// Op is the comparison a Predicate applies.
type Op string

const (
	OpEquals       Op = "="
	OpNotEquals    Op = "!="
	OpLess         Op = "<"
	OpLessEqual    Op = "<="
	OpGreater      Op = ">"
	OpGreaterEqual Op = ">="
	OpBetween      Op = "between"
	OpIn           Op = "in"
	OpNotIn        Op = "not in"
	OpLike         Op = "like"
	OpILike        Op = "ilike"
	OpNull         Op = "is null"
	OpNotNull      Op = "is not null"
)

var knownOps = map[Op]bool{
	OpEquals: true, OpNotEquals: true, OpLess: true, OpLessEqual: true,
	OpGreater: true, OpGreaterEqual: true, OpBetween: true, OpIn: true,
	OpNotIn: true, OpLike: true, OpILike: true, OpNull: true, OpNotNull: true,
}

// Predicate is a column filter with a single comparison operator.
type Predicate struct {
	op       Op
	column   string
	bindName string
	values   []any
	dataType bind.DataType
}

func (*Predicate) filterNode() {}

func newPredicate(op Op, column string) *Predicate {
	return &Predicate{op: op, column: column, bindName: column}
}

// Equals matches column = value. A nil constraint renders "is null".
func Equals(column string) *Predicate { return newPredicate(OpEquals, column) }

// NotEquals matches column != value. A nil constraint renders "is not null".
func NotEquals(column string) *Predicate { return newPredicate(OpNotEquals, column) }

// LessThan matches column < value.
func LessThan(column string) *Predicate { return newPredicate(OpLess, column) }

// LessOrEqual matches column <= value.
func LessOrEqual(column string) *Predicate { return newPredicate(OpLessEqual, column) }

// GreaterThan matches column > value.
func GreaterThan(column string) *Predicate { return newPredicate(OpGreater, column) }

// GreaterOrEqual matches column >= value.
func GreaterOrEqual(column string) *Predicate { return newPredicate(OpGreaterEqual, column) }

// Between matches lo <= column <= hi. Constraint: (lo, hi).
func Between(column string) *Predicate { return newPredicate(OpBetween, column) }

// In matches column against a list of values.
func In(column string) *Predicate { return newPredicate(OpIn, column) }

// NotIn matches column against none of a list of values.
func NotIn(column string) *Predicate { return newPredicate(OpNotIn, column) }

// Like matches column against a SQL pattern ('%' and '_').
func Like(column string) *Predicate { return newPredicate(OpLike, column) }

// ILike is Like ignoring case.
func ILike(column string) *Predicate { return newPredicate(OpILike, column) }

// Null matches column is null.
func Null(column string) *Predicate { return newPredicate(OpNull, column) }

// NotNull matches column is not null.
func NotNull(column string) *Predicate { return newPredicate(OpNotNull, column) }

// New builds a predicate from an operator name, as found in a wire spec.
func New(op Op, column string) (*Predicate, error) {
	if !knownOps[op] {
		return nil, ErrInvalidFilter
	}
	if column == "" {
		return nil, ErrInvalidFilter
	}
	return newPredicate(op, column), nil
}

// Op returns the operator.
func (p *Predicate) Op() Op { return p.op }

// Column implements Filter.
func (p *Predicate) Column() string { return p.column }

// BindName implements Filter.
func (p *Predicate) BindName() string { return p.bindName }

// SetBindName overrides the base bind name (default: the column name).
func (p *Predicate) SetBindName(name string) *Predicate {
	p.bindName = name
	return p
}

// WithType declares the data type of the constraint values. Date types make
// the values travel as epoch milliseconds.
func (p *Predicate) WithType(t bind.DataType) *Predicate {
	p.dataType = t
	return p
}

// SetConstraint implements Filter.
func (p *Predicate) SetConstraint(values ...any) Filter {
	switch p.op {
	case OpIn, OpNotIn:
		p.values = flatten(values)
	default:
		p.values = append([]any(nil), values...)
	}
	return p
}

// Constraint implements Filter.
func (p *Predicate) Constraint() []any {
	return append([]any(nil), p.values...)
}

func (p *Predicate) value(i int) any {
	if i < len(p.values) {
		return p.values[i]
	}
	return nil
}

// nullCheck reports whether an (in)equality degenerates to IS [NOT] NULL.
func (p *Predicate) nullCheck() bool {
	return (p.op == OpEquals || p.op == OpNotEquals) && isNull(p.value(0))
}

func (p *Predicate) bindNames() []string {
	switch {
	case p.op == OpNull || p.op == OpNotNull || p.nullCheck():
		return nil
	case p.op == OpBetween:
		return []string{p.bindName + "0", p.bindName + "1"}
	case p.op == OpIn || p.op == OpNotIn:
		names := make([]string, len(p.values))
		for i := range p.values {
			names[i] = p.bindName + strconv.Itoa(i)
		}
		return names
	default:
		return []string{p.bindName}
	}
}

func (p *Predicate) renamed(base string) Filter {
	c := p.clone()
	c.bindName = base
	return c
}

// SQL implements Filter.
func (p *Predicate) SQL() string {
	names := p.bindNames()
	switch {
	case p.op == OpNull || (p.op == OpEquals && p.nullCheck()):
		return p.column + " is null"
	case p.op == OpNotNull || (p.op == OpNotEquals && p.nullCheck()):
		return p.column + " is not null"
	case p.op == OpBetween:
		return p.column + " between :" + names[0] + " and :" + names[1]
	case p.op == OpIn || p.op == OpNotIn:
		if len(names) == 0 {
			if p.op == OpIn {
				return "1 = 0"
			}
			return "1 = 1"
		}
		return p.column + " " + string(p.op) + " (:" + strings.Join(names, ", :") + ")"
	case p.op == OpILike:
		return "lower(" + p.column + ") like lower(:" + names[0] + ")"
	default:
		return p.column + " " + string(p.op) + " :" + names[0]
	}
}

// BindValues implements Filter.
func (p *Predicate) BindValues() []bind.BindValue {
	names := p.bindNames()
	binds := make([]bind.BindValue, len(names))
	for i, name := range names {
		v := p.value(i)
		t := p.dataType
		if t == bind.Unknown {
			t = bind.TypeOf(v)
		}
		binds[i] = bind.BindValue{Name: name, Column: p.column, Value: v, Type: t}
	}
	return binds
}

// Evaluate implements Filter.
func (p *Predicate) Evaluate(row Row) bool {
	if row == nil {
		return false
	}
	v := row.Value(p.column)

	switch p.op {
	case OpNull:
		return isNull(v)
	case OpNotNull:
		return !isNull(v)
	case OpEquals:
		if p.nullCheck() {
			return isNull(v)
		}
		c, ok := compareValues(v, p.value(0))
		return ok && c == 0
	case OpNotEquals:
		if p.nullCheck() {
			return !isNull(v)
		}
		c, ok := compareValues(v, p.value(0))
		return ok && c != 0
	case OpLess:
		c, ok := compareValues(v, p.value(0))
		return ok && c < 0
	case OpLessEqual:
		c, ok := compareValues(v, p.value(0))
		return ok && c <= 0
	case OpGreater:
		c, ok := compareValues(v, p.value(0))
		return ok && c > 0
	case OpGreaterEqual:
		c, ok := compareValues(v, p.value(0))
		return ok && c >= 0
	case OpBetween:
		lo, okLo := compareValues(v, p.value(0))
		hi, okHi := compareValues(v, p.value(1))
		return okLo && okHi && lo >= 0 && hi <= 0
	case OpIn, OpNotIn:
		found := false
		for _, c := range p.values {
			if r, ok := compareValues(v, c); ok && r == 0 {
				found = true
				break
			}
		}
		if p.op == OpIn {
			return found
		}
		return !found && !isNull(v)
	case OpLike, OpILike:
		if isNull(v) || isNull(p.value(0)) {
			return false
		}
		return matchLike(toText(v), toText(p.value(0)), p.op == OpILike)
	}
	return false
}

func (p *Predicate) clone() *Predicate {
	c := *p
	c.values = append([]any(nil), p.values...)
	return &c
}

// Clone implements Filter.
func (p *Predicate) Clone() Filter { return p.clone() }

// String returns the SQL form.
func (p *Predicate) String() string { return p.SQL() }

// Custom is a filter given as raw SQL with its own bind values. It cannot
// be renamed, so its bind names must not collide with the rest of the
// statement. Match, when set, evaluates the filter in memory; without it
// the filter matches every row and only the backend applies it.
type Custom struct {
	sql   string
	binds []bind.BindValue
	Match func(row Row) bool
}

func (*Custom) filterNode() {}

// NewCustom creates a raw SQL filter.
func NewCustom(sql string, binds ...bind.BindValue) *Custom {
	return &Custom{sql: sql, binds: binds}
}

// Column implements Filter.
func (c *Custom) Column() string { return "" }

// BindName implements Filter.
func (c *Custom) BindName() string { return "" }

// SetConstraint assigns values positionally to the bind values.
func (c *Custom) SetConstraint(values ...any) Filter {
	for i := range c.binds {
		if i < len(values) {
			c.binds[i].Value = values[i]
		}
	}
	return c
}

// Constraint implements Filter.
func (c *Custom) Constraint() []any {
	out := make([]any, len(c.binds))
	for i, b := range c.binds {
		out[i] = b.Value
	}
	return out
}

// SQL implements Filter.
func (c *Custom) SQL() string { return c.sql }

// BindValues implements Filter.
func (c *Custom) BindValues() []bind.BindValue {
	return append([]bind.BindValue(nil), c.binds...)
}

// Evaluate implements Filter.
func (c *Custom) Evaluate(row Row) bool {
	if c.Match == nil {
		return true
	}
	return c.Match(row)
}

func (c *Custom) bindNames() []string {
	names := make([]string, len(c.binds))
	for i, b := range c.binds {
		names[i] = b.Name
	}
	return names
}

func (c *Custom) renamed(string) Filter { return c }

// Clone implements Filter.
func (c *Custom) Clone() Filter {
	return &Custom{sql: c.sql, binds: append([]bind.BindValue(nil), c.binds...), Match: c.Match}
}
