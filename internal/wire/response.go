package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/roach88/formsql/internal/bind"
)

// Outcome classifies a response.
type Outcome int

const (
	// OK is a successful response.
	OK Outcome = iota

	// TransportFailure means the gateway could not be reached or answered
	// with something that is not a gateway response.
	TransportFailure

	// BackendRejection means the gateway refused or failed the request.
	BackendRejection

	// Violation means an assertion failed: the row changed underneath the
	// caller.
	Violation
)

var outcomeNames = [...]string{"ok", "transport", "rejected", "violation"}

func (o Outcome) String() string {
	if o < 0 || int(o) >= len(outcomeNames) {
		return fmt.Sprintf("outcome(%d)", int(o))
	}
	return outcomeNames[o]
}

// MarshalText implements encoding.TextMarshaler.
func (o Outcome) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

// ColumnViolation reports one asserted column whose backend value differs.
type ColumnViolation struct {
	Column   string `json:"column"`
	Expected any    `json:"expected"`
	Actual   any    `json:"actual"`
}

// Response is a decoded gateway response.
type Response struct {
	Success bool
	Outcome Outcome
	Message string

	// Status is the HTTP status code, zero when the response did not come
	// over HTTP.
	Status int

	Session string
	Timeout time.Duration

	Columns []string
	Types   []bind.DataType
	Rows    [][]any

	// Object is the keyed object of returning and procedure responses.
	Object map[string]any

	// More reports that the cursor has further pages.
	More   bool
	Cursor string

	// Writes counts rows written; Modifies is Writes > 0 for this response
	// or any of its steps.
	Writes   int64
	Modifies bool

	Violations []ColumnViolation
	Lock       bool

	// Steps are the per-step responses of a batch.
	Steps []*Response
}

// Payload is the JSON shape of every gateway response.
type Payload struct {
	Success    bool        `json:"success"`
	Message    string      `json:"message,omitempty"`
	Session    string      `json:"session,omitempty"`
	Timeout    int64       `json:"timeout,omitempty" jsonschema:"description=session timeout in seconds"`
	Columns    []string    `json:"columns,omitempty"`
	Types      []string    `json:"types,omitempty"`
	Rows       any         `json:"rows,omitempty" jsonschema:"description=array of row arrays or a keyed object"`
	More       bool        `json:"more,omitempty"`
	Cursor     string      `json:"cursor,omitempty"`
	Writes     int64       `json:"writes,omitempty"`
	Violations []ColumnViolation `json:"violations,omitempty"`
	Lock       bool        `json:"lock,omitempty"`
	Steps      []Payload   `json:"steps,omitempty"`
}

// Decode parses a gateway response body.
func Decode(data []byte) (*Response, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var p Payload
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return FromPayload(p), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *Response) UnmarshalJSON(data []byte) error {
	d, err := Decode(data)
	if err != nil {
		return err
	}
	*r = *d
	return nil
}

// MarshalJSON implements json.Marshaler.
func (r *Response) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Payload())
}

// FromPayload converts a raw payload, coercing numbers and dates.
func FromPayload(p Payload) *Response {
	r := &Response{
		Success:    p.Success,
		Message:    p.Message,
		Session:    p.Session,
		Timeout:    time.Duration(p.Timeout) * time.Second,
		Columns:    p.Columns,
		More:       p.More,
		Cursor:     p.Cursor,
		Writes:     p.Writes,
		Modifies:   p.Writes > 0,
		Violations: p.Violations,
		Lock:       p.Lock,
	}
	for i := range r.Violations {
		r.Violations[i].Expected = number(r.Violations[i].Expected)
		r.Violations[i].Actual = number(r.Violations[i].Actual)
	}

	switch rows := p.Rows.(type) {
	case map[string]any:
		if len(r.Columns) == 0 {
			r.Columns = sortedKeys(rows)
		}
		r.Object = make(map[string]any, len(rows))
		r.Rows = [][]any{r.objectRow(rows)}
	case []any:
		for _, row := range rows {
			switch row := row.(type) {
			case []any:
				r.Rows = append(r.Rows, row)
			case map[string]any:
				if len(r.Columns) == 0 {
					r.Columns = sortedKeys(row)
				}
				r.Rows = append(r.Rows, r.objectRow(row))
			}
		}
	}

	r.Types = make([]bind.DataType, len(r.Columns))
	for i := range r.Columns {
		if i < len(p.Types) {
			r.Types[i] = bind.ParseType(p.Types[i])
		}
	}
	for _, row := range r.Rows {
		for i, v := range row {
			row[i] = r.coerce(i, v)
		}
	}
	if r.Object != nil {
		for i, c := range r.Columns {
			if len(r.Rows) > 0 && i < len(r.Rows[0]) {
				r.Object[c] = r.Rows[0][i]
			}
		}
	}

	for _, s := range p.Steps {
		step := FromPayload(s)
		r.Steps = append(r.Steps, step)
		r.Modifies = r.Modifies || step.Modifies
	}

	switch {
	case r.Success:
		r.Outcome = OK
	case len(r.Violations) > 0:
		r.Outcome = Violation
	default:
		r.Outcome = BackendRejection
	}
	return r
}

// objectRow orders a keyed object by r.Columns, case-insensitively.
func (r *Response) objectRow(obj map[string]any) []any {
	lower := make(map[string]any, len(obj))
	for k, v := range obj {
		lower[strings.ToLower(k)] = v
	}
	row := make([]any, len(r.Columns))
	for i, c := range r.Columns {
		row[i] = lower[strings.ToLower(c)]
	}
	return row
}

func (r *Response) coerce(col int, v any) any {
	v = number(v)
	if col < len(r.Types) && r.Types[col].IsDate() {
		switch v.(type) {
		case int64, float64:
			if t, ok := bind.CoerceTime(v); ok {
				return t
			}
		}
	}
	return v
}

// number turns a json.Number into int64 or float64.
func number(v any) any {
	n, ok := v.(json.Number)
	if !ok {
		return v
	}
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Payload converts the response back to its JSON shape. Times become epoch
// milliseconds.
func (r *Response) Payload() Payload {
	p := Payload{
		Success:    r.Success,
		Message:    r.Message,
		Session:    r.Session,
		Timeout:    int64(r.Timeout / time.Second),
		Columns:    r.Columns,
		More:       r.More,
		Cursor:     r.Cursor,
		Writes:     r.Writes,
		Violations: append([]ColumnViolation(nil), r.Violations...),
		Lock:       r.Lock,
	}
	if len(p.Violations) == 0 {
		p.Violations = nil
	}
	if len(r.Types) > 0 {
		p.Types = make([]string, len(r.Types))
		for i, t := range r.Types {
			p.Types[i] = t.String()
		}
	}
	for i := range p.Violations {
		p.Violations[i].Expected = epoch(p.Violations[i].Expected)
		p.Violations[i].Actual = epoch(p.Violations[i].Actual)
	}
	if r.Object != nil {
		obj := make(map[string]any, len(r.Object))
		for k, v := range r.Object {
			obj[k] = epoch(v)
		}
		p.Rows = obj
	} else if r.Rows != nil {
		rows := make([][]any, len(r.Rows))
		for i, row := range r.Rows {
			rows[i] = make([]any, len(row))
			for j, v := range row {
				rows[i][j] = epoch(v)
			}
		}
		p.Rows = rows
	}
	for _, s := range r.Steps {
		p.Steps = append(p.Steps, s.Payload())
	}
	return p
}

func epoch(v any) any {
	switch t := v.(type) {
	case time.Time:
		return bind.EpochMillis(t)
	case *time.Time:
		if t == nil {
			return nil
		}
		return bind.EpochMillis(*t)
	}
	return v
}

// OKResponse returns an empty successful response.
func OKResponse() *Response {
	return &Response{Success: true, Outcome: OK}
}

// Failure returns an unsuccessful response with the given outcome.
func Failure(o Outcome, format string, args ...any) *Response {
	return &Response{Outcome: o, Message: fmt.Sprintf(format, args...)}
}

// TransportError wraps a transport-level error as a response.
func TransportError(err error) *Response {
	return &Response{Outcome: TransportFailure, Message: err.Error()}
}

// Len returns the number of rows.
func (r *Response) Len() int { return len(r.Rows) }

// Column returns the index of a column, case-insensitively, or -1.
func (r *Response) Column(name string) int {
	for i, c := range r.Columns {
		if strings.EqualFold(c, name) {
			return i
		}
	}
	return -1
}

// Type returns the declared type of a column.
func (r *Response) Type(name string) bind.DataType {
	if i := r.Column(name); i >= 0 && i < len(r.Types) {
		return r.Types[i]
	}
	return bind.Unknown
}

// Value returns one cell, or nil.
func (r *Response) Value(row int, column string) any {
	i := r.Column(column)
	if i < 0 || row < 0 || row >= len(r.Rows) || i >= len(r.Rows[row]) {
		return nil
	}
	return r.Rows[row][i]
}

// Map returns one row keyed by column name.
func (r *Response) Map(row int) map[string]any {
	if row < 0 || row >= len(r.Rows) {
		return nil
	}
	out := make(map[string]any, len(r.Columns))
	for i, c := range r.Columns {
		if i < len(r.Rows[row]) {
			out[c] = r.Rows[row][i]
		}
	}
	return out
}

// Returned returns the values read back by a returning clause: the keyed
// object, or the single row.
func (r *Response) Returned() map[string]any {
	if r.Object != nil {
		return r.Object
	}
	if len(r.Rows) == 1 {
		return r.Map(0)
	}
	return nil
}

// Err returns nil for a successful response and an *Error otherwise.
func (r *Response) Err() error {
	if r == nil {
		return &Error{Outcome: TransportFailure, Message: "no response"}
	}
	if r.Success {
		return nil
	}
	return &Error{Outcome: r.Outcome, Message: r.Message, Violations: r.Violations}
}

// Error is the error form of an unsuccessful response.
type Error struct {
	Outcome    Outcome
	Message    string
	Violations []ColumnViolation
}

// Error implements the error interface.
func (e *Error) Error() string {
	if len(e.Violations) > 0 {
		cols := make([]string, len(e.Violations))
		for i, v := range e.Violations {
			cols[i] = v.Column
		}
		return fmt.Sprintf("%s: %s (columns %s)", e.Outcome, e.Message, strings.Join(cols, ", "))
	}
	return fmt.Sprintf("%s: %s", e.Outcome, e.Message)
}
