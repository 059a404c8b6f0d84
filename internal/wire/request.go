package wire

import (
	"context"
	"net/http"

	"github.com/roach88/formsql/internal/bind"
	"github.com/roach88/formsql/internal/filter"
)

// DateFormat is the only date format requested from the gateway.
const DateFormat = "UTC"

// Request is one gateway message.
type Request interface {
	// Method is the HTTP method.
	Method() string

	// Action is the path below the session, including any query string.
	Action() string

	// Serialize returns the JSON body.
	Serialize() any
}

// Transport delivers requests to a gateway.
type Transport interface {
	Send(ctx context.Context, req Request) *Response
}

// Field is a column/value/type triple carried by DML requests.
type Field struct {
	Column string `json:"column"`
	Value  any    `json:"value"`
	Type   string `json:"type,omitempty"`
}

// NewField builds a triple. Dates are converted to epoch milliseconds.
func NewField(column string, value any, t bind.DataType) Field {
	w := bind.BindValue{Name: column, Value: value, Type: t}.Wire()
	return Field{Column: column, Value: w.Value, Type: w.Type}
}

// Typed converts a wire field back into a typed value, coercing dates.
func (f Field) Typed() any {
	return bind.FromWire(bind.Wire{Name: f.Column, Value: f.Value, Type: f.Type}).Value
}

// Connect opens a session.
type Connect struct {
	Scope      string
	AuthMethod string
	Username   string
	Secret     string
	ClientInfo map[string]string
}

// ConnectBody is the JSON body of a Connect request.
type ConnectBody struct {
	Scope      string            `json:"scope"`
	AuthMethod string            `json:"auth.method"`
	Username   string            `json:"username"`
	Secret     string            `json:"auth.secret,omitempty"`
	ClientInfo map[string]string `json:"clientinfo,omitempty"`
}

func (*Connect) Method() string { return http.MethodPost }
func (*Connect) Action() string { return "connect" }

// Serialize implements Request.
func (c *Connect) Serialize() any {
	method := c.AuthMethod
	if method == "" {
		method = "basic"
	}
	return ConnectBody{
		Scope:      c.Scope,
		AuthMethod: method,
		Username:   c.Username,
		Secret:     c.Secret,
		ClientInfo: c.ClientInfo,
	}
}

// Execute sends the request.
func (c *Connect) Execute(ctx context.Context, t Transport) *Response { return t.Send(ctx, c) }

// Select runs a query, by SQL text or by named source plus filter specs.
type Select struct {
	SQL        string
	Source     string
	Filters    []filter.Spec
	Columns    []string
	BindValues []bind.BindValue

	// Order is an order-by list ("sal desc, ename") for source selects.
	Order string

	// Lock asks the backend to lock the selected rows for this session.
	Lock bool

	// Assertions are expected column values of the first row. A mismatch
	// is reported as violations.
	Assertions []bind.BindValue

	// Rows is the page size. Zero means all rows.
	Rows int

	// Cursor keeps a server cursor open when more rows remain.
	Cursor bool

	Compact  bool
	Describe bool
}

// SelectBody is the JSON body of a Select request.
type SelectBody struct {
	Request    string        `json:"request"`
	SQL        string        `json:"sql,omitempty"`
	Source     string        `json:"source,omitempty"`
	Filters    []filter.Spec `json:"filters,omitempty"`
	Columns    []string      `json:"columns,omitempty"`
	Order      string        `json:"order,omitempty"`
	BindValues []bind.Wire   `json:"bindvalues,omitempty"`
	Lock       bool          `json:"lock,omitempty"`
	Assertions []bind.Wire   `json:"assertions,omitempty"`
	Rows       int           `json:"rows"`
	Cursor     bool          `json:"cursor,omitempty"`
	Compact    bool          `json:"compact,omitempty"`
	DateFormat string        `json:"dateformat"`
	Describe   bool          `json:"describe,omitempty"`
}

func (*Select) Method() string { return http.MethodPost }
func (*Select) Action() string { return "select" }

// Serialize implements Request.
func (s *Select) Serialize() any {
	return SelectBody{
		Request:    "select",
		SQL:        s.SQL,
		Source:     s.Source,
		Filters:    s.Filters,
		Columns:    s.Columns,
		Order:      s.Order,
		BindValues: bind.WireAll(s.BindValues),
		Lock:       s.Lock,
		Assertions: bind.WireAll(s.Assertions),
		Rows:       s.Rows,
		Cursor:     s.Cursor,
		Compact:    s.Compact,
		DateFormat: DateFormat,
		Describe:   s.Describe,
	}
}

// Execute sends the request.
func (s *Select) Execute(ctx context.Context, t Transport) *Response { return t.Send(ctx, s) }

// Describe asks for the columns and types of a query without rows.
type Describe struct {
	SQL        string
	Source     string
	BindValues []bind.BindValue
}

func (*Describe) Method() string { return http.MethodPost }
func (*Describe) Action() string { return "select" }

// Serialize implements Request.
func (d *Describe) Serialize() any {
	return SelectBody{
		Request:    "describe",
		SQL:        d.SQL,
		Source:     d.Source,
		BindValues: bind.WireAll(d.BindValues),
		DateFormat: DateFormat,
		Describe:   true,
	}
}

// Execute sends the request.
func (d *Describe) Execute(ctx context.Context, t Transport) *Response { return t.Send(ctx, d) }

// Fetch reads the next page of an open cursor.
type Fetch struct {
	Cursor string
	Rows   int
}

// CursorBody is the JSON body of cursor requests.
type CursorBody struct {
	Cursor string `json:"cursor"`
	Rows   int    `json:"rows,omitempty"`
	Close  bool   `json:"close,omitempty"`
}

func (*Fetch) Method() string { return http.MethodPost }
func (*Fetch) Action() string { return "exec/fetch" }

// Serialize implements Request.
func (f *Fetch) Serialize() any { return CursorBody{Cursor: f.Cursor, Rows: f.Rows} }

// Execute sends the request.
func (f *Fetch) Execute(ctx context.Context, t Transport) *Response { return t.Send(ctx, f) }

// CloseCursor releases an open cursor.
type CloseCursor struct {
	Cursor string
}

func (*CloseCursor) Method() string { return http.MethodPost }
func (*CloseCursor) Action() string { return "exec/fetch" }

// Serialize implements Request.
func (c *CloseCursor) Serialize() any { return CursorBody{Cursor: c.Cursor, Close: true} }

// Execute sends the request.
func (c *CloseCursor) Execute(ctx context.Context, t Transport) *Response { return t.Send(ctx, c) }

// DMLKind names a data manipulation request.
type DMLKind string

const (
	KindInsert DMLKind = "insert"
	KindUpdate DMLKind = "update"
	KindDelete DMLKind = "delete"
)

// DML is an insert, update or delete of one row.
type DML struct {
	Kind DMLKind

	// Table targets a backend table; Source targets a named source.
	Table  string
	Source string

	// Values are the columns written (all set columns for insert, dirty
	// columns for update, none for delete).
	Values []Field

	// Keys identify the row (primary key columns).
	Keys []Field

	// Assertions are pre-image values the row must still hold.
	Assertions []Field

	// Returning lists columns to read back after the write.
	Returning []string
}

// DMLBody is the JSON body of a DML request.
type DMLBody struct {
	Request    string   `json:"request"`
	Table      string   `json:"table,omitempty"`
	Source     string   `json:"source,omitempty"`
	Values     []Field  `json:"values,omitempty"`
	Keys       []Field  `json:"keys,omitempty"`
	Assertions []Field  `json:"assertions,omitempty"`
	Returning  []string `json:"returning,omitempty"`
	DateFormat string   `json:"dateformat"`
}

// Insert builds an insert request.
func Insert(table string, values []Field, returning ...string) *DML {
	return &DML{Kind: KindInsert, Table: table, Values: values, Returning: returning}
}

// Update builds an update request.
func Update(table string, values, keys, assertions []Field, returning ...string) *DML {
	return &DML{Kind: KindUpdate, Table: table, Values: values, Keys: keys, Assertions: assertions, Returning: returning}
}

// Delete builds a delete request.
func Delete(table string, keys, assertions []Field) *DML {
	return &DML{Kind: KindDelete, Table: table, Keys: keys, Assertions: assertions}
}

func (*DML) Method() string { return http.MethodPatch }

// Action implements Request. Returning requests append "?returning=true".
func (d *DML) Action() string {
	if len(d.Returning) > 0 {
		return string(d.Kind) + "?returning=true"
	}
	return string(d.Kind)
}

// Serialize implements Request.
func (d *DML) Serialize() any {
	return DMLBody{
		Request:    string(d.Kind),
		Table:      d.Table,
		Source:     d.Source,
		Values:     d.Values,
		Keys:       d.Keys,
		Assertions: d.Assertions,
		Returning:  d.Returning,
		DateFormat: DateFormat,
	}
}

// Execute sends the request.
func (d *DML) Execute(ctx context.Context, t Transport) *Response { return t.Send(ctx, d) }

// Procedure executes an arbitrary statement or procedure call. Output bind
// values come back as a keyed object.
type Procedure struct {
	SQL        string
	BindValues []bind.BindValue

	// Patch sends the request with PATCH, for statements that write.
	Patch bool
}

// ExecBody is the JSON body of a Procedure request.
type ExecBody struct {
	Request    string      `json:"request"`
	SQL        string      `json:"sql"`
	BindValues []bind.Wire `json:"bindvalues,omitempty"`
	DateFormat string      `json:"dateformat"`
}

// Method implements Request.
func (p *Procedure) Method() string {
	if p.Patch {
		return http.MethodPatch
	}
	return http.MethodPost
}

func (*Procedure) Action() string { return "exec" }

// Serialize implements Request.
func (p *Procedure) Serialize() any {
	return ExecBody{Request: "exec", SQL: p.SQL, BindValues: bind.WireAll(p.BindValues), DateFormat: DateFormat}
}

// Execute sends the request.
func (p *Procedure) Execute(ctx context.Context, t Transport) *Response { return t.Send(ctx, p) }

// Ping keeps the session alive.
type Ping struct{}

// PingBody is the JSON body of a Ping request.
type PingBody struct {
	KeepAlive bool `json:"keepalive"`
}

func (*Ping) Method() string { return http.MethodPost }
func (*Ping) Action() string { return "ping" }

// Serialize implements Request.
func (*Ping) Serialize() any { return PingBody{KeepAlive: true} }

// Execute sends the request.
func (p *Ping) Execute(ctx context.Context, t Transport) *Response { return t.Send(ctx, p) }

// Control is a body-less session request: commit, rollback or disconnect.
type Control struct {
	action string
}

var (
	// Commit ends the session transaction, keeping its writes.
	Commit = &Control{action: "commit"}

	// Rollback ends the session transaction, discarding its writes.
	Rollback = &Control{action: "rollback"}

	// Disconnect ends the session.
	Disconnect = &Control{action: "disconnect"}
)

func (*Control) Method() string   { return http.MethodPost }
func (c *Control) Action() string { return c.action }

// Serialize implements Request.
func (*Control) Serialize() any { return struct{}{} }

// Execute sends the request.
func (c *Control) Execute(ctx context.Context, t Transport) *Response { return t.Send(ctx, c) }

// Batch runs requests as one atomic unit. The gateway stops at the first
// failing step and reverts the others.
type Batch struct {
	Steps []Request
}

// Step is one entry of a batch body.
type Step struct {
	Method string `json:"method"`
	Action string `json:"action"`
	Body   any    `json:"body"`
}

// BatchBody is the JSON body of a Batch request.
type BatchBody struct {
	Steps []Step `json:"steps"`
}

// Add appends a step.
func (b *Batch) Add(req Request) *Batch {
	b.Steps = append(b.Steps, req)
	return b
}

func (*Batch) Method() string { return http.MethodPost }
func (*Batch) Action() string { return "batch" }

// Serialize implements Request.
func (b *Batch) Serialize() any {
	body := BatchBody{Steps: make([]Step, len(b.Steps))}
	for i, s := range b.Steps {
		body.Steps[i] = Step{Method: s.Method(), Action: s.Action(), Body: s.Serialize()}
	}
	return body
}

// Execute sends the request.
func (b *Batch) Execute(ctx context.Context, t Transport) *Response { return t.Send(ctx, b) }
