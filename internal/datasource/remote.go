package datasource

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/roach88/formsql/internal/bind"
	"github.com/roach88/formsql/internal/filter"
	"github.com/roach88/formsql/internal/record"
	"github.com/roach88/formsql/internal/wire"
)

// target addresses the backend for a remote source: a table, a wrapped
// query or a named gateway source.
type target interface {
	// selectRows builds a select of columns matching where.
	selectRows(columns []string, where *filter.Structure, sorting string, lock bool) (*wire.Select, error)

	// dml addresses a DML request.
	dml(kind wire.DMLKind) *wire.DML
}

// remote implements DataSource over a wire.Transport for any target.
type remote struct {
	base
	conn      wire.Transport
	target    target
	returning []string

	// types are column types learned from query responses.
	types map[string]bind.DataType

	cursor  string
	pending []*record.Record
	more    bool
	queried bool
}

func newRemote(name string, conn wire.Transport, t target, caps Capabilities, logger *slog.Logger) remote {
	if conn == nil {
		panic("datasource: nil transport")
	}
	return remote{base: newBase(name, caps, logger), conn: conn, target: t, types: map[string]bind.DataType{}}
}

// clone copies the configuration for a variant's Clone.
func (d *remote) clone(t target) remote {
	return remote{
		base:      d.config(),
		conn:      d.conn,
		target:    t,
		returning: append([]string(nil), d.returning...),
		types:     map[string]bind.DataType{},
	}
}

// Returning returns the columns read back after writes.
func (d *remote) Returning() []string { return append([]string(nil), d.returning...) }

// SetReturning sets the columns read back after writes. Inserts always
// read back the primary key as well.
func (d *remote) SetReturning(columns ...string) { d.returning = normalize(columns) }

// Query closes any open cursor and runs the select, buffering the first
// page.
func (d *remote) Query(ctx context.Context, where *filter.Structure) error {
	d.CloseCursor(ctx)
	d.queried = false

	req, err := d.target.selectRows(d.columns, where, d.sorting, false)
	if err != nil {
		return misuse(d.name, "query", err)
	}
	req.Rows = d.arrayFetch
	req.Cursor = true
	resp := req.Execute(ctx, d.conn)
	if !resp.Success {
		return responseError(d.name, "query", resp)
	}
	d.learn(resp)
	d.pending = d.records(resp)
	d.cursor, d.more, d.queried = resp.Cursor, resp.More, true
	d.logger.Debug("query", "source", d.name, "rows", resp.Len(), "more", resp.More)
	return nil
}

// Fetch returns the buffered first page, then pulls further pages from
// the server cursor.
func (d *remote) Fetch(ctx context.Context) ([]*record.Record, error) {
	if !d.queried {
		return nil, misuse(d.name, "fetch", ErrNotQueried)
	}
	if d.pending != nil {
		page := d.pending
		d.pending = nil
		return page, nil
	}
	if !d.more || d.cursor == "" {
		return []*record.Record{}, nil
	}
	resp := (&wire.Fetch{Cursor: d.cursor, Rows: d.arrayFetch}).Execute(ctx, d.conn)
	if !resp.Success {
		d.more = false
		return nil, responseError(d.name, "fetch", resp)
	}
	d.more = resp.More
	if !d.more {
		d.cursor = ""
	}
	return d.records(resp), nil
}

// CloseCursor detaches the cursor and closes it on the server in the
// background.
func (d *remote) CloseCursor(ctx context.Context) bool {
	d.pending, d.more = nil, false
	cursor := d.cursor
	d.cursor = ""
	if cursor == "" {
		return true
	}
	ctx = context.WithoutCancel(ctx)
	go func() {
		if resp := (&wire.CloseCursor{Cursor: cursor}).Execute(ctx, d.conn); !resp.Success {
			d.logger.Debug("close cursor", "source", d.name, "cursor", cursor, "error", resp.Message)
		}
	}()
	return true
}

// learn records column types and, when unset, the column list.
func (d *remote) learn(resp *wire.Response) {
	for i, c := range resp.Columns {
		c = strings.ToLower(c)
		if i < len(resp.Types) && resp.Types[i] != bind.Unknown {
			d.types[c] = resp.Types[i]
		}
	}
	if len(d.columns) == 0 {
		d.columns = normalize(resp.Columns)
	}
}

func (d *remote) records(resp *wire.Response) []*record.Record {
	columns := normalize(resp.Columns)
	out := make([]*record.Record, 0, resp.Len())
	for _, row := range resp.Rows {
		out = append(out, record.FromValues(columns, row))
	}
	return out
}

func (d *remote) field(column string, value any) wire.Field {
	return wire.NewField(column, value, d.types[column])
}

// Lock selects the row for update and compares it with the pre-image.
func (d *remote) Lock(ctx context.Context, r *record.Record) bool {
	if !d.caps.Lock {
		return d.refuse(r, "lock")
	}
	where, err := d.keyFilter(r)
	if err != nil {
		r.SetResponse(wire.Failure(wire.BackendRejection, "%v", err))
		return false
	}
	req, err := d.target.selectRows(r.Columns(), where, "", true)
	if err != nil {
		r.SetResponse(wire.Failure(wire.BackendRejection, "%v", err))
		return false
	}
	for _, c := range d.asserted(r) {
		req.Assertions = append(req.Assertions, bind.NewTyped(c, r.Initial(c), d.types[c]))
	}
	resp := req.Execute(ctx, d.conn)
	r.SetResponse(resp)

	switch {
	case resp.Outcome == wire.Violation:
		d.violated(ctx, r)
		return false
	case !resp.Success:
		r.SetFailed(true)
		return false
	case resp.Len() == 0:
		r.SetFailed(true)
		r.SetResponse(wire.Failure(wire.BackendRejection, "%s: row not found", d.name))
		return false
	}
	// Assertions were checked by the gateway; compare anyway when it
	// returned the row without them.
	if v := mismatches(r, resp.Map(0)); len(v) > 0 {
		r.SetResponse(&wire.Response{Outcome: wire.Violation, Message: "row changed", Violations: v})
		d.violated(ctx, r)
		return false
	}
	r.MarkAsLocked(true)
	r.SetFailed(false)
	return true
}

// violated handles an assertion failure on r: the lock is dropped and
// the pre-image refreshed, dirty values are kept.
func (d *remote) violated(ctx context.Context, r *record.Record) {
	r.MarkAsLocked(false)
	r.SetFailed(true)
	resp := r.Response()
	d.Refresh(ctx, r)
	r.SetFailed(true)
	r.SetResponse(resp)
	d.logger.Warn("row changed", "source", d.name, "record", r.ID())
}

// asserted lists the non-key columns of r.
func (d *remote) asserted(r *record.Record) []string {
	var out []string
	for _, c := range r.Columns() {
		if !containsFold(d.primaryKey, c) {
			out = append(out, c)
		}
	}
	return out
}

// assertions are the pre-image values of every non-key column.
func (d *remote) assertions(r *record.Record) []wire.Field {
	var out []wire.Field
	for _, c := range d.asserted(r) {
		out = append(out, d.field(c, r.Initial(c)))
	}
	return out
}

func (d *remote) keys(r *record.Record) []wire.Field {
	out := make([]wire.Field, 0, len(d.primaryKey))
	for _, k := range d.primaryKey {
		out = append(out, d.field(k, r.Initial(k)))
	}
	return out
}

func (d *remote) Insert(_ context.Context, r *record.Record) bool { return d.stageInsert(r) }
func (d *remote) Update(_ context.Context, r *record.Record) bool { return d.stageUpdate(r) }
func (d *remote) Delete(_ context.Context, r *record.Record) bool { return d.stageDelete(r) }

// Refresh rereads r by the pre-image of its primary key.
func (d *remote) Refresh(ctx context.Context, r *record.Record) bool {
	where, err := d.keyFilter(r)
	if err != nil {
		return false
	}
	req, err := d.target.selectRows(r.Columns(), where, "", false)
	if err != nil {
		return false
	}
	resp := req.Execute(ctx, d.conn)
	if !resp.Success {
		return false
	}
	if resp.Len() == 0 {
		r.SetFailed(true)
		return false
	}
	d.learn(resp)
	r.Refresh(resp.Map(0))
	return true
}

// statement builds the DML request for a staged record, or nil when there
// is nothing to send.
func (d *remote) statement(r *record.Record) *wire.DML {
	switch r.State() {
	case record.Inserted:
		req := d.target.dml(wire.KindInsert)
		for _, c := range r.Columns() {
			if v := r.Value(c); v != nil {
				req.Values = append(req.Values, d.field(c, v))
			}
		}
		req.Returning = union(d.primaryKey, d.returning)
		return req

	case record.Updated:
		dirty := r.Dirty()
		if len(dirty) == 0 {
			return nil
		}
		req := d.target.dml(wire.KindUpdate)
		for _, c := range dirty {
			req.Values = append(req.Values, d.field(c, r.Value(c)))
		}
		req.Keys = d.keys(r)
		if !r.Locked() {
			req.Assertions = d.assertions(r)
		}
		req.Returning = d.returning
		return req

	case record.Deleted:
		req := d.target.dml(wire.KindDelete)
		req.Keys = d.keys(r)
		if !r.Locked() {
			req.Assertions = d.assertions(r)
		}
		return req
	}
	return nil
}

// Flush sends every staged record in one batch.
func (d *remote) Flush(ctx context.Context) ([]*record.Record, error) {
	staged := d.takeStaged()
	if len(staged) == 0 {
		return nil, nil
	}

	batch := &wire.Batch{}
	var sent []*record.Record
	var errs []error
	for _, r := range staged {
		req := d.statement(r)
		if req == nil {
			r.SetResponse(wire.OKResponse())
			if err := r.Synchronized(nil); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		batch.Add(req)
		sent = append(sent, r)
	}
	if len(sent) == 0 {
		if err := errors.Join(errs...); err != nil {
			return staged, misuse(d.name, "flush", err)
		}
		return staged, nil
	}

	resp := batch.Execute(ctx, d.conn)
	if !resp.Success {
		failing := -1
		var step *wire.Response
		if n := len(resp.Steps); n > 0 && n <= len(sent) && !resp.Steps[n-1].Success {
			failing, step = n-1, resp.Steps[n-1]
		}
		if step == nil {
			step = resp
		}
		rejectFlush(sent, failing, step, resp)
		if failing >= 0 && step.Outcome == wire.Violation {
			d.violated(ctx, sent[failing])
		}
		d.staged = staged
		d.logger.Warn("flush rejected", "source", d.name, "outcome", resp.Outcome, "error", resp.Message)
		return staged, responseError(d.name, "flush", resp)
	}

	for i, r := range sent {
		step := resp
		if i < len(resp.Steps) {
			step = resp.Steps[i]
		}
		r.SetResponse(step)
		if err := r.Synchronized(step.Returned()); err != nil {
			errs = append(errs, err)
		}
	}
	d.logger.Debug("flush", "source", d.name, "records", len(sent))
	if err := errors.Join(errs...); err != nil {
		return staged, misuse(d.name, "flush", err)
	}
	return staged, nil
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

func union(a, b []string) []string {
	out := append([]string(nil), a...)
	for _, s := range b {
		if !containsFold(out, s) {
			out = append(out, s)
		}
	}
	return out
}
