package datasource

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/roach88/formsql/internal/filter"
	"github.com/roach88/formsql/internal/record"
	"github.com/roach88/formsql/internal/wire"
)

// DefaultArrayFetch is the page size of a new data source.
const DefaultArrayFetch = 20

// DataSource is the capability contract every variant implements.
type DataSource interface {
	// Name identifies the source in logs and errors.
	Name() string

	Columns() []string
	SetColumns(columns ...string)
	PrimaryKey() []string
	SetPrimaryKey(columns ...string)

	// Sorting is an order-by list such as "sal desc, ename".
	Sorting() string
	SetSorting(order string)

	// ArrayFetch is the number of rows per page.
	ArrayFetch() int
	SetArrayFetch(n int)

	Capabilities() Capabilities

	// Query starts a new result set. Any previous cursor is closed and
	// position and end-of-data are reset. A nil filter selects all rows.
	Query(ctx context.Context, where *filter.Structure) error

	// Fetch returns the next page; an empty page means end of data.
	Fetch(ctx context.Context) ([]*record.Record, error)

	// Lock locks the backend row of r after verifying it still matches
	// the pre-image.
	Lock(ctx context.Context, r *record.Record) bool

	// Insert, Update and Delete stage r for the next Flush. Staging the
	// same record twice has no further effect.
	Insert(ctx context.Context, r *record.Record) bool
	Update(ctx context.Context, r *record.Record) bool
	Delete(ctx context.Context, r *record.Record) bool

	// Refresh rereads r from the backend by primary key.
	Refresh(ctx context.Context, r *record.Record) bool

	// Flush commits all staged records as one logical batch and returns
	// them. Every returned record carries a response.
	Flush(ctx context.Context) ([]*record.Record, error)

	// CloseCursor releases the server cursor, if any.
	CloseCursor(ctx context.Context) bool

	// Clone copies the configuration, not the cursor or staged records.
	Clone() DataSource
}

// Capabilities describes which operations a source supports.
type Capabilities struct {
	Insert bool
	Update bool
	Delete bool
	Lock   bool
}

// ReadOnly reports whether the source accepts no DML at all.
func (c Capabilities) ReadOnly() bool {
	return !c.Insert && !c.Update && !c.Delete
}

var (
	full     = Capabilities{Insert: true, Update: true, Delete: true, Lock: true}
	readOnly = Capabilities{}
)

// base holds the configuration and staging list shared by all variants.
type base struct {
	name       string
	columns    []string
	primaryKey []string
	sorting    string
	arrayFetch int
	caps       Capabilities
	logger     *slog.Logger

	staged []*record.Record
}

func newBase(name string, caps Capabilities, logger *slog.Logger) base {
	if logger == nil {
		logger = slog.Default()
	}
	return base{name: name, arrayFetch: DefaultArrayFetch, caps: caps, logger: logger}
}

// config copies configuration only.
func (b *base) config() base {
	return base{
		name:       b.name,
		columns:    append([]string(nil), b.columns...),
		primaryKey: append([]string(nil), b.primaryKey...),
		sorting:    b.sorting,
		arrayFetch: b.arrayFetch,
		caps:       b.caps,
		logger:     b.logger,
	}
}

func (b *base) Name() string { return b.name }

func (b *base) Columns() []string { return append([]string(nil), b.columns...) }

func (b *base) SetColumns(columns ...string) { b.columns = normalize(columns) }

func (b *base) PrimaryKey() []string { return append([]string(nil), b.primaryKey...) }

func (b *base) SetPrimaryKey(columns ...string) { b.primaryKey = normalize(columns) }

func (b *base) Sorting() string { return b.sorting }

func (b *base) SetSorting(order string) { b.sorting = strings.TrimSpace(order) }

func (b *base) ArrayFetch() int { return b.arrayFetch }

// SetArrayFetch sets the page size; values below 1 mean 1.
func (b *base) SetArrayFetch(n int) { b.arrayFetch = max(n, 1) }

func (b *base) Capabilities() Capabilities { return b.caps }

func normalize(columns []string) []string {
	out := make([]string, 0, len(columns))
	for _, c := range columns {
		if c = strings.ToLower(strings.TrimSpace(c)); c != "" {
			out = append(out, c)
		}
	}
	return out
}

// refuse answers an unsupported operation on r.
func (b *base) refuse(r *record.Record, op string) bool {
	r.SetResponse(wire.Failure(wire.BackendRejection, "%s: %s: %v", b.name, op, ErrReadOnly))
	return false
}

func (b *base) isStaged(r *record.Record) bool {
	for _, s := range b.staged {
		if s.ID() == r.ID() {
			return true
		}
	}
	return false
}

func (b *base) stage(r *record.Record) {
	if !b.isStaged(r) {
		b.staged = append(b.staged, r)
	}
}

func (b *base) unstage(r *record.Record) {
	for i, s := range b.staged {
		if s.ID() == r.ID() {
			b.staged = append(b.staged[:i], b.staged[i+1:]...)
			return
		}
	}
}

// transition moves r to s, reporting an illegal move on the record.
func (b *base) transition(r *record.Record, s record.State) bool {
	if err := r.SetState(s); err != nil {
		r.SetResponse(wire.Failure(wire.BackendRejection, "%s: %v", b.name, err))
		return false
	}
	return true
}

func (b *base) stageInsert(r *record.Record) bool {
	if !b.caps.Insert {
		return b.refuse(r, "insert")
	}
	if !b.transition(r, record.Inserted) {
		return false
	}
	b.stage(r)
	return true
}

func (b *base) stageUpdate(r *record.Record) bool {
	if !b.caps.Update {
		return b.refuse(r, "update")
	}
	to := record.Updated
	if r.State() == record.New || r.State() == record.Inserted {
		// Not yet on the backend: still an insert.
		to = record.Inserted
	}
	if !b.transition(r, to) {
		return false
	}
	b.stage(r)
	return true
}

func (b *base) stageDelete(r *record.Record) bool {
	if !b.caps.Delete {
		return b.refuse(r, "delete")
	}
	pending := r.State() == record.New || r.State() == record.Inserted
	if !b.transition(r, record.Deleted) {
		return false
	}
	if pending {
		// Never reached the backend; nothing to send.
		b.unstage(r)
		r.SetResponse(wire.OKResponse())
		return true
	}
	b.stage(r)
	return true
}

// takeStaged returns the staged records and empties the list.
func (b *base) takeStaged() []*record.Record {
	staged := b.staged
	b.staged = nil
	return staged
}

// keyValues returns the pre-image values of the primary key of r.
func (b *base) keyValues(r *record.Record) (map[string]any, error) {
	if len(b.primaryKey) == 0 {
		return nil, fmt.Errorf("%s: no primary key", b.name)
	}
	keys := make(map[string]any, len(b.primaryKey))
	for _, k := range b.primaryKey {
		keys[k] = r.Initial(k)
	}
	return keys, nil
}

// keyFilter matches the row of r by primary key.
func (b *base) keyFilter(r *record.Record) (*filter.Structure, error) {
	keys, err := b.keyValues(r)
	if err != nil {
		return nil, err
	}
	where := filter.NewStructure()
	for _, k := range b.primaryKey {
		where.And(filter.Equals(k).SetConstraint(keys[k]), k)
	}
	return where, nil
}

// mismatches compares a backend row with the pre-image of r.
func mismatches(r *record.Record, row map[string]any) []wire.ColumnViolation {
	var out []wire.ColumnViolation
	for _, c := range r.Columns() {
		actual, ok := row[c]
		if !ok {
			continue
		}
		expected := r.Initial(c)
		if !filter.Equals(c).SetConstraint(expected).Evaluate(filter.Values{c: actual}) {
			out = append(out, wire.ColumnViolation{Column: c, Expected: expected, Actual: actual})
		}
	}
	return out
}

// rejectFlush marks the records of a failed flush. The record at failing
// gets its own step response; the others get the aggregate one and stay
// staged for another attempt.
func rejectFlush(records []*record.Record, failing int, step, aggregate *wire.Response) {
	for i, r := range records {
		if i == failing {
			r.SetResponse(step)
			r.SetFailed(true)
			if step.Outcome == wire.Violation {
				r.MarkAsLocked(false)
			}
			continue
		}
		r.SetResponse(aggregate)
	}
}
