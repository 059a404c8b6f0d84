package datasource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/roach88/formsql/internal/filter"
	"github.com/roach88/formsql/internal/record"
	"github.com/roach88/formsql/internal/wire"
)

// Table is an in-memory row store. MemoryTable clones share one Table.
type Table struct {
	mu      sync.RWMutex
	columns []string
	rows    [][]any
}

// NewTable returns a table with the given columns and rows. Rows shorter
// than the column list are padded with NULL.
func NewTable(columns []string, rows ...[]any) *Table {
	t := &Table{columns: normalize(columns)}
	for _, row := range rows {
		t.rows = append(t.rows, t.pad(row))
	}
	return t
}

func (t *Table) pad(row []any) []any {
	out := make([]any, len(t.columns))
	copy(out, row)
	return out
}

// Columns returns the column names.
func (t *Table) Columns() []string { return append([]string(nil), t.columns...) }

// Len returns the number of rows.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rows)
}

// Rows returns a copy of the rows.
func (t *Table) Rows() [][]any {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([][]any, len(t.rows))
	for i, row := range t.rows {
		out[i] = append([]any(nil), row...)
	}
	return out
}

// Append adds a row.
func (t *Table) Append(row []any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rows = append(t.rows, t.pad(row))
}

// Set overwrites one cell of the first row whose column key equals
// keyValue. It reports whether such a row exists.
func (t *Table) Set(key string, keyValue any, column string, value any) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	k, c := t.index(key), t.index(column)
	if k < 0 || c < 0 {
		return false
	}
	match := filter.Equals(key).SetConstraint(keyValue)
	for i, row := range t.rows {
		if match.Evaluate(filter.Values{key: row[k]}) {
			updated := append([]any(nil), row...)
			updated[c] = value
			t.rows[i] = updated
			return true
		}
	}
	return false
}

func (t *Table) index(column string) int {
	return slices.Index(t.columns, strings.ToLower(column))
}

func (t *Table) values(row []any) filter.Values {
	m := make(filter.Values, len(t.columns))
	for i, c := range t.columns {
		m[c] = row[i]
	}
	return m
}

// find returns the index of the row matching keys, or -1.
func (t *Table) find(rows [][]any, keys map[string]any) int {
	where := filter.NewStructure()
	for k, v := range keys {
		where.And(filter.Equals(k).SetConstraint(v), k)
	}
	for i, row := range rows {
		if where.Evaluate(t.values(row)) {
			return i
		}
	}
	return -1
}

// MemoryTable is a data source over a Table. Filters are evaluated and
// sorting applied client-side; staged changes are applied atomically on
// Flush.
type MemoryTable struct {
	base
	table *Table

	result  [][]any
	pos     int
	queried bool
}

var _ DataSource = (*MemoryTable)(nil)

// NewMemoryTable returns a source over table. Columns default to the
// table's columns.
func NewMemoryTable(name string, table *Table, logger *slog.Logger) *MemoryTable {
	if table == nil {
		panic("datasource: nil table")
	}
	m := &MemoryTable{base: newBase(name, full, logger), table: table}
	m.columns = table.Columns()
	return m
}

// Table returns the underlying row store.
func (m *MemoryTable) Table() *Table { return m.table }

// Query snapshots the rows matching where, sorted by Sorting.
func (m *MemoryTable) Query(_ context.Context, where *filter.Structure) error {
	keys, err := parseSorting(m.sorting)
	if err != nil {
		return misuse(m.name, "query", err)
	}
	for _, k := range keys {
		if m.table.index(k.column) < 0 {
			return misuse(m.name, "query", fmt.Errorf("unknown sort column %q", k.column))
		}
	}

	m.table.mu.RLock()
	var result [][]any
	for _, row := range m.table.rows {
		if where == nil || where.Evaluate(m.table.values(row)) {
			result = append(result, row)
		}
	}
	m.table.mu.RUnlock()

	if len(keys) > 0 {
		slices.SortStableFunc(result, func(a, b []any) int {
			for _, k := range keys {
				i := m.table.index(k.column)
				if c := compareCells(a[i], b[i]); c != 0 {
					if k.desc {
						return -c
					}
					return c
				}
			}
			return 0
		})
	}

	m.result, m.pos, m.queried = result, 0, true
	m.logger.Debug("memory query", "source", m.name, "rows", len(result))
	return nil
}

// Fetch returns the next ArrayFetch rows of the snapshot.
func (m *MemoryTable) Fetch(context.Context) ([]*record.Record, error) {
	if !m.queried {
		return nil, misuse(m.name, "fetch", ErrNotQueried)
	}
	end := min(m.pos+m.arrayFetch, len(m.result))
	page := make([]*record.Record, 0, end-m.pos)
	for _, row := range m.result[m.pos:end] {
		page = append(page, m.materialize(row))
	}
	m.pos = end
	return page, nil
}

func (m *MemoryTable) materialize(row []any) *record.Record {
	values := make([]any, len(m.columns))
	for i, c := range m.columns {
		if j := m.table.index(c); j >= 0 {
			values[i] = row[j]
		}
	}
	return record.FromValues(m.columns, values)
}

// Lock verifies that the row still matches the pre-image of r.
func (m *MemoryTable) Lock(_ context.Context, r *record.Record) bool {
	keys, err := m.keyValues(r)
	if err != nil {
		r.SetResponse(wire.Failure(wire.BackendRejection, "%v", err))
		return false
	}
	m.table.mu.RLock()
	i := m.table.find(m.table.rows, keys)
	var current filter.Values
	if i >= 0 {
		current = m.table.values(m.table.rows[i])
	}
	m.table.mu.RUnlock()

	if current == nil {
		r.SetFailed(true)
		r.SetResponse(wire.Failure(wire.BackendRejection, "%s: row not found", m.name))
		return false
	}
	if v := mismatches(r, current); len(v) > 0 {
		r.SetResponse(&wire.Response{Outcome: wire.Violation, Message: "row changed", Violations: v})
		r.MarkAsLocked(false)
		r.SetFailed(true)
		r.Refresh(current)
		return false
	}
	r.MarkAsLocked(true)
	r.SetResponse(&wire.Response{Success: true, Outcome: wire.OK, Lock: true})
	return true
}

func (m *MemoryTable) Insert(_ context.Context, r *record.Record) bool { return m.stageInsert(r) }
func (m *MemoryTable) Update(_ context.Context, r *record.Record) bool { return m.stageUpdate(r) }
func (m *MemoryTable) Delete(_ context.Context, r *record.Record) bool { return m.stageDelete(r) }

// Refresh rereads r by the pre-image of its primary key.
func (m *MemoryTable) Refresh(_ context.Context, r *record.Record) bool {
	keys, err := m.keyValues(r)
	if err != nil {
		return false
	}
	m.table.mu.RLock()
	defer m.table.mu.RUnlock()
	i := m.table.find(m.table.rows, keys)
	if i < 0 {
		r.SetFailed(true)
		return false
	}
	r.Refresh(m.table.values(m.table.rows[i]))
	return true
}

// Flush applies every staged record or none of them.
func (m *MemoryTable) Flush(context.Context) ([]*record.Record, error) {
	staged := m.takeStaged()
	if len(staged) == 0 {
		return nil, nil
	}

	m.table.mu.Lock()
	work := slices.Clone(m.table.rows)
	responses := make([]*wire.Response, len(staged))
	for i, r := range staged {
		resp := m.apply(&work, r)
		if !resp.Success {
			var current filter.Values
			if keys, err := m.keyValues(r); err == nil {
				if j := m.table.find(m.table.rows, keys); j >= 0 {
					current = m.table.values(m.table.rows[j])
				}
			}
			m.table.mu.Unlock()

			aggregate := wire.Failure(resp.Outcome, "step %d: %s", i, resp.Message)
			aggregate.Violations = resp.Violations
			rejectFlush(staged, i, resp, aggregate)
			if resp.Outcome == wire.Violation && current != nil {
				r.Refresh(current)
			}
			m.staged = staged
			m.logger.Warn("memory flush rejected", "source", m.name, "record", r.ID(), "reason", resp.Message)
			return staged, responseError(m.name, "flush", aggregate)
		}
		responses[i] = resp
	}
	m.table.rows = work
	m.table.mu.Unlock()

	var errs []error
	for i, r := range staged {
		r.SetResponse(responses[i])
		if err := r.Synchronized(nil); err != nil {
			errs = append(errs, err)
		}
	}
	m.logger.Debug("memory flush", "source", m.name, "records", len(staged))
	if err := errors.Join(errs...); err != nil {
		return staged, misuse(m.name, "flush", err)
	}
	return staged, nil
}

// apply performs one staged change on rows.
func (m *MemoryTable) apply(rows *[][]any, r *record.Record) *wire.Response {
	t := m.table
	switch r.State() {
	case record.Inserted:
		row := make([]any, len(t.columns))
		for i, c := range t.columns {
			row[i] = r.Value(c)
		}
		if len(m.primaryKey) > 0 {
			keys := make(map[string]any, len(m.primaryKey))
			for _, k := range m.primaryKey {
				keys[k] = r.Value(k)
			}
			if t.find(*rows, keys) >= 0 {
				return wire.Failure(wire.BackendRejection, "duplicate key %v", keys)
			}
		}
		*rows = append(*rows, row)

	case record.Updated, record.Deleted:
		keys, err := m.keyValues(r)
		if err != nil {
			return wire.Failure(wire.BackendRejection, "%v", err)
		}
		i := t.find(*rows, keys)
		if i < 0 {
			return wire.Failure(wire.BackendRejection, "row not found")
		}
		if !r.Locked() {
			if v := mismatches(r, t.values((*rows)[i])); len(v) > 0 {
				return &wire.Response{Outcome: wire.Violation, Message: "row changed", Violations: v}
			}
		}
		if r.State() == record.Deleted {
			*rows = slices.Delete(*rows, i, i+1)
			break
		}
		row := append([]any(nil), (*rows)[i]...)
		for _, c := range r.Dirty() {
			if j := t.index(c); j >= 0 {
				row[j] = r.Value(c)
			}
		}
		(*rows)[i] = row

	default:
		return wire.Failure(wire.BackendRejection, "record %d is %s", r.ID(), r.State())
	}
	return &wire.Response{Success: true, Outcome: wire.OK, Writes: 1, Modifies: true}
}

// Clone returns a source sharing the table with a copy of the
// configuration.
func (m *MemoryTable) Clone() DataSource {
	return &MemoryTable{base: m.config(), table: m.table}
}

// CloseCursor drops the snapshot.
func (m *MemoryTable) CloseCursor(context.Context) bool {
	m.result, m.pos, m.queried = nil, 0, false
	return true
}

type sortKey struct {
	column string
	desc   bool
}

func parseSorting(order string) ([]sortKey, error) {
	if strings.TrimSpace(order) == "" {
		return nil, nil
	}
	var keys []sortKey
	for _, part := range strings.Split(order, ",") {
		fields := strings.Fields(strings.ToLower(part))
		switch {
		case len(fields) == 1:
			keys = append(keys, sortKey{column: fields[0]})
		case len(fields) == 2 && (fields[1] == "asc" || fields[1] == "desc"):
			keys = append(keys, sortKey{column: fields[0], desc: fields[1] == "desc"})
		default:
			return nil, fmt.Errorf("invalid sorting %q", order)
		}
	}
	return keys, nil
}

// compareCells orders two values; NULL sorts last.
func compareCells(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	}
	if c, ok := filter.Compare(a, b); ok {
		return c
	}
	return strings.Compare(record.Format(a), record.Format(b))
}
