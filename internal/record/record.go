// Package record holds the row entity shared by data sources, the wrapper
// cache and the block layer.
//
// A Record keeps two views of a row: the working values the user edits and
// the pre-image, the values as last known to the backend. Update statements
// send only dirty columns and assert the pre-image so the backend can
// detect a concurrent change.
//
// Column names are case-insensitive. A Record is not safe for concurrent
// use.
package record

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/formsql/internal/wire"
)

// Record is one row with dirty tracking and a lifecycle state.
type Record struct {
	id       int64
	columns  []string
	values   map[string]any
	initial  map[string]any
	dirty    map[string]bool
	state    State
	locked   bool
	failed   bool
	prepared bool
	response *wire.Response
}

// Blank creates a record in state New for a row the block is about to
// insert.
func Blank(columns ...string) *Record {
	return newRecord(New, columns)
}

// FromValues materializes a fetched row. The values become both the working
// values and the pre-image.
func FromValues(columns []string, values []any) *Record {
	r := newRecord(Query, columns)
	for i, c := range r.columns {
		if i < len(values) {
			r.values[c] = values[i]
			r.initial[c] = values[i]
		}
	}
	return r
}

// FromMap materializes a fetched row from a keyed object. Columns absent
// from values are null.
func FromMap(columns []string, values map[string]any) *Record {
	r := newRecord(Query, columns)
	for k, v := range values {
		k = key(k)
		if _, ok := r.values[k]; !ok {
			r.columns = append(r.columns, k)
		}
		r.values[k] = v
		r.initial[k] = v
	}
	return r
}

func newRecord(state State, columns []string) *Record {
	r := &Record{
		id:      ids.Next(),
		values:  make(map[string]any, len(columns)),
		initial: make(map[string]any, len(columns)),
		dirty:   make(map[string]bool),
		state:   state,
	}
	for _, c := range columns {
		c = key(c)
		if _, ok := r.values[c]; ok {
			continue
		}
		r.columns = append(r.columns, c)
		r.values[c] = nil
		r.initial[c] = nil
	}
	return r
}

func key(column string) string {
	return strings.ToLower(strings.TrimSpace(column))
}

// ID returns the stable record id.
func (r *Record) ID() int64 { return r.id }

// Columns returns the column names in row order.
func (r *Record) Columns() []string {
	return append([]string(nil), r.columns...)
}

// Has reports whether the record carries the column.
func (r *Record) Has(column string) bool {
	_, ok := r.values[key(column)]
	return ok
}

// Value returns the working value of a column, or nil.
func (r *Record) Value(column string) any {
	return r.values[key(column)]
}

// Initial returns the pre-image value of a column.
func (r *Record) Initial(column string) any {
	return r.initial[key(column)]
}

// SetValue changes a working value and marks the column dirty. Setting a
// column back to its pre-image value clears the mark. Unknown columns are
// added.
func (r *Record) SetValue(column string, value any) {
	k := key(column)
	if _, ok := r.values[k]; !ok {
		r.columns = append(r.columns, k)
		r.initial[k] = nil
	}
	r.values[k] = value
	if same(r.initial[k], value) {
		delete(r.dirty, k)
		return
	}
	r.dirty[k] = true
}

// Values returns a copy of the working values.
func (r *Record) Values() map[string]any {
	out := make(map[string]any, len(r.values))
	for k, v := range r.values {
		out[k] = v
	}
	return out
}

// Row returns the working values in column order.
func (r *Record) Row() []any {
	out := make([]any, len(r.columns))
	for i, c := range r.columns {
		out[i] = r.values[c]
	}
	return out
}

// Strings renders the working values in column order for display and copy.
// Null values render as the empty string.
func (r *Record) Strings() []string {
	out := make([]string, len(r.columns))
	for i, c := range r.columns {
		out[i] = Format(r.values[c])
	}
	return out
}

// Dirty returns the dirty columns in row order.
func (r *Record) Dirty() []string {
	var out []string
	for _, c := range r.columns {
		if r.dirty[c] {
			out = append(out, c)
		}
	}
	return out
}

// IsDirty reports whether a column, or any column when none is given, is
// dirty.
func (r *Record) IsDirty(column ...string) bool {
	if len(column) == 0 {
		return len(r.dirty) > 0
	}
	return r.dirty[key(column[0])]
}

// State returns the lifecycle state.
func (r *Record) State() State { return r.state }

// SetState moves the record to s.
func (r *Record) SetState(s State) error {
	if r.state == s && s != Consistent {
		return nil
	}
	if !CanTransition(r.state, s) {
		return fmt.Errorf("%w: record %d from %s to %s", ErrIllegalTransition, r.id, r.state, s)
	}
	r.state = s
	return nil
}

// Locked reports whether the backend row is locked for this session.
func (r *Record) Locked() bool { return r.locked }

// MarkAsLocked records the lock status.
func (r *Record) MarkAsLocked(locked bool) { r.locked = locked }

// Failed reports whether the last backend operation on the record failed.
func (r *Record) Failed() bool { return r.failed }

// SetFailed records the failure status.
func (r *Record) SetFailed(failed bool) { r.failed = failed }

// Prepared reports whether the block has accepted the record for display.
func (r *Record) Prepared() bool { return r.prepared }

// SetPrepared records whether the block has accepted the record.
func (r *Record) SetPrepared(prepared bool) { r.prepared = prepared }

// Response returns the last backend response for the record, or nil.
func (r *Record) Response() *wire.Response { return r.response }

// SetResponse stores the last backend response.
func (r *Record) SetResponse(resp *wire.Response) { r.response = resp }

// Refresh applies the backend's current values after a concurrent change
// was detected. The pre-image takes every backend value; working values of
// clean columns follow, dirty columns keep what the user typed. Columns
// whose backend value now equals the working value are no longer dirty.
func (r *Record) Refresh(values map[string]any) {
	for k, v := range values {
		k = key(k)
		if _, ok := r.values[k]; !ok {
			r.columns = append(r.columns, k)
			r.values[k] = v
		}
		r.initial[k] = v
		if !r.dirty[k] {
			r.values[k] = v
		} else if same(r.values[k], v) {
			delete(r.dirty, k)
		}
	}
}

// Synchronized marks a successful flush. Returned values (from a returning
// clause) overwrite the working values, the pre-image becomes the working
// values and the dirty set is cleared.
func (r *Record) Synchronized(returned map[string]any) error {
	if err := r.SetState(Consistent); err != nil {
		return err
	}
	for k, v := range returned {
		k = key(k)
		if _, ok := r.values[k]; !ok {
			r.columns = append(r.columns, k)
		}
		r.values[k] = v
	}
	for k, v := range r.values {
		r.initial[k] = v
	}
	clear(r.dirty)
	r.failed = false
	return nil
}

// Reset discards working changes and returns to the pre-image.
func (r *Record) Reset() {
	for k, v := range r.initial {
		r.values[k] = v
	}
	clear(r.dirty)
}

// String describes the record for logs.
func (r *Record) String() string {
	return fmt.Sprintf("record(%d %s %v)", r.id, r.state, r.Strings())
}

// same compares values as the backend would see them.
func same(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if ta, ok := a.(time.Time); ok {
		tb, ok := b.(time.Time)
		return ok && ta.Equal(tb)
	}
	if reflect.TypeOf(a).Comparable() && reflect.TypeOf(b).Comparable() && a == b {
		return true
	}
	_, sa := a.(string)
	_, sb := b.(string)
	if sa != sb {
		return false
	}
	// int vs int64 vs float64 of the same number
	return Format(a) == Format(b)
}

// Format renders a value the way Strings does.
func Format(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case time.Time:
		return val.UTC().Format(time.RFC3339)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case *time.Time:
		if val == nil {
			return ""
		}
		return val.UTC().Format(time.RFC3339)
	case []byte:
		return string(val)
	}
	return fmt.Sprint(v)
}
