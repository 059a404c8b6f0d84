// Package wrapper implements the windowed record cache a form block reads
// through.
//
// A Wrapper sits between a Block and a datasource.DataSource. It hands out
// records one at a time, pulling pages of ArrayFetch rows on demand, keeps
// every materialized record in order, tracks the records changed since
// the last flush, and runs the block's hooks around each operation.
//
// A Wrapper is not safe for concurrent use.
package wrapper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/roach88/formsql/internal/datasource"
	"github.com/roach88/formsql/internal/filter"
	"github.com/roach88/formsql/internal/record"
	"github.com/roach88/formsql/internal/wire"
)

// ErrRejected is returned by Fetch when the block's OnFetch hook refuses a
// record.
var ErrRejected = errors.New("record rejected by block")

// Wrapper is the windowed cache over a data source.
type Wrapper struct {
	source datasource.DataSource
	block  Block
	logger *slog.Logger

	// cache holds materialized records in backend order.
	cache []*record.Record

	// hwm counts the records handed out to the block.
	hwm int
	eof bool

	dirty []*record.Record

	// removed holds deleted records until a flush makes the removal final.
	removed []removal
}

// removal is a deleted record and where it sat in the cache.
type removal struct {
	r      *record.Record
	at     int
	handed bool
}

// New returns a wrapper over source. A nil block accepts everything.
func New(source datasource.DataSource, block Block, logger *slog.Logger) *Wrapper {
	if source == nil {
		panic("wrapper: nil data source")
	}
	if block == nil {
		block = BaseBlock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Wrapper{source: source, block: block, logger: logger}
}

// Source returns the wrapped data source.
func (w *Wrapper) Source() datasource.DataSource { return w.source }

// Query discards the cache and starts a new result set.
func (w *Wrapper) Query(ctx context.Context, where *filter.Structure) error {
	w.reset()
	if err := w.source.Query(ctx, where); err != nil {
		return fmt.Errorf("query %s: %w", w.source.Name(), err)
	}
	return nil
}

func (w *Wrapper) reset() {
	w.cache, w.hwm, w.eof, w.dirty, w.removed = nil, 0, false, nil, nil
}

// Fetch hands out the next record: from the cache when one is left,
// otherwise from a new page. It returns nil at end of data.
func (w *Wrapper) Fetch(ctx context.Context) (*record.Record, error) {
	if w.hwm >= len(w.cache) {
		n, err := w.pull(ctx)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, nil
		}
	}

	r := w.cache[w.hwm]
	w.hwm++
	if !r.Prepared() {
		if !w.block.OnFetch(r) {
			w.hwm--
			return nil, fmt.Errorf("%w: %s", ErrRejected, r)
		}
		r.SetPrepared(true)
	}
	return r, nil
}

// pull appends the next page to the cache and returns its size. A short
// page marks end of data.
func (w *Wrapper) pull(ctx context.Context) (int, error) {
	if w.eof {
		return 0, nil
	}
	page, err := w.source.Fetch(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetch %s: %w", w.source.Name(), err)
	}
	w.cache = append(w.cache, page...)
	if len(page) < w.source.ArrayFetch() {
		w.eof = true
	}
	w.logger.Debug("page", "source", w.source.Name(), "rows", len(page), "cached", len(w.cache), "eof", w.eof)
	return len(page), nil
}

// Prefetch makes count records starting offset rows past the current
// position available without handing them out, and returns how many are.
// A negative count reports how many of the -count records before that
// point exist.
func (w *Wrapper) Prefetch(ctx context.Context, offset, count int) (int, error) {
	start := max(w.hwm+offset, 0)
	if count < 0 {
		return min(-count, min(start, len(w.cache))), nil
	}
	for len(w.cache) < start+count && !w.eof {
		if _, err := w.pull(ctx); err != nil {
			return 0, err
		}
	}
	return max(min(count, len(w.cache)-start), 0), nil
}

// Create inserts a blank record next to current (before it when before is
// set) and returns it, prepared. A nil current places it at the position.
func (w *Wrapper) Create(current *record.Record, before bool) *record.Record {
	r := record.Blank(w.source.Columns()...)
	r.SetPrepared(true)

	at := w.hwm
	if i := w.index(current); i >= 0 {
		at = i
		if !before {
			at++
		}
	}
	w.cache = slices.Insert(w.cache, at, r)
	if at <= w.hwm {
		w.hwm++
	}
	return r
}

// Insert stages a new record.
func (w *Wrapper) Insert(ctx context.Context, r *record.Record) bool {
	if !w.block.PreInsert(r) {
		return false
	}
	ok := w.source.Insert(ctx, r)
	if ok {
		w.markDirty(r)
	}
	w.block.PostInsert(r)
	return ok
}

// Update stages a changed record.
func (w *Wrapper) Update(ctx context.Context, r *record.Record) bool {
	if !w.block.PreUpdate(r) {
		return false
	}
	ok := w.source.Update(ctx, r)
	if ok {
		w.markDirty(r)
	}
	w.block.PostUpdate(r)
	return ok
}

// Delete stages the deletion of r and removes it from the cache. A flush
// that fails puts the record back where it was.
func (w *Wrapper) Delete(ctx context.Context, r *record.Record) bool {
	if !w.block.PreDelete(r) {
		return false
	}
	backed := r.State() != record.New && r.State() != record.Inserted
	ok := w.source.Delete(ctx, r)
	if ok {
		if at := w.index(r); at >= 0 && backed {
			w.removed = append(w.removed, removal{r: r, at: at, handed: at < w.hwm})
		}
		w.remove(r)
		w.markDirty(r)
	}
	w.block.PostDelete(r)
	return ok
}

// Lock locks the backend row of r. Records not yet on the backend need no
// lock.
func (w *Wrapper) Lock(ctx context.Context, r *record.Record) bool {
	switch {
	case r.State() == record.New || r.State() == record.Inserted:
		return true
	case r.Locked():
		return true
	}
	if !w.source.Lock(ctx, r) {
		if r.Response() != nil && r.Response().Outcome == wire.Violation {
			w.block.OnRefresh(r)
		}
		return false
	}
	return true
}

// Flush commits the staged records. On success the dirty list is cleared.
// Records that hit a violation were refreshed by the source and are
// passed to the block's OnRefresh.
func (w *Wrapper) Flush(ctx context.Context) ([]*record.Record, error) {
	flushed, err := w.source.Flush(ctx)
	if err != nil {
		w.restore()
		for _, r := range flushed {
			if r.Failed() && r.Response() != nil && r.Response().Outcome == wire.Violation {
				w.block.OnRefresh(r)
			}
		}
		return flushed, fmt.Errorf("flush %s: %w", w.source.Name(), err)
	}
	w.dirty = nil
	for _, rm := range w.removed {
		w.remove(rm.r)
	}
	w.removed = nil
	for _, r := range flushed {
		if r.Response() == nil {
			r.SetResponse(wire.OKResponse())
		}
	}
	w.logger.Debug("flushed", "source", w.source.Name(), "records", len(flushed))
	return flushed, nil
}

// Copy renders the prepared cached records as strings, optionally with a
// header row. With all set, the remaining records are fetched first so each
// one passes the block's OnFetch hook; rejected records are skipped and stay
// unprepared.
func (w *Wrapper) Copy(ctx context.Context, header, all bool) ([][]string, error) {
	if all {
		if err := w.drain(ctx); err != nil {
			return nil, err
		}
	}
	columns := w.source.Columns()
	var out [][]string
	if header {
		out = append(out, columns)
	}
	for _, r := range w.cache {
		if !r.Prepared() {
			continue
		}
		row := make([]string, len(columns))
		for i, c := range columns {
			row[i] = record.Format(r.Value(c))
		}
		out = append(out, row)
	}
	return out, nil
}

// drain fetches every remaining record, stepping past rejected ones.
func (w *Wrapper) drain(ctx context.Context) error {
	for {
		r, err := w.Fetch(ctx)
		switch {
		case errors.Is(err, ErrRejected):
			w.hwm++
		case err != nil:
			return err
		case r == nil:
			return nil
		}
	}
}

// Clear discards the cache and closes the cursor.
func (w *Wrapper) Clear(ctx context.Context) {
	w.source.CloseCursor(ctx)
	w.reset()
}

// Refresh rereads r from the backend.
func (w *Wrapper) Refresh(ctx context.Context, r *record.Record) bool {
	if !w.source.Refresh(ctx, r) {
		return false
	}
	w.block.OnRefresh(r)
	return true
}

// Get returns the cached record at i, or nil.
func (w *Wrapper) Get(i int) *record.Record {
	if i < 0 || i >= len(w.cache) {
		return nil
	}
	return w.cache[i]
}

// Length returns the number of cached records.
func (w *Wrapper) Length() int { return len(w.cache) }

// Position returns the number of records handed out.
func (w *Wrapper) Position() int { return w.hwm }

// Eof reports whether the source has no further pages.
func (w *Wrapper) Eof() bool { return w.eof }

// Dirty returns the records changed since the last successful flush.
func (w *Wrapper) Dirty() []*record.Record { return slices.Clone(w.dirty) }

// Window returns the cached records in [from, to), clamped to the cache.
func (w *Wrapper) Window(from, to int) []*record.Record {
	from = max(from, 0)
	to = min(to, len(w.cache))
	if from >= to {
		return nil
	}
	return slices.Clone(w.cache[from:to])
}

func (w *Wrapper) index(r *record.Record) int {
	if r == nil {
		return -1
	}
	return slices.IndexFunc(w.cache, func(c *record.Record) bool { return c.ID() == r.ID() })
}

func (w *Wrapper) remove(r *record.Record) {
	i := w.index(r)
	if i < 0 {
		return
	}
	w.cache = slices.Delete(w.cache, i, i+1)
	if i < w.hwm {
		w.hwm--
	}
}

// restore reinserts deleted records that are not in the cache, undoing
// the removals in reverse order.
func (w *Wrapper) restore() {
	for i := len(w.removed) - 1; i >= 0; i-- {
		rm := w.removed[i]
		if rm.r.State() != record.Deleted || w.index(rm.r) >= 0 {
			continue
		}
		w.cache = slices.Insert(w.cache, min(rm.at, len(w.cache)), rm.r)
		if rm.handed {
			w.hwm++
		}
	}
}

func (w *Wrapper) markDirty(r *record.Record) {
	if !slices.ContainsFunc(w.dirty, func(d *record.Record) bool { return d.ID() == r.ID() }) {
		w.dirty = append(w.dirty, r)
	}
}
