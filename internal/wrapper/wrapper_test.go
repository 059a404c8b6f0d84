package wrapper

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/formsql/internal/datasource"
	"github.com/roach88/formsql/internal/filter"
	"github.com/roach88/formsql/internal/gateway"
	"github.com/roach88/formsql/internal/record"
	"github.com/roach88/formsql/internal/sqlgw"
	"github.com/roach88/formsql/internal/wire"
)

// countingSource counts the pages pulled from the source.
type countingSource struct {
	datasource.DataSource
	fetches int
}

func (c *countingSource) Fetch(ctx context.Context) ([]*record.Record, error) {
	c.fetches++
	return c.DataSource.Fetch(ctx)
}

// recordingBlock logs hook calls and can veto them.
type recordingBlock struct {
	BaseBlock
	calls    []string
	rejectID any
	veto     map[string]bool
}

func (b *recordingBlock) OnFetch(r *record.Record) bool {
	b.calls = append(b.calls, "fetch")
	return r.Value("id") != b.rejectID
}

func (b *recordingBlock) OnRefresh(*record.Record) { b.calls = append(b.calls, "refresh") }

func (b *recordingBlock) PreInsert(*record.Record) bool {
	b.calls = append(b.calls, "preinsert")
	return !b.veto["insert"]
}

func (b *recordingBlock) PostInsert(*record.Record) { b.calls = append(b.calls, "postinsert") }

func (b *recordingBlock) PreDelete(*record.Record) bool {
	b.calls = append(b.calls, "predelete")
	return !b.veto["delete"]
}

func (b *recordingBlock) PostDelete(*record.Record) { b.calls = append(b.calls, "postdelete") }

func newWrapper(t *testing.T, arrayFetch int, rows int) (*Wrapper, *countingSource, *datasource.MemoryTable, *recordingBlock) {
	t.Helper()
	var data [][]any
	for i := 1; i <= rows; i++ {
		data = append(data, []any{i, "r" + string(rune('0'+i))})
	}
	mem := datasource.NewMemoryTable("t", datasource.NewTable([]string{"id", "name"}, data...), nil)
	mem.SetPrimaryKey("id")
	mem.SetArrayFetch(arrayFetch)
	src := &countingSource{DataSource: mem}
	block := &recordingBlock{veto: map[string]bool{}}
	w := New(src, block, nil)
	require.NoError(t, w.Query(context.Background(), nil))
	return w, src, mem, block
}

func TestWrapper_ArrayFetchTwoScenario(t *testing.T) {
	ctx := context.Background()
	w, src, _, _ := newWrapper(t, 2, 3)

	r1, err := w.Fetch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, r1.Value("id"))
	assert.Equal(t, 1, src.fetches)

	r2, err := w.Fetch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, r2.Value("id"))
	assert.Equal(t, 1, src.fetches, "cache hit")

	r3, err := w.Fetch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, r3.Value("id"))
	assert.Equal(t, 2, src.fetches, "new page")
	assert.True(t, w.Eof())

	end, err := w.Fetch(ctx)
	require.NoError(t, err)
	assert.Nil(t, end)
	assert.True(t, w.Eof())
	assert.Equal(t, 2, src.fetches)
	assert.Equal(t, 3, w.Length())
	assert.Equal(t, 3, w.Position())
}

func TestWrapper_FetchExhaustsInBackendOrder(t *testing.T) {
	ctx := context.Background()
	for _, size := range []int{1, 2, 3, 4, 7, 20} {
		w, _, _, _ := newWrapper(t, size, 7)
		var ids []any
		for {
			r, err := w.Fetch(ctx)
			require.NoError(t, err)
			if r == nil {
				break
			}
			assert.True(t, r.Prepared())
			ids = append(ids, r.Value("id"))
		}
		assert.Equal(t, []any{1, 2, 3, 4, 5, 6, 7}, ids, "arrayfetch %d", size)
		assert.LessOrEqual(t, w.Position(), w.Length())
	}
}

func TestWrapper_OnFetchRejectionUndoesAdvance(t *testing.T) {
	ctx := context.Background()
	w, _, _, block := newWrapper(t, 5, 3)
	block.rejectID = 2

	_, err := w.Fetch(ctx)
	require.NoError(t, err)
	r, err := w.Fetch(ctx)
	require.ErrorIs(t, err, ErrRejected)
	assert.Nil(t, r)
	assert.Equal(t, 1, w.Position())
	assert.False(t, w.Get(1).Prepared())

	block.rejectID = nil
	r, err = w.Fetch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, r.Value("id"))
	assert.True(t, r.Prepared())
	assert.Equal(t, []string{"fetch", "fetch", "fetch"}, block.calls)
}

func TestWrapper_QueryResets(t *testing.T) {
	ctx := context.Background()
	w, _, _, _ := newWrapper(t, 2, 3)
	r, err := w.Fetch(ctx)
	require.NoError(t, err)
	r.SetValue("name", "x")
	require.True(t, w.Update(ctx, r))

	require.NoError(t, w.Query(ctx, filter.NewStructure().And(filter.GreaterThan("id").SetConstraint(1), "")))
	assert.Zero(t, w.Length())
	assert.Zero(t, w.Position())
	assert.False(t, w.Eof())
	assert.Empty(t, w.Dirty())

	r, err = w.Fetch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, r.Value("id"))
}

func TestWrapper_DeleteRemovesExactlyOne(t *testing.T) {
	ctx := context.Background()
	w, _, mem, block := newWrapper(t, 5, 3)
	for i := 0; i < 3; i++ {
		_, err := w.Fetch(ctx)
		require.NoError(t, err)
	}

	target := w.Get(1)
	require.True(t, w.Delete(ctx, target))
	assert.Equal(t, 2, w.Length())
	assert.Equal(t, 2, w.Position())
	assert.Equal(t, 1, w.Get(0).Value("id"))
	assert.Equal(t, 3, w.Get(1).Value("id"))
	assert.Equal(t, []string{"fetch", "fetch", "fetch", "predelete", "postdelete"}, block.calls)

	_, err := w.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, mem.Table().Len())

	block.veto["delete"] = true
	assert.False(t, w.Delete(ctx, w.Get(0)))
	assert.Equal(t, 2, w.Length())
}

func TestWrapper_FlushClearsDirtyAndSetsResponses(t *testing.T) {
	ctx := context.Background()
	w, _, mem, _ := newWrapper(t, 5, 3)
	first, err := w.Fetch(ctx)
	require.NoError(t, err)

	first.SetValue("name", "changed")
	require.True(t, w.Update(ctx, first))
	require.True(t, w.Update(ctx, first))

	created := w.Create(first, false)
	assert.Equal(t, record.New, created.State())
	created.SetValue("id", 9)
	created.SetValue("name", "new")
	require.True(t, w.Insert(ctx, created))
	assert.Len(t, w.Dirty(), 2)

	flushed, err := w.Flush(ctx)
	require.NoError(t, err)
	assert.Len(t, flushed, 2)
	assert.Empty(t, w.Dirty())
	for _, r := range flushed {
		require.NotNil(t, r.Response())
		assert.True(t, r.Response().Success)
		assert.Equal(t, record.Consistent, r.State())
	}
	assert.Equal(t, 4, mem.Table().Len())
}

func TestWrapper_ViolationRefreshesAndKeepsDirty(t *testing.T) {
	ctx := context.Background()
	w, _, mem, block := newWrapper(t, 5, 3)
	r, err := w.Fetch(ctx)
	require.NoError(t, err)
	block.calls = nil

	require.True(t, mem.Table().Set("id", 1, "name", "theirs"))
	r.SetValue("id", 1)
	r.SetValue("name", "mine")
	require.True(t, w.Update(ctx, r))

	_, err = w.Flush(ctx)
	require.Error(t, err)
	assert.True(t, datasource.IsViolation(err))
	assert.Len(t, w.Dirty(), 1, "dirty kept until a successful flush")
	assert.Equal(t, []string{"refresh"}, block.calls)
	assert.True(t, r.Failed())
	assert.False(t, r.Locked())
	assert.Equal(t, "mine", r.Value("name"))
	assert.Equal(t, "theirs", r.Initial("name"))

	_, err = w.Flush(ctx)
	require.NoError(t, err)
	assert.Empty(t, w.Dirty())
}

func TestWrapper_FailedDeleteReturnsToCache(t *testing.T) {
	ctx := context.Background()
	w, _, mem, block := newWrapper(t, 5, 3)
	r, err := w.Fetch(ctx)
	require.NoError(t, err)
	_, err = w.Fetch(ctx)
	require.NoError(t, err)
	block.calls = nil

	require.True(t, w.Delete(ctx, r))
	assert.Equal(t, 2, w.Length())
	assert.Equal(t, 1, w.Position())

	require.True(t, mem.Table().Set("id", 1, "name", "theirs"))
	_, err = w.Flush(ctx)
	require.Error(t, err)
	assert.True(t, datasource.IsViolation(err))
	assert.Equal(t, []string{"predelete", "postdelete", "refresh"}, block.calls)
	assert.True(t, r.Failed())
	assert.Equal(t, record.Deleted, r.State())
	assert.Equal(t, 3, w.Length())
	assert.Same(t, r, w.Get(0), "back in its old slot")
	assert.Equal(t, 2, w.Position())
	assert.Equal(t, "theirs", r.Value("name"))

	_, err = w.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, w.Length())
	assert.Equal(t, 1, w.Position())
	assert.Equal(t, 2, mem.Table().Len())
}

func TestWrapper_Lock(t *testing.T) {
	ctx := context.Background()
	w, _, mem, block := newWrapper(t, 5, 2)
	r, err := w.Fetch(ctx)
	require.NoError(t, err)

	assert.True(t, w.Lock(ctx, w.Create(nil, false)), "new records need no lock")
	assert.True(t, w.Lock(ctx, r))
	assert.True(t, r.Locked())
	assert.True(t, w.Lock(ctx, r), "already locked")

	other, err := w.Fetch(ctx)
	require.NoError(t, err)
	require.True(t, mem.Table().Set("id", 2, "name", "gone"))
	block.calls = nil
	assert.False(t, w.Lock(ctx, other))
	assert.Equal(t, []string{"refresh"}, block.calls)
}

func TestWrapper_Create(t *testing.T) {
	ctx := context.Background()
	w, _, _, _ := newWrapper(t, 5, 3)
	a, err := w.Fetch(ctx)
	require.NoError(t, err)
	b, err := w.Fetch(ctx)
	require.NoError(t, err)

	before := w.Create(b, true)
	assert.Equal(t, []*record.Record{a, before, b}, w.Window(0, 3))
	assert.Equal(t, 3, w.Position())
	assert.True(t, before.Prepared())
	assert.Equal(t, []string{"id", "name"}, before.Columns())

	after := w.Create(b, false)
	assert.Same(t, after, w.Get(3))
	assert.Equal(t, 4, w.Position())

	// the next fetch continues with the backend's third row
	c, err := w.Fetch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, c.Value("id"))

	tail := w.Create(nil, false)
	assert.Same(t, tail, w.Get(w.Length()-1))
}

func TestWrapper_InsertVeto(t *testing.T) {
	ctx := context.Background()
	w, _, _, block := newWrapper(t, 5, 1)
	block.veto["insert"] = true
	r := w.Create(nil, false)
	assert.False(t, w.Insert(ctx, r))
	assert.Equal(t, record.New, r.State())
	assert.Empty(t, w.Dirty())
}

func TestWrapper_Prefetch(t *testing.T) {
	ctx := context.Background()
	w, src, _, _ := newWrapper(t, 2, 5)

	n, err := w.Prefetch(ctx, 0, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 2, src.fetches)
	assert.Equal(t, 0, w.Position(), "prefetch does not hand out rows")
	assert.Equal(t, 4, w.Length())

	n, err = w.Prefetch(ctx, 2, 10)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.True(t, w.Eof())

	for i := 0; i < 2; i++ {
		_, err := w.Fetch(ctx)
		require.NoError(t, err)
	}
	n, err = w.Prefetch(ctx, 0, -5)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestWrapper_CopyAndWindow(t *testing.T) {
	ctx := context.Background()
	w, _, _, _ := newWrapper(t, 2, 3)
	_, err := w.Fetch(ctx)
	require.NoError(t, err)

	rows, err := w.Copy(ctx, true, false)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"id", "name"}, {"1", "r1"}}, rows, "row 2 is cached but not handed out")

	rows, err = w.Copy(ctx, false, true)
	require.NoError(t, err)
	assert.Len(t, rows, 3)
	assert.Equal(t, []string{"3", "r3"}, rows[2])

	assert.Len(t, w.Window(-5, 99), 3)
	assert.Nil(t, w.Window(2, 1))
	assert.Nil(t, w.Get(3))
	assert.Nil(t, w.Get(-1))
}

func TestWrapper_CopySkipsUnprepared(t *testing.T) {
	ctx := context.Background()

	t.Run("rejected row", func(t *testing.T) {
		w, _, _, block := newWrapper(t, 5, 3)
		block.rejectID = 2
		_, err := w.Fetch(ctx)
		require.NoError(t, err)
		_, err = w.Fetch(ctx)
		require.ErrorIs(t, err, ErrRejected)
		assert.False(t, w.Get(1).Prepared())

		rows, err := w.Copy(ctx, false, false)
		require.NoError(t, err)
		assert.Equal(t, [][]string{{"1", "r1"}}, rows)
	})

	t.Run("prefetched rows", func(t *testing.T) {
		w, _, _, block := newWrapper(t, 2, 4)
		n, err := w.Prefetch(ctx, 0, 4)
		require.NoError(t, err)
		assert.Equal(t, 4, n)

		rows, err := w.Copy(ctx, false, false)
		require.NoError(t, err)
		assert.Empty(t, rows)
		assert.Empty(t, block.calls)
	})

	t.Run("drain runs the fetch hook", func(t *testing.T) {
		w, _, _, block := newWrapper(t, 2, 4)
		block.rejectID = 3
		_, err := w.Prefetch(ctx, 0, 2)
		require.NoError(t, err)

		rows, err := w.Copy(ctx, false, true)
		require.NoError(t, err)
		assert.Equal(t, [][]string{{"1", "r1"}, {"2", "r2"}, {"4", "r4"}}, rows)
		assert.Equal(t, []string{"fetch", "fetch", "fetch", "fetch"}, block.calls)
		assert.True(t, w.Eof())
		assert.False(t, w.Get(2).Prepared())
	})
}

func TestWrapper_ClearAndRefresh(t *testing.T) {
	ctx := context.Background()
	w, _, mem, block := newWrapper(t, 2, 3)
	r, err := w.Fetch(ctx)
	require.NoError(t, err)

	require.True(t, mem.Table().Set("id", 1, "name", "fresh"))
	block.calls = nil
	assert.True(t, w.Refresh(ctx, r))
	assert.Equal(t, "fresh", r.Value("name"))
	assert.Equal(t, []string{"refresh"}, block.calls)

	w.Clear(ctx)
	assert.Zero(t, w.Length())
	assert.False(t, w.Eof())
}

func TestNew_NilSourcePanics(t *testing.T) {
	assert.Panics(t, func() { New(nil, nil, nil) })
}

func TestWrapper_OverGateway(t *testing.T) {
	db, err := sqlgw.Open(filepath.Join(t.TempDir(), "gw.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, sqlgw.SeedDemo(context.Background(), db))
	srv := sqlgw.New(db, sqlgw.Options{})
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	t.Cleanup(srv.Close)

	ctx := context.Background()
	conn := gateway.New("demo", gateway.Options{URL: ts.URL, Username: "scott", Scope: gateway.Stateless})
	require.True(t, conn.Connect(ctx).Success)
	t.Cleanup(func() { conn.Disconnect(ctx) })

	dept := datasource.NewDatabaseTable("dept", "dept", conn, nil)
	dept.SetPrimaryKey("deptno")
	dept.SetSorting("deptno")
	dept.SetArrayFetch(2)
	w := New(dept, nil, nil)
	require.NoError(t, w.Query(ctx, nil))

	var names []any
	for {
		r, err := w.Fetch(ctx)
		require.NoError(t, err)
		if r == nil {
			break
		}
		names = append(names, r.Value("dname"))
	}
	assert.Equal(t, []any{"ACCOUNTING", "RESEARCH", "SALES", "OPERATIONS"}, names)

	ops := w.Get(3)
	ops.SetValue("loc", "DENVER")
	require.True(t, w.Update(ctx, ops))
	r := w.Create(ops, false)
	r.SetValue("deptno", 50)
	r.SetValue("dname", "MARKETING")
	require.True(t, w.Insert(ctx, r))

	flushed, err := w.Flush(ctx)
	require.NoError(t, err)
	require.Len(t, flushed, 2)
	for _, f := range flushed {
		assert.Equal(t, wire.OK, f.Response().Outcome)
	}
	assert.Empty(t, w.Dirty())

	require.NoError(t, w.Query(ctx, filter.NewStructure().And(filter.Equals("loc").SetConstraint("DENVER"), "")))
	got, err := w.Fetch(ctx)
	require.NoError(t, err)
	assert.Equal(t, "OPERATIONS", got.Value("dname"))
}
