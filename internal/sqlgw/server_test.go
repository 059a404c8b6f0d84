package sqlgw

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/formsql/internal/bind"
	"github.com/roach88/formsql/internal/filter"
	"github.com/roach88/formsql/internal/gateway"
	"github.com/roach88/formsql/internal/testutil"
	"github.com/roach88/formsql/internal/wire"
)

func newTestGateway(t *testing.T, opts Options) (*Server, string) {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "gw.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, SeedDemo(context.Background(), db))
	// seeding twice is harmless
	require.NoError(t, SeedDemo(context.Background(), db))

	srv := New(db, opts)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	t.Cleanup(srv.Close)
	return srv, ts.URL
}

func connect(t *testing.T, url string, scope gateway.Scope) *gateway.Connection {
	t.Helper()
	conn := gateway.New("test", gateway.Options{URL: url, Username: "scott", Secret: "tiger", Scope: scope})
	resp := conn.Connect(context.Background())
	require.True(t, resp.Success, resp.Message)
	t.Cleanup(func() { conn.Disconnect(context.Background()) })
	return conn
}

func TestSelect_CursorPaging(t *testing.T) {
	_, url := newTestGateway(t, Options{})
	conn := connect(t, url, gateway.Stateless)
	ctx := context.Background()

	resp := (&wire.Select{SQL: "select empno, ename from emp order by empno", Rows: 5, Cursor: true}).Execute(ctx, conn)
	require.True(t, resp.Success, resp.Message)
	assert.Equal(t, []string{"empno", "ename"}, resp.Columns)
	assert.Equal(t, 5, resp.Len())
	assert.True(t, resp.More)
	require.NotEmpty(t, resp.Cursor)
	assert.Equal(t, int64(7369), resp.Value(0, "empno"))

	total := resp.Len()
	cursor := resp.Cursor
	for cursor != "" {
		page := (&wire.Fetch{Cursor: cursor, Rows: 5}).Execute(ctx, conn)
		require.True(t, page.Success, page.Message)
		total += page.Len()
		cursor = page.Cursor
		if !page.More {
			assert.Empty(t, page.Cursor)
		}
	}
	assert.Equal(t, 12, total)

	// exhausted cursors are released
	resp = (&wire.Fetch{Cursor: resp.Cursor}).Execute(ctx, conn)
	assert.False(t, resp.Success)
}

func TestSelect_CloseCursor(t *testing.T) {
	_, url := newTestGateway(t, Options{})
	conn := connect(t, url, gateway.Stateless)
	ctx := context.Background()

	resp := (&wire.Select{SQL: "select * from emp", Rows: 2, Cursor: true}).Execute(ctx, conn)
	require.True(t, resp.More)
	require.True(t, (&wire.CloseCursor{Cursor: resp.Cursor}).Execute(ctx, conn).Success)
	assert.False(t, (&wire.Fetch{Cursor: resp.Cursor}).Execute(ctx, conn).Success)
}

func TestSelect_DatesTravelAsEpoch(t *testing.T) {
	_, url := newTestGateway(t, Options{})
	conn := connect(t, url, gateway.Stateless)
	ctx := context.Background()

	hired := time.Date(1980, 12, 17, 0, 0, 0, 0, time.UTC)
	resp := (&wire.Select{
		SQL:        "select ename, hiredate from emp where hiredate = :hired",
		BindValues: []bind.BindValue{bind.NewTyped("hired", hired, bind.Date)},
	}).Execute(ctx, conn)
	require.True(t, resp.Success, resp.Message)
	require.Equal(t, 1, resp.Len())
	assert.Equal(t, "SMITH", resp.Value(0, "ename"))
	assert.Equal(t, bind.Date, resp.Type("hiredate"))
	assert.Equal(t, hired, resp.Value(0, "hiredate"))
}

func TestSelect_SourcesAndFilters(t *testing.T) {
	_, url := newTestGateway(t, Options{Sources: map[string]string{
		"employees": "emp",
		"managers":  "select * from emp where job = 'MANAGER'",
	}})
	conn := connect(t, url, gateway.Stateless)
	ctx := context.Background()

	where := filter.NewStructure().
		And(filter.Equals("deptno").SetConstraint(10), "").
		And(filter.NotEquals("job").SetConstraint("PRESIDENT"), "")

	resp := (&wire.Select{Source: "employees", Filters: where.Specs(), Columns: []string{"empno", "ename"}}).Execute(ctx, conn)
	require.True(t, resp.Success, resp.Message)
	assert.Equal(t, 2, resp.Len())
	assert.Equal(t, []string{"empno", "ename"}, resp.Columns)

	resp = (&wire.Select{Source: "managers"}).Execute(ctx, conn)
	require.True(t, resp.Success, resp.Message)
	assert.Equal(t, 3, resp.Len())

	// a table name works as a source too
	resp = (&wire.Select{Source: "dept"}).Execute(ctx, conn)
	require.True(t, resp.Success, resp.Message)
	assert.Equal(t, 4, resp.Len())

	resp = (&wire.Select{Source: "nope"}).Execute(ctx, conn)
	assert.False(t, resp.Success)
	assert.Equal(t, wire.BackendRejection, resp.Outcome)

	resp = (&wire.Select{Source: "emp", Columns: []string{"ename; drop table emp"}}).Execute(ctx, conn)
	assert.False(t, resp.Success)
}

func TestSelect_WrapsSQLWithFilters(t *testing.T) {
	_, url := newTestGateway(t, Options{})
	conn := connect(t, url, gateway.Stateless)

	where := filter.NewStructure().And(filter.Like("ename").SetConstraint("J%"), "")
	resp := (&wire.Select{SQL: "select * from emp where deptno = :deptno", Filters: where.Specs(),
		BindValues: []bind.BindValue{bind.New("deptno", 20)}}).Execute(context.Background(), conn)
	require.True(t, resp.Success, resp.Message)
	require.Equal(t, 1, resp.Len())
	assert.Equal(t, "JONES", resp.Value(0, "ename"))
}

func TestDescribe(t *testing.T) {
	_, url := newTestGateway(t, Options{})
	conn := connect(t, url, gateway.Stateless)

	resp := (&wire.Describe{SQL: "select empno, hiredate, sal from emp"}).Execute(context.Background(), conn)
	require.True(t, resp.Success, resp.Message)
	assert.Equal(t, []string{"empno", "hiredate", "sal"}, resp.Columns)
	assert.Equal(t, []bind.DataType{bind.Integer, bind.Date, bind.Decimal}, resp.Types)
	assert.Equal(t, 0, resp.Len())
}

func TestDML_ReturningAndAssertions(t *testing.T) {
	_, url := newTestGateway(t, Options{})
	alice := connect(t, url, gateway.Stateless)
	bob := connect(t, url, gateway.Stateless)
	ctx := context.Background()

	key := []wire.Field{wire.NewField("empno", 7369, bind.Integer)}

	// Bob changes the salary first.
	resp := wire.Update("emp", []wire.Field{wire.NewField("sal", 850, bind.Decimal)}, key, nil).Execute(ctx, bob)
	require.True(t, resp.Success, resp.Message)
	assert.True(t, resp.Modifies)

	// Alice still asserts the old value.
	resp = wire.Update("emp",
		[]wire.Field{wire.NewField("comm", 10, bind.Decimal)},
		key,
		[]wire.Field{wire.NewField("sal", 800, bind.Decimal), wire.NewField("ename", "SMITH", bind.String)},
	).Execute(ctx, alice)
	assert.False(t, resp.Success)
	assert.Equal(t, wire.Violation, resp.Outcome)
	require.Len(t, resp.Violations, 1)
	assert.Equal(t, "sal", resp.Violations[0].Column)
	assert.Equal(t, int64(850), resp.Violations[0].Actual)

	// With the current pre-image the update goes through.
	updated := time.Date(2024, 6, 1, 12, 30, 0, 0, time.UTC)
	resp = wire.Update("emp",
		[]wire.Field{wire.NewField("comm", 10, bind.Decimal), wire.NewField("updated", updated, bind.Timestamp)},
		key,
		[]wire.Field{wire.NewField("sal", 850, bind.Decimal)},
		"empno", "comm", "updated",
	).Execute(ctx, alice)
	require.True(t, resp.Success, resp.Message)
	returned := resp.Returned()
	assert.Equal(t, int64(7369), returned["empno"])
	assert.Equal(t, int64(10), returned["comm"])
	assert.Equal(t, updated, returned["updated"])
}

func TestDML_InsertAndDelete(t *testing.T) {
	_, url := newTestGateway(t, Options{})
	conn := connect(t, url, gateway.Stateless)
	ctx := context.Background()

	resp := wire.Insert("dept", []wire.Field{
		wire.NewField("dname", "SUPPORT", bind.String),
		wire.NewField("loc", "AUSTIN", bind.String),
	}, "deptno").Execute(ctx, conn)
	require.True(t, resp.Success, resp.Message)
	deptno, ok := resp.Returned()["deptno"].(int64)
	require.True(t, ok)
	assert.Greater(t, deptno, int64(40))

	key := []wire.Field{wire.NewField("deptno", deptno, bind.Integer)}
	resp = wire.Delete("dept", key, []wire.Field{wire.NewField("dname", "SUPPORT", bind.String)}).Execute(ctx, conn)
	require.True(t, resp.Success, resp.Message)
	assert.Equal(t, int64(1), resp.Writes)

	resp = wire.Delete("dept", key, nil).Execute(ctx, conn)
	assert.False(t, resp.Success)
	assert.Equal(t, wire.BackendRejection, resp.Outcome)

	resp = wire.Delete("dept", key, []wire.Field{wire.NewField("dname", "SUPPORT", bind.String)}).Execute(ctx, conn)
	assert.Equal(t, wire.Violation, resp.Outcome, "asserting a deleted row")

	resp = wire.Update("dept", []wire.Field{wire.NewField("bogus", 1, bind.Integer)}, key, nil).Execute(ctx, conn)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Message, "unknown column")

	resp = wire.Delete("dept", nil, nil).Execute(ctx, conn)
	assert.False(t, resp.Success)
}

func TestDML_NamedSource(t *testing.T) {
	_, url := newTestGateway(t, Options{Sources: map[string]string{
		"departments": "dept",
		"big":         "select * from dept where deptno > 20",
	}})
	conn := connect(t, url, gateway.Stateless)
	ctx := context.Background()

	req := &wire.DML{Kind: wire.KindUpdate, Source: "departments",
		Values: []wire.Field{wire.NewField("loc", "MIAMI", bind.String)},
		Keys:   []wire.Field{wire.NewField("deptno", 40, bind.Integer)}}
	require.True(t, req.Execute(ctx, conn).Success)

	req.Source = "big"
	assert.False(t, req.Execute(ctx, conn).Success)
}

func TestBatch_IsAtomic(t *testing.T) {
	for _, scope := range []gateway.Scope{gateway.Stateless, gateway.Transactional} {
		t.Run(string(scope), func(t *testing.T) {
			_, url := newTestGateway(t, Options{})
			conn := connect(t, url, scope)
			ctx := context.Background()

			batch := (&wire.Batch{}).
				Add(wire.Insert("dept", []wire.Field{wire.NewField("dname", "OPS", bind.String)})).
				Add(wire.Update("emp",
					[]wire.Field{wire.NewField("sal", 1, bind.Decimal)},
					[]wire.Field{wire.NewField("empno", 7499, bind.Integer)},
					[]wire.Field{wire.NewField("sal", 9999, bind.Decimal)}))

			resp := batch.Execute(ctx, conn)
			assert.False(t, resp.Success)
			assert.Equal(t, wire.Violation, resp.Outcome)
			assert.Contains(t, resp.Message, "step 1")
			require.Len(t, resp.Steps, 2)
			assert.True(t, resp.Steps[0].Success)
			assert.False(t, resp.Modifies)

			count := (&wire.Select{SQL: "select count(*) as n from dept"}).Execute(ctx, conn)
			require.True(t, count.Success, count.Message)
			assert.Equal(t, int64(4), count.Value(0, "n"))

			ok := (&wire.Batch{}).
				Add(wire.Insert("dept", []wire.Field{wire.NewField("dname", "OPS", bind.String)}, "deptno")).
				Add(wire.Delete("dept", []wire.Field{wire.NewField("deptno", 40, bind.Integer)}, nil)).
				Execute(ctx, conn)
			require.True(t, ok.Success, ok.Message)
			assert.True(t, ok.Modifies)
			assert.NotNil(t, ok.Steps[0].Returned()["deptno"])
			require.True(t, conn.Commit(ctx).Success)
		})
	}
}

func TestTransactional_LockCommitRollback(t *testing.T) {
	_, url := newTestGateway(t, Options{})
	conn := connect(t, url, gateway.Transactional)
	ctx := context.Background()

	resp := (&wire.Select{
		SQL:        "select * from emp where empno = :empno for update",
		BindValues: []bind.BindValue{bind.New("empno", 7839)},
		Assertions: []bind.BindValue{bind.New("ename", "KING")},
		Lock:       true,
	}).Execute(ctx, conn)
	require.True(t, resp.Success, resp.Message)
	assert.True(t, resp.Lock)
	assert.Equal(t, 1, conn.Locks())

	key := []wire.Field{wire.NewField("empno", 7839, bind.Integer)}
	require.True(t, wire.Update("emp", []wire.Field{wire.NewField("sal", 6000, bind.Decimal)}, key, nil).Execute(ctx, conn).Success)
	assert.True(t, conn.Modified())
	require.True(t, conn.Rollback(ctx).Success)
	assert.Equal(t, 0, conn.Locks())

	sal := (&wire.Select{SQL: "select sal from emp where empno = 7839"}).Execute(ctx, conn)
	assert.Equal(t, int64(5000), sal.Value(0, "sal"))

	require.True(t, wire.Update("emp", []wire.Field{wire.NewField("sal", 6000, bind.Decimal)}, key, nil).Execute(ctx, conn).Success)
	require.True(t, conn.Commit(ctx).Success)

	other := connect(t, url, gateway.Stateless)
	sal = (&wire.Select{SQL: "select sal from emp where empno = 7839"}).Execute(ctx, other)
	assert.Equal(t, int64(6000), sal.Value(0, "sal"))

	// a lock asserting stale values is a violation
	resp = (&wire.Select{
		SQL:        "select * from emp where empno = 7839 for update",
		Assertions: []bind.BindValue{bind.New("sal", 5000)},
	}).Execute(ctx, conn)
	assert.Equal(t, wire.Violation, resp.Outcome)
	require.True(t, conn.Rollback(ctx).Success)
}

func TestExec(t *testing.T) {
	_, url := newTestGateway(t, Options{})
	conn := connect(t, url, gateway.Stateless)
	ctx := context.Background()

	resp := (&wire.Procedure{SQL: "select count(*) as n, max(sal) as top from emp where deptno = :d",
		BindValues: []bind.BindValue{bind.New("d", 10)}}).Execute(ctx, conn)
	require.True(t, resp.Success, resp.Message)
	assert.Equal(t, int64(3), resp.Returned()["n"])
	assert.Equal(t, int64(5000), resp.Returned()["top"])

	resp = (&wire.Procedure{SQL: "update emp set comm = 0 where comm is null", Patch: true}).Execute(ctx, conn)
	require.True(t, resp.Success, resp.Message)
	assert.Equal(t, int64(8), resp.Writes)

	resp = (&wire.Procedure{SQL: "select * from nowhere"}).Execute(ctx, conn)
	assert.False(t, resp.Success)
}

func TestSessions_AuthAndExpiry(t *testing.T) {
	clock := testutil.NewClock(time.Time{})
	srv, url := newTestGateway(t, Options{
		Timeout: time.Minute,
		Users:   map[string]string{"scott": "tiger"},
		Now:     clock.Now,
	})
	ctx := context.Background()

	bad := gateway.New("bad", gateway.Options{URL: url, Username: "scott", Secret: "lion"})
	resp := bad.Connect(ctx)
	assert.False(t, resp.Success)
	assert.Equal(t, 401, resp.Status)

	conn := connect(t, url, gateway.Stateless)
	assert.Equal(t, time.Minute, conn.Timeout())
	assert.Equal(t, 1, srv.Sessions())
	require.True(t, conn.Ping(ctx).Success)

	clock.Advance(2 * time.Minute)

	resp = conn.Ping(ctx)
	assert.False(t, resp.Success)
	assert.Equal(t, 404, resp.Status)
	assert.Equal(t, 0, srv.Sessions())
}

func TestConnect_RejectsUnknownScope(t *testing.T) {
	_, url := newTestGateway(t, Options{})
	conn := gateway.New("x", gateway.Options{URL: url, Scope: "xa"})
	assert.False(t, conn.Connect(context.Background()).Success)
}

func TestSessions_GeneratedIDs(t *testing.T) {
	ids := testutil.NewSequentialIDs("gw")
	_, url := newTestGateway(t, Options{IDs: ids})
	conn := connect(t, url, gateway.Stateless)
	assert.Equal(t, "gw-1", conn.Session())

	resp := (&wire.Select{SQL: "select deptno from dept", Rows: 1, Cursor: true}).Execute(context.Background(), conn)
	require.True(t, resp.Success, resp.Message)
	assert.Equal(t, "gw-2", resp.Cursor)
}
