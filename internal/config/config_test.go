package config

import (
	"context"
	"fmt"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/formsql/internal/datasource"
	"github.com/roach88/formsql/internal/gateway"
	"github.com/roach88/formsql/internal/sqlgw"
)

func TestLoad_Demo(t *testing.T) {
	cfg, errs := Load("testdata/demo")
	require.Empty(t, errs)
	require.NotNil(t, cfg)
	assert.Equal(t, 2, cfg.FileCount)

	require.Len(t, cfg.Connections, 1)
	demo := cfg.Connections[0]
	assert.Equal(t, "demo", demo.Name)
	assert.Equal(t, "scott", demo.Username)
	assert.Equal(t, "basic", demo.Auth)
	assert.Equal(t, map[string]string{"app": "formsql"}, demo.ClientInfo)

	var names []string
	for _, d := range cfg.DataSources {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"dept", "emp", "people", "rich"}, names)

	emp, ok := cfg.DataSource("emp")
	require.True(t, ok)
	assert.Equal(t, KindTable, emp.Kind)
	assert.Equal(t, []string{"empno"}, emp.PrimaryKey)
	assert.Equal(t, 20, emp.ArrayFetch)
	assert.Equal(t, []string{"sal"}, emp.Returning)

	dept, ok := cfg.DataSource("dept")
	require.True(t, ok)
	assert.Equal(t, 2, dept.ArrayFetch)
	require.Len(t, dept.Rows, 3)
	assert.Equal(t, []any{10, "ACCOUNTING", "NEW YORK"}, dept.Rows[0])
}

func TestConnection_Options(t *testing.T) {
	cfg, errs := Load("testdata/demo")
	require.Empty(t, errs)
	conn, ok := cfg.Connection("demo")
	require.True(t, ok)

	opts, err := conn.Options()
	require.NoError(t, err)
	assert.Equal(t, gateway.Transactional, opts.Scope)
	assert.Equal(t, 5*time.Second, opts.KeepAliveTimeout)
	assert.Equal(t, "tiger", opts.Secret)
	assert.Equal(t, "basic", opts.AuthMethod)
}

func TestLoad_DirectoryErrors(t *testing.T) {
	tests := []struct {
		name string
		dir  string
		code string
	}{
		{"missing", filepath.Join(t.TempDir(), "nope"), ErrCodeNotFound},
		{"empty", t.TempDir(), ErrCodeNoFiles},
		{"schema", "testdata/broken", ErrCodeSchema},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, errs := Load(tt.dir)
			assert.Nil(t, cfg)
			require.Len(t, errs, 1)
			assert.True(t, IsLoadError(errs[0], tt.code), errs[0].Error())
		})
	}
}

func TestLoad_SchemaErrorHasPosition(t *testing.T) {
	_, errs := Load("testdata/broken")
	require.Len(t, errs, 1)
	var le *LoadError
	require.ErrorAs(t, errs[0], &le)
	assert.True(t, le.Pos.IsValid())
	assert.Contains(t, le.Error(), "formsql.cue")
}

func TestLoadString_Errors(t *testing.T) {
	const conn = `connection: demo: url: "http://x"` + "\n"
	tests := []struct {
		name string
		src  string
		code string
	}{
		{"unknown connection", conn + `datasource: e: {kind: "table", connection: "other", table: "emp"}`, ErrCodeUnknownConn},
		{"missing table", conn + `datasource: e: {kind: "table", connection: "demo"}`, ErrCodeMissingTarget},
		{"missing sql", conn + `datasource: e: {kind: "query", connection: "demo"}`, ErrCodeMissingTarget},
		{"missing source", conn + `datasource: e: {kind: "rest", connection: "demo"}`, ErrCodeMissingTarget},
		{"no connection", `datasource: e: {kind: "table", table: "emp"}`, ErrCodeNoConnection},
		{"bad keepalive", `connection: demo: {url: "http://x", keepalive: "often"}`, ErrCodeInvalidDuration},
		{"row shape", `datasource: m: {kind: "memory", columns: ["a"], rows: [[1, 2]]}`, ErrCodeRowShape},
		{"unknown field", `datasource: m: {kind: "memory", colour: "red"}`, ErrCodeSchema},
		{"unknown kind", `datasource: m: {kind: "ldap"}`, ErrCodeSchema},
		{"bad arrayfetch", `datasource: m: {kind: "memory", arrayfetch: 0}`, ErrCodeSchema},
		{"syntax", `connection: {`, ErrCodeBuildFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, errs := LoadString(tt.src, "test.cue")
			require.NotEmpty(t, errs)
			assert.True(t, IsLoadError(errs[0], tt.code), errs[0].Error())
		})
	}
}

func TestLoadString_DisjunctionErrorKeepsDetail(t *testing.T) {
	tests := []struct {
		name  string
		src   string
		value string
	}{
		{"scope", `connection: demo: {url: "http://x", scope: "sometimes"}`, "sometimes"},
		{"kind", `datasource: m: {kind: "ldap"}`, "ldap"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, errs := LoadString(tt.src, "conn.cue")
			require.Len(t, errs, 1)
			var le *LoadError
			require.ErrorAs(t, errs[0], &le)
			assert.Equal(t, ErrCodeSchema, le.Code)
			require.True(t, le.Pos.IsValid())
			assert.Equal(t, "conn.cue", le.Pos.Filename())
			assert.Contains(t, le.Message, tt.value)
		})
	}
}

func TestLoadString_CollectsAllErrors(t *testing.T) {
	src := `
connection: demo: url: "http://x"
datasource: a: {kind: "table", connection: "demo"}
datasource: b: {kind: "query", connection: "nope", sql: "select 1"}
datasource: c: {kind: "memory"}
`
	cfg, errs := LoadString(src, "test.cue")
	require.NotNil(t, cfg)
	assert.Len(t, errs, 2)
	require.Len(t, cfg.DataSources, 1)
	assert.Equal(t, "c", cfg.DataSources[0].Name)
}

func TestBuild_Demo(t *testing.T) {
	cfg, errs := Load("testdata/demo")
	require.Empty(t, errs)
	rt, err := Build(cfg, BuildOptions{})
	require.NoError(t, err)

	assert.Equal(t, []string{"demo"}, rt.Pool.Names())
	assert.Equal(t, []string{"dept", "emp", "people", "rich"}, rt.Names())

	emp, ok := rt.Source("emp")
	require.True(t, ok)
	require.IsType(t, &datasource.DatabaseTable{}, emp)
	assert.Equal(t, "emp", emp.(*datasource.DatabaseTable).Table())
	assert.Equal(t, []string{"sal"}, emp.(*datasource.DatabaseTable).Returning())
	assert.Equal(t, "empno", emp.Sorting())

	rich, _ := rt.Source("rich")
	assert.True(t, rich.Capabilities().ReadOnly())
	people, _ := rt.Source("people")
	assert.Equal(t, "employees", people.(*datasource.RestSource).Source())

	dept, _ := rt.Source("dept")
	ctx := context.Background()
	require.NoError(t, dept.Query(ctx, nil))
	page, err := dept.Fetch(ctx)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "ACCOUNTING", page[0].Value("dname"))
	page, err = dept.Fetch(ctx)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Nil(t, page[0].Value("loc"))
}

func TestBuild_AgainstGateway(t *testing.T) {
	db, err := sqlgw.Open(filepath.Join(t.TempDir(), "gw.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, sqlgw.SeedDemo(context.Background(), db))
	srv := sqlgw.New(db, sqlgw.Options{})
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	t.Cleanup(srv.Close)

	src := fmt.Sprintf(`
connection: gw: {url: %q, username: "scott", secret: "tiger"}
datasource: rich: {
	kind:       "query"
	connection: "gw"
	sql:        "select ename, sal from emp where sal > 2900"
	sorting:    "sal desc"
}
`, ts.URL)
	cfg, errs := LoadString(src, "gw.cue")
	require.Empty(t, errs)
	rt, err := Build(cfg, BuildOptions{})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, rt.Connect(ctx))
	t.Cleanup(func() { rt.Close(ctx) })

	rich, _ := rt.Source("rich")
	require.NoError(t, rich.Query(ctx, nil))
	page, err := rich.Fetch(ctx)
	require.NoError(t, err)
	var names []any
	for _, r := range page {
		names = append(names, r.Value("ename"))
	}
	assert.Equal(t, []any{"KING", "FORD", "JONES"}, names)
}
