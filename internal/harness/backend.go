package harness

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/roach88/formsql/internal/datasource"
	"github.com/roach88/formsql/internal/gateway"
	"github.com/roach88/formsql/internal/sqlgw"
	"github.com/roach88/formsql/internal/testutil"
	"github.com/roach88/formsql/internal/wire"
)

// validIdentifier matches valid SQL identifiers (table/column names).
// Only allows alphanumeric and underscore, must start with letter or underscore.
// This prevents SQL injection via identifier interpolation.
var validIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// backend is the data source under test and whatever serves it.
type backend struct {
	source datasource.DataSource

	// memory
	table *datasource.Table

	// gateway
	db   *sql.DB
	dir  string
	srv  *sqlgw.Server
	conn *gateway.Connection
	rec  *testutil.Recorder
	seen int
}

// handlerTransport serves HTTP requests with an in-process handler.
type handlerTransport struct{ h http.Handler }

func (t handlerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	w := httptest.NewRecorder()
	t.h.ServeHTTP(w, req)
	return w.Result(), nil
}

func openBackend(ctx context.Context, s *Scenario, logger *slog.Logger) (*backend, error) {
	src := s.Source
	if s.Backend == BackendMemory {
		table := datasource.NewTable(src.Columns, src.Rows...)
		b := &backend{table: table, source: datasource.NewMemoryTable(src.Name, table, logger)}
		configure(b.source, src)
		return b, nil
	}

	dir, err := os.MkdirTemp("", "formsql-harness-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	b := &backend{dir: dir}
	if b.db, err = sqlgw.Open(filepath.Join(dir, "gateway.db")); err != nil {
		b.close(ctx)
		return nil, err
	}
	if err := sqlgw.SeedDemo(ctx, b.db); err != nil {
		b.close(ctx)
		return nil, err
	}
	for i, stmt := range s.Setup {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			b.close(ctx)
			return nil, fmt.Errorf("setup[%d]: %w", i, err)
		}
	}

	b.srv = sqlgw.New(b.db, sqlgw.Options{
		IDs:     testutil.NewSequentialIDs("gw"),
		Logger:  logger,
		Sources: map[string]string{"employees": "emp", "departments": "dept"},
	})
	scope, err := gateway.ParseScope(s.Scope)
	if err != nil {
		b.close(ctx)
		return nil, err
	}
	b.conn = gateway.New("harness", gateway.Options{
		URL:        "http://gateway",
		Username:   "scott",
		Scope:      scope,
		HTTPClient: &http.Client{Transport: handlerTransport{b.srv}},
		Logger:     logger,
	})
	if resp := b.conn.Connect(ctx); !resp.Success {
		b.close(ctx)
		return nil, fmt.Errorf("connect: %s", resp.Message)
	}
	b.rec = testutil.NewRecorder(b.conn)

	switch src.Kind {
	case "query":
		b.source = datasource.NewQueryTable(src.Name, src.SQL, b.rec, logger)
	case "rest":
		rs := datasource.NewRestSource(src.Name, src.Source, b.rec, logger)
		rs.SetReturning(src.Returning...)
		b.source = rs
	default:
		t := datasource.NewDatabaseTable(src.Name, src.Table, b.rec, logger)
		t.SetReturning(src.Returning...)
		b.source = t
	}
	configure(b.source, src)
	return b, nil
}

func configure(ds datasource.DataSource, src SourceSpec) {
	ds.SetColumns(src.Columns...)
	ds.SetPrimaryKey(src.PrimaryKey...)
	ds.SetSorting(src.Sorting)
	if src.ArrayFetch > 0 {
		ds.SetArrayFetch(src.ArrayFetch)
	}
}

func (b *backend) close(ctx context.Context) {
	if b.conn != nil && b.conn.Connected() {
		b.conn.Disconnect(ctx)
	}
	if b.srv != nil {
		b.srv.Close()
	}
	if b.db != nil {
		b.db.Close()
	}
	if b.dir != "" {
		os.RemoveAll(b.dir)
	}
}

// drain traces the requests sent since the last call. Cursor closes run
// in the background and are left out.
func (b *backend) drain(result *Result) {
	if b.rec == nil {
		return
	}
	reqs := b.rec.Requests()
	for _, req := range reqs[b.seen:] {
		if _, ok := req.(*wire.CloseCursor); ok {
			continue
		}
		result.addRequest(req.Action(), req.Serialize())
	}
	b.seen = len(reqs)
}

// concurrent changes a backend row behind the data source's back, as
// another user would.
func (b *backend) concurrent(ctx context.Context, table string, key, values map[string]any) error {
	if b.table != nil {
		var keyColumn string
		var keyValue any
		for k, v := range key {
			keyColumn, keyValue = k, v
		}
		for _, c := range sortedKeys(values) {
			if !b.table.Set(keyColumn, keyValue, c, values[c]) {
				return fmt.Errorf("no row with %s = %v", keyColumn, keyValue)
			}
		}
		return nil
	}

	if !validIdentifier.MatchString(table) {
		return fmt.Errorf("invalid table name %q", table)
	}
	var sets, where []string
	var args []any
	for _, c := range sortedKeys(values) {
		if !validIdentifier.MatchString(c) {
			return fmt.Errorf("invalid column name %q", c)
		}
		sets = append(sets, c+" = ?")
		args = append(args, values[c])
	}
	for _, k := range sortedKeys(key) {
		if !validIdentifier.MatchString(k) {
			return fmt.Errorf("invalid column name %q", k)
		}
		where = append(where, k+" = ?")
		args = append(args, key[k])
	}
	query := "update " + table + " set " + strings.Join(sets, ", ") + " where " + strings.Join(where, " and ")
	res, err := b.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("no row matches %v", key)
	}
	return nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
