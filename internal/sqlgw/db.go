package sqlgw

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"net/url"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed demo.sql
var demoSQL string

// Open creates or opens a SQLite database at the given path for serving.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - immediate transactions, so a transaction owns the write lock from
//     its first statement
//   - 5-second busy timeout for lock contention
//   - UTC for date columns
func Open(path string) (*sql.DB, error) {
	q := url.Values{}
	q.Set("_busy_timeout", "5000")
	q.Set("_foreign_keys", "on")
	q.Set("_txlock", "immediate")
	q.Set("_loc", "UTC")
	dsn := "file:" + path + "?" + q.Encode()

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// A transactional session pins one connection while its transaction
	// is open.
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(2)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	return db, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

// SeedDemo creates and fills the demo dept and emp tables. It is
// idempotent: existing tables are left alone.
func SeedDemo(ctx context.Context, db *sql.DB) error {
	var n int
	err := db.QueryRowContext(ctx, "select count(*) from sqlite_master where type = 'table' and name = 'emp'").Scan(&n)
	if err != nil {
		return fmt.Errorf("check demo schema: %w", err)
	}
	if n > 0 {
		return nil
	}
	if _, err := db.ExecContext(ctx, demoSQL); err != nil {
		return fmt.Errorf("failed to execute demo schema: %w", err)
	}
	return nil
}

// tableInfo holds the declared columns of a table, lower-cased.
type tableInfo struct {
	name    string
	columns map[string]string // column -> declared type
	order   []string
}

func (t *tableInfo) has(column string) bool {
	_, ok := t.columns[strings.ToLower(column)]
	return ok
}

func describeTable(ctx context.Context, q querier, table string) (*tableInfo, error) {
	rows, err := q.QueryContext(ctx, "select name, type from pragma_table_info(?)", table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	info := &tableInfo{name: table, columns: map[string]string{}}
	for rows.Next() {
		var name, typ string
		if err := rows.Scan(&name, &typ); err != nil {
			return nil, err
		}
		info.columns[strings.ToLower(name)] = typ
		info.order = append(info.order, strings.ToLower(name))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(info.order) == 0 {
		return nil, fmt.Errorf("unknown table %q", table)
	}
	return info, nil
}

// quote returns a SQLite quoted identifier.
func quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}
