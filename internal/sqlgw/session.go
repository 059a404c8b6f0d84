package sqlgw

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/roach88/formsql/internal/bind"
)

// querier is the part of *sql.DB and *sql.Tx statements run against.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// session is one client session. Requests of a session are serialized by
// mu.
type session struct {
	mu            sync.Mutex
	id            string
	username      string
	transactional bool
	clientInfo    map[string]string
	lastSeen      time.Time
	tx            *sql.Tx
	cursors       map[string]*cursor
}

// cursor is a result set kept for later exec/fetch calls.
type cursor struct {
	columns []string
	types   []bind.DataType
	rows    [][]any
}

// take removes up to n rows (all when n <= 0) from the front.
func (c *cursor) take(n int) [][]any {
	if n <= 0 || n > len(c.rows) {
		n = len(c.rows)
	}
	page := c.rows[:n]
	c.rows = c.rows[n:]
	return page
}

// end rolls back any open transaction and drops cursors.
func (s *session) end() {
	if s.tx != nil {
		_ = s.tx.Rollback()
		s.tx = nil
	}
	s.cursors = nil
}
