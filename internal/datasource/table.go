package datasource

import (
	"log/slog"
	"strings"

	"github.com/roach88/formsql/internal/bind"
	"github.com/roach88/formsql/internal/filter"
	"github.com/roach88/formsql/internal/wire"
)

// DatabaseTable generates SQL against one backend table.
//
//	select <columns> from <table> where <filter> order by <sorting>
//
// Pages come from a server cursor. Updates send only dirty columns; every
// update and delete identifies the row by primary key and, unless the
// record is locked, asserts the pre-image of the other columns.
type DatabaseTable struct {
	remote
	table string
}

var _ DataSource = (*DatabaseTable)(nil)

// NewDatabaseTable returns a source over table reached through conn.
func NewDatabaseTable(name, table string, conn wire.Transport, logger *slog.Logger) *DatabaseTable {
	t := &DatabaseTable{table: table}
	t.remote = newRemote(name, conn, tableTarget{table: table}, full, logger)
	return t
}

// Table returns the backend table name.
func (t *DatabaseTable) Table() string { return t.table }

// Clone copies the configuration.
func (t *DatabaseTable) Clone() DataSource {
	return &DatabaseTable{remote: t.clone(tableTarget{table: t.table}), table: t.table}
}

type tableTarget struct {
	table string
}

func (t tableTarget) selectRows(columns []string, where *filter.Structure, sorting string, lock bool) (*wire.Select, error) {
	acc := filter.NewAccumulator()
	sql := "select " + projection(columns) + " from " + t.table
	if where != nil {
		if w := where.Build(0, acc); w != "" {
			sql += " where " + w
		}
		if err := acc.Err(); err != nil {
			return nil, err
		}
	}
	if sorting != "" {
		sql += " order by " + sorting
	}
	if lock {
		sql += " for update"
	}
	return &wire.Select{SQL: sql, BindValues: acc.BindValues(), Lock: lock}, nil
}

func (t tableTarget) dml(kind wire.DMLKind) *wire.DML {
	return &wire.DML{Kind: kind, Table: t.table}
}

// QueryTable runs arbitrary read-only SQL. A filter is applied by wrapping
// the statement:
//
//	select * from (<sql>) q where <filter> order by <sorting>
//
// DML and locks are refused.
type QueryTable struct {
	remote
	query *queryTarget
}

var _ DataSource = (*QueryTable)(nil)

// NewQueryTable returns a read-only source over sql. binds are the bind
// values the statement itself uses.
func NewQueryTable(name, sql string, conn wire.Transport, logger *slog.Logger, binds ...bind.BindValue) *QueryTable {
	q := &queryTarget{sql: sql, binds: binds}
	return &QueryTable{remote: newRemote(name, conn, q, readOnly, logger), query: q}
}

// SQL returns the wrapped statement.
func (t *QueryTable) SQL() string { return t.query.sql }

// SetBindValues replaces the statement's own bind values.
func (t *QueryTable) SetBindValues(binds ...bind.BindValue) { t.query.binds = binds }

// Clone copies the configuration.
func (t *QueryTable) Clone() DataSource {
	q := &queryTarget{sql: t.query.sql, binds: append([]bind.BindValue(nil), t.query.binds...)}
	return &QueryTable{remote: t.clone(q), query: q}
}

type queryTarget struct {
	sql   string
	binds []bind.BindValue
}

func (t *queryTarget) selectRows(columns []string, where *filter.Structure, sorting string, _ bool) (*wire.Select, error) {
	reserved := make([]string, len(t.binds))
	for i, b := range t.binds {
		reserved[i] = b.Name
	}
	acc := filter.NewAccumulator(reserved...)

	var w string
	if where != nil {
		w = where.Build(0, acc)
		if err := acc.Err(); err != nil {
			return nil, err
		}
	}
	if w == "" && sorting == "" && len(columns) == 0 {
		return &wire.Select{SQL: t.sql, BindValues: append([]bind.BindValue(nil), t.binds...)}, nil
	}
	sql := "select " + projection(columns) + " from (" + t.sql + ") q"
	if w != "" {
		sql += " where " + w
	}
	if sorting != "" {
		sql += " order by " + sorting
	}
	binds := append(append([]bind.BindValue(nil), t.binds...), acc.BindValues()...)
	return &wire.Select{SQL: sql, BindValues: binds}, nil
}

func (t *queryTarget) dml(kind wire.DMLKind) *wire.DML {
	return &wire.DML{Kind: kind}
}

// RestSource addresses a named gateway source. Queries carry the filter as
// serialized specs instead of SQL; DML carries column/value/type triples.
type RestSource struct {
	remote
	source string
}

var _ DataSource = (*RestSource)(nil)

// NewRestSource returns a source over the gateway source named source.
func NewRestSource(name, source string, conn wire.Transport, logger *slog.Logger) *RestSource {
	s := &RestSource{source: source}
	s.remote = newRemote(name, conn, sourceTarget{source: source}, full, logger)
	return s
}

// Source returns the gateway source name.
func (s *RestSource) Source() string { return s.source }

// Clone copies the configuration.
func (s *RestSource) Clone() DataSource {
	return &RestSource{remote: s.clone(sourceTarget{source: s.source}), source: s.source}
}

type sourceTarget struct {
	source string
}

func (t sourceTarget) selectRows(columns []string, where *filter.Structure, sorting string, lock bool) (*wire.Select, error) {
	req := &wire.Select{Source: t.source, Columns: columns, Order: sorting, Lock: lock}
	if where != nil {
		req.Filters = where.Specs()
	}
	return req, nil
}

func (t sourceTarget) dml(kind wire.DMLKind) *wire.DML {
	return &wire.DML{Kind: kind, Source: t.source}
}

func projection(columns []string) string {
	if len(columns) == 0 {
		return "*"
	}
	return strings.Join(columns, ", ")
}
