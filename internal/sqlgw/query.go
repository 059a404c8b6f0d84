package sqlgw

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/roach88/formsql/internal/bind"
	"github.com/roach88/formsql/internal/filter"
	"github.com/roach88/formsql/internal/wire"
)

var (
	forUpdate  = regexp.MustCompile(`(?is)\s+for\s+update(\s+nowait|\s+skip\s+locked)?\s*;?\s*$`)
	identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	selectLike = regexp.MustCompile(`(?is)^\s*(select|with|values|pragma)\b`)
	returning  = regexp.MustCompile(`(?is)\breturning\b`)
	orderBy    = regexp.MustCompile(`(?i)^\s*[A-Za-z_][A-Za-z0-9_]*(\s+(asc|desc))?(\s*,\s*[A-Za-z_][A-Za-z0-9_]*(\s+(asc|desc))?)*\s*$`)
)

// resultSet is a fully read query result.
type resultSet struct {
	columns []string
	types   []bind.DataType
	rows    [][]any
}

// readRows runs a query and reads every row. Date columns come back as
// time.Time; columns without a declared type take the type of their
// first non-null value.
func readRows(ctx context.Context, q querier, query string, args ...any) (*resultSet, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	cts, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}

	rs := &resultSet{columns: make([]string, len(cols)), types: make([]bind.DataType, len(cols)), rows: [][]any{}}
	for i, c := range cols {
		rs.columns[i] = strings.ToLower(c)
		rs.types[i] = bind.ParseType(cts[i].DatabaseTypeName())
	}

	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		for i, v := range vals {
			if b, ok := v.([]byte); ok {
				vals[i] = string(b)
			}
		}
		rs.rows = append(rs.rows, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, t := range rs.types {
		if t != bind.Unknown {
			continue
		}
		for _, row := range rs.rows {
			if row[i] != nil {
				rs.types[i] = bind.TypeOf(row[i])
				break
			}
		}
	}
	rs.normalizeDates()
	return rs, nil
}

// normalizeDates parses date columns the driver returned as text.
func (rs *resultSet) normalizeDates() {
	for i, t := range rs.types {
		if !t.IsDate() {
			continue
		}
		for _, row := range rs.rows {
			if s, ok := row[i].(string); ok {
				if ts, ok := parseTime(s); ok {
					row[i] = ts
				}
			}
		}
	}
}

func parseTime(s string) (time.Time, bool) {
	s = strings.TrimSuffix(s, "Z")
	for _, layout := range sqlite3.SQLiteTimestampFormats {
		if ts, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}

// row returns row i keyed by column.
func (rs *resultSet) row(i int) filter.Values {
	out := make(filter.Values, len(rs.columns))
	for j, c := range rs.columns {
		out[c] = rs.rows[i][j]
	}
	return out
}

// arg converts a decoded wire value to a driver argument.
func arg(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case time.Time:
		return x.UTC()
	}
	return v
}

// named converts bind values to named driver arguments.
func named(binds []bind.BindValue) []any {
	args := make([]any, len(binds))
	for i, b := range binds {
		args[i] = sql.Named(b.Name, arg(b.Value))
	}
	return args
}

func fromWire(ws []bind.Wire) []bind.BindValue {
	out := make([]bind.BindValue, len(ws))
	for i, w := range ws {
		out[i] = bind.FromWire(w)
	}
	return out
}

// checkAssertions compares asserted values with a row. Columns are matched
// case-insensitively.
func checkAssertions(row filter.Values, assertions []wire.Field) []wire.ColumnViolation {
	var out []wire.ColumnViolation
	for _, a := range assertions {
		col := strings.ToLower(a.Column)
		expected := arg(a.Typed())
		if !filter.Equals(col).SetConstraint(expected).Evaluate(row) {
			out = append(out, wire.ColumnViolation{Column: a.Column, Expected: expected, Actual: row[col]})
		}
	}
	return out
}

// missing reports every assertion as violated by a row that is gone.
func missing(assertions []wire.Field) []wire.ColumnViolation {
	out := make([]wire.ColumnViolation, len(assertions))
	for i, a := range assertions {
		out[i] = wire.ColumnViolation{Column: a.Column, Expected: arg(a.Typed())}
	}
	return out
}

// resolveSource returns the from-clause item for a named source: a quoted
// table name or a parenthesized query.
func (s *Server) resolveSource(ctx context.Context, q querier, name string) (string, error) {
	if def, ok := s.opts.Sources[name]; ok {
		if selectLike.MatchString(def) {
			return "(" + def + ")", nil
		}
		name = def
	}
	if !identifier.MatchString(name) {
		return "", fmt.Errorf("invalid source %q", name)
	}
	if _, err := describeTable(ctx, q, name); err != nil {
		return "", fmt.Errorf("unknown source %q", name)
	}
	return quote(name), nil
}

// resolveTable returns the table a DML request writes to.
func (s *Server) resolveTable(ctx context.Context, q querier, table, source string) (*tableInfo, error) {
	if table == "" {
		def, ok := s.opts.Sources[source]
		switch {
		case source == "":
			return nil, fmt.Errorf("table or source required")
		case ok && selectLike.MatchString(def):
			return nil, fmt.Errorf("source %q is a query and cannot be written", source)
		case ok:
			table = def
		default:
			table = source
		}
	}
	if !identifier.MatchString(table) {
		return nil, fmt.Errorf("invalid table %q", table)
	}
	return describeTable(ctx, q, table)
}

// buildSelect assembles the statement of a select request.
func (s *Server) buildSelect(ctx context.Context, q querier, req wire.SelectBody) (query string, args []any, lock bool, err error) {
	binds := fromWire(req.BindValues)
	query = req.SQL
	if loc := forUpdate.FindStringIndex(query); loc != nil {
		query = query[:loc[0]]
		lock = true
	}

	var from string
	switch {
	case req.Source != "":
		from, err = s.resolveSource(ctx, q, req.Source)
		if err != nil {
			return "", nil, false, err
		}
	case query != "":
		if len(req.Filters) > 0 || len(req.Columns) > 0 || req.Order != "" {
			from = "(" + query + ")"
		}
	default:
		return "", nil, false, fmt.Errorf("sql or source required")
	}

	if from != "" {
		cols := "*"
		if len(req.Columns) > 0 {
			quoted := make([]string, len(req.Columns))
			for i, c := range req.Columns {
				if !identifier.MatchString(c) {
					return "", nil, false, fmt.Errorf("invalid column %q", c)
				}
				quoted[i] = quote(c)
			}
			cols = strings.Join(quoted, ", ")
		}
		query = "select " + cols + " from " + from + " q"

		if len(req.Filters) > 0 {
			st, ferr := filter.FromSpecs(req.Filters)
			if ferr != nil {
				return "", nil, false, ferr
			}
			reserved := make([]string, len(binds))
			for i, b := range binds {
				reserved[i] = b.Name
			}
			acc := filter.NewAccumulator(reserved...)
			if where := st.Build(0, acc); where != "" {
				query += " where " + where
			}
			if err := acc.Err(); err != nil {
				return "", nil, false, err
			}
			binds = append(binds, acc.BindValues()...)
		}
		if req.Order != "" {
			if !orderBy.MatchString(req.Order) {
				return "", nil, false, fmt.Errorf("invalid order %q", req.Order)
			}
			query += " order by " + req.Order
		}
	}
	return query, named(binds), lock || req.Lock, nil
}

func (s *Server) doSelect(ctx context.Context, sess *session, body []byte) *wire.Response {
	var req wire.SelectBody
	if err := decode(body, &req); err != nil {
		return reject(http.StatusBadRequest, "%v", err)
	}
	if (req.Lock || forUpdate.MatchString(req.SQL)) && sess.transactional {
		if err := s.begin(ctx, sess); err != nil {
			return reject(http.StatusConflict, "lock: %v", err)
		}
	}
	return s.runSelect(ctx, sess, s.reader(sess), req)
}

func (s *Server) runSelect(ctx context.Context, sess *session, q querier, req wire.SelectBody) *wire.Response {
	query, args, lock, err := s.buildSelect(ctx, q, req)
	if err != nil {
		return reject(http.StatusBadRequest, "%v", err)
	}
	if req.Describe {
		query = "select * from (" + query + ") limit 0"
	}

	rs, err := readRows(ctx, q, query, args...)
	if err != nil {
		return reject(http.StatusBadRequest, "%v", err)
	}

	if len(req.Assertions) > 0 {
		asserts := make([]wire.Field, len(req.Assertions))
		for i, a := range req.Assertions {
			asserts[i] = wire.Field{Column: a.Name, Value: a.Value, Type: a.Type}
		}
		if len(rs.rows) == 0 {
			return violation("row no longer exists", missing(asserts))
		}
		if v := checkAssertions(rs.row(0), asserts); len(v) > 0 {
			return violation("row was changed by another session", v)
		}
	}

	resp := &wire.Response{
		Success: true,
		Columns: rs.columns,
		Types:   rs.types,
		Lock:    lock,
	}
	if req.Describe {
		return resp
	}

	rows := rs.rows
	if req.Rows > 0 && len(rows) > req.Rows {
		if req.Cursor {
			id := s.opts.IDs.Generate()
			sess.cursors[id] = &cursor{columns: rs.columns, types: rs.types, rows: rows[req.Rows:]}
			resp.Cursor = id
			resp.More = true
		}
		rows = rows[:req.Rows]
	}
	resp.Rows = rows
	return resp
}

func (s *Server) doFetch(_ context.Context, sess *session, body []byte) *wire.Response {
	var req wire.CursorBody
	if err := decode(body, &req); err != nil {
		return reject(http.StatusBadRequest, "%v", err)
	}
	c, ok := sess.cursors[req.Cursor]
	if req.Close {
		delete(sess.cursors, req.Cursor)
		return wire.OKResponse()
	}
	if !ok {
		return reject(http.StatusNotFound, "unknown cursor %q", req.Cursor)
	}

	page := c.take(req.Rows)
	resp := &wire.Response{Success: true, Columns: c.columns, Types: c.types, Rows: page}
	if len(c.rows) > 0 {
		resp.More = true
		resp.Cursor = req.Cursor
	} else {
		delete(sess.cursors, req.Cursor)
	}
	return resp
}
