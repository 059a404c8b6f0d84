package sqlgw

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/roach88/formsql/internal/bind"
	"github.com/roach88/formsql/internal/wire"
)

func (s *Server) doDML(kind wire.DMLKind) action {
	return func(ctx context.Context, sess *session, body []byte) *wire.Response {
		var req wire.DMLBody
		if err := decode(body, &req); err != nil {
			return reject(http.StatusBadRequest, "%v", err)
		}
		if req.Request != "" && req.Request != string(kind) {
			return reject(http.StatusBadRequest, "%s request sent to %s", req.Request, kind)
		}
		s.log.Debug("dml", "session", sess.id, "request", describeDML(kind, req))
		return s.within(ctx, sess, func(q querier) *wire.Response {
			return s.runDML(ctx, q, kind, req)
		})
	}
}

// runDML checks assertions against the current row and applies one write.
func (s *Server) runDML(ctx context.Context, q querier, kind wire.DMLKind, req wire.DMLBody) *wire.Response {
	table, err := s.resolveTable(ctx, q, req.Table, req.Source)
	if err != nil {
		return reject(http.StatusBadRequest, "%v", err)
	}
	for _, group := range [][]wire.Field{req.Values, req.Keys, req.Assertions} {
		for _, f := range group {
			if !table.has(f.Column) {
				return reject(http.StatusBadRequest, "unknown column %q in %s", f.Column, table.name)
			}
		}
	}
	for _, c := range req.Returning {
		if !table.has(c) {
			return reject(http.StatusBadRequest, "unknown returning column %q in %s", c, table.name)
		}
	}
	if kind != wire.KindInsert && len(req.Keys) == 0 {
		return reject(http.StatusBadRequest, "%s on %s needs key columns", kind, table.name)
	}

	where, whereArgs := keyClause(req.Keys)

	if len(req.Assertions) > 0 && kind != wire.KindInsert {
		cols := make([]string, len(req.Assertions))
		for i, a := range req.Assertions {
			cols[i] = quote(strings.ToLower(a.Column))
		}
		current, err := readRows(ctx, q, "select "+strings.Join(cols, ", ")+" from "+quote(table.name)+" where "+where, whereArgs...)
		if err != nil {
			return reject(http.StatusBadRequest, "%v", err)
		}
		if len(current.rows) == 0 {
			return violation("row no longer exists", missing(req.Assertions))
		}
		if v := checkAssertions(current.row(0), req.Assertions); len(v) > 0 {
			return violation("row was changed by another session", v)
		}
	}

	var stmt string
	var args []any
	switch kind {
	case wire.KindInsert:
		if len(req.Values) == 0 {
			stmt = "insert into " + quote(table.name) + " default values"
			break
		}
		cols := make([]string, len(req.Values))
		marks := make([]string, len(req.Values))
		for i, f := range req.Values {
			cols[i] = quote(strings.ToLower(f.Column))
			marks[i] = "?"
			args = append(args, arg(f.Typed()))
		}
		stmt = "insert into " + quote(table.name) + " (" + strings.Join(cols, ", ") + ") values (" + strings.Join(marks, ", ") + ")"
	case wire.KindUpdate:
		if len(req.Values) == 0 {
			// nothing to write; answer with the current row
			return s.reread(ctx, q, table, req, where, whereArgs)
		}
		sets := make([]string, len(req.Values))
		for i, f := range req.Values {
			sets[i] = quote(strings.ToLower(f.Column)) + " = ?"
			args = append(args, arg(f.Typed()))
		}
		stmt = "update " + quote(table.name) + " set " + strings.Join(sets, ", ") + " where " + where
		args = append(args, whereArgs...)
	case wire.KindDelete:
		stmt = "delete from " + quote(table.name) + " where " + where
		args = whereArgs
	default:
		return reject(http.StatusBadRequest, "unknown request %q", kind)
	}

	if len(req.Returning) == 0 {
		res, err := q.ExecContext(ctx, stmt, args...)
		if err != nil {
			return reject(http.StatusBadRequest, "%v", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 && kind != wire.KindInsert {
			return reject(http.StatusNotFound, "no row of %s matches the keys", table.name)
		}
		return &wire.Response{Success: true, Writes: n}
	}

	cols := make([]string, len(req.Returning))
	for i, c := range req.Returning {
		cols[i] = quote(strings.ToLower(c))
	}
	rs, err := readRows(ctx, q, stmt+" returning "+strings.Join(cols, ", "), args...)
	if err != nil {
		return reject(http.StatusBadRequest, "%v", err)
	}
	if len(rs.rows) == 0 && kind != wire.KindInsert {
		return reject(http.StatusNotFound, "no row of %s matches the keys", table.name)
	}
	return returned(table, rs, int64(len(rs.rows)))
}

// reread answers a returning request without writing.
func (s *Server) reread(ctx context.Context, q querier, table *tableInfo, req wire.DMLBody, where string, args []any) *wire.Response {
	if len(req.Returning) == 0 {
		return &wire.Response{Success: true}
	}
	cols := make([]string, len(req.Returning))
	for i, c := range req.Returning {
		cols[i] = quote(strings.ToLower(c))
	}
	rs, err := readRows(ctx, q, "select "+strings.Join(cols, ", ")+" from "+quote(table.name)+" where "+where, args...)
	if err != nil {
		return reject(http.StatusBadRequest, "%v", err)
	}
	if len(rs.rows) == 0 {
		return reject(http.StatusNotFound, "no row of %s matches the keys", table.name)
	}
	return returned(table, rs, 0)
}

// returned builds the keyed-object response of a returning clause. Types
// come from the table declaration because the driver does not report
// them for returning columns.
func returned(table *tableInfo, rs *resultSet, writes int64) *wire.Response {
	for i, c := range rs.columns {
		if t := bind.ParseType(table.columns[c]); t != bind.Unknown {
			rs.types[i] = t
		}
	}
	rs.normalizeDates()

	resp := &wire.Response{Success: true, Writes: writes, Columns: rs.columns, Types: rs.types}
	if len(rs.rows) > 0 {
		resp.Object = rs.row(0)
	}
	return resp
}

// keyClause builds "k1 = ? and k2 = ?". Null keys compare with "is null".
func keyClause(keys []wire.Field) (string, []any) {
	parts := make([]string, len(keys))
	var args []any
	for i, k := range keys {
		v := arg(k.Typed())
		if v == nil {
			parts[i] = quote(strings.ToLower(k.Column)) + " is null"
			continue
		}
		parts[i] = quote(strings.ToLower(k.Column)) + " = ?"
		args = append(args, v)
	}
	return strings.Join(parts, " and "), args
}

// describeDML summarizes a DML request for logs.
func describeDML(kind wire.DMLKind, req wire.DMLBody) string {
	target := req.Table
	if target == "" {
		target = req.Source
	}
	return fmt.Sprintf("%s %s (%d values, %d keys, %d assertions)", kind, target, len(req.Values), len(req.Keys), len(req.Assertions))
}
