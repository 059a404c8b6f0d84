package sqlgw

import (
	"context"
	"net/http"

	"github.com/roach88/formsql/internal/wire"
)

func (s *Server) doExec(ctx context.Context, sess *session, body []byte) *wire.Response {
	var req wire.ExecBody
	if err := decode(body, &req); err != nil {
		return reject(http.StatusBadRequest, "%v", err)
	}
	return s.within(ctx, sess, func(q querier) *wire.Response {
		return s.runExec(ctx, q, req)
	})
}

// runExec executes a statement. Statements that produce rows answer with
// them; a single row comes back as a keyed object, the way output
// parameters of a procedure call do.
func (s *Server) runExec(ctx context.Context, q querier, req wire.ExecBody) *wire.Response {
	if req.SQL == "" {
		return reject(http.StatusBadRequest, "sql required")
	}
	args := named(fromWire(req.BindValues))

	if selectLike.MatchString(req.SQL) || returning.MatchString(req.SQL) {
		rs, err := readRows(ctx, q, req.SQL, args...)
		if err != nil {
			return reject(http.StatusBadRequest, "%v", err)
		}
		resp := &wire.Response{Success: true, Columns: rs.columns, Types: rs.types, Rows: rs.rows}
		if returning.MatchString(req.SQL) {
			resp.Writes = int64(len(rs.rows))
		}
		if len(rs.rows) == 1 {
			resp.Object = rs.row(0)
		}
		return resp
	}

	res, err := q.ExecContext(ctx, req.SQL, args...)
	if err != nil {
		return reject(http.StatusBadRequest, "%v", err)
	}
	n, _ := res.RowsAffected()
	return &wire.Response{Success: true, Writes: n}
}
