package sqlgw

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/roach88/formsql/internal/wire"
)

// rawStep is a batch step whose body is decoded once its action is known.
type rawStep struct {
	Method string          `json:"method"`
	Action string          `json:"action"`
	Body   json.RawMessage `json:"body"`
}

// doBatch runs the steps in order inside one transaction. The first
// failing step reverts the whole batch; the response carries the step
// responses up to and including the failure.
func (s *Server) doBatch(ctx context.Context, sess *session, body []byte) *wire.Response {
	var req struct {
		Steps []rawStep `json:"steps"`
	}
	if err := decode(body, &req); err != nil {
		return reject(http.StatusBadRequest, "%v", err)
	}

	return s.within(ctx, sess, func(q querier) *wire.Response {
		if sess.transactional {
			if _, err := q.ExecContext(ctx, "savepoint batch"); err != nil {
				return reject(http.StatusConflict, "savepoint: %v", err)
			}
		}

		resp := &wire.Response{Success: true}
		for i, step := range req.Steps {
			r := s.runStep(ctx, sess, q, step)
			resp.Steps = append(resp.Steps, r)
			if r.Success {
				resp.Writes += r.Writes
				continue
			}

			if sess.transactional {
				_, _ = q.ExecContext(ctx, "rollback to batch")
				_, _ = q.ExecContext(ctx, "release batch")
			}
			for _, done := range resp.Steps {
				done.Writes = 0
			}
			s.log.Debug("batch failed", "session", sess.id, "step", i, "error", r.Message)
			return &wire.Response{
				Outcome:    r.Outcome,
				Message:    fmt.Sprintf("step %d: %s", i, r.Message),
				Violations: r.Violations,
				Status:     r.Status,
				Steps:      resp.Steps,
			}
		}

		if sess.transactional {
			if _, err := q.ExecContext(ctx, "release batch"); err != nil {
				return reject(http.StatusConflict, "release savepoint: %v", err)
			}
		}
		return resp
	})
}

func (s *Server) runStep(ctx context.Context, sess *session, q querier, step rawStep) *wire.Response {
	action, _, _ := strings.Cut(step.Action, "?")
	switch action {
	case "insert", "update", "delete":
		var req wire.DMLBody
		if err := decode(step.Body, &req); err != nil {
			return reject(http.StatusBadRequest, "%v", err)
		}
		return s.runDML(ctx, q, wire.DMLKind(action), req)
	case "select":
		var req wire.SelectBody
		if err := decode(step.Body, &req); err != nil {
			return reject(http.StatusBadRequest, "%v", err)
		}
		req.Cursor = false
		return s.runSelect(ctx, sess, q, req)
	case "exec":
		var req wire.ExecBody
		if err := decode(step.Body, &req); err != nil {
			return reject(http.StatusBadRequest, "%v", err)
		}
		return s.runExec(ctx, q, req)
	}
	return reject(http.StatusBadRequest, "action %q cannot run in a batch", step.Action)
}
