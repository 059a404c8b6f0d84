package sqlgw

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/roach88/formsql/internal/wire"
)

// DefaultTimeout is the session timeout declared to clients when Options
// leaves it unset.
const DefaultTimeout = 5 * time.Minute

// Options configures a Server.
type Options struct {
	// Timeout is the idle time after which a session expires.
	Timeout time.Duration

	// Users maps user names to secrets. A nil map accepts every user.
	Users map[string]string

	// Sources maps source names to a table name or a select statement.
	// A source name that is not listed is looked up as a table.
	Sources map[string]string

	IDs    IDGenerator
	Logger *slog.Logger

	// Now returns the current time. Tests use it to expire sessions.
	Now func() time.Time
}

// Server is the gateway HTTP handler.
type Server struct {
	db   *sql.DB
	opts Options
	log  *slog.Logger
	mux  *http.ServeMux

	mu       sync.Mutex
	sessions map[string]*session
}

// action handles one session request body.
type action func(ctx context.Context, sess *session, body []byte) *wire.Response

// New creates a gateway serving db.
func New(db *sql.DB, opts Options) *Server {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.IDs == nil {
		opts.IDs = UUIDv7Generator{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Server{
		db:       db,
		opts:     opts,
		log:      opts.Logger,
		mux:      http.NewServeMux(),
		sessions: make(map[string]*session),
	}

	s.mux.HandleFunc("POST /connect", s.handleConnect)
	s.route("POST /{session}/select", s.doSelect)
	s.route("POST /{session}/exec/fetch", s.doFetch)
	s.route("PATCH /{session}/insert", s.doDML(wire.KindInsert))
	s.route("PATCH /{session}/update", s.doDML(wire.KindUpdate))
	s.route("PATCH /{session}/delete", s.doDML(wire.KindDelete))
	s.route("POST /{session}/exec", s.doExec)
	s.route("PATCH /{session}/exec", s.doExec)
	s.route("POST /{session}/batch", s.doBatch)
	s.route("POST /{session}/ping", s.doPing)
	s.route("POST /{session}/commit", s.doCommit)
	s.route("POST /{session}/rollback", s.doRollback)
	s.route("POST /{session}/disconnect", s.doDisconnect)
	s.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeResponse(w, reject(http.StatusNotFound, "unknown action %s %s", r.Method, r.URL.Path))
	})
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Sessions returns the number of live sessions.
func (s *Server) Sessions() int {
	s.Reap()
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Close ends every session.
func (s *Server) Close() {
	s.mu.Lock()
	sessions := s.sessions
	s.sessions = make(map[string]*session)
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.mu.Lock()
		sess.end()
		sess.mu.Unlock()
	}
}

// Reap ends sessions idle for longer than the timeout.
func (s *Server) Reap() {
	now := s.opts.Now()
	var expired []*session

	s.mu.Lock()
	for id, sess := range s.sessions {
		if now.Sub(sess.lastSeen) > s.opts.Timeout {
			delete(s.sessions, id)
			expired = append(expired, sess)
		}
	}
	s.mu.Unlock()

	for _, sess := range expired {
		sess.mu.Lock()
		sess.end()
		sess.mu.Unlock()
		s.log.Info("session expired", "session", sess.id, "user", sess.username)
	}
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeResponse(w, reject(http.StatusBadRequest, "read body: %v", err))
		return
	}
	var req wire.ConnectBody
	if err := decode(body, &req); err != nil {
		writeResponse(w, reject(http.StatusBadRequest, "%v", err))
		return
	}

	if s.opts.Users != nil {
		secret, ok := s.opts.Users[req.Username]
		if !ok || secret != req.Secret {
			s.log.Warn("authentication failed", "user", req.Username)
			writeResponse(w, reject(http.StatusUnauthorized, "authentication failed for %q", req.Username))
			return
		}
	}

	var transactional bool
	switch req.Scope {
	case "", "stateless":
	case "transactional":
		transactional = true
	default:
		writeResponse(w, reject(http.StatusBadRequest, "unknown scope %q", req.Scope))
		return
	}

	s.Reap()
	sess := &session{
		id:            s.opts.IDs.Generate(),
		username:      req.Username,
		transactional: transactional,
		clientInfo:    req.ClientInfo,
		lastSeen:      s.opts.Now(),
		cursors:       make(map[string]*cursor),
	}
	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()

	s.log.Info("session opened", "session", sess.id, "user", req.Username, "scope", req.Scope)
	writeResponse(w, &wire.Response{Success: true, Session: sess.id, Timeout: s.opts.Timeout})
}

// route registers a session action. The session is looked up, locked and
// touched around the call.
func (s *Server) route(pattern string, fn action) {
	s.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeResponse(w, reject(http.StatusBadRequest, "read body: %v", err))
			return
		}

		id := r.PathValue("session")
		sess := s.lookup(id)
		if sess == nil {
			writeResponse(w, reject(http.StatusNotFound, "unknown or expired session %q", id))
			return
		}

		sess.mu.Lock()
		start := time.Now()
		resp := fn(r.Context(), sess, body)
		sess.mu.Unlock()
		s.touch(sess)

		s.log.Debug("request",
			"session", id,
			"method", r.Method,
			"path", r.URL.Path,
			"success", resp.Success,
			"rows", resp.Len(),
			"writes", resp.Writes,
			"elapsed", time.Since(start),
		)
		writeResponse(w, resp)
	})
}

func (s *Server) lookup(id string) *session {
	s.Reap()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[id]
}

func (s *Server) touch(sess *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess.lastSeen = s.opts.Now()
}

// begin opens the session transaction if none is open.
func (s *Server) begin(ctx context.Context, sess *session) error {
	if sess.tx != nil {
		return nil
	}
	// The transaction outlives the request that opened it.
	tx, err := s.db.BeginTx(context.WithoutCancel(ctx), nil)
	if err != nil {
		return err
	}
	sess.tx = tx
	return nil
}

// within runs fn inside a transaction: the session transaction for
// transactional sessions, a private one committed on success otherwise.
func (s *Server) within(ctx context.Context, sess *session, fn func(q querier) *wire.Response) *wire.Response {
	if sess.transactional {
		if err := s.begin(ctx, sess); err != nil {
			return reject(http.StatusConflict, "begin transaction: %v", err)
		}
		return fn(sess.tx)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return reject(http.StatusConflict, "begin transaction: %v", err)
	}
	resp := fn(tx)
	if !resp.Success {
		_ = tx.Rollback()
		return resp
	}
	if err := tx.Commit(); err != nil {
		return reject(http.StatusConflict, "commit: %v", err)
	}
	return resp
}

// reader returns where a read runs: the open session transaction, or the
// database.
func (s *Server) reader(sess *session) querier {
	if sess.tx != nil {
		return sess.tx
	}
	return s.db
}

func (s *Server) doPing(_ context.Context, _ *session, _ []byte) *wire.Response {
	return &wire.Response{Success: true, Timeout: s.opts.Timeout}
}

func (s *Server) doCommit(_ context.Context, sess *session, _ []byte) *wire.Response {
	if sess.tx == nil {
		return wire.OKResponse()
	}
	err := sess.tx.Commit()
	sess.tx = nil
	if err != nil {
		return reject(http.StatusConflict, "commit: %v", err)
	}
	return wire.OKResponse()
}

func (s *Server) doRollback(_ context.Context, sess *session, _ []byte) *wire.Response {
	if sess.tx == nil {
		return wire.OKResponse()
	}
	err := sess.tx.Rollback()
	sess.tx = nil
	if err != nil {
		return reject(http.StatusConflict, "rollback: %v", err)
	}
	return wire.OKResponse()
}

func (s *Server) doDisconnect(_ context.Context, sess *session, _ []byte) *wire.Response {
	sess.end()
	s.mu.Lock()
	delete(s.sessions, sess.id)
	s.mu.Unlock()
	s.log.Info("session closed", "session", sess.id, "user", sess.username)
	return wire.OKResponse()
}

// decode parses a request body, keeping numbers as json.Number.
func decode(body []byte, v any) error {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("malformed request: %w", err)
	}
	return nil
}

// reject builds a failed response with an HTTP status.
func reject(status int, format string, args ...any) *wire.Response {
	resp := wire.Failure(wire.BackendRejection, format, args...)
	resp.Status = status
	return resp
}

// violation builds an assertion failure.
func violation(message string, v []wire.ColumnViolation) *wire.Response {
	return &wire.Response{Outcome: wire.Violation, Message: message, Violations: v, Status: http.StatusConflict}
}

func writeResponse(w http.ResponseWriter, resp *wire.Response) {
	status := resp.Status
	if status == 0 {
		switch {
		case resp.Success:
			status = http.StatusOK
		case resp.Outcome == wire.Violation:
			status = http.StatusConflict
		default:
			status = http.StatusBadRequest
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
