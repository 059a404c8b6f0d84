package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/roach88/formsql/internal/wire"
)

// ErrNotConnected is reported when a request is sent without a session.
var ErrNotConnected = errors.New("not connected")

// Scope is the transaction scope of a session.
type Scope string

const (
	// Stateless sessions commit every request.
	Stateless Scope = "stateless"

	// Transactional sessions keep writes and locks until Commit or
	// Rollback.
	Transactional Scope = "transactional"
)

// ParseScope validates a scope name. The empty name means Stateless.
func ParseScope(s string) (Scope, error) {
	switch Scope(strings.ToLower(s)) {
	case "", Stateless:
		return Stateless, nil
	case Transactional:
		return Transactional, nil
	}
	return "", fmt.Errorf("unknown scope %q", s)
}

// Options configures a Connection.
type Options struct {
	// URL is the gateway base URL.
	URL string

	Username   string
	Secret     string
	AuthMethod string
	Scope      Scope

	// ClientInfo is sent on connect.
	ClientInfo map[string]string

	// Rate limits requests per second. Zero means unlimited.
	Rate  float64
	Burst int

	// KeepAliveTimeout bounds one keepalive ping.
	KeepAliveTimeout time.Duration

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Connection is a session with a REST SQL gateway.
//
// Connection is safe for concurrent use.
type Connection struct {
	name    string
	opts    Options
	base    string
	client  *http.Client
	limiter *rate.Limiter
	log     *slog.Logger

	mu        sync.Mutex
	session   string
	timeout   time.Duration
	locks     int
	modified  bool
	keepalive *time.Timer
}

// New creates a disconnected Connection.
func New(name string, opts Options) *Connection {
	if opts.Scope == "" {
		opts.Scope = Stateless
	}
	if opts.KeepAliveTimeout == 0 {
		opts.KeepAliveTimeout = 10 * time.Second
	}
	c := &Connection{
		name:   name,
		opts:   opts,
		base:   strings.TrimRight(opts.URL, "/"),
		client: opts.HTTPClient,
		log:    opts.Logger,
	}
	if c.client == nil {
		c.client = http.DefaultClient
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	c.log = c.log.With("connection", name)
	if opts.Rate > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.Rate), burst)
	}
	return c
}

// Name returns the connection name.
func (c *Connection) Name() string { return c.name }

// URL returns the gateway base URL.
func (c *Connection) URL() string { return c.base }

// Scope returns the session scope.
func (c *Connection) Scope() Scope { return c.opts.Scope }

// Transactional reports whether the session keeps a transaction open.
func (c *Connection) Transactional() bool { return c.opts.Scope == Transactional }

// Connected reports whether a session is open.
func (c *Connection) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session != ""
}

// Session returns the session id, or "".
func (c *Connection) Session() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Timeout returns the server-declared session timeout.
func (c *Connection) Timeout() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timeout
}

// Locks returns the number of rows locked since the last commit or
// rollback.
func (c *Connection) Locks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.locks
}

// Modified reports uncommitted writes.
func (c *Connection) Modified() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.modified
}

// Connect opens a session. Connecting an open connection first
// disconnects it.
func (c *Connection) Connect(ctx context.Context) *wire.Response {
	if c.Connected() {
		c.Disconnect(ctx)
	}
	req := &wire.Connect{
		Scope:      string(c.opts.Scope),
		AuthMethod: c.opts.AuthMethod,
		Username:   c.opts.Username,
		Secret:     c.opts.Secret,
		ClientInfo: c.opts.ClientInfo,
	}
	resp := c.post(ctx, req.Method(), c.base+"/"+req.Action(), req.Serialize())
	if !resp.Success {
		c.log.Warn("connect failed", "url", c.base, "error", resp.Message)
		return resp
	}
	if resp.Session == "" {
		return wire.Failure(wire.BackendRejection, "connect: gateway returned no session")
	}

	c.mu.Lock()
	c.session = resp.Session
	c.timeout = resp.Timeout
	c.locks = 0
	c.modified = false
	c.scheduleLocked()
	c.mu.Unlock()

	c.log.Info("connected", "session", resp.Session, "timeout", resp.Timeout, "scope", c.opts.Scope)
	return resp
}

// Disconnect ends the session. The local session is dropped even when the
// gateway cannot be reached.
func (c *Connection) Disconnect(ctx context.Context) *wire.Response {
	c.mu.Lock()
	session := c.session
	c.dropLocked()
	c.mu.Unlock()

	if session == "" {
		return wire.Failure(wire.TransportFailure, "%s", ErrNotConnected)
	}
	resp := c.post(ctx, wire.Disconnect.Method(), c.base+"/"+session+"/"+wire.Disconnect.Action(), wire.Disconnect.Serialize())
	c.log.Info("disconnected", "session", session)
	return resp
}

// Commit commits the session transaction and releases its locks.
func (c *Connection) Commit(ctx context.Context) *wire.Response {
	return c.Send(ctx, wire.Commit)
}

// Rollback discards the session transaction and releases its locks.
func (c *Connection) Rollback(ctx context.Context) *wire.Response {
	return c.Send(ctx, wire.Rollback)
}

// Ping refreshes the session.
func (c *Connection) Ping(ctx context.Context) *wire.Response {
	return c.Send(ctx, &wire.Ping{})
}

// Send implements wire.Transport. It never returns nil.
func (c *Connection) Send(ctx context.Context, req wire.Request) *wire.Response {
	switch req.(type) {
	case *wire.Connect:
		return c.Connect(ctx)
	}
	if req == wire.Disconnect {
		return c.Disconnect(ctx)
	}

	session := c.Session()
	if session == "" {
		return wire.Failure(wire.TransportFailure, "%s", ErrNotConnected)
	}

	resp := c.post(ctx, req.Method(), c.base+"/"+session+"/"+req.Action(), req.Serialize())
	c.account(req, resp)
	return resp
}

// account keeps lock and write bookkeeping in step with the gateway.
func (c *Connection) account(req wire.Request, resp *wire.Response) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if resp.Modifies {
		c.modified = true
	}
	switch r := req.(type) {
	case *wire.Select:
		if r.Lock && resp.Success {
			c.locks++
		}
	case *wire.Control:
		if resp.Success && (r == wire.Commit || r == wire.Rollback) {
			c.locks = 0
			c.modified = false
		}
	}
	if !c.Transactional() && resp.Success {
		// every request commits on its own
		c.locks = 0
		c.modified = false
	}
}

// post sends one HTTP request and decodes the gateway response.
func (c *Connection) post(ctx context.Context, method, url string, body any) *wire.Response {
	data, err := json.Marshal(body)
	if err != nil {
		return wire.Failure(wire.TransportFailure, "encode request: %v", err)
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return wire.TransportError(fmt.Errorf("rate limit: %w", err))
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(data))
	if err != nil {
		return wire.TransportError(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	start := time.Now()
	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		c.log.Debug("request failed", "method", method, "url", url, "error", err)
		return wire.TransportError(err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return wire.TransportError(fmt.Errorf("read response: %w", err))
	}

	resp, err := wire.Decode(raw)
	if err != nil {
		resp = wire.Failure(wire.TransportFailure, "%s %s: status %d: %v", method, url, httpResp.StatusCode, err)
	}
	resp.Status = httpResp.StatusCode

	c.log.Debug("request",
		"method", method,
		"url", url,
		"status", httpResp.StatusCode,
		"success", resp.Success,
		"rows", resp.Len(),
		"elapsed", time.Since(start),
	)
	return resp
}

// scheduleLocked arms the keepalive timer. Caller holds c.mu.
func (c *Connection) scheduleLocked() {
	if c.keepalive != nil {
		c.keepalive.Stop()
		c.keepalive = nil
	}
	if c.session == "" || c.timeout <= 0 {
		return
	}
	session := c.session
	c.keepalive = time.AfterFunc(c.timeout*4/5, func() { c.keepAlive(session) })
}

// keepAlive pings the session and reschedules itself. A failed ping drops
// the session.
func (c *Connection) keepAlive(session string) {
	if c.Session() != session {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.KeepAliveTimeout)
	defer cancel()

	ping := &wire.Ping{}
	resp := c.post(ctx, ping.Method(), c.base+"/"+session+"/"+ping.Action(), ping.Serialize())

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != session {
		return
	}
	if !resp.Success {
		c.log.Warn("keepalive failed, session dropped", "session", session, "error", resp.Message)
		c.dropLocked()
		return
	}
	if resp.Timeout > 0 {
		c.timeout = resp.Timeout
	}
	c.scheduleLocked()
}

// dropLocked forgets the session. Caller holds c.mu.
func (c *Connection) dropLocked() {
	if c.keepalive != nil {
		c.keepalive.Stop()
		c.keepalive = nil
	}
	c.session = ""
	c.locks = 0
	c.modified = false
}
