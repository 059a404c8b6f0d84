package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Pool is the set of named connections of one application.
//
// Pool is safe for concurrent use.
type Pool struct {
	mu    sync.RWMutex
	conns map[string]*Connection
	log   *slog.Logger
}

// NewPool creates an empty pool.
func NewPool(logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{conns: make(map[string]*Connection), log: logger}
}

// Add registers a connection under its name.
func (p *Pool) Add(c *Connection) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.conns[c.Name()]; ok {
		return fmt.Errorf("connection %q already registered", c.Name())
	}
	p.conns[c.Name()] = c
	return nil
}

// Get returns the connection with the given name.
func (p *Pool) Get(name string) (*Connection, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.conns[name]
	return c, ok
}

// Names returns the registered names in order.
func (p *Pool) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.conns))
	for n := range p.conns {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Remove unregisters a connection without disconnecting it.
func (p *Pool) Remove(name string) *Connection {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := p.conns[name]
	delete(p.conns, name)
	return c
}

// Modified returns the names of connections holding uncommitted writes.
func (p *Pool) Modified() []string {
	var out []string
	for _, n := range p.Names() {
		if c, ok := p.Get(n); ok && c.Modified() {
			out = append(out, n)
		}
	}
	return out
}

// ConnectAll connects every registered connection and returns the first
// failure.
func (p *Pool) ConnectAll(ctx context.Context) error {
	for _, n := range p.Names() {
		c, _ := p.Get(n)
		if c.Connected() {
			continue
		}
		if resp := c.Connect(ctx); !resp.Success {
			return fmt.Errorf("connect %s: %w", n, resp.Err())
		}
	}
	return nil
}

// Close disconnects every connected member.
func (p *Pool) Close(ctx context.Context) {
	for _, n := range p.Names() {
		c, _ := p.Get(n)
		if c.Connected() {
			if resp := c.Disconnect(ctx); !resp.Success {
				p.log.Warn("disconnect failed", "connection", n, "error", resp.Message)
			}
		}
	}
}
