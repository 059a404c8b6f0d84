package testutil

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/roach88/formsql/internal/wire"
)

// Recorder is a wire.Transport that records every request.
//
// With Next set it forwards to Next (a real connection); otherwise it
// answers from the scripted responses in order and with an empty success
// once the script runs out.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type Recorder struct {
	Next wire.Transport

	mu       sync.Mutex
	requests []wire.Request
	script   []*wire.Response
}

// NewRecorder returns a recorder forwarding to next (may be nil).
func NewRecorder(next wire.Transport) *Recorder {
	return &Recorder{Next: next}
}

// Script queues responses for a recorder without Next.
func (r *Recorder) Script(responses ...*wire.Response) *Recorder {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.script = append(r.script, responses...)
	return r
}

// Send implements wire.Transport.
func (r *Recorder) Send(ctx context.Context, req wire.Request) *wire.Response {
	r.mu.Lock()
	r.requests = append(r.requests, req)
	var scripted *wire.Response
	if r.Next == nil && len(r.script) > 0 {
		scripted, r.script = r.script[0], r.script[1:]
	}
	r.mu.Unlock()

	if r.Next != nil {
		return r.Next.Send(ctx, req)
	}
	if scripted != nil {
		return scripted
	}
	return wire.OKResponse()
}

// Requests returns the recorded requests.
func (r *Recorder) Requests() []wire.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]wire.Request(nil), r.requests...)
}

// Actions returns the action of every recorded request.
func (r *Recorder) Actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.requests))
	for i, req := range r.requests {
		out[i] = req.Action()
	}
	return out
}

// Last returns the most recent request of type T.
func Last[T wire.Request](r *Recorder) (T, bool) {
	reqs := r.Requests()
	for i := len(reqs) - 1; i >= 0; i-- {
		if v, ok := reqs[i].(T); ok {
			return v, true
		}
	}
	var zero T
	return zero, false
}

// Body returns the JSON body of a request, for comparison in tests.
func Body(req wire.Request) string {
	data, err := json.Marshal(req.Serialize())
	if err != nil {
		return err.Error()
	}
	return string(data)
}

// Reset forgets recorded requests and pending script entries.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests, r.script = nil, nil
}
