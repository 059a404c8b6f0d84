package testutil

import (
	"fmt"
	"sync/atomic"
)

// SequentialIDs generates "prefix-1", "prefix-2", ...
//
// It stands in for the gateway's UUIDv7 generator so session and cursor
// ids are predictable in tests and golden files.
//
// Thread-safety: SequentialIDs is safe for concurrent use.
type SequentialIDs struct {
	prefix string
	n      atomic.Int64
}

// NewSequentialIDs creates a generator. An empty prefix means "id".
func NewSequentialIDs(prefix string) *SequentialIDs {
	if prefix == "" {
		prefix = "id"
	}
	return &SequentialIDs{prefix: prefix}
}

// Generate returns the next id.
func (g *SequentialIDs) Generate() string {
	return fmt.Sprintf("%s-%d", g.prefix, g.n.Add(1))
}

// Count returns how many ids were generated.
func (g *SequentialIDs) Count() int64 {
	return g.n.Load()
}
