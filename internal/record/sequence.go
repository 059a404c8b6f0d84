package record

import "sync/atomic"

// Sequence hands out record ids. Ids are strictly increasing and never
// reused within a process, so they stay stable while rows move around a
// cache.
//
// Sequence is safe for concurrent use.
type Sequence struct {
	seq atomic.Int64
}

// NewSequence creates a sequence whose first id is 1.
func NewSequence() *Sequence {
	return &Sequence{}
}

// NewSequenceAt creates a sequence whose first id is start+1.
func NewSequenceAt(start int64) *Sequence {
	s := &Sequence{}
	s.seq.Store(start)
	return s
}

// Next returns the next id.
func (s *Sequence) Next() int64 {
	return s.seq.Add(1)
}

// Current returns the last id handed out.
func (s *Sequence) Current() int64 {
	return s.seq.Load()
}

var ids = NewSequence()
