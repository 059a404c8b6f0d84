package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClock_DefaultStart(t *testing.T) {
	clock := NewClock(time.Time{})
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), clock.Now())
}

func TestClock_AdvanceAndSet(t *testing.T) {
	start := time.Date(1981, 11, 17, 9, 0, 0, 0, time.UTC)
	clock := NewClock(start)

	assert.Equal(t, start.Add(time.Minute), clock.Advance(time.Minute))
	assert.Equal(t, start.Add(time.Minute), clock.Now())

	clock.Set(start)
	assert.Equal(t, start, clock.Now())
}

func TestClock_ThreadSafe(t *testing.T) {
	clock := NewClock(time.Time{})
	start := clock.Now()
	const numGoroutines = 50

	var wg sync.WaitGroup
	wg.Add(numGoroutines)
	for i := 0; i < numGoroutines; i++ {
		go func() {
			defer wg.Done()
			clock.Advance(time.Second)
			_ = clock.Now()
		}()
	}
	wg.Wait()

	require.Equal(t, start.Add(numGoroutines*time.Second), clock.Now())
}

func TestSequentialIDs(t *testing.T) {
	ids := NewSequentialIDs("cursor")
	assert.Equal(t, "cursor-1", ids.Generate())
	assert.Equal(t, "cursor-2", ids.Generate())
	assert.Equal(t, int64(2), ids.Count())

	assert.Equal(t, "id-1", NewSequentialIDs("").Generate())
}

func TestSequentialIDs_Unique(t *testing.T) {
	ids := NewSequentialIDs("s")
	const numGoroutines, perGoroutine = 20, 50

	var mu sync.Mutex
	seen := map[string]bool{}
	var wg sync.WaitGroup
	wg.Add(numGoroutines)
	for i := 0; i < numGoroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				id := ids.Generate()
				mu.Lock()
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, numGoroutines*perGoroutine)
}
