package testutil

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestManualClock_StartsAtGivenInstant(t *testing.T) {
	clock := NewManualClock(1_700_000_000)
	assert.Equal(t, int64(1_700_000_000), clock.Now())
}

func TestManualClock_Advance(t *testing.T) {
	clock := NewManualClock(100)

	assert.Equal(t, int64(160), clock.Advance(60))
	assert.Equal(t, int64(160), clock.Now())

	// Backwards moves are ignored
	assert.Equal(t, int64(160), clock.Advance(-10))
}

func TestManualClock_Set(t *testing.T) {
	clock := NewManualClock(100)

	clock.Set(500)
	assert.Equal(t, int64(500), clock.Now())

	clock.Set(200)
	assert.Equal(t, int64(500), clock.Now())
}

func TestManualClock_ThreadSafe(t *testing.T) {
	clock := NewManualClock(0)
	const numGoroutines = 50
	const callsPerGoroutine = 100

	var wg sync.WaitGroup
	wg.Add(numGoroutines)
	for i := 0; i < numGoroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < callsPerGoroutine; j++ {
				clock.Advance(1)
				_ = clock.Now()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(numGoroutines*callsPerGoroutine), clock.Now())
}
