package testutil

import "sync"

// ManualClock is a business-time source that only moves when told to.
//
// It implements engine.TimeSource. Tests open a stream, Advance by a day,
// and check what has accrued, without sleeping.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type ManualClock struct {
	mu  sync.Mutex
	now int64
}

// NewManualClock creates a clock reading start (unix seconds).
func NewManualClock(start int64) *ManualClock {
	return &ManualClock{now: start}
}

// Now returns the current instant.
func (c *ManualClock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by seconds and returns the new instant.
// Negative values are ignored: business time never runs backwards.
func (c *ManualClock) Advance(seconds int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seconds > 0 {
		c.now += seconds
	}
	return c.now
}

// Set jumps to an absolute instant, if it is not earlier than the current one.
func (c *ManualClock) Set(now int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if now > c.now {
		c.now = now
	}
}
