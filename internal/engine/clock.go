package engine

import (
	"sync/atomic"
	"time"
)

// Clock is the monotonic logical clock used to order events.
//
// Every event is stamped with a strictly increasing seq number from this
// clock, so the event log has one total order that replays identically.
//
// Thread-safety: Clock is safe for concurrent use (atomic operations),
// although in practice only the executor goroutine calls Next().
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a new clock starting at 0.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a new clock starting at a specific sequence number.
// Used to resume numbering after the last persisted event.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next returns the next sequence number and increments the clock.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the current sequence number without incrementing.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}

// TimeSource reports business time in unix seconds.
// Stream accrual and sale deadlines are measured against it.
type TimeSource interface {
	Now() int64
}

// SystemTime reads the wall clock.
type SystemTime struct{}

// Now returns the current unix time in seconds.
func (SystemTime) Now() int64 {
	return time.Now().Unix()
}
