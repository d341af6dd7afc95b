package engine

import "sync/atomic"

// Clock is the logical clock that stamps offers with the seq of the delta
// that last touched them. Persisted offers are reloaded in seq order, so an
// incremental run replays history in the order it was applied.
//
// Thread-safety: Clock is safe for concurrent use (atomic operations), but
// only the applying goroutine calls Next.
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a new clock starting at 0.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a clock resuming after start. An incremental run
// resumes after the highest seq in the loaded state.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next returns the next sequence number and increments the clock.
// Calls are linearizable - each call returns a unique, increasing value.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the current sequence number without incrementing.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}
