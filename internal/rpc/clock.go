package rpc

import "sync/atomic"

// IDSource hands out request message ids.
type IDSource interface {
	Next() uint64
}

// Clock is a monotonic message-id counter. Each Next returns a unique,
// strictly increasing id, so a response can be matched to its request.
// It is safe for concurrent use.
type Clock struct {
	seq atomic.Uint64
}

// NewClock creates a clock whose first id is 1.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a clock that continues after start.
func NewClockAt(start uint64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next increments the clock and returns the new id.
func (c *Clock) Next() uint64 {
	return c.seq.Add(1)
}

// Current returns the last id handed out without incrementing.
func (c *Clock) Current() uint64 {
	return c.seq.Load()
}
