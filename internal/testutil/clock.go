package testutil

import (
	"sync"
	"time"
)

// Clock provides a thread-safe manual time source for tests.
//
// Unlike the wall clock, Clock only moves when told to, so
// step-duration assertions are exact and repeatable. Inject it with
// timer.WithNowFunc(clock.Now).
//
// Thread-safety: all methods are safe for concurrent use via internal
// mutex.
type Clock struct {
	mu   sync.Mutex
	t    time.Time
	tick time.Duration
}

// NewClock creates a clock starting at a fixed epoch. With a non-zero
// tick, every Now() call advances the clock by tick before returning,
// which makes elapsed-time accounting deterministic without explicit
// Advance calls.
func NewClock(tick time.Duration) *Clock {
	return &Clock{t: time.Unix(1_700_000_000, 0), tick: tick}
}

// Now returns the current time, advancing by the configured tick.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(c.tick)
	return c.t
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// Current returns the current time without advancing.
func (c *Clock) Current() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}
