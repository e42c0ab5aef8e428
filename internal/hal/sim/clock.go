// Package sim provides in-memory implementations of the hal interfaces for
// tests and headless runs.
//
// Capture can drive a virtual [Clock] so that timing-dependent behavior
// (rest, silence and segment timers) is deterministic: every frame read
// advances the clock by the frame's duration at the configured sample rate.
//
// All types are safe for concurrent use.
package sim

import (
	"context"
	"runtime"
	"sync"
	"time"
)

// Clock is a manually advanced clock. The zero value starts at the Unix
// epoch; use [NewClock] for a specific start.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock reading start.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

// Now returns the current virtual time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.now.IsZero() {
		c.now = time.Unix(0, 0)
	}
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	if c.now.IsZero() {
		c.now = time.Unix(0, 0)
	}
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Sleep advances the clock by d and yields to other goroutines. It fails
// only when ctx is done.
func (c *Clock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.Advance(d)
	runtime.Gosched()
	return nil
}
