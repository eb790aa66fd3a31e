package sched

import (
	"sync/atomic"
	"time"
)

// Clock supplies an executor's virtual time: a monotonic offset from the
// moment the clock was created.
type Clock interface {
	Now() time.Duration
}

// WallClock follows the monotonic system clock.
type WallClock struct {
	anchor time.Time
}

// NewWallClock anchors a clock at the current instant.
func NewWallClock() *WallClock { return &WallClock{anchor: time.Now()} }

func (c *WallClock) Now() time.Duration { return time.Since(c.anchor) }

// SimClock is a manually driven clock. An executor running on a SimClock
// never sleeps for a timer: when it would park waiting for the next
// deadline it jumps the clock there instead.
type SimClock struct {
	now atomic.Int64
}

// NewSimClock creates a clock at virtual time zero.
func NewSimClock() *SimClock { return &SimClock{} }

func (c *SimClock) Now() time.Duration { return time.Duration(c.now.Load()) }

// Advance moves the clock forward by d and returns the new time.
func (c *SimClock) Advance(d time.Duration) time.Duration {
	if d < 0 {
		d = 0
	}
	return time.Duration(c.now.Add(int64(d)))
}

// AdvanceTo moves the clock to t unless it is already past it.
func (c *SimClock) AdvanceTo(t time.Duration) {
	for {
		cur := c.now.Load()
		if int64(t) <= cur || c.now.CompareAndSwap(cur, int64(t)) {
			return
		}
	}
}
