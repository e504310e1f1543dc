package timetag

import (
	"sync"
	"time"
)

// Clock supplies the current time. Implementations must be monotonic.
type Clock interface {
	Now() Time
}

// SystemClock is anchored to the wall clock once and then advances on the
// process monotonic clock, so wall-clock steps never move it backwards.
type SystemClock struct {
	base  Time
	start time.Time
}

func NewSystemClock() *SystemClock {
	now := time.Now()
	return &SystemClock{base: FromTime(now), start: now}
}

func (c *SystemClock) Now() Time {
	return c.base.AddDuration(time.Since(c.start))
}

// ManualClock only moves when told to.
type ManualClock struct {
	mu  sync.Mutex
	now Time
}

func NewManualClock(start Time) *ManualClock {
	return &ManualClock{now: start}
}

func (c *ManualClock) Now() Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *ManualClock) Advance(d time.Duration) Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.AddDuration(d)
	return c.now
}

// Set moves the clock to t; it refuses to go backwards.
func (c *ManualClock) Set(t Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.After(c.now) {
		c.now = t
	}
}
