// Package polltest provides a manual clock for exercising waits without
// sleeping.
package polltest

import (
	"sync"
	"time"
)

// Clock is a fake poll.Clock. After advances the clock by the requested
// duration and fires immediately.
type Clock struct {
	mtx    sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

// NewClock returns a clock starting at a fixed instant.
func NewClock() *Clock {
	return &Clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *Clock) Now() time.Time {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.now
}

func (c *Clock) After(d time.Duration) <-chan time.Time {
	c.mtx.Lock()
	c.now = c.now.Add(d)
	c.sleeps = append(c.sleeps, d)
	now := c.now
	c.mtx.Unlock()
	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

// Advance moves the clock forward without recording a sleep.
func (c *Clock) Advance(d time.Duration) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.now = c.now.Add(d)
}

// Sleeps returns the durations passed to After, in order.
func (c *Clock) Sleeps() []time.Duration {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}
