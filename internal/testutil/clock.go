// Package testutil provides deterministic test doubles shared across
// package tests.
package testutil

import (
	"sync"
	"time"
)

// Clock is a manually advanced wall clock for deterministic tests. Its Now
// method satisfies the injectable `now func() time.Time` hooks used by the
// scheduler and engine.
type Clock struct {
	mu sync.Mutex
	t  time.Time
}

// NewClock creates a Clock frozen at start.
func NewClock(start time.Time) *Clock {
	return &Clock{t: start}
}

// Now returns the current frozen time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// Set jumps the clock to t.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}
