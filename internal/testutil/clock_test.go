package testutil

import (
	"testing"
	"time"
)

func TestClockAdvanceAndSet(t *testing.T) {
	start := time.UnixMilli(1_000_000)
	c := NewClock(start)

	if !c.Now().Equal(start) {
		t.Errorf("expected frozen start time, got %v", c.Now())
	}

	c.Advance(90 * time.Second)
	if got := c.Now().Sub(start); got != 90*time.Second {
		t.Errorf("expected 90s elapsed, got %v", got)
	}

	jump := time.UnixMilli(5_000_000)
	c.Set(jump)
	if !c.Now().Equal(jump) {
		t.Errorf("expected jump to %v, got %v", jump, c.Now())
	}
}
