// Package backoff decides whether and when a failed action is retried.
package backoff

import (
	"math/rand"
	"time"

	"github.com/calebhs/offgrid/internal/models"
)

// Policy computes exponential retry delays with jitter. Delays grow as
// base * 2^retryCount, capped at Max. Jitter spreads reconnect storms when
// many clients come back online at once.
type Policy struct {
	// Base is the delay before the first retry.
	Base time.Duration

	// Max caps the computed delay.
	Max time.Duration

	// JitterFrac is the random fraction (0..1) of the delay added or
	// subtracted per computation. Zero disables jitter.
	JitterFrac float64

	// rand returns a value in [0,1); replaceable for deterministic tests.
	rand func() float64
}

// DefaultPolicy mirrors the retry behavior shipped to clients: first retry
// after a minute, doubling up to an hour.
func DefaultPolicy() *Policy {
	return &Policy{
		Base:       time.Minute,
		Max:        time.Hour,
		JitterFrac: 0.1,
	}
}

// NewPolicy creates a Policy with explicit parameters.
func NewPolicy(base, max time.Duration, jitterFrac float64) *Policy {
	return &Policy{Base: base, Max: max, JitterFrac: jitterFrac}
}

// ShouldRetry reports whether the action has retry budget left.
func (p *Policy) ShouldRetry(a *models.Action) bool {
	return a.RetryCount < a.MaxRetries
}

// NextDelay computes the delay before the attempt following retryCount
// failures. The pre-jitter value is strictly increasing until it hits Max.
func (p *Policy) NextDelay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}

	delay := p.Base
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= p.Max {
			delay = p.Max
			break
		}
	}
	if delay > p.Max {
		delay = p.Max
	}

	if p.JitterFrac > 0 {
		r := p.rand
		if r == nil {
			r = rand.Float64
		}
		// jitter in [-JitterFrac, +JitterFrac] of the delay
		jitter := time.Duration((r()*2 - 1) * p.JitterFrac * float64(delay))
		delay += jitter
	}

	if delay < 0 {
		delay = 0
	}
	return delay
}

// NextRetryAt returns the unix-millisecond deadline for the next attempt of
// an action that just failed. The action's RetryCount is expected to already
// include the failed attempt.
func (p *Policy) NextRetryAt(a *models.Action, now time.Time) int64 {
	return now.Add(p.NextDelay(a.RetryCount)).UnixMilli()
}
