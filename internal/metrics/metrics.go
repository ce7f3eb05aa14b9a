// Package metrics derives aggregate queue health numbers.
//
// Nothing here is stored independently: success rates and sync durations are
// accumulated from dispatch outcomes and completed sessions, queue depth is
// read from the store on demand.
package metrics

import (
	"sync"
	"time"

	"github.com/calebhs/offgrid/internal/models"
	"github.com/calebhs/offgrid/internal/store"
)

// Collector accumulates dispatch outcomes and session history.
type Collector struct {
	mu             sync.Mutex
	attempted      int
	succeeded      int
	sessionCount   int
	sessionTotalMs float64
	lastSync       time.Time
}

// NewCollector creates an empty Collector.
func NewCollector() *Collector {
	return &Collector{}
}

// RecordAttempt records one dispatch outcome.
func (c *Collector) RecordAttempt(success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.attempted++
	if success {
		c.succeeded++
	}
}

// RecordSession records a completed synchronization session.
func (c *Collector) RecordSession(duration time.Duration, endedAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sessionCount++
	c.sessionTotalMs += float64(duration.Milliseconds())
	c.lastSync = endedAt
}

// Snapshot computes the current derived metrics against a store.
func (c *Collector) Snapshot(s store.DurableStore) (models.Metrics, error) {
	queueDepth, err := s.CountPending()
	if err != nil {
		return models.Metrics{}, err
	}
	failed, err := s.CountFailed()
	if err != nil {
		return models.Metrics{}, err
	}
	total, err := s.CountTotal()
	if err != nil {
		return models.Metrics{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	m := models.Metrics{
		TotalActions: total,
		QueueDepth:   queueDepth,
		FailedCount:  failed,
		LastSyncTime: c.lastSync,
	}

	attempted := c.attempted
	if attempted < 1 {
		attempted = 1
	}
	m.SuccessRate = float64(c.succeeded) / float64(attempted)

	if c.sessionCount > 0 {
		m.AverageSyncTimeMs = c.sessionTotalMs / float64(c.sessionCount)
	}
	return m, nil
}
