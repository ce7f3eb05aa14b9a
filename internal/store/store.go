// Package store provides durable persistence backends for queued actions.
//
// The store is the sole source of truth for queue contents: every mutation
// an emergency-reporting client records while offline lives here until it is
// synced and eventually garbage collected. Three backends share one
// contract: SQLite (the default on-device store), Postgres (shared/server
// deployments), and an in-memory store for tests.
package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/calebhs/offgrid/internal/errors"
	"github.com/calebhs/offgrid/internal/models"
	"github.com/calebhs/offgrid/internal/uuid"
)

// DefaultMaxRetries is applied to actions enqueued without an explicit limit.
const DefaultMaxRetries = 3

// DurableStore is the persistence contract for queued actions.
//
// All mutations are atomic with respect to concurrent readers: a reader
// never observes a partially updated action. Write failures are returned to
// the caller, never swallowed: losing an emergency-report mutation is
// unacceptable.
type DurableStore interface {
	// Enqueue persists a new action before returning. Missing fields (id,
	// timestamp, retry limits) are filled with defaults.
	Enqueue(a *models.Action) error

	// GetAction returns a copy of a single action by id.
	GetAction(id models.UUID) (*models.Action, error)

	// GetPending returns all unsynced actions that have not exhausted their
	// retries, ordered by creation time.
	GetPending() ([]*models.Action, error)

	// GetFailed returns unsynced actions whose retries are exhausted.
	GetFailed() ([]*models.Action, error)

	// ListAll enumerates every stored action.
	ListAll() ([]*models.Action, error)

	// MarkSynced records a successful remote dispatch and clears the last
	// error. A synced action is immutable except for removal.
	MarkSynced(id models.UUID) error

	// MarkAttemptFailed increments the retry count and records the failure.
	// nextRetryAt carries the backoff deadline in unix milliseconds.
	MarkAttemptFailed(id models.UUID, errMsg string, lastAttempt, nextRetryAt int64) error

	// MarkPermanentlyFailed exhausts the retry budget in one step. Used when
	// the network client classifies a rejection as non-retryable; the action
	// lands in the failed set for a human decision instead of being retried
	// or silently dropped.
	MarkPermanentlyFailed(id models.UUID, errMsg string, lastAttempt int64) error

	// ResetRetries returns a terminally failed action to the pending set.
	ResetRetries(id models.UUID) error

	// Remove deletes an action by id.
	Remove(id models.UUID) error

	// ClearSynced removes all synced actions, returning how many.
	ClearSynced() (int, error)

	// PurgeSyncedBefore removes synced actions created before the cutoff
	// (unix milliseconds), returning how many.
	PurgeSyncedBefore(cutoff int64) (int, error)

	CountPending() (int, error)
	CountFailed() (int, error)
	CountSynced() (int, error)
	CountTotal() (int, error)

	// Quota reports durable storage occupancy against the configured budget.
	Quota() (models.StorageQuota, error)

	Close() error
}

// prepareForEnqueue validates an action and fills enqueue-time defaults.
// Shared by every backend so contract behavior cannot drift.
func prepareForEnqueue(a *models.Action) error {
	if a == nil {
		return errors.New(errors.ErrInvalid, "action is nil")
	}
	if _, err := models.ParseActionType(string(a.Type)); err != nil {
		return errors.Wrap(errors.ErrValidation, "invalid action type", err)
	}
	if a.Table == "" {
		return errors.New(errors.ErrValidation, "action table is required")
	}
	if a.Endpoint == "" || a.Method == "" {
		return errors.New(errors.ErrValidation, "action endpoint and method are required")
	}

	if a.Priority == "" {
		a.Priority = models.PriorityMedium
	} else if _, err := models.ParsePriority(string(a.Priority)); err != nil {
		return errors.Wrap(errors.ErrValidation, "invalid priority", err)
	}

	if a.ID == "" {
		a.ID = models.UUID(uuid.New())
	}
	if a.Timestamp == 0 {
		a.Timestamp = time.Now().UnixMilli()
	}
	if a.MaxRetries <= 0 {
		a.MaxRetries = DefaultMaxRetries
	}
	if a.Payload == nil {
		a.Payload = json.RawMessage("{}")
	}
	a.RetryCount = 0
	a.Synced = false

	return nil
}

// encodeDeps serializes a dependency list for a TEXT column.
func encodeDeps(deps []models.UUID) (string, error) {
	if len(deps) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(deps)
	if err != nil {
		return "", fmt.Errorf("failed to encode dependencies: %w", err)
	}
	return string(data), nil
}

// decodeDeps deserializes a dependency list from a TEXT column.
func decodeDeps(raw string) ([]models.UUID, error) {
	if raw == "" || raw == "[]" {
		return nil, nil
	}
	var deps []models.UUID
	if err := json.Unmarshal([]byte(raw), &deps); err != nil {
		return nil, fmt.Errorf("failed to decode dependencies: %w", err)
	}
	return deps, nil
}

// quotaFrom derives a StorageQuota from used/budget byte counts.
func quotaFrom(used, quota int64) models.StorageQuota {
	q := models.StorageQuota{Used: used, Quota: quota}
	if quota > 0 {
		q.Percentage = float64(used) / float64(quota) * 100
	}
	return q
}
