package store

import (
	"sort"
	"sync"

	"github.com/calebhs/offgrid/internal/errors"
	"github.com/calebhs/offgrid/internal/models"
)

// MemoryStore keeps actions in process memory. It implements the full
// DurableStore contract minus durability and is used by tests and as an
// explicit opt-in backend for throwaway deployments.
type MemoryStore struct {
	mu         sync.RWMutex
	actions    map[models.UUID]*models.Action
	maxSize    int
	quotaBytes int64
}

var _ DurableStore = (*MemoryStore)(nil)

// NewMemoryStore creates an in-memory store. maxSize bounds the number of
// stored actions; zero means unbounded.
func NewMemoryStore(maxSize int) *MemoryStore {
	return &MemoryStore{
		actions: make(map[models.UUID]*models.Action),
		maxSize: maxSize,
	}
}

// SetQuotaBytes sets the storage budget reported by Quota. Zero means no
// budget, matching the durable backends.
func (s *MemoryStore) SetQuotaBytes(quotaBytes int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotaBytes = quotaBytes
}

// Enqueue stores a new action.
func (s *MemoryStore) Enqueue(a *models.Action) error {
	if err := prepareForEnqueue(a); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.maxSize > 0 && len(s.actions) >= s.maxSize {
		return errors.New(errors.ErrQueueFull, "action store is full")
	}
	if _, exists := s.actions[a.ID]; exists {
		return errors.New(errors.ErrConstraint, "duplicate action id "+string(a.ID))
	}

	s.actions[a.ID] = a.Clone()
	return nil
}

// GetAction returns a copy of a single action by id.
func (s *MemoryStore) GetAction(id models.UUID) (*models.Action, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.actions[id]
	if !ok {
		return nil, errors.New(errors.ErrActionNotFound, "action not found")
	}
	return a.Clone(), nil
}

// GetPending returns unsynced, non-terminal actions ordered by creation time.
func (s *MemoryStore) GetPending() ([]*models.Action, error) {
	return s.filter(func(a *models.Action) bool { return a.Pending() }), nil
}

// GetFailed returns unsynced actions whose retries are exhausted.
func (s *MemoryStore) GetFailed() ([]*models.Action, error) {
	return s.filter(func(a *models.Action) bool { return a.Terminal() }), nil
}

// ListAll enumerates every stored action.
func (s *MemoryStore) ListAll() ([]*models.Action, error) {
	return s.filter(func(*models.Action) bool { return true }), nil
}

// MarkSynced records a successful dispatch and clears the last error.
func (s *MemoryStore) MarkSynced(id models.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.actions[id]
	if !ok {
		return errors.New(errors.ErrActionNotFound, "action not found")
	}
	if a.Synced {
		return errors.New(errors.ErrActionSynced, "action already synced")
	}

	a.Synced = true
	a.Error = ""
	return nil
}

// MarkAttemptFailed increments the retry count and records the failure.
func (s *MemoryStore) MarkAttemptFailed(id models.UUID, errMsg string, lastAttempt, nextRetryAt int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.actions[id]
	if !ok {
		return errors.New(errors.ErrActionNotFound, "action not found")
	}
	if a.Synced {
		return errors.New(errors.ErrActionSynced, "action already synced")
	}

	if a.RetryCount < a.MaxRetries {
		a.RetryCount++
	}
	a.Error = errMsg
	a.LastAttempt = lastAttempt
	a.NextRetryAt = nextRetryAt
	return nil
}

// MarkPermanentlyFailed exhausts the retry budget in one step.
func (s *MemoryStore) MarkPermanentlyFailed(id models.UUID, errMsg string, lastAttempt int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.actions[id]
	if !ok {
		return errors.New(errors.ErrActionNotFound, "action not found")
	}
	if a.Synced {
		return errors.New(errors.ErrActionSynced, "action already synced")
	}

	a.RetryCount = a.MaxRetries
	a.Error = errMsg
	a.LastAttempt = lastAttempt
	return nil
}

// ResetRetries returns a terminally failed action to the pending set.
func (s *MemoryStore) ResetRetries(id models.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.actions[id]
	if !ok {
		return errors.New(errors.ErrActionNotFound, "action not found")
	}
	if a.Synced {
		return errors.New(errors.ErrActionSynced, "action already synced")
	}

	a.RetryCount = 0
	a.NextRetryAt = 0
	a.Error = ""
	return nil
}

// Remove deletes an action by id.
func (s *MemoryStore) Remove(id models.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.actions[id]; !ok {
		return errors.New(errors.ErrActionNotFound, "action not found")
	}
	delete(s.actions, id)
	return nil
}

// ClearSynced removes all synced actions.
func (s *MemoryStore) ClearSynced() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for id, a := range s.actions {
		if a.Synced {
			delete(s.actions, id)
			count++
		}
	}
	return count, nil
}

// PurgeSyncedBefore removes synced actions created before the cutoff.
func (s *MemoryStore) PurgeSyncedBefore(cutoff int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for id, a := range s.actions {
		if a.Synced && a.Timestamp < cutoff {
			delete(s.actions, id)
			count++
		}
	}
	return count, nil
}

// CountPending counts unsynced, non-terminal actions.
func (s *MemoryStore) CountPending() (int, error) {
	return s.countWhere(func(a *models.Action) bool { return a.Pending() }), nil
}

// CountFailed counts terminally failed actions.
func (s *MemoryStore) CountFailed() (int, error) {
	return s.countWhere(func(a *models.Action) bool { return a.Terminal() }), nil
}

// CountSynced counts synced actions not yet garbage collected.
func (s *MemoryStore) CountSynced() (int, error) {
	return s.countWhere(func(a *models.Action) bool { return a.Synced }), nil
}

// CountTotal counts every stored action.
func (s *MemoryStore) CountTotal() (int, error) {
	return s.countWhere(func(*models.Action) bool { return true }), nil
}

// Quota approximates occupancy by payload bytes held.
func (s *MemoryStore) Quota() (models.StorageQuota, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var used int64
	for _, a := range s.actions {
		used += int64(len(a.Payload))
	}
	return quotaFrom(used, s.quotaBytes), nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) filter(keep func(*models.Action) bool) []*models.Action {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Action
	for _, a := range s.actions {
		if keep(a) {
			out = append(out, a.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out
}

func (s *MemoryStore) countWhere(keep func(*models.Action) bool) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, a := range s.actions {
		if keep(a) {
			n++
		}
	}
	return n
}
