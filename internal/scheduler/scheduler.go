// Package scheduler orders pending actions into a dispatch sequence.
//
// Ordering honors priority (critical > high > medium > low), then arrival
// time within the same priority, and excludes any action whose dependencies
// have not yet synced. Life-safety mutations are never starved behind bulk
// telemetry, and causal chains (a confirm after its create) dispatch in
// order.
package scheduler

import (
	"sort"
	"time"

	"github.com/calebhs/offgrid/internal/models"
	"github.com/calebhs/offgrid/internal/store"
)

// Scheduler selects dispatchable batches from the durable store.
type Scheduler struct {
	store store.DurableStore

	// now is replaceable for deterministic tests.
	now func() time.Time
}

// New creates a Scheduler over the given store.
func New(s store.DurableStore) *Scheduler {
	return &Scheduler{store: s, now: time.Now}
}

// Blocked pairs a pending action with the dependency ids that can never
// complete because they no longer exist in the store.
type Blocked struct {
	Action  *models.Action
	Missing []models.UUID
}

// NextBatch returns up to maxSize dispatchable actions:
//  1. terminally failed actions are excluded,
//  2. actions whose backoff deadline lies in the future are excluded,
//  3. actions with any unsynced dependency are excluded entirely and
//     re-evaluated on the next call,
//  4. the rest sort by priority descending, then timestamp ascending.
func (s *Scheduler) NextBatch(maxSize int) ([]*models.Action, error) {
	if maxSize <= 0 {
		return nil, nil
	}

	pending, err := s.store.GetPending()
	if err != nil {
		return nil, err
	}

	synced, err := s.syncedSet()
	if err != nil {
		return nil, err
	}

	now := s.now().UnixMilli()
	var eligible []*models.Action
	for _, a := range pending {
		if a.NextRetryAt > now {
			continue
		}
		if !s.depsSatisfied(a, synced) {
			continue
		}
		eligible = append(eligible, a)
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		if eligible[i].Priority.Rank() != eligible[j].Priority.Rank() {
			return eligible[i].Priority.Rank() > eligible[j].Priority.Rank()
		}
		return eligible[i].Timestamp < eligible[j].Timestamp
	})

	if len(eligible) > maxSize {
		eligible = eligible[:maxSize]
	}
	return eligible, nil
}

// HasDispatchable reports whether any pending action could enter a batch
// right now or after its backoff deadline passes. Permanently blocked
// actions (missing dependencies) do not count.
func (s *Scheduler) HasDispatchable() (bool, error) {
	pending, err := s.store.GetPending()
	if err != nil {
		return false, err
	}
	if len(pending) == 0 {
		return false, nil
	}

	known, _, err := s.knownSets()
	if err != nil {
		return false, err
	}

	// A dependency on another live pending action still counts: it becomes
	// dispatchable once the dependency syncs. Only a missing dependency
	// disqualifies an action permanently.
	for _, a := range pending {
		deadlocked := false
		for _, dep := range a.Dependencies {
			if !known[dep] {
				deadlocked = true
				break
			}
		}
		if !deadlocked {
			return true, nil
		}
	}
	return false, nil
}

// BlockedActions returns the dependency-deadlock diagnostic: pending actions
// referencing a dependency id that is absent from the store (removed or
// never recorded). These will stall forever without operator intervention.
func (s *Scheduler) BlockedActions() ([]Blocked, error) {
	pending, err := s.store.GetPending()
	if err != nil {
		return nil, err
	}

	known, _, err := s.knownSets()
	if err != nil {
		return nil, err
	}

	var blocked []Blocked
	for _, a := range pending {
		var missing []models.UUID
		for _, dep := range a.Dependencies {
			if !known[dep] {
				missing = append(missing, dep)
			}
		}
		if len(missing) > 0 {
			blocked = append(blocked, Blocked{Action: a, Missing: missing})
		}
	}
	return blocked, nil
}

func (s *Scheduler) depsSatisfied(a *models.Action, synced map[models.UUID]bool) bool {
	for _, dep := range a.Dependencies {
		if !synced[dep] {
			return false
		}
	}
	return true
}

func (s *Scheduler) syncedSet() (map[models.UUID]bool, error) {
	_, synced, err := s.knownSets()
	return synced, err
}

// knownSets enumerates the store once, returning which ids exist at all and
// which are synced.
func (s *Scheduler) knownSets() (known, synced map[models.UUID]bool, err error) {
	all, err := s.store.ListAll()
	if err != nil {
		return nil, nil, err
	}

	known = make(map[models.UUID]bool, len(all))
	synced = make(map[models.UUID]bool)
	for _, a := range all {
		known[a.ID] = true
		if a.Synced {
			synced[a.ID] = true
		}
	}
	return known, synced, nil
}
