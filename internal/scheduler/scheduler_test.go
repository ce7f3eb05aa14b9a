package scheduler

import (
	"testing"
	"time"

	"github.com/calebhs/offgrid/internal/models"
	"github.com/calebhs/offgrid/internal/store"
	"github.com/calebhs/offgrid/internal/testutil"
)

func newTestScheduler(t *testing.T) (*Scheduler, *store.MemoryStore, *testutil.Clock) {
	t.Helper()
	ms := store.NewMemoryStore(0)
	clock := testutil.NewClock(time.UnixMilli(1_000_000))
	s := New(ms)
	s.now = clock.Now
	return s, ms, clock
}

func enqueue(t *testing.T, ms *store.MemoryStore, priority models.Priority, ts int64, deps ...models.UUID) *models.Action {
	t.Helper()
	a := &models.Action{
		Type:         models.ActionCreate,
		Table:        "emergency_reports",
		Endpoint:     "/api/reports",
		Method:       "POST",
		Priority:     priority,
		Timestamp:    ts,
		Dependencies: deps,
	}
	if err := ms.Enqueue(a); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	return a
}

func TestPriorityOrdering(t *testing.T) {
	s, ms, _ := newTestScheduler(t)

	low := enqueue(t, ms, models.PriorityLow, 100)
	critical := enqueue(t, ms, models.PriorityCritical, 200)

	batch, err := s.NextBatch(10)
	if err != nil {
		t.Fatalf("NextBatch failed: %v", err)
	}
	if len(batch) != 2 {
		t.Fatalf("expected 2 actions, got %d", len(batch))
	}
	if batch[0].ID != critical.ID || batch[1].ID != low.ID {
		t.Errorf("expected [critical, low], got [%s, %s]", batch[0].Priority, batch[1].Priority)
	}
}

func TestFIFOWithinPriority(t *testing.T) {
	s, ms, _ := newTestScheduler(t)

	second := enqueue(t, ms, models.PriorityHigh, 200)
	first := enqueue(t, ms, models.PriorityHigh, 100)

	batch, err := s.NextBatch(10)
	if err != nil {
		t.Fatalf("NextBatch failed: %v", err)
	}
	if batch[0].ID != first.ID || batch[1].ID != second.ID {
		t.Error("expected earlier timestamp first within equal priority")
	}
}

func TestBatchSizeLimit(t *testing.T) {
	s, ms, _ := newTestScheduler(t)

	for i := 0; i < 5; i++ {
		enqueue(t, ms, models.PriorityMedium, int64(100+i))
	}

	batch, err := s.NextBatch(3)
	if err != nil {
		t.Fatalf("NextBatch failed: %v", err)
	}
	if len(batch) != 3 {
		t.Errorf("expected batch of 3, got %d", len(batch))
	}

	if batch, _ := s.NextBatch(0); batch != nil {
		t.Error("expected empty batch for maxSize 0")
	}
}

func TestDependencyGating(t *testing.T) {
	s, ms, _ := newTestScheduler(t)

	parent := enqueue(t, ms, models.PriorityCritical, 100)
	child := enqueue(t, ms, models.PriorityCritical, 200, parent.ID)

	// While the parent is unsynced, the child never appears in any batch.
	batch, err := s.NextBatch(10)
	if err != nil {
		t.Fatalf("NextBatch failed: %v", err)
	}
	if len(batch) != 1 || batch[0].ID != parent.ID {
		t.Fatalf("expected only the parent in batch, got %d actions", len(batch))
	}

	if err := ms.MarkSynced(parent.ID); err != nil {
		t.Fatalf("MarkSynced failed: %v", err)
	}

	// Once the parent syncs, the child becomes eligible on the next call.
	batch, _ = s.NextBatch(10)
	if len(batch) != 1 || batch[0].ID != child.ID {
		t.Error("expected the child to become eligible after parent synced")
	}
}

func TestBackoffDeadlineRespected(t *testing.T) {
	s, ms, clock := newTestScheduler(t)

	a := enqueue(t, ms, models.PriorityHigh, 100)
	ms.MarkAttemptFailed(a.ID, "timeout", 900_000, 2_000_000) // due in the future

	batch, err := s.NextBatch(10)
	if err != nil {
		t.Fatalf("NextBatch failed: %v", err)
	}
	if len(batch) != 0 {
		t.Error("action with a future retry deadline must not be batched")
	}

	clock.Set(time.UnixMilli(2_000_001))
	batch, _ = s.NextBatch(10)
	if len(batch) != 1 {
		t.Error("action should be batched once its deadline passes")
	}
}

func TestTerminalActionsExcluded(t *testing.T) {
	s, ms, _ := newTestScheduler(t)

	a := enqueue(t, ms, models.PriorityCritical, 100)
	for i := 0; i < store.DefaultMaxRetries; i++ {
		ms.MarkAttemptFailed(a.ID, "rejected", 900_000, 0)
	}

	batch, err := s.NextBatch(10)
	if err != nil {
		t.Fatalf("NextBatch failed: %v", err)
	}
	if len(batch) != 0 {
		t.Error("terminally failed actions must never be batched")
	}
}

func TestBlockedActions(t *testing.T) {
	s, ms, _ := newTestScheduler(t)

	parent := enqueue(t, ms, models.PriorityHigh, 100)
	orphan := enqueue(t, ms, models.PriorityHigh, 200, parent.ID)

	// Removing the parent leaves the child permanently blocked.
	if err := ms.Remove(parent.ID); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}

	blocked, err := s.BlockedActions()
	if err != nil {
		t.Fatalf("BlockedActions failed: %v", err)
	}
	if len(blocked) != 1 {
		t.Fatalf("expected 1 blocked action, got %d", len(blocked))
	}
	if blocked[0].Action.ID != orphan.ID {
		t.Errorf("expected %s blocked, got %s", orphan.ID, blocked[0].Action.ID)
	}
	if len(blocked[0].Missing) != 1 || blocked[0].Missing[0] != parent.ID {
		t.Errorf("expected missing dependency %s, got %v", parent.ID, blocked[0].Missing)
	}

	// Blocked actions never enter a batch either.
	batch, _ := s.NextBatch(10)
	if len(batch) != 0 {
		t.Error("blocked action must not be batched")
	}
}

func TestHasDispatchable(t *testing.T) {
	s, ms, _ := newTestScheduler(t)

	ok, err := s.HasDispatchable()
	if err != nil {
		t.Fatalf("HasDispatchable failed: %v", err)
	}
	if ok {
		t.Error("empty store should have nothing dispatchable")
	}

	parent := enqueue(t, ms, models.PriorityLow, 100)
	child := enqueue(t, ms, models.PriorityLow, 200, parent.ID)

	if ok, _ = s.HasDispatchable(); !ok {
		t.Error("expected dispatchable work")
	}

	// Only a deadlocked chain remains: parent removed, child orphaned.
	ms.MarkSynced(parent.ID)
	ms.Remove(parent.ID)
	_ = child

	if ok, _ = s.HasDispatchable(); ok {
		t.Error("an orphaned action should not count as dispatchable")
	}
}
