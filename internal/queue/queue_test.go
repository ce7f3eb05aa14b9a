package queue

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/calebhs/offgrid/internal/backoff"
	"github.com/calebhs/offgrid/internal/connectivity"
	"github.com/calebhs/offgrid/internal/engine"
	"github.com/calebhs/offgrid/internal/errors"
	"github.com/calebhs/offgrid/internal/models"
	"github.com/calebhs/offgrid/internal/notify"
	"github.com/calebhs/offgrid/internal/store"
)

type clientFunc func(ctx context.Context, a *models.Action) error

func (f clientFunc) Dispatch(ctx context.Context, a *models.Action) error {
	return f(ctx, a)
}

func newQueue(t *testing.T, respond clientFunc) *OfflineQueue {
	t.Helper()

	q := New(Options{
		Store:        store.NewMemoryStore(0),
		Client:       respond,
		Connectivity: connectivity.NewMonitor(true),
		Policy:       backoff.NewPolicy(time.Minute, time.Hour, 0),
	})
	if err := q.Initialize(); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	t.Cleanup(func() { q.Shutdown() })
	return q
}

func payload(s string) json.RawMessage { return json.RawMessage(s) }

func TestEndToEndSync(t *testing.T) {
	var mu sync.Mutex
	var dispatched []models.UUID
	q := newQueue(t, func(_ context.Context, a *models.Action) error {
		mu.Lock()
		dispatched = append(dispatched, a.ID)
		mu.Unlock()
		return nil
	})

	reportID, err := q.Enqueue(models.ActionCreate, "emergency_reports",
		payload(`{"severity":"high","lat":40.7,"lng":-74.0}`),
		"/api/reports", "POST", WithPriority(models.PriorityCritical))
	if err != nil {
		t.Fatalf("Enqueue report failed: %v", err)
	}

	confirmID, err := q.Enqueue(models.ActionConfirm, "emergency_reports",
		payload(`{"confirmed":true}`),
		"/api/reports/confirm", "POST",
		WithPriority(models.PriorityCritical), WithDependencies(reportID))
	if err != nil {
		t.Fatalf("Enqueue confirm failed: %v", err)
	}

	q.StartSync(context.Background())
	q.Wait()

	mu.Lock()
	order := append([]models.UUID(nil), dispatched...)
	mu.Unlock()

	if len(order) != 2 || order[0] != reportID || order[1] != confirmID {
		t.Fatalf("expected report then confirm, got %v", order)
	}

	pending, err := q.PendingActions()
	if err != nil {
		t.Fatalf("PendingActions failed: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("expected empty queue after sync, got %d pending", len(pending))
	}

	m, err := q.Metrics()
	if err != nil {
		t.Fatalf("Metrics failed: %v", err)
	}
	if m.SuccessRate != 1.0 {
		t.Errorf("expected success rate 1.0, got %f", m.SuccessRate)
	}
	if m.LastSyncTime.IsZero() {
		t.Error("expected last sync time to be recorded")
	}
}

func TestEnqueueValidation(t *testing.T) {
	q := newQueue(t, func(context.Context, *models.Action) error { return nil })

	if _, err := q.Enqueue(models.ActionCreate, "emergency_reports",
		payload(`{}`), "/api/reports", "TRACE"); err == nil {
		t.Error("expected unsupported http method to be rejected")
	}

	if _, err := q.Enqueue("escalate", "emergency_reports",
		payload(`{}`), "/api/reports", "POST"); err == nil {
		t.Error("expected unknown action type to be rejected")
	}

	_, err := q.Enqueue(models.ActionConfirm, "emergency_reports",
		payload(`{}`), "/api/reports/confirm", "POST",
		WithDependencies("no-such-action"))
	if err == nil {
		t.Fatal("expected unknown dependency to be rejected")
	}
	if !errors.Is(err, errors.ErrDependencyMissing) {
		t.Errorf("expected dependency-missing code, got %v", err)
	}
}

func TestEnqueueSurvivesWhileOffline(t *testing.T) {
	q := newQueue(t, func(context.Context, *models.Action) error { return nil })

	id, err := q.Enqueue(models.ActionUpdate, "resources",
		payload(`{"water":120}`), "/api/resources", "PUT")
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	pending, err := q.PendingActions()
	if err != nil {
		t.Fatalf("PendingActions failed: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != id {
		t.Fatalf("expected the enqueued action pending, got %+v", pending)
	}
	if pending[0].Priority != models.PriorityMedium {
		t.Errorf("expected default medium priority, got %s", pending[0].Priority)
	}
	if q.IsSyncing() {
		t.Error("enqueue must not start a session on its own")
	}
}

func TestRetryActionRestoresFailed(t *testing.T) {
	q := newQueue(t, func(_ context.Context, a *models.Action) error {
		return engine.Permanent(stderrors.New("409 conflict"))
	})

	id, err := q.Enqueue(models.ActionDelete, "emergency_reports",
		payload(`{}`), "/api/reports/1", "DELETE")
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	q.StartSync(context.Background())
	q.Wait()

	failed, err := q.FailedActions()
	if err != nil {
		t.Fatalf("FailedActions failed: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != id {
		t.Fatalf("expected the action in the failed set, got %+v", failed)
	}

	if err := q.RetryAction(id); err != nil {
		t.Fatalf("RetryAction failed: %v", err)
	}
	pending, err := q.PendingActions()
	if err != nil {
		t.Fatalf("PendingActions failed: %v", err)
	}
	if len(pending) != 1 || pending[0].RetryCount != 0 {
		t.Errorf("expected a fresh pending action after retry, got %+v", pending)
	}
}

func TestRetryActionRejectsSynced(t *testing.T) {
	q := newQueue(t, func(context.Context, *models.Action) error { return nil })

	id, err := q.Enqueue(models.ActionCreate, "emergency_reports",
		payload(`{}`), "/api/reports", "POST")
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	q.StartSync(context.Background())
	q.Wait()

	if err := q.RetryAction(id); !errors.Is(err, errors.ErrActionSynced) {
		t.Errorf("expected already-synced rejection, got %v", err)
	}
}

func TestClearSyncedLeavesPendingUntouched(t *testing.T) {
	fail := make(map[models.UUID]bool)
	var mu sync.Mutex
	q := newQueue(t, func(_ context.Context, a *models.Action) error {
		mu.Lock()
		defer mu.Unlock()
		if fail[a.ID] {
			return stderrors.New("timeout")
		}
		return nil
	})

	okID, err := q.Enqueue(models.ActionCreate, "emergency_reports",
		payload(`{}`), "/api/reports", "POST")
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	stuckID, err := q.Enqueue(models.ActionUpdate, "resources",
		payload(`{}`), "/api/resources", "PUT")
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	mu.Lock()
	fail[stuckID] = true
	mu.Unlock()

	q.StartSync(context.Background())
	q.Wait()

	n, err := q.ClearSyncedActions()
	if err != nil {
		t.Fatalf("ClearSyncedActions failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 synced action cleared, got %d", n)
	}

	pending, err := q.PendingActions()
	if err != nil {
		t.Fatalf("PendingActions failed: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != stuckID {
		t.Errorf("clear must not touch pending actions, got %+v", pending)
	}
	if _, err := q.Enqueue(models.ActionCreate, "emergency_reports",
		payload(`{}`), "/api/reports", "POST", WithDependencies(okID)); err == nil {
		t.Error("cleared action ids must no longer satisfy dependencies")
	}
}

func TestBlockedActionsDiagnostic(t *testing.T) {
	q := newQueue(t, func(context.Context, *models.Action) error { return nil })

	depID, err := q.Enqueue(models.ActionCreate, "emergency_reports",
		payload(`{}`), "/api/reports", "POST")
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	childID, err := q.Enqueue(models.ActionConfirm, "emergency_reports",
		payload(`{}`), "/api/reports/confirm", "POST", WithDependencies(depID))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	// Removing the prerequisite strands the dependent action.
	if err := q.RemoveAction(depID); err != nil {
		t.Fatalf("RemoveAction failed: %v", err)
	}

	blocked, err := q.BlockedActions()
	if err != nil {
		t.Fatalf("BlockedActions failed: %v", err)
	}
	if len(blocked) != 1 || blocked[0].Action.ID != childID {
		t.Fatalf("expected the dependent action to be blocked, got %+v", blocked)
	}
	if len(blocked[0].Missing) != 1 || blocked[0].Missing[0] != depID {
		t.Errorf("expected missing dep %s, got %v", depID, blocked[0].Missing)
	}

	// A sync session leaves the stranded action pending rather than spinning.
	q.StartSync(context.Background())
	q.Wait()
	pending, err := q.PendingActions()
	if err != nil {
		t.Fatalf("PendingActions failed: %v", err)
	}
	if len(pending) != 1 {
		t.Errorf("blocked action should remain pending, got %d", len(pending))
	}
}

func TestHasDispatchable(t *testing.T) {
	q := newQueue(t, func(context.Context, *models.Action) error { return nil })

	if ok, err := q.HasDispatchable(); err != nil || ok {
		t.Errorf("empty queue should have nothing dispatchable, got %v, %v", ok, err)
	}

	depID, err := q.Enqueue(models.ActionCreate, "emergency_reports",
		payload(`{}`), "/api/reports", "POST")
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if _, err := q.Enqueue(models.ActionConfirm, "emergency_reports",
		payload(`{}`), "/api/reports/confirm", "POST", WithDependencies(depID)); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	if ok, err := q.HasDispatchable(); err != nil || !ok {
		t.Errorf("pending actions should be dispatchable, got %v, %v", ok, err)
	}

	// Removing the prerequisite strands the remaining action for good.
	if err := q.RemoveAction(depID); err != nil {
		t.Fatalf("RemoveAction failed: %v", err)
	}
	if ok, err := q.HasDispatchable(); err != nil || ok {
		t.Errorf("a permanently blocked queue has nothing dispatchable, got %v, %v", ok, err)
	}
}

func TestSnapshotsReachSubscribers(t *testing.T) {
	q := newQueue(t, func(context.Context, *models.Action) error { return nil })

	var mu sync.Mutex
	var snaps []notify.QueueSnapshot
	id := q.Subscribe(func(s notify.QueueSnapshot) {
		mu.Lock()
		snaps = append(snaps, s)
		mu.Unlock()
	})
	defer q.Unsubscribe(id)

	if _, err := q.Enqueue(models.ActionCreate, "emergency_reports",
		payload(`{}`), "/api/reports", "POST"); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	q.StartSync(context.Background())
	q.Wait()

	mu.Lock()
	defer mu.Unlock()

	var sawPending, sawSyncing, sawDrained bool
	for _, s := range snaps {
		if len(s.Pending) == 1 && !s.IsSyncing {
			sawPending = true
		}
		if s.IsSyncing {
			sawSyncing = true
		}
		if len(s.Pending) == 0 && s.Metrics.SuccessRate == 1.0 {
			sawDrained = true
		}
	}
	if !sawPending {
		t.Error("expected a snapshot showing the enqueued action")
	}
	if !sawSyncing {
		t.Error("expected a snapshot from an active session")
	}
	if !sawDrained {
		t.Error("expected a post-sync snapshot with an empty queue")
	}
}
