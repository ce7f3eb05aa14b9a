package metrics

import (
	"testing"
	"time"

	"github.com/calebhs/offgrid/internal/models"
	"github.com/calebhs/offgrid/internal/store"
)

func TestSnapshotEmpty(t *testing.T) {
	c := NewCollector()
	ms := store.NewMemoryStore(0)

	m, err := c.Snapshot(ms)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}

	if m.SuccessRate != 0 {
		t.Errorf("expected 0 success rate with no attempts, got %f", m.SuccessRate)
	}
	if m.QueueDepth != 0 || m.TotalActions != 0 {
		t.Errorf("expected empty store counts, got %+v", m)
	}
}

func TestSuccessRate(t *testing.T) {
	c := NewCollector()
	ms := store.NewMemoryStore(0)

	c.RecordAttempt(true)
	c.RecordAttempt(true)
	c.RecordAttempt(false)
	c.RecordAttempt(true)

	m, err := c.Snapshot(ms)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if m.SuccessRate != 0.75 {
		t.Errorf("SuccessRate = %f, want 0.75", m.SuccessRate)
	}
}

func TestAverageSyncTime(t *testing.T) {
	c := NewCollector()
	ms := store.NewMemoryStore(0)

	endedAt := time.UnixMilli(5_000_000)
	c.RecordSession(100*time.Millisecond, endedAt.Add(-time.Minute))
	c.RecordSession(300*time.Millisecond, endedAt)

	m, err := c.Snapshot(ms)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if m.AverageSyncTimeMs != 200 {
		t.Errorf("AverageSyncTimeMs = %f, want 200", m.AverageSyncTimeMs)
	}
	if !m.LastSyncTime.Equal(endedAt) {
		t.Errorf("LastSyncTime = %v, want %v", m.LastSyncTime, endedAt)
	}
}

func TestQueueDepthFromStore(t *testing.T) {
	c := NewCollector()
	ms := store.NewMemoryStore(0)

	for i := 0; i < 3; i++ {
		a := &models.Action{
			Type:     models.ActionCreate,
			Table:    "emergency_reports",
			Endpoint: "/api/reports",
			Method:   "POST",
		}
		if err := ms.Enqueue(a); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
		if i == 0 {
			ms.MarkSynced(a.ID)
		}
	}

	m, err := c.Snapshot(ms)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if m.QueueDepth != 2 {
		t.Errorf("QueueDepth = %d, want 2", m.QueueDepth)
	}
	if m.TotalActions != 3 {
		t.Errorf("TotalActions = %d, want 3", m.TotalActions)
	}
}
