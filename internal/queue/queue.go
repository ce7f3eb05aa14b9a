// Package queue exposes the offline mutation queue as a single facade.
//
// OfflineQueue composes the durable store, scheduler, backoff policy, sync
// engine, metrics collector and snapshot notifier into the API an
// emergency-reporting client programs against. Callers enqueue mutations and
// manage sync sessions here; attempt bookkeeping (MarkSynced,
// MarkAttemptFailed) stays inside the engine so the store has a single
// writer for dispatch outcomes.
package queue

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/calebhs/offgrid/internal/backoff"
	"github.com/calebhs/offgrid/internal/connectivity"
	"github.com/calebhs/offgrid/internal/engine"
	"github.com/calebhs/offgrid/internal/errors"
	"github.com/calebhs/offgrid/internal/logging"
	"github.com/calebhs/offgrid/internal/metrics"
	"github.com/calebhs/offgrid/internal/models"
	"github.com/calebhs/offgrid/internal/notify"
	"github.com/calebhs/offgrid/internal/scheduler"
	"github.com/calebhs/offgrid/internal/store"
)

// Option customizes an action at enqueue time.
type Option func(*models.Action)

// WithPriority sets the scheduling class; the default is medium.
func WithPriority(p models.Priority) Option {
	return func(a *models.Action) { a.Priority = p }
}

// WithDependencies makes the action wait until every listed action has
// synced. Dependency ids must already exist in the queue.
func WithDependencies(deps ...models.UUID) Option {
	return func(a *models.Action) { a.Dependencies = deps }
}

// WithMaxRetries overrides the default retry budget.
func WithMaxRetries(n int) Option {
	return func(a *models.Action) { a.MaxRetries = n }
}

// Options configures an OfflineQueue.
type Options struct {
	Store        store.DurableStore
	Client       engine.NetworkClient
	Connectivity connectivity.Provider
	Policy       *backoff.Policy // nil means backoff.DefaultPolicy()
	Engine       engine.Config

	// RetentionAge bounds how long synced actions are kept before the purge
	// loop removes them. Zero disables automatic purging.
	RetentionAge time.Duration

	// PurgeInterval is how often the retention loop runs.
	PurgeInterval time.Duration
}

// OfflineQueue is the client-facing surface of the sync system.
type OfflineQueue struct {
	store     store.DurableStore
	sched     *scheduler.Scheduler
	engine    *engine.Engine
	collector *metrics.Collector
	notifier  *notify.Notifier

	retentionAge  time.Duration
	purgeInterval time.Duration

	mu          sync.Mutex
	purgeCancel context.CancelFunc
	purgeDone   chan struct{}
	closed      bool
}

// New assembles an OfflineQueue. Call Initialize before use and Shutdown
// when done.
func New(o Options) *OfflineQueue {
	policy := o.Policy
	if policy == nil {
		policy = backoff.DefaultPolicy()
	}
	if o.PurgeInterval <= 0 {
		o.PurgeInterval = time.Hour
	}

	sched := scheduler.New(o.Store)
	collector := metrics.NewCollector()
	eng := engine.New(o.Store, sched, policy, o.Client, o.Connectivity, collector, o.Engine)

	q := &OfflineQueue{
		store:         o.Store,
		sched:         sched,
		engine:        eng,
		collector:     collector,
		notifier:      notify.New(),
		retentionAge:  o.RetentionAge,
		purgeInterval: o.PurgeInterval,
	}

	// Every engine transition fans out as a full queue snapshot.
	eng.OnChange = q.publishWith

	return q
}

// Initialize publishes the recovered queue state and starts the retention
// loop. Actions persisted by a previous process are already pending in the
// store; no dispatch state survives a crash, so recovery is just reading.
func (q *OfflineQueue) Initialize() error {
	pending, err := q.store.CountPending()
	if err != nil {
		return errors.Wrap(errors.ErrStore, "failed to read queue on startup", err)
	}
	logging.Info("offline queue initialized", map[string]interface{}{
		"pending": pending,
	})

	if q.retentionAge > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		q.mu.Lock()
		q.purgeCancel = cancel
		q.purgeDone = make(chan struct{})
		done := q.purgeDone
		q.mu.Unlock()

		go q.purgeLoop(ctx, done)
	}

	q.publish()
	return nil
}

// Shutdown stops any active session, halts the retention loop and closes the
// store. Pending actions stay durable for the next start.
func (q *OfflineQueue) Shutdown() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	cancel := q.purgeCancel
	done := q.purgeDone
	q.mu.Unlock()

	q.engine.StopSync()
	if cancel != nil {
		cancel()
		<-done
	}
	return q.store.Close()
}

// Enqueue records a mutation for later synchronization. The action is
// durable before Enqueue returns. Dependencies must reference existing
// actions; an unknown id is rejected rather than deadlocking the queue.
func (q *OfflineQueue) Enqueue(actionType models.ActionType, table string,
	payload json.RawMessage, endpoint, method string, opts ...Option) (models.UUID, error) {

	method = strings.ToUpper(strings.TrimSpace(method))
	switch method {
	case "GET", "POST", "PUT", "PATCH", "DELETE":
	default:
		return "", errors.New(errors.ErrValidation, "unsupported http method "+method)
	}

	a := &models.Action{
		Type:     actionType,
		Table:    table,
		Payload:  payload,
		Endpoint: endpoint,
		Method:   method,
	}
	for _, opt := range opts {
		opt(a)
	}

	for _, dep := range a.Dependencies {
		if _, err := q.store.GetAction(dep); err != nil {
			return "", errors.Wrap(errors.ErrDependencyMissing,
				"dependency "+dep.String()+" does not exist", err)
		}
	}

	if err := q.store.Enqueue(a); err != nil {
		return "", err
	}

	logging.Debug("action enqueued", map[string]interface{}{
		"action_id": a.ID,
		"type":      a.Type,
		"table":     a.Table,
		"priority":  a.Priority,
	})
	q.publish()
	return a.ID, nil
}

// StartSync begins a sync session; a no-op returning the live session if one
// is already active.
func (q *OfflineQueue) StartSync(ctx context.Context) models.SyncSession {
	return q.engine.StartSync(ctx)
}

// StopSync pauses the active session, preserving queue position.
func (q *OfflineQueue) StopSync() {
	q.engine.StopSync()
}

// ForceSync starts a session that skips the connectivity gate. Scheduling
// order and accrued backoff deadlines still apply.
func (q *OfflineQueue) ForceSync(ctx context.Context) models.SyncSession {
	return q.engine.ForceSync(ctx)
}

// Wait blocks until the current session, if any, ends.
func (q *OfflineQueue) Wait() {
	q.engine.Wait()
}

// RetryAction returns a terminally failed action to the pending set with a
// fresh retry budget.
func (q *OfflineQueue) RetryAction(id models.UUID) error {
	a, err := q.store.GetAction(id)
	if err != nil {
		return err
	}
	if a.Synced {
		return errors.New(errors.ErrActionSynced, "action already synced")
	}
	if err := q.store.ResetRetries(id); err != nil {
		return err
	}
	q.publish()
	return nil
}

// RemoveAction deletes an action regardless of its state. Removing an action
// that others depend on leaves them permanently blocked; BlockedActions
// surfaces those.
func (q *OfflineQueue) RemoveAction(id models.UUID) error {
	if err := q.store.Remove(id); err != nil {
		return err
	}
	q.publish()
	return nil
}

// ClearSyncedActions removes all synced actions, returning how many.
func (q *OfflineQueue) ClearSyncedActions() (int, error) {
	n, err := q.store.ClearSynced()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.publish()
	}
	return n, nil
}

// PendingActions returns actions still awaiting a successful dispatch.
func (q *OfflineQueue) PendingActions() ([]*models.Action, error) {
	return q.store.GetPending()
}

// FailedActions returns actions whose retry budget is exhausted.
func (q *OfflineQueue) FailedActions() ([]*models.Action, error) {
	return q.store.GetFailed()
}

// BlockedActions reports pending actions stuck behind a dependency id that
// no longer exists in the queue.
func (q *OfflineQueue) BlockedActions() ([]scheduler.Blocked, error) {
	return q.sched.BlockedActions()
}

// IsSyncing reports whether a session is active.
func (q *OfflineQueue) IsSyncing() bool {
	return q.engine.IsSyncing()
}

// HasDispatchable reports whether any pending action could still dispatch,
// now or once its backoff deadline passes. Callers use it to skip sessions
// that would immediately complete empty.
func (q *OfflineQueue) HasDispatchable() (bool, error) {
	return q.sched.HasDispatchable()
}

// SyncProgress returns the current session snapshot.
func (q *OfflineQueue) SyncProgress() models.SyncSession {
	return q.engine.Session()
}

// Metrics computes a point-in-time metrics snapshot.
func (q *OfflineQueue) Metrics() (models.Metrics, error) {
	return q.collector.Snapshot(q.store)
}

// StorageQuota reports durable storage occupancy.
func (q *OfflineQueue) StorageQuota() (models.StorageQuota, error) {
	return q.store.Quota()
}

// Subscribe registers an observer that receives a queue snapshot on every
// state change, starting with the latest one.
func (q *OfflineQueue) Subscribe(fn notify.Observer) int {
	return q.notifier.Subscribe(fn)
}

// Unsubscribe removes an observer.
func (q *OfflineQueue) Unsubscribe(id int) {
	q.notifier.Unsubscribe(id)
}

// purgeLoop enforces the retention policy on synced actions.
func (q *OfflineQueue) purgeLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	q.purgeOnce()
	ticker := time.NewTicker(q.purgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.purgeOnce()
		}
	}
}

func (q *OfflineQueue) purgeOnce() {
	cutoff := time.Now().Add(-q.retentionAge).UnixMilli()
	n, err := q.store.PurgeSyncedBefore(cutoff)
	if err != nil {
		logging.Error("retention purge failed", err)
		return
	}
	if n > 0 {
		logging.Info("purged synced actions past retention", map[string]interface{}{
			"removed": n,
		})
		q.publish()
	}
}

// publish assembles and fans out a snapshot of the current queue state.
func (q *OfflineQueue) publish() {
	q.publishWith(q.engine.Session())
}

// publishWith assembles the snapshot around a specific session observation.
// Snapshot assembly errors are logged, never propagated: observers are
// advisory.
func (q *OfflineQueue) publishWith(session models.SyncSession) {
	pending, err := q.store.GetPending()
	if err != nil {
		logging.Error("snapshot: failed to read pending actions", err)
		return
	}
	failed, err := q.store.GetFailed()
	if err != nil {
		logging.Error("snapshot: failed to read failed actions", err)
		return
	}
	m, err := q.collector.Snapshot(q.store)
	if err != nil {
		logging.Error("snapshot: failed to compute metrics", err)
		return
	}
	quota, err := q.store.Quota()
	if err != nil {
		logging.Error("snapshot: failed to read storage quota", err)
		return
	}

	q.notifier.Publish(notify.QueueSnapshot{
		Pending:   pending,
		Failed:    failed,
		IsSyncing: session.Active(),
		Session:   session,
		Metrics:   m,
		Quota:     quota,
	})
}
