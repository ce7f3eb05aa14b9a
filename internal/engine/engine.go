// Package engine drives synchronization sessions over the durable queue.
//
// The engine is a state machine: Idle → Connecting → Syncing →
// {Completed | Paused | Failed}, with terminal states returning to Idle.
// One session runs at a time; queue bookkeeping is serialized through the
// store while network dispatches are the only suspending operations.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/calebhs/offgrid/internal/backoff"
	"github.com/calebhs/offgrid/internal/connectivity"
	"github.com/calebhs/offgrid/internal/logging"
	"github.com/calebhs/offgrid/internal/metrics"
	"github.com/calebhs/offgrid/internal/models"
	"github.com/calebhs/offgrid/internal/scheduler"
	"github.com/calebhs/offgrid/internal/store"
)

// Config tunes a sync engine.
type Config struct {
	// BatchSize bounds how many actions one scheduler pull returns.
	BatchSize int

	// Concurrency bounds in-flight dispatches. Queue bookkeeping itself is
	// never concurrent; batches contain no dependency edges, so N > 1 cannot
	// reorder a causal chain.
	Concurrency int

	// ConnectPollInterval is how often the Connecting state re-checks the
	// provider while waiting for connectivity.
	ConnectPollInterval time.Duration
}

// DefaultConfig returns conservative engine defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:           25,
		Concurrency:         1,
		ConnectPollInterval: 500 * time.Millisecond,
	}
}

// Engine executes synchronization sessions.
type Engine struct {
	store     store.DurableStore
	sched     *scheduler.Scheduler
	policy    *backoff.Policy
	client    NetworkClient
	conn      connectivity.Provider
	collector *metrics.Collector
	cfg       Config

	// OnChange, when set, is invoked after every session state change with
	// a copy of the session. Set once before the first StartSync.
	OnChange func(models.SyncSession)

	mu      sync.Mutex
	session models.SyncSession
	last    models.SyncSession
	cancel  context.CancelFunc
	done    chan struct{}

	now func() time.Time
}

// New assembles an engine from its collaborators.
func New(s store.DurableStore, sched *scheduler.Scheduler, policy *backoff.Policy,
	client NetworkClient, conn connectivity.Provider, collector *metrics.Collector, cfg Config) *Engine {

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.ConnectPollInterval <= 0 {
		cfg.ConnectPollInterval = DefaultConfig().ConnectPollInterval
	}

	return &Engine{
		store:     s,
		sched:     sched,
		policy:    policy,
		client:    client,
		conn:      conn,
		collector: collector,
		cfg:       cfg,
		session:   models.SyncSession{Status: models.SessionIdle},
		now:       time.Now,
	}
}

// Session returns a copy of the current session state.
func (e *Engine) Session() models.SyncSession {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session
}

// LastSession returns the most recently ended session, useful after the
// engine has returned to Idle.
func (e *Engine) LastSession() models.SyncSession {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

// IsSyncing reports whether a session is currently active.
func (e *Engine) IsSyncing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session.Active()
}

// StartSync begins a synchronization session. Calling it while a session is
// active is a no-op returning the existing session state.
func (e *Engine) StartSync(ctx context.Context) models.SyncSession {
	return e.start(ctx, false)
}

// ForceSync begins a session that bypasses the connectivity gate, used after
// a user-initiated manual reconnect check. Scheduler ordering and accrued
// backoff deadlines are still honored.
func (e *Engine) ForceSync(ctx context.Context) models.SyncSession {
	return e.start(ctx, true)
}

func (e *Engine) start(ctx context.Context, force bool) models.SyncSession {
	e.mu.Lock()
	if e.session.Active() {
		s := e.session
		e.mu.Unlock()
		return s
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	e.session = models.SyncSession{
		Status:    models.SessionConnecting,
		StartedAt: e.now(),
	}
	s := e.session
	done := e.done
	e.mu.Unlock()

	logging.Info("sync session starting", map[string]interface{}{"force": force})
	e.emit(s)

	go e.run(runCtx, done, force)
	return s
}

// StopSync requests cooperative cancellation of the active session and waits
// for it to wind down. A dispatch already in flight finishes and its outcome
// is recorded; no new dispatch begins. Queue position is preserved in the
// store.
func (e *Engine) StopSync() {
	e.mu.Lock()
	cancel := e.cancel
	done := e.done
	active := e.session.Active()
	e.mu.Unlock()

	if !active || cancel == nil {
		return
	}
	cancel()
	<-done
}

// Wait blocks until the current session (if any) ends.
func (e *Engine) Wait() {
	e.mu.Lock()
	done := e.done
	e.mu.Unlock()

	if done != nil {
		<-done
	}
}

// run executes one session to its terminal state.
func (e *Engine) run(ctx context.Context, done chan struct{}, force bool) {
	defer close(done)

	if !force {
		if !e.awaitConnectivity(ctx) {
			// explicit cancel while connecting
			e.endSession(models.SessionPaused)
			return
		}
	}

	total, err := e.store.CountPending()
	if err != nil {
		logging.Error("sync session aborted: store unreadable", err)
		e.endSession(models.SessionFailed)
		return
	}

	e.transition(func(s *models.SyncSession) {
		s.Status = models.SessionSyncing
		s.Total = total
	})

	for {
		select {
		case <-ctx.Done():
			e.endSession(models.SessionPaused)
			return
		default:
		}

		if !force && !e.conn.Online() {
			logging.Warn("connectivity lost mid-session")
			e.endSession(models.SessionFailed)
			return
		}

		batch, err := e.sched.NextBatch(e.cfg.BatchSize)
		if err != nil {
			logging.Error("sync session aborted: scheduler failure", err)
			e.endSession(models.SessionFailed)
			return
		}
		if len(batch) == 0 {
			e.complete()
			return
		}

		stopped, dropped := e.dispatchBatch(ctx, batch, force)
		if stopped {
			e.endSession(models.SessionPaused)
			return
		}
		if dropped {
			e.endSession(models.SessionFailed)
			return
		}
	}
}

// awaitConnectivity blocks in the Connecting state until the provider
// reports online or the context is cancelled. Returns false on cancel.
func (e *Engine) awaitConnectivity(ctx context.Context) bool {
	if e.conn.Online() {
		return true
	}

	ticker := time.NewTicker(e.cfg.ConnectPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if e.conn.Online() {
				return true
			}
		}
	}
}

// dispatchBatch sends each batch action through the network client with
// bounded concurrency. Actions launch in scheduler order. Returns stopped
// when cancellation preempted the batch, dropped when connectivity was lost
// under a non-forced session.
func (e *Engine) dispatchBatch(ctx context.Context, batch []*models.Action, force bool) (stopped, dropped bool) {
	sem := make(chan struct{}, e.cfg.Concurrency)
	var wg sync.WaitGroup

	// Session cancellation gates launches only. A request already handed to
	// the client runs on a detached context and finishes on its own; killing
	// it mid-flight would consume a retry for a dispatch the server may have
	// already applied.
	dispatchCtx := context.WithoutCancel(ctx)

	for _, a := range batch {
		// Acquire before re-checking so a cancel that arrives while a slot
		// is busy prevents the next launch.
		sem <- struct{}{}

		select {
		case <-ctx.Done():
			stopped = true
		default:
		}
		if !stopped && !force && !e.conn.Online() {
			dropped = true
		}
		if stopped || dropped {
			<-sem
			break
		}

		wg.Add(1)
		go func(a *models.Action) {
			defer wg.Done()
			defer func() { <-sem }()
			e.dispatchOne(dispatchCtx, a)
		}(a)
	}

	wg.Wait()

	if !stopped && !dropped && !force && !e.conn.Online() {
		dropped = true
	}
	return stopped, dropped
}

// dispatchOne performs a single attempt and records its outcome.
func (e *Engine) dispatchOne(ctx context.Context, a *models.Action) {
	e.transition(func(s *models.SyncSession) {
		s.CurrentActionID = a.ID
	})

	err := e.client.Dispatch(ctx, a)
	attemptedAt := e.now()

	switch {
	case err == nil:
		if markErr := e.store.MarkSynced(a.ID); markErr != nil {
			logging.Error("failed to record successful dispatch", markErr,
				map[string]interface{}{"action_id": a.ID})
		}
		e.collector.RecordAttempt(true)
		logging.Debug("action synced", map[string]interface{}{
			"action_id": a.ID, "table": a.Table,
		})

	case IsPermanent(err):
		if markErr := e.store.MarkPermanentlyFailed(a.ID, err.Error(), attemptedAt.UnixMilli()); markErr != nil {
			logging.Error("failed to record permanent failure", markErr,
				map[string]interface{}{"action_id": a.ID})
		}
		e.collector.RecordAttempt(false)
		logging.Warn("action rejected permanently", map[string]interface{}{
			"action_id": a.ID, "error": err.Error(),
		})

	default:
		// Transient: consume one retry and schedule the next attempt.
		retried := a.RetryCount + 1
		nextAt := attemptedAt.Add(e.policy.NextDelay(retried)).UnixMilli()
		if markErr := e.store.MarkAttemptFailed(a.ID, err.Error(), attemptedAt.UnixMilli(), nextAt); markErr != nil {
			logging.Error("failed to record attempt failure", markErr,
				map[string]interface{}{"action_id": a.ID})
		}
		e.collector.RecordAttempt(false)
		logging.Debug("action dispatch failed", map[string]interface{}{
			"action_id": a.ID, "retry": retried, "max_retries": a.MaxRetries,
		})
	}

	e.transition(func(s *models.SyncSession) {
		s.Current++
	})
}

// complete ends the session successfully and records its duration.
func (e *Engine) complete() {
	endedAt := e.now()

	e.mu.Lock()
	duration := endedAt.Sub(e.session.StartedAt)
	e.mu.Unlock()

	e.collector.RecordSession(duration, endedAt)
	logging.Info("sync session completed", map[string]interface{}{
		"duration_ms": duration.Milliseconds(),
	})
	e.endSession(models.SessionCompleted)
}

// endSession publishes the terminal status and returns the engine to Idle.
func (e *Engine) endSession(status models.SessionStatus) {
	e.transition(func(s *models.SyncSession) {
		s.Status = status
		s.CurrentActionID = ""
	})

	e.mu.Lock()
	e.last = e.session
	e.session = models.SyncSession{Status: models.SessionIdle}
	e.cancel = nil
	idle := e.session
	e.mu.Unlock()

	e.emit(idle)
}

// transition mutates the session under lock and emits the result.
func (e *Engine) transition(mutate func(*models.SyncSession)) {
	e.mu.Lock()
	mutate(&e.session)
	s := e.session
	e.mu.Unlock()

	e.emit(s)
}

func (e *Engine) emit(s models.SyncSession) {
	if e.OnChange != nil {
		e.OnChange(s)
	}
}
