package models

import "time"

// SessionStatus represents the lifecycle state of a synchronization session.
type SessionStatus string

const (
	SessionIdle       SessionStatus = "idle"
	SessionConnecting SessionStatus = "connecting"
	SessionSyncing    SessionStatus = "syncing"
	SessionPaused     SessionStatus = "paused"
	SessionFailed     SessionStatus = "failed"
	SessionCompleted  SessionStatus = "completed"
)

// SyncSession describes an in-progress or completed synchronization pass.
// It is ephemeral bookkeeping; durable queue state lives in the store.
type SyncSession struct {
	Current         int           `json:"current"`
	Total           int           `json:"total"`
	CurrentActionID UUID          `json:"current_action_id,omitempty"`
	StartedAt       time.Time     `json:"started_at"`
	Status          SessionStatus `json:"status"`
}

// Active reports whether the session is still making progress.
func (s SyncSession) Active() bool {
	return s.Status == SessionConnecting || s.Status == SessionSyncing
}
