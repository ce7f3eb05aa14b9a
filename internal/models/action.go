// Package models provides data model definitions for the offgrid sync engine.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// UUID is a wrapper around string for UUID v4 type safety.
type UUID string

// Value implements driver.Valuer for UUID.
func (u UUID) Value() (driver.Value, error) {
	return string(u), nil
}

// Scan implements sql.Scanner for UUID.
func (u *UUID) Scan(value interface{}) error {
	if value == nil {
		*u = ""
		return nil
	}
	switch v := value.(type) {
	case []byte:
		*u = UUID(v)
	case string:
		*u = UUID(v)
	default:
		return fmt.Errorf("cannot scan %T into UUID", value)
	}
	return nil
}

// String returns the string representation of the UUID.
func (u UUID) String() string {
	return string(u)
}

// ActionType classifies the mutation an action applies remotely.
type ActionType string

const (
	ActionCreate  ActionType = "create"
	ActionUpdate  ActionType = "update"
	ActionDelete  ActionType = "delete"
	ActionConfirm ActionType = "confirm"
	ActionDispute ActionType = "dispute"
)

// ParseActionType validates and converts a string to an ActionType.
func ParseActionType(s string) (ActionType, error) {
	switch t := ActionType(s); t {
	case ActionCreate, ActionUpdate, ActionDelete, ActionConfirm, ActionDispute:
		return t, nil
	}
	return "", fmt.Errorf("unknown action type %q", s)
}

// Priority is the scheduling class of an action.
// Critical actions carry emergency-safety relevance and dispatch first.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Rank returns a numeric ordering weight. Higher dispatches earlier.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	case PriorityLow:
		return 0
	}
	return -1
}

// ParsePriority validates and converts a string to a Priority.
func ParsePriority(s string) (Priority, error) {
	switch p := Priority(s); p {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow:
		return p, nil
	}
	return "", fmt.Errorf("unknown priority %q", s)
}

// Action represents a single locally recorded mutation awaiting remote
// application. Actions are created at enqueue time and mutated only by the
// sync engine's attempt bookkeeping.
type Action struct {
	ID           UUID            `db:"id" json:"id"`
	Type         ActionType      `db:"action_type" json:"type"`
	Table        string          `db:"table_name" json:"table"`
	Payload      json.RawMessage `db:"payload" json:"payload"`
	Endpoint     string          `db:"endpoint" json:"endpoint"`
	Method       string          `db:"method" json:"method"`
	Priority     Priority        `db:"priority" json:"priority"`
	Dependencies []UUID          `db:"dependencies" json:"dependencies,omitempty"`
	Timestamp    int64           `db:"created_at" json:"timestamp"` // unix milliseconds
	Synced       bool            `db:"synced" json:"synced"`
	RetryCount   int             `db:"retry_count" json:"retry_count"`
	MaxRetries   int             `db:"max_retries" json:"max_retries"`
	NextRetryAt  int64           `db:"next_retry_at" json:"next_retry_at"` // unix milliseconds
	LastAttempt  int64           `db:"last_attempt" json:"last_attempt,omitempty"`
	Error        string          `db:"last_error" json:"error,omitempty"`
}

// TableName returns the table name for Action.
func (Action) TableName() string {
	return "actions"
}

// Terminal reports whether the action has exhausted its retries without
// syncing. Terminal actions require explicit caller intervention.
func (a *Action) Terminal() bool {
	return !a.Synced && a.RetryCount >= a.MaxRetries
}

// Pending reports whether the action still awaits a successful dispatch.
func (a *Action) Pending() bool {
	return !a.Synced && !a.Terminal()
}

// Clone returns a deep copy so callers can never mutate store state through
// a returned snapshot.
func (a *Action) Clone() *Action {
	c := *a
	if a.Payload != nil {
		c.Payload = append(json.RawMessage(nil), a.Payload...)
	}
	if a.Dependencies != nil {
		c.Dependencies = append([]UUID(nil), a.Dependencies...)
	}
	return &c
}
