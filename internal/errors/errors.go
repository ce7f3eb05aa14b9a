// Package errors provides error code definitions for the offgrid engine.
package errors

import "fmt"

// ErrorCode represents a stable, machine-readable error code.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Store errors
	ErrStore      ErrorCode = "STORE_ERROR"
	ErrQueueFull  ErrorCode = "QUEUE_FULL"
	ErrConstraint ErrorCode = "CONSTRAINT_VIOLATION"

	// Action errors
	ErrActionNotFound    ErrorCode = "ACTION_NOT_FOUND"
	ErrActionSynced      ErrorCode = "ACTION_ALREADY_SYNCED"
	ErrDependencyMissing ErrorCode = "DEPENDENCY_MISSING"
	ErrRetriesExhausted  ErrorCode = "RETRIES_EXHAUSTED"

	// Sync errors
	ErrSyncInProgress ErrorCode = "SYNC_IN_PROGRESS"
	ErrSyncStopped    ErrorCode = "SYNC_STOPPED"
	ErrOffline        ErrorCode = "OFFLINE"
	ErrDispatchFailed ErrorCode = "DISPATCH_FAILED"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is checks if an error carries a specific code.
func Is(err error, code ErrorCode) bool {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Code == code
	}
	return false
}
