package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
)

func TestNewError(t *testing.T) {
	err := New(ErrActionNotFound, "no such action")

	if err.Code != ErrActionNotFound {
		t.Errorf("expected code %s, got %s", ErrActionNotFound, err.Code)
	}

	msg := err.Error()
	if msg != "[ACTION_NOT_FOUND] no such action" {
		t.Errorf("unexpected message: %s", msg)
	}
}

func TestWrapError(t *testing.T) {
	cause := fmt.Errorf("disk full")
	err := Wrap(ErrStore, "enqueue failed", cause)

	if !stderrors.Is(err, cause) {
		t.Error("wrapped error should unwrap to cause")
	}

	if err.Error() != "[STORE_ERROR] enqueue failed: disk full" {
		t.Errorf("unexpected message: %s", err.Error())
	}
}

func TestIsCode(t *testing.T) {
	err := New(ErrOffline, "no connectivity")

	if !Is(err, ErrOffline) {
		t.Error("Is should match the error's code")
	}
	if Is(err, ErrStore) {
		t.Error("Is should not match a different code")
	}
	if Is(fmt.Errorf("plain"), ErrOffline) {
		t.Error("Is should not match a non-AppError")
	}
}
