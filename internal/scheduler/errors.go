package scheduler

import (
	"errors"
	"fmt"
)

// ErrAlreadyRunning rejects a manual run-now for a task whose previous
// execution has not finished.
var ErrAlreadyRunning = errors.New("task is already running")

// ValidationError reports a rejected CRUD or bridge input. The task state
// is untouched when one of these is returned.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}
