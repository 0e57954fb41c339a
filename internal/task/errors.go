package task

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a task ID is unknown.
	ErrNotFound = errors.New("task not found")

	// ErrCircuitOpen is returned when a task type's circuit breaker rejects an attempt.
	ErrCircuitOpen = errors.New("circuit breaker open")
)

// ValidationError rejects a submission before any state is created.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid task %s: %s", e.Field, e.Reason)
}

// DependencyError reports a dependency that is missing or would form a cycle.
// Missing dependencies leave the dependent WAITING rather than failed.
type DependencyError struct {
	TaskID       string
	DependencyID string
	Err          error
}

func (e *DependencyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("task %q dependency %q: %v", e.TaskID, e.DependencyID, e.Err)
	}
	return fmt.Sprintf("task %q depends on unknown task %q", e.TaskID, e.DependencyID)
}

func (e *DependencyError) Unwrap() error { return e.Err }

// ExecutionError wraps a handler error or timeout for one attempt.
type ExecutionError struct {
	TaskID  string
	Attempt int
	Err     error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("task %q attempt %d: %v", e.TaskID, e.Attempt, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// CancellationError marks an explicit cancellation. It is never retried.
type CancellationError struct {
	TaskID string
	Reason string
}

func (e *CancellationError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("task %q cancelled", e.TaskID)
	}
	return fmt.Sprintf("task %q cancelled: %s", e.TaskID, e.Reason)
}

// IsCancellation reports whether err carries a CancellationError.
func IsCancellation(err error) bool {
	var ce *CancellationError
	return errors.As(err, &ce)
}
