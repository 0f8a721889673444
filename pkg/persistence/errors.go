// Package persistence provides standardized error types for storage
// operations.
package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrInstanceNotFound indicates no instance exists for the identifier.
	ErrInstanceNotFound = errors.New("workflow instance not found")

	// ErrTaskNotFound indicates no task exists for the identifier.
	ErrTaskNotFound = errors.New("task not found")

	// ErrEventNotFound indicates no external event exists for the identifier.
	ErrEventNotFound = errors.New("external event not found")

	// ErrEventAlreadyExists indicates an external event with the same
	// idempotency id was already ingested.
	ErrEventAlreadyExists = errors.New("external event already exists")

	// ErrVersionConflict indicates an optimistic version check failed; the
	// caller saw a stale instance and should reload and retry.
	ErrVersionConflict = errors.New("instance version conflict")
)

// InstanceError wraps instance-related errors with operation context.
type InstanceError struct {
	Op         string
	InstanceID string
	Err        error
}

func (e *InstanceError) Error() string {
	return fmt.Sprintf("%s operation failed for instance %s: %v", e.Op, e.InstanceID, e.Err)
}

func (e *InstanceError) Unwrap() error {
	return e.Err
}

func (e *InstanceError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

func NewInstanceError(op, instanceID string, err error) *InstanceError {
	return &InstanceError{Op: op, InstanceID: instanceID, Err: err}
}

// TaskError wraps task-related errors with operation context.
type TaskError struct {
	Op     string
	TaskID string
	Err    error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("%s operation failed for task %s: %v", e.Op, e.TaskID, e.Err)
}

func (e *TaskError) Unwrap() error {
	return e.Err
}

func (e *TaskError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// IsInstanceNotFound checks if an error indicates a missing instance.
func IsInstanceNotFound(err error) bool {
	return errors.Is(err, ErrInstanceNotFound)
}

// IsTaskNotFound checks if an error indicates a missing task.
func IsTaskNotFound(err error) bool {
	return errors.Is(err, ErrTaskNotFound)
}

// IsEventAlreadyExists checks if an error indicates a duplicate event id.
func IsEventAlreadyExists(err error) bool {
	return errors.Is(err, ErrEventAlreadyExists)
}

// IsVersionConflict checks if an error indicates a stale optimistic version.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrVersionConflict)
}
