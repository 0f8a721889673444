package models

import (
	"time"
)

// TaskStatus tracks a dispatched unit of work through the queue.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusSucceeded TaskStatus = "succeeded"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusAbandoned TaskStatus = "abandoned"
)

// Task is one unit of work dispatched to an agent role. Tasks are created by
// the state machine in the same transaction as the stage transition that
// caused them, mutated only by the runner that executes them, and retained
// after completion for audit.
//
// At most one task per (instance, role) is running at a time; queue
// redelivery is expected and execution must stay idempotent.
type Task struct {
	ID         string         `json:"id"`
	InstanceID string         `json:"instance_id"`
	Role       Role           `json:"role"`
	Payload    map[string]any `json:"payload,omitempty"`
	Attempt    int            `json:"attempt"`
	Status     TaskStatus     `json:"status"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// TaskResult is what a role executor hands back on success. The state
// machine folds CorrelationKeys into the instance when the next stage is a
// waiting one.
type TaskResult struct {
	Output          map[string]any `json:"output,omitempty"`
	CorrelationKeys []string       `json:"correlation_keys,omitempty"`
}
