// Package persistence provides the storage abstraction for workflow
// instances, tasks and inbound external events. The store is the single
// source of truth: the queue broker and the event bus are rebuildable from
// what is persisted here.
package persistence

import (
	"context"
	"time"

	"github.com/aerodesk/charterflow/pkg/models"
)

type Persistence interface {
	// CreateInstance inserts a new instance together with its first history
	// entry.
	CreateInstance(ctx context.Context, instance *models.Instance) error

	InstanceByID(ctx context.Context, id string) (*models.Instance, error)

	// UpdateInstance persists the instance's current fields (stage, history,
	// correlation keys, retry counts, last error, wait deadline) and inserts
	// the given task rows in a single transaction, guarded by an optimistic
	// version check: the write only lands if the stored version still equals
	// expectedVersion, and the stored version is bumped by one. A stale
	// version yields ErrVersionConflict and no change at all.
	UpdateInstance(ctx context.Context, instance *models.Instance, expectedVersion int64, newTasks []*models.Task) error

	// InstanceByCorrelationKey finds the instance currently waiting on the
	// given external key, if any.
	InstanceByCorrelationKey(ctx context.Context, key string) (*models.Instance, error)

	// ExpiredWaitingInstances lists instances parked in a waiting stage
	// whose dwell deadline passed before now.
	ExpiredWaitingInstances(ctx context.Context, now time.Time) ([]*models.Instance, error)

	TaskByID(ctx context.Context, id string) (*models.Task, error)
	TasksByInstance(ctx context.Context, instanceID string) ([]*models.Task, error)

	// UpdateTaskStatus moves one task row between statuses. Runners own
	// running/succeeded/failed; the sweeper owns abandoned.
	UpdateTaskStatus(ctx context.Context, id string, status models.TaskStatus) error

	// PendingTasks lists task rows still pending, used to rebuild the
	// broker after it lost state.
	PendingTasks(ctx context.Context) ([]*models.Task, error)

	// InsertExternalEvent stores an inbound event. A second insert with the
	// same id returns ErrEventAlreadyExists and changes nothing.
	InsertExternalEvent(ctx context.Context, event *models.ExternalEvent) error

	ExternalEventByID(ctx context.Context, id string) (*models.ExternalEvent, error)

	// MarkEventProcessed flips processed and records the matched instance.
	// Processed events are never mutated again.
	MarkEventProcessed(ctx context.Context, id, instanceID string) error

	// UnmatchedEvents lists events that arrived for no waiting instance,
	// kept for manual inspection of timing races.
	UnmatchedEvents(ctx context.Context) ([]*models.ExternalEvent, error)

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}
