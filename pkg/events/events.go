// Package events defines the bus messages exchanged between the intake API,
// the agent runners, the webhook reconciler and the workflow engine.
package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/aerodesk/charterflow/pkg/models"
)

type EventType string

// Topic is the single bus topic; handlers are selected by event type.
const Topic = "charterflow.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Commands consumed by the workflow engine.
	InstanceCreatedEvent EventType = "rfp.instance.created"
	TaskSucceededEvent   EventType = "rfp.task.succeeded"
	TaskFailedEvent      EventType = "rfp.task.failed"
	OfferReceivedEvent   EventType = "rfp.offer.received"
	CancelRequestedEvent EventType = "rfp.cancel.requested"

	// Notifications emitted by the engine for observers (audit, metrics).
	InstanceCompletedEvent EventType = "rfp.instance.completed"
	InstanceFailedEvent    EventType = "rfp.instance.failed"
	InstanceCancelledEvent EventType = "rfp.instance.cancelled"
)

type BaseEvent struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	Timestamp  time.Time      `json:"timestamp"`
	InstanceID string         `json:"instance_id"`
	WorkerID   string         `json:"worker_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// InstanceCreated is published by the intake service once the instance row
// is persisted; the engine reacts by dispatching the first agent.
type InstanceCreated struct {
	BaseEvent
}

func (e InstanceCreated) GetType() EventType {
	return InstanceCreatedEvent
}

// TaskSucceeded is published by an agent runner when a role executor
// returned a result. Runners never touch the instance themselves.
type TaskSucceeded struct {
	BaseEvent

	TaskID  string            `json:"task_id"`
	Role    models.Role       `json:"role"`
	Attempt int               `json:"attempt"`
	Result  models.TaskResult `json:"result"`
}

func (e TaskSucceeded) GetType() EventType {
	return TaskSucceededEvent
}

// TaskFailed carries the classified failure so the engine can pick between
// backoff retry and fail-fast.
type TaskFailed struct {
	BaseEvent

	TaskID  string         `json:"task_id"`
	Role    models.Role    `json:"role"`
	Attempt int            `json:"attempt"`
	Failure models.Failure `json:"failure"`
}

func (e TaskFailed) GetType() EventType {
	return TaskFailedEvent
}

// OfferReceived is published by the webhook reconciler after it matched an
// authenticated marketplace event to a waiting instance.
type OfferReceived struct {
	BaseEvent

	EventID        string `json:"event_id"`
	CorrelationKey string `json:"correlation_key"`
}

func (e OfferReceived) GetType() EventType {
	return OfferReceivedEvent
}

// CancelRequested is published by the API on user cancellation.
type CancelRequested struct {
	BaseEvent

	Reason      string `json:"reason,omitempty"`
	CancelledBy string `json:"cancelled_by,omitempty"`
}

func (e CancelRequested) GetType() EventType {
	return CancelRequestedEvent
}

type InstanceCompleted struct {
	BaseEvent

	DurationMs int64 `json:"duration_ms"`
}

func (e InstanceCompleted) GetType() EventType {
	return InstanceCompletedEvent
}

type InstanceFailed struct {
	BaseEvent

	Failure models.Failure `json:"failure"`
}

func (e InstanceFailed) GetType() EventType {
	return InstanceFailedEvent
}

type InstanceCancelled struct {
	BaseEvent

	Reason string `json:"reason,omitempty"`
}

func (e InstanceCancelled) GetType() EventType {
	return InstanceCancelledEvent
}

func NewBaseEvent(eventType EventType, instanceID string) BaseEvent {
	return BaseEvent{
		ID:         uuid.New().String(),
		Type:       eventType,
		Timestamp:  time.Now().UTC(),
		InstanceID: instanceID,
		Metadata:   make(map[string]any),
	}
}
