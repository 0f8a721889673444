// Package workflow owns the canonical state of every RFP instance. The
// engine is the only component that moves an instance between stages; agent
// runners and the webhook reconciler only feed it signals over the bus.
package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/aerodesk/charterflow/pkg/config"
	"github.com/aerodesk/charterflow/pkg/eventbus"
	"github.com/aerodesk/charterflow/pkg/events"
	"github.com/aerodesk/charterflow/pkg/models"
	"github.com/aerodesk/charterflow/pkg/otelhelper"
	"github.com/aerodesk/charterflow/pkg/persistence"
	"github.com/aerodesk/charterflow/pkg/taskqueue"
)

const conflictRetries = 5

type Engine struct {
	logger *slog.Logger
	store  persistence.Persistence
	queue  taskqueue.Queue
	bus    eventbus.EventPublisher
	policy config.Policy
	tracer trace.Tracer
}

func NewEngine(
	logger *slog.Logger,
	store persistence.Persistence,
	queue taskqueue.Queue,
	bus eventbus.EventPublisher,
	policy config.Policy,
) *Engine {
	return &Engine{
		logger: logger.With("module", "workflow_engine"),
		store:  store,
		queue:  queue,
		bus:    bus,
		policy: policy,
		tracer: otel.Tracer("charterflow/workflow"),
	}
}

// TransitionResult reports what a signal did to an instance. Dropped results
// mean the signal was illegal for the current stage: a duplicate or a race
// artifact, never an error.
type TransitionResult struct {
	Stage        models.Stage
	EmittedTasks []*models.Task
	Dropped      bool
	DropReason   string
}

// Transition applies one signal to one instance. Stage change, history
// append and task creation commit in a single version-guarded transaction;
// a conflicting concurrent transition is retried transparently against the
// reloaded instance, where a now-stale signal turns into a drop.
func (e *Engine) Transition(ctx context.Context, instanceID string, sig Signal) (*TransitionResult, error) {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "workflow.transition",
		attribute.String(otelhelper.InstanceIDKey, instanceID),
		attribute.String(otelhelper.SignalKindKey, string(sig.Kind)),
	)
	defer span.End()

	var result *TransitionResult

	operation := func() error {
		res, err := e.transitionOnce(ctx, instanceID, sig)
		if err != nil {
			if persistence.IsVersionConflict(err) {
				return err
			}

			return backoff.Permanent(err)
		}

		result = res

		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), conflictRetries), ctx)

	err := backoff.Retry(operation, policy)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	span.SetAttributes(attribute.String(otelhelper.StageKey, string(result.Stage)))

	if result.Dropped {
		e.logger.InfoContext(ctx, "Dropped signal",
			"instance_id", instanceID,
			"signal", sig.Kind,
			"reason", result.DropReason,
		)

		return result, nil
	}

	e.dispatch(ctx, result.EmittedTasks)
	e.notify(ctx, instanceID, result)

	return result, nil
}

func (e *Engine) transitionOnce(ctx context.Context, instanceID string, sig Signal) (*TransitionResult, error) {
	instance, err := e.store.InstanceByID(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	if instance.Stage.IsTerminal() {
		return dropped(instance.Stage, "instance already terminal"), nil
	}

	if reason, ok := e.checkSignal(instance, sig); !ok {
		return dropped(instance.Stage, reason), nil
	}

	if sig.Kind == SignalTaskFailed {
		return e.applyFailure(ctx, instance, sig)
	}

	action, ok := Decide(instance.Stage, sig.Kind)
	if !ok {
		return dropped(instance.Stage, fmt.Sprintf("no transition from %s on %s", instance.Stage, sig.Kind)), nil
	}

	return e.applyAction(ctx, instance, sig, action)
}

// checkSignal validates that the signal is legal for the instance's current
// stage. Illegal signals are duplicates or late arrivals and get dropped.
func (e *Engine) checkSignal(instance *models.Instance, sig Signal) (string, bool) {
	switch sig.Kind {
	case SignalStart:
		if instance.Stage != models.StageCreated {
			return "start signal outside created stage", false
		}
	case SignalTaskSucceeded, SignalTaskFailed:
		expected, ok := RoleFor(instance.Stage)
		if !ok {
			return fmt.Sprintf("no task in flight during %s", instance.Stage), false
		}

		if expected != sig.Role {
			return fmt.Sprintf("completion from role %s but stage %s runs %s", sig.Role, instance.Stage, expected), false
		}
	case SignalExternalEvent:
		if !instance.WaitingOn(sig.CorrelationKey) {
			return fmt.Sprintf("not waiting on correlation key %s", sig.CorrelationKey), false
		}
	case SignalWaitTimeout:
		if !instance.Stage.IsWaiting() {
			return "timeout signal outside waiting stage", false
		}
	case SignalCancel:
		// Legal at any non-terminal stage; terminal handled above.
	}

	return "", true
}

// applyAction commits the decided transition and builds the tasks the next
// stage needs.
func (e *Engine) applyAction(ctx context.Context, instance *models.Instance, sig Signal, action Action) (*TransitionResult, error) {
	expectedVersion := instance.Version
	now := time.Now().UTC()

	instance.Stage = action.Next
	instance.History = append(instance.History, models.HistoryEntry{
		Stage:     action.Next,
		EnteredAt: now,
		Reason:    transitionReason(sig),
	})

	if action.Next.IsWaiting() {
		instance.CorrelationKeys = sig.Result.CorrelationKeys
		deadline := now.Add(e.policy.WaitDwell)
		instance.WaitDeadline = &deadline
	} else {
		instance.CorrelationKeys = nil
		instance.WaitDeadline = nil
	}

	switch {
	case sig.Kind == SignalCancel:
		instance.LastError = nil
	case sig.Kind == SignalWaitTimeout:
		instance.LastError = &models.Failure{
			Kind:    models.FailureWaitTimeout,
			Message: "no marketplace response before the wait deadline",
		}
	}

	payload, err := e.taskPayload(ctx, instance, sig)
	if err != nil {
		return nil, err
	}

	tasks := make([]*models.Task, 0, len(action.Dispatch))
	for _, role := range action.Dispatch {
		tasks = append(tasks, &models.Task{
			ID:         uuid.New().String(),
			InstanceID: instance.ID,
			Role:       role,
			Payload:    payload,
			Attempt:    1,
			Status:     models.TaskStatusPending,
			EnqueuedAt: now,
			UpdatedAt:  now,
		})
	}

	if err := e.store.UpdateInstance(ctx, instance, expectedVersion, tasks); err != nil {
		return nil, err
	}

	return &TransitionResult{Stage: instance.Stage, EmittedTasks: tasks}, nil
}

// applyFailure applies the retry policy: transient failures under the cap
// re-enqueue the same logical task with backoff, everything else fails the
// instance.
func (e *Engine) applyFailure(ctx context.Context, instance *models.Instance, sig Signal) (*TransitionResult, error) {
	expectedVersion := instance.Version
	now := time.Now().UTC()

	if instance.RetryCounts == nil {
		instance.RetryCounts = make(map[models.Role]int)
	}

	if sig.Failure.Kind == models.FailureTransient && instance.RetryCounts[sig.Role] < e.policy.MaxRetries {
		instance.RetryCounts[sig.Role]++

		// The retry re-runs the same logical task, so it must carry the
		// prior payload; a storage error here is retried by the bus, not
		// papered over with an empty payload.
		prior, err := e.store.TaskByID(ctx, sig.TaskID)
		if err != nil {
			return nil, fmt.Errorf("failed to load task %s for retry: %w", sig.TaskID, err)
		}

		retry := &models.Task{
			ID:         uuid.New().String(),
			InstanceID: instance.ID,
			Role:       sig.Role,
			Payload:    prior.Payload,
			Attempt:    sig.Attempt + 1,
			Status:     models.TaskStatusPending,
			EnqueuedAt: now,
			UpdatedAt:  now,
		}

		if err := e.store.UpdateInstance(ctx, instance, expectedVersion, []*models.Task{retry}); err != nil {
			return nil, err
		}

		e.scheduleRetry(retry)

		return &TransitionResult{Stage: instance.Stage, EmittedTasks: []*models.Task{retry}}, nil
	}

	failure := sig.Failure
	if failure.Kind == models.FailureTransient {
		failure.Kind = models.FailureTransientExhausted
	}

	failure.Role = sig.Role
	instance.Stage = models.StageFailed
	instance.LastError = &failure
	instance.CorrelationKeys = nil
	instance.WaitDeadline = nil
	instance.History = append(instance.History, models.HistoryEntry{
		Stage:     models.StageFailed,
		EnteredAt: now,
		Reason:    fmt.Sprintf("task %s failed: %s", sig.Role, failure.Message),
	})

	if err := e.store.UpdateInstance(ctx, instance, expectedVersion, nil); err != nil {
		return nil, err
	}

	return &TransitionResult{Stage: models.StageFailed}, nil
}

// taskPayload builds the input for the dispatched roles from whatever the
// signal carried.
func (e *Engine) taskPayload(ctx context.Context, instance *models.Instance, sig Signal) (map[string]any, error) {
	switch sig.Kind {
	case SignalStart:
		return map[string]any{"request": instance.Request}, nil
	case SignalTaskSucceeded:
		return sig.Result.Output, nil
	case SignalExternalEvent:
		event, err := e.store.ExternalEventByID(ctx, sig.EventID)
		if err != nil {
			return nil, err
		}

		return event.Payload, nil
	default:
		return nil, nil
	}
}

// dispatch enqueues freshly created task rows. Enqueue failures are logged,
// not fatal: the rows are pending in the store and the sweeper re-enqueues
// them, because the store, not the broker, is authoritative.
func (e *Engine) dispatch(ctx context.Context, tasks []*models.Task) {
	for _, task := range tasks {
		if task.Attempt > 1 {
			// Retries are enqueued by scheduleRetry after their backoff.
			continue
		}

		if err := e.queue.Enqueue(ctx, *task); err != nil {
			e.logger.ErrorContext(ctx, "Failed to enqueue task",
				"task_id", task.ID,
				"role", task.Role,
				"error", err,
			)
		}
	}
}

// scheduleRetry enqueues a retry task after its exponential backoff. The
// broker has no delayed delivery; the pending row covers a crash before the
// timer fires.
func (e *Engine) scheduleRetry(task *models.Task) {
	delay := e.policy.RetryBackoff
	for i := 1; i < task.Attempt-1; i++ {
		delay *= 2
	}

	t := *task

	time.AfterFunc(delay, func() {
		if err := e.queue.Enqueue(context.Background(), t); err != nil {
			e.logger.Error("Failed to enqueue retry task", "task_id", t.ID, "role", t.Role, "error", err)
		}
	})
}

// notify publishes lifecycle notifications for observers once a terminal
// stage commits.
func (e *Engine) notify(ctx context.Context, instanceID string, result *TransitionResult) {
	var event eventbus.Event

	switch result.Stage {
	case models.StageCompleted:
		event = events.InstanceCompleted{BaseEvent: events.NewBaseEvent(events.InstanceCompletedEvent, instanceID)}
	case models.StageFailed:
		failed := events.InstanceFailed{BaseEvent: events.NewBaseEvent(events.InstanceFailedEvent, instanceID)}

		if instance, err := e.store.InstanceByID(ctx, instanceID); err == nil && instance.LastError != nil {
			failed.Failure = *instance.LastError
		}

		event = failed
	case models.StageCancelled:
		event = events.InstanceCancelled{BaseEvent: events.NewBaseEvent(events.InstanceCancelledEvent, instanceID)}
	default:
		return
	}

	if err := e.bus.Publish(ctx, instanceID, event); err != nil {
		e.logger.ErrorContext(ctx, "Failed to publish lifecycle event", "instance_id", instanceID, "error", err)
	}
}

func transitionReason(sig Signal) string {
	switch sig.Kind {
	case SignalStart:
		return "request accepted"
	case SignalTaskSucceeded:
		return fmt.Sprintf("task %s succeeded", sig.Role)
	case SignalExternalEvent:
		return fmt.Sprintf("marketplace event %s received", sig.EventID)
	case SignalCancel:
		if sig.Reason != "" {
			return "cancelled: " + sig.Reason
		}

		return "cancelled by user"
	case SignalWaitTimeout:
		return "wait deadline exceeded"
	default:
		return string(sig.Kind)
	}
}

func dropped(stage models.Stage, reason string) *TransitionResult {
	return &TransitionResult{Stage: stage, Dropped: true, DropReason: reason}
}
