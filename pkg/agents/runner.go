package agents

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/aerodesk/charterflow/pkg/clients"
	"github.com/aerodesk/charterflow/pkg/config"
	"github.com/aerodesk/charterflow/pkg/eventbus"
	"github.com/aerodesk/charterflow/pkg/events"
	"github.com/aerodesk/charterflow/pkg/models"
	"github.com/aerodesk/charterflow/pkg/otelhelper"
	"github.com/aerodesk/charterflow/pkg/persistence"
	"github.com/aerodesk/charterflow/pkg/taskqueue"
)

const dequeueBlock = 5 * time.Second

// Runner is the worker pool. It dequeues tasks for every role it has an
// executor for, runs them under the role's deadline, and publishes the
// classified outcome. Acknowledgement happens only after the outcome event
// is on the bus, so a crash mid-task leads to redelivery, not loss.
type Runner struct {
	logger      *slog.Logger
	store       persistence.Persistence
	queue       taskqueue.Queue
	bus         eventbus.EventPublisher
	policy      config.Policy
	executors   map[models.Role]Executor
	concurrency int
	workerID    string
	tracer      trace.Tracer

	wg sync.WaitGroup
}

func NewRunner(
	logger *slog.Logger,
	store persistence.Persistence,
	queue taskqueue.Queue,
	bus eventbus.EventPublisher,
	policy config.Policy,
	concurrency int,
	executors ...Executor,
) *Runner {
	if concurrency < 1 {
		concurrency = 1
	}

	workerID := "agent-worker-" + uuid.New().String()

	registry := make(map[models.Role]Executor, len(executors))
	for _, executor := range executors {
		registry[executor.Role()] = executor
	}

	return &Runner{
		logger:      logger.With("module", "agents", "worker_id", workerID),
		store:       store,
		queue:       queue,
		bus:         bus,
		policy:      policy,
		executors:   registry,
		concurrency: concurrency,
		workerID:    workerID,
		tracer:      otel.Tracer("charterflow/agents"),
	}
}

// Start launches the workers and returns. Workers stop when ctx is
// cancelled; Wait blocks until they have drained.
func (r *Runner) Start(ctx context.Context) {
	for role := range r.executors {
		for range r.concurrency {
			r.wg.Add(1)

			go r.work(ctx, role)
		}
	}

	r.logger.InfoContext(ctx, "Agent runner started",
		"roles", len(r.executors),
		"concurrency", r.concurrency,
	)
}

func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) work(ctx context.Context, role models.Role) {
	defer r.wg.Done()

	logger := r.logger.With("role", role)

	for {
		if ctx.Err() != nil {
			return
		}

		delivery, err := r.queue.Dequeue(ctx, role, dequeueBlock)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			logger.ErrorContext(ctx, "Failed to dequeue task", "error", err)
			time.Sleep(time.Second)

			continue
		}

		if delivery == nil {
			continue
		}

		r.process(ctx, logger, role, delivery)
	}
}

func (r *Runner) process(ctx context.Context, logger *slog.Logger, role models.Role, delivery *taskqueue.Delivery) {
	task := delivery.Task
	logger = logger.With("task_id", task.ID, "instance_id", task.InstanceID, "attempt", task.Attempt)

	ctx, span := otelhelper.StartSpan(ctx, r.tracer, "agents.execute",
		attribute.String(otelhelper.InstanceIDKey, task.InstanceID),
		attribute.String(otelhelper.TaskIDKey, task.ID),
		attribute.String(otelhelper.RoleKey, string(role)),
		attribute.Int(otelhelper.AttemptKey, task.Attempt),
		attribute.String(otelhelper.WorkerIDKey, r.workerID),
	)
	defer span.End()

	instance, err := r.store.InstanceByID(ctx, task.InstanceID)
	if err != nil {
		if persistence.IsInstanceNotFound(err) {
			// Nothing left to report to: drop the delivery.
			logger.WarnContext(ctx, "Task references missing instance, abandoning")
			r.finishDelivery(ctx, logger, role, delivery, task, models.TaskStatusAbandoned)

			return
		}

		logger.ErrorContext(ctx, "Failed to load instance for task", "error", err)
		r.nack(ctx, logger, role, delivery)

		return
	}

	if instance.Stage.IsTerminal() {
		// The instance finished (or was cancelled) while the task sat on the
		// queue. Discard silently per the cancellation contract.
		logger.InfoContext(ctx, "Instance is terminal, abandoning task", "stage", instance.Stage)
		r.finishDelivery(ctx, logger, role, delivery, task, models.TaskStatusAbandoned)

		return
	}

	if err := r.store.UpdateTaskStatus(ctx, task.ID, models.TaskStatusRunning); err != nil {
		logger.ErrorContext(ctx, "Failed to mark task running", "error", err)
		r.nack(ctx, logger, role, delivery)

		return
	}

	executor := r.executors[role]

	execCtx, cancel := context.WithTimeout(ctx, r.policy.RoleTimeout(role))
	result, execErr := executor.Execute(execCtx, logger, task, instance.Request)

	cancel()

	if execErr != nil {
		otelhelper.SetError(span, execErr)
		r.reportFailure(ctx, logger, role, delivery, task, execErr)

		return
	}

	r.reportSuccess(ctx, logger, role, delivery, task, result)
}

func (r *Runner) reportSuccess(
	ctx context.Context,
	logger *slog.Logger,
	role models.Role,
	delivery *taskqueue.Delivery,
	task models.Task,
	result *models.TaskResult,
) {
	if err := r.store.UpdateTaskStatus(ctx, task.ID, models.TaskStatusSucceeded); err != nil {
		logger.ErrorContext(ctx, "Failed to mark task succeeded", "error", err)
	}

	event := events.TaskSucceeded{
		BaseEvent: events.NewBaseEvent(events.TaskSucceededEvent, task.InstanceID),
		TaskID:    task.ID,
		Role:      role,
		Attempt:   task.Attempt,
		Result:    *result,
	}
	event.WorkerID = r.workerID

	if err := r.bus.Publish(ctx, task.InstanceID, event); err != nil {
		// The outcome never reached the engine; redeliver and re-run. Task
		// execution is expected to be idempotent.
		logger.ErrorContext(ctx, "Failed to publish task success", "error", err)
		r.nack(ctx, logger, role, delivery)

		return
	}

	logger.InfoContext(ctx, "Task succeeded")
	r.ack(ctx, logger, role, delivery)
}

func (r *Runner) reportFailure(
	ctx context.Context,
	logger *slog.Logger,
	role models.Role,
	delivery *taskqueue.Delivery,
	task models.Task,
	execErr error,
) {
	failure := models.Failure{
		Kind:    models.FailureTerminal,
		Role:    role,
		Message: execErr.Error(),
	}
	if clients.Transient(execErr) {
		failure.Kind = models.FailureTransient
	}

	if err := r.store.UpdateTaskStatus(ctx, task.ID, models.TaskStatusFailed); err != nil {
		logger.ErrorContext(ctx, "Failed to mark task failed", "error", err)
	}

	event := events.TaskFailed{
		BaseEvent: events.NewBaseEvent(events.TaskFailedEvent, task.InstanceID),
		TaskID:    task.ID,
		Role:      role,
		Attempt:   task.Attempt,
		Failure:   failure,
	}
	event.WorkerID = r.workerID

	if err := r.bus.Publish(ctx, task.InstanceID, event); err != nil {
		logger.ErrorContext(ctx, "Failed to publish task failure", "error", err)
		r.nack(ctx, logger, role, delivery)

		return
	}

	logger.WarnContext(ctx, "Task failed", "failure_kind", failure.Kind, "error", execErr)
	r.ack(ctx, logger, role, delivery)
}

func (r *Runner) finishDelivery(
	ctx context.Context,
	logger *slog.Logger,
	role models.Role,
	delivery *taskqueue.Delivery,
	task models.Task,
	status models.TaskStatus,
) {
	if err := r.store.UpdateTaskStatus(ctx, task.ID, status); err != nil && !persistence.IsTaskNotFound(err) {
		logger.ErrorContext(ctx, "Failed to update task status", "status", status, "error", err)
	}

	r.ack(ctx, logger, role, delivery)
}

func (r *Runner) ack(ctx context.Context, logger *slog.Logger, role models.Role, delivery *taskqueue.Delivery) {
	if err := r.queue.Ack(ctx, role, delivery.ID); err != nil {
		logger.ErrorContext(ctx, "Failed to ack delivery", "error", err)
	}
}

func (r *Runner) nack(ctx context.Context, logger *slog.Logger, role models.Role, delivery *taskqueue.Delivery) {
	if err := r.queue.Nack(ctx, role, delivery.ID); err != nil {
		logger.ErrorContext(ctx, "Failed to nack delivery", "error", err)
	}
}
