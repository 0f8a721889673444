package workflow

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/aerodesk/charterflow/pkg/models"
	"github.com/aerodesk/charterflow/pkg/persistence"
	"github.com/aerodesk/charterflow/pkg/taskqueue"
)

// Sweeper runs two periodic jobs against the store: it times out waiting
// instances whose dwell deadline passed, and it re-enqueues pending task
// rows the broker lost. Both keep the store authoritative over broker and
// bus state.
type Sweeper struct {
	logger *slog.Logger
	store  persistence.Persistence
	queue  taskqueue.Queue
	engine *Engine
	cron   *cron.Cron
	jobs   []func(context.Context)
}

func NewSweeper(logger *slog.Logger, store persistence.Persistence, queue taskqueue.Queue, engine *Engine) *Sweeper {
	return &Sweeper{
		logger: logger.With("module", "workflow_sweeper"),
		store:  store,
		queue:  queue,
		engine: engine,
		cron:   cron.New(),
	}
}

// AddJob registers an extra job to run on every sweep pass, after the two
// built-in ones. Must be called before Start.
func (s *Sweeper) AddJob(job func(context.Context)) {
	s.jobs = append(s.jobs, job)
}

// Start schedules the sweep on the given cron spec and begins running.
func (s *Sweeper) Start(ctx context.Context, schedule string) error {
	_, err := s.cron.AddFunc(schedule, func() {
		s.Sweep(ctx)
	})
	if err != nil {
		return err
	}

	s.cron.Start()
	s.logger.InfoContext(ctx, "Sweeper started", "schedule", schedule)

	return nil
}

func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// Sweep performs one pass of both jobs. Exported so tests and operators can
// trigger it directly.
func (s *Sweeper) Sweep(ctx context.Context) {
	s.expireWaiting(ctx)
	s.rebuildQueue(ctx)

	for _, job := range s.jobs {
		job(ctx)
	}
}

func (s *Sweeper) expireWaiting(ctx context.Context) {
	expired, err := s.store.ExpiredWaitingInstances(ctx, time.Now().UTC())
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to list expired waiting instances", "error", err)

		return
	}

	for _, instance := range expired {
		_, err := s.engine.Transition(ctx, instance.ID, Signal{Kind: SignalWaitTimeout})
		if err != nil {
			s.logger.ErrorContext(ctx, "Failed to time out instance", "instance_id", instance.ID, "error", err)
		}
	}
}

// rebuildQueue re-enqueues pending tasks. A pending task of a terminal
// instance is a leftover from a cancel or failure race; it is marked
// abandoned instead of redelivered.
func (s *Sweeper) rebuildQueue(ctx context.Context) {
	pending, err := s.store.PendingTasks(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to list pending tasks", "error", err)

		return
	}

	for _, task := range pending {
		// Give fresh tasks time to clear their normal or backoff enqueue.
		if time.Since(task.EnqueuedAt) < time.Minute {
			continue
		}

		instance, err := s.store.InstanceByID(ctx, task.InstanceID)
		if err != nil {
			s.logger.ErrorContext(ctx, "Failed to load instance for pending task", "task_id", task.ID, "error", err)

			continue
		}

		if instance.Stage.IsTerminal() {
			if err := s.store.UpdateTaskStatus(ctx, task.ID, models.TaskStatusAbandoned); err != nil {
				s.logger.ErrorContext(ctx, "Failed to abandon task", "task_id", task.ID, "error", err)
			}

			continue
		}

		if err := s.queue.Enqueue(ctx, *task); err != nil {
			s.logger.ErrorContext(ctx, "Failed to re-enqueue pending task", "task_id", task.ID, "error", err)
		}
	}
}
