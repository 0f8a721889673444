// Package main runs the Charterflow processing side: the workflow engine
// subscribed to the bus, the per-role agent workers, and the sweeper.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	cli "github.com/urfave/cli/v3"

	"github.com/aerodesk/charterflow/pkg/agents"
	"github.com/aerodesk/charterflow/pkg/clients/directory"
	"github.com/aerodesk/charterflow/pkg/clients/llm"
	"github.com/aerodesk/charterflow/pkg/clients/mailer"
	"github.com/aerodesk/charterflow/pkg/clients/marketplace"
	"github.com/aerodesk/charterflow/pkg/config"
	"github.com/aerodesk/charterflow/pkg/eventbus"
	"github.com/aerodesk/charterflow/pkg/otelhelper"
	"github.com/aerodesk/charterflow/pkg/persistence"
	"github.com/aerodesk/charterflow/pkg/reconciler"
	"github.com/aerodesk/charterflow/pkg/taskqueue"
	"github.com/aerodesk/charterflow/pkg/workflow"
)

type Worker struct {
	logger   *slog.Logger
	store    persistence.Persistence
	eventBus eventbus.EventBus
	queue    taskqueue.Queue
	policy   config.Policy
	command  *cli.Command
}

func NewWorker(
	logger *slog.Logger,
	store persistence.Persistence,
	eventBus eventbus.EventBus,
	queue taskqueue.Queue,
	policy config.Policy,
	command *cli.Command,
) *Worker {
	return &Worker{
		logger:   logger,
		store:    store,
		eventBus: eventBus,
		queue:    queue,
		policy:   policy,
		command:  command,
	}
}

// Run wires everything together and blocks until SIGINT or SIGTERM.
func (w *Worker) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if _, err := otelhelper.NewTracer(ctx, "charterflow-worker"); err != nil {
		w.logger.WarnContext(ctx, "Tracing disabled, exporter unavailable", "error", err)
	}

	engine := workflow.NewEngine(w.logger, w.store, w.queue, w.eventBus, w.policy)
	if err := engine.RegisterHandlers(w.eventBus); err != nil {
		return err
	}

	audit := workflow.NewAuditObserver(w.logger)
	if err := audit.Register(w.eventBus); err != nil {
		return err
	}

	runner := agents.NewRunner(
		w.logger,
		w.store,
		w.queue,
		w.eventBus,
		w.policy,
		w.command.Int("concurrency"),
		w.executors()...,
	)

	sweeper := workflow.NewSweeper(w.logger, w.store, w.queue, engine)

	rec, err := reconciler.New(w.logger, w.store, w.eventBus, w.command.String("webhook-secret"))
	if err != nil {
		return err
	}

	sweeper.AddJob(func(ctx context.Context) {
		if err := rec.ReplayUnmatched(ctx); err != nil {
			w.logger.ErrorContext(ctx, "Failed to replay unmatched events", "error", err)
		}
	})

	if err := sweeper.Start(ctx, w.policy.SweepSchedule); err != nil {
		return err
	}

	if err := w.eventBus.Subscribe(ctx); err != nil {
		return err
	}

	runner.Start(ctx)

	w.logger.InfoContext(ctx, "Worker started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	w.logger.InfoContext(ctx, "Shutting down worker")

	cancel()
	sweeper.Stop()
	runner.Wait()

	return nil
}

func (w *Worker) executors() []agents.Executor {
	llmClient := llm.NewHTTPClient(
		w.command.String("llm-base-url"),
		w.command.String("llm-api-key"),
		w.command.String("llm-model"),
	)

	marketplaceClient := marketplace.NewHTTPClient(
		w.command.String("marketplace-base-url"),
		w.command.String("marketplace-api-token"),
		w.command.String("marketplace-bearer-token"),
		w.command.String("marketplace-act-as-account"),
	)

	directoryClient := directory.NewHTTPClient(
		w.command.String("directory-base-url"),
		w.command.String("directory-api-key"),
	)

	mailerClient := mailer.NewHTTPClient(
		w.command.String("mailer-base-url"),
		w.command.String("mailer-api-key"),
		w.command.String("mailer-from"),
	)

	return []agents.Executor{
		agents.NewAnalyst(llmClient, directoryClient),
		agents.NewSearch(marketplaceClient),
		agents.NewRanker(llmClient),
		agents.NewProposal(llmClient),
		agents.NewCourier(mailerClient),
	}
}
