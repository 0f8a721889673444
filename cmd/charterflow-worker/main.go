package main

import (
	"context"
	"fmt"
	"os"

	cli "github.com/urfave/cli/v3"

	"github.com/aerodesk/charterflow/pkg/cmd"
	"github.com/aerodesk/charterflow/pkg/config"
	"github.com/aerodesk/charterflow/pkg/log"
)

func main() {
	command := &cli.Command{
		Name:                  "charterflow-worker",
		Usage:                 "Run the workflow engine, agent workers and sweeper",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "Database connection URL for persistence (postgres:// or memory://)",
				Value:   "memory://",
				Sources: cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus type (kafka, gochannel)",
				Value:   "kafka",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "redis-url",
				Usage:   "Redis URL for the task queue (empty for in-process queue)",
				Value:   "",
				Sources: cli.EnvVars("REDIS_URL"),
			},
			&cli.StringFlag{
				Name:    "policy-file",
				Usage:   "Path to the retry/timeout policy YAML (defaults applied when absent)",
				Value:   "",
				Sources: cli.EnvVars("POLICY_FILE"),
			},
			&cli.IntFlag{
				Name:    "concurrency",
				Usage:   "Workers per agent role",
				Value:   2,
				Sources: cli.EnvVars("WORKER_CONCURRENCY"),
			},
			&cli.StringFlag{
				Name:    "webhook-secret",
				Usage:   "Shared secret for marketplace webhook signatures (used by unmatched event replay)",
				Value:   "",
				Sources: cli.EnvVars("WEBHOOK_SECRET"),
			},
			&cli.StringFlag{
				Name:    "llm-base-url",
				Usage:   "Base URL of the completion API",
				Value:   "https://api.openai.com/v1",
				Sources: cli.EnvVars("LLM_BASE_URL"),
			},
			&cli.StringFlag{
				Name:    "llm-api-key",
				Usage:   "API key for the completion API",
				Sources: cli.EnvVars("LLM_API_KEY"),
			},
			&cli.StringFlag{
				Name:    "llm-model",
				Usage:   "Completion model identifier",
				Value:   "gpt-4o",
				Sources: cli.EnvVars("LLM_MODEL"),
			},
			&cli.StringFlag{
				Name:    "marketplace-base-url",
				Usage:   "Base URL of the charter marketplace API",
				Sources: cli.EnvVars("MARKETPLACE_BASE_URL"),
			},
			&cli.StringFlag{
				Name:    "marketplace-api-token",
				Usage:   "Marketplace subscription token",
				Sources: cli.EnvVars("MARKETPLACE_API_TOKEN"),
			},
			&cli.StringFlag{
				Name:    "marketplace-bearer-token",
				Usage:   "Marketplace bearer token",
				Sources: cli.EnvVars("MARKETPLACE_BEARER_TOKEN"),
			},
			&cli.StringFlag{
				Name:    "marketplace-act-as-account",
				Usage:   "Marketplace sub-account to act on behalf of",
				Sources: cli.EnvVars("MARKETPLACE_ACT_AS_ACCOUNT"),
			},
			&cli.StringFlag{
				Name:    "directory-base-url",
				Usage:   "Base URL of the airport directory API",
				Sources: cli.EnvVars("DIRECTORY_BASE_URL"),
			},
			&cli.StringFlag{
				Name:    "directory-api-key",
				Usage:   "API key for the airport directory",
				Sources: cli.EnvVars("DIRECTORY_API_KEY"),
			},
			&cli.StringFlag{
				Name:    "mailer-base-url",
				Usage:   "Base URL of the transactional email API",
				Sources: cli.EnvVars("MAILER_BASE_URL"),
			},
			&cli.StringFlag{
				Name:    "mailer-api-key",
				Usage:   "API key for the transactional email API",
				Sources: cli.EnvVars("MAILER_API_KEY"),
			},
			&cli.StringFlag{
				Name:    "mailer-from",
				Usage:   "Sender address for outgoing proposals",
				Value:   "proposals@charterflow.example",
				Sources: cli.EnvVars("MAILER_FROM"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			logger := log.WithModule("worker")
			logger.InfoContext(ctx, "Initializing Charterflow Worker")

			policy, err := config.LoadPolicyOrDefault(command.String("policy-file"))
			if err != nil {
				return fmt.Errorf("failed to load policy: %w", err)
			}

			store := cmd.NewPersistence(ctx, logger, command.String("database-url"))
			defer func() {
				if err := store.Close(ctx); err != nil {
					logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
				}
			}()

			eventBus := cmd.NewEventBus(command.String("event-bus"), logger)
			defer func() {
				if err := eventBus.Close(); err != nil {
					logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
				}
			}()

			queue := cmd.NewTaskQueue(ctx, command.String("redis-url"), policy.VisibilityTimeout)
			defer func() {
				if err := queue.Close(); err != nil {
					logger.ErrorContext(ctx, "Failed to close task queue", "error", err)
				}
			}()

			worker := NewWorker(logger, store, eventBus, queue, policy, command)

			return worker.Run(ctx)
		},
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		panic(err)
	}
}
