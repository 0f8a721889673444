// Package postgres provides the PostgreSQL persistence implementation for
// workflow instances, tasks and external events.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"

	"github.com/aerodesk/charterflow/pkg/models"
	"github.com/aerodesk/charterflow/pkg/persistence/sqlbase"
)

// Persistence implements the persistence layer for PostgreSQL.
type Persistence struct {
	db           *sql.DB
	logger       *slog.Logger
	instanceRepo *InstanceRepository
	taskRepo     *TaskRepository
	eventRepo    *EventRepository
}

// NewPersistence connects, runs migrations and returns the store.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrationManager := sqlbase.NewMigrationManager(logger, database, migrations())

	err = migrationManager.RunMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Persistence{
		db:           database,
		logger:       logger,
		instanceRepo: NewInstanceRepository(database, logger),
		taskRepo:     NewTaskRepository(database, logger),
		eventRepo:    NewEventRepository(database, logger),
	}, nil
}

// Close closes the database connection.
func (p *Persistence) Close(ctx context.Context) error {
	if p.db != nil {
		err := p.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

func (p *Persistence) CreateInstance(ctx context.Context, instance *models.Instance) error {
	return p.instanceRepo.Create(ctx, instance)
}

func (p *Persistence) InstanceByID(ctx context.Context, id string) (*models.Instance, error) {
	return p.instanceRepo.GetByID(ctx, id)
}

func (p *Persistence) UpdateInstance(ctx context.Context, instance *models.Instance, expectedVersion int64, newTasks []*models.Task) error {
	return p.instanceRepo.UpdateCAS(ctx, instance, expectedVersion, newTasks)
}

func (p *Persistence) InstanceByCorrelationKey(ctx context.Context, key string) (*models.Instance, error) {
	return p.instanceRepo.GetByCorrelationKey(ctx, key)
}

func (p *Persistence) ExpiredWaitingInstances(ctx context.Context, now time.Time) ([]*models.Instance, error) {
	return p.instanceRepo.ListExpiredWaiting(ctx, now)
}

func (p *Persistence) TaskByID(ctx context.Context, id string) (*models.Task, error) {
	return p.taskRepo.GetByID(ctx, id)
}

func (p *Persistence) TasksByInstance(ctx context.Context, instanceID string) ([]*models.Task, error) {
	return p.taskRepo.ListByInstance(ctx, instanceID)
}

func (p *Persistence) UpdateTaskStatus(ctx context.Context, id string, status models.TaskStatus) error {
	return p.taskRepo.UpdateStatus(ctx, id, status)
}

func (p *Persistence) PendingTasks(ctx context.Context) ([]*models.Task, error) {
	return p.taskRepo.ListPending(ctx)
}

func (p *Persistence) InsertExternalEvent(ctx context.Context, event *models.ExternalEvent) error {
	return p.eventRepo.Insert(ctx, event)
}

func (p *Persistence) ExternalEventByID(ctx context.Context, id string) (*models.ExternalEvent, error) {
	return p.eventRepo.GetByID(ctx, id)
}

func (p *Persistence) MarkEventProcessed(ctx context.Context, id, instanceID string) error {
	return p.eventRepo.MarkProcessed(ctx, id, instanceID)
}

func (p *Persistence) UnmatchedEvents(ctx context.Context) ([]*models.ExternalEvent, error) {
	return p.eventRepo.ListUnmatched(ctx)
}

func migrations() map[int]string {
	return map[int]string{
		1: `
		CREATE TABLE IF NOT EXISTS workflow_instances (
			id UUID PRIMARY KEY,
			stage TEXT NOT NULL,
			request JSONB NOT NULL,
			correlation_keys TEXT[] NOT NULL DEFAULT '{}',
			history JSONB NOT NULL DEFAULT '[]',
			retry_counts JSONB NOT NULL DEFAULT '{}',
			last_error JSONB,
			wait_deadline TIMESTAMP WITH TIME ZONE,
			version BIGINT NOT NULL DEFAULT 1,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_workflow_instances_correlation_keys
			ON workflow_instances USING GIN (correlation_keys);
		CREATE INDEX IF NOT EXISTS idx_workflow_instances_stage
			ON workflow_instances (stage);

		CREATE TABLE IF NOT EXISTS tasks (
			id UUID PRIMARY KEY,
			instance_id UUID NOT NULL REFERENCES workflow_instances (id),
			role TEXT NOT NULL,
			payload JSONB,
			attempt INTEGER NOT NULL DEFAULT 1,
			status TEXT NOT NULL DEFAULT 'pending',
			enqueued_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_tasks_instance_role ON tasks (instance_id, role);
		CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks (status);

		CREATE TABLE IF NOT EXISTS external_events (
			id TEXT PRIMARY KEY,
			correlation_key TEXT NOT NULL,
			type TEXT NOT NULL,
			payload JSONB,
			received_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			processed BOOLEAN NOT NULL DEFAULT FALSE,
			instance_id UUID
		);

		CREATE INDEX IF NOT EXISTS idx_external_events_correlation_key
			ON external_events (correlation_key);
		CREATE INDEX IF NOT EXISTS idx_external_events_processed
			ON external_events (processed);
		`,
	}
}
