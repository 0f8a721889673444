package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aerodesk/charterflow/pkg/models"
	"github.com/aerodesk/charterflow/pkg/persistence"
)

// TaskRepository handles task rows. Rows are retained after completion for
// audit.
type TaskRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewTaskRepository(db *sql.DB, logger *slog.Logger) *TaskRepository {
	return &TaskRepository{db: db, logger: logger}
}

const taskColumns = `id, instance_id, role, payload, attempt, status, enqueued_at, updated_at`

func (r *TaskRepository) GetByID(ctx context.Context, id string) (*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`

	task, err := r.scanTask(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &persistence.TaskError{Op: "GetByID", TaskID: id, Err: persistence.ErrTaskNotFound}
		}

		return nil, &persistence.TaskError{Op: "GetByID", TaskID: id, Err: err}
	}

	return task, nil
}

func (r *TaskRepository) ListByInstance(ctx context.Context, instanceID string) ([]*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE instance_id = $1 ORDER BY enqueued_at`

	return r.queryTasks(ctx, query, instanceID)
}

func (r *TaskRepository) ListPending(ctx context.Context) ([]*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE status = $1 ORDER BY enqueued_at`

	return r.queryTasks(ctx, query, string(models.TaskStatusPending))
}

func (r *TaskRepository) UpdateStatus(ctx context.Context, id string, status models.TaskStatus) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE tasks SET status = $1, updated_at = NOW() WHERE id = $2`,
		string(status), id,
	)
	if err != nil {
		return &persistence.TaskError{Op: "UpdateStatus", TaskID: id, Err: err}
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return &persistence.TaskError{Op: "UpdateStatus", TaskID: id, Err: err}
	}

	if affected == 0 {
		return &persistence.TaskError{Op: "UpdateStatus", TaskID: id, Err: persistence.ErrTaskNotFound}
	}

	return nil
}

func (r *TaskRepository) queryTasks(ctx context.Context, query string, args ...any) ([]*models.Task, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
		}
	}()

	var tasks []*models.Task

	for rows.Next() {
		task, err := r.scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}

		tasks = append(tasks, task)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}

	return tasks, nil
}

func (r *TaskRepository) scanTask(row rowScanner) (*models.Task, error) {
	var (
		task    models.Task
		role    string
		status  string
		payload []byte
	)

	err := row.Scan(
		&task.ID,
		&task.InstanceID,
		&role,
		&payload,
		&task.Attempt,
		&status,
		&task.EnqueuedAt,
		&task.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	task.Role = models.Role(role)
	task.Status = models.TaskStatus(status)

	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &task.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
		}
	}

	return &task, nil
}
