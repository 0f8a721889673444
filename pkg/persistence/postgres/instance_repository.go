package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/aerodesk/charterflow/pkg/models"
	"github.com/aerodesk/charterflow/pkg/persistence"
)

// InstanceRepository handles workflow instance rows.
type InstanceRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewInstanceRepository(db *sql.DB, logger *slog.Logger) *InstanceRepository {
	return &InstanceRepository{db: db, logger: logger}
}

const instanceColumns = `id, stage, request, correlation_keys, history, retry_counts,
	last_error, wait_deadline, version, created_at, updated_at`

func (r *InstanceRepository) Create(ctx context.Context, instance *models.Instance) error {
	request, history, retryCounts, lastError, err := marshalInstanceFields(instance)
	if err != nil {
		return persistence.NewInstanceError("Create", instance.ID, err)
	}

	query := `
		INSERT INTO workflow_instances
			(id, stage, request, correlation_keys, history, retry_counts, last_error, wait_deadline, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err = r.db.ExecContext(ctx, query,
		instance.ID,
		string(instance.Stage),
		request,
		pq.Array(instance.CorrelationKeys),
		history,
		retryCounts,
		lastError,
		nullTime(instance.WaitDeadline),
		instance.Version,
		instance.CreatedAt,
		instance.UpdatedAt,
	)
	if err != nil {
		return persistence.NewInstanceError("Create", instance.ID, err)
	}

	return nil
}

func (r *InstanceRepository) GetByID(ctx context.Context, id string) (*models.Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM workflow_instances WHERE id = $1`

	instance, err := r.scanInstance(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewInstanceError("GetByID", id, persistence.ErrInstanceNotFound)
		}

		return nil, persistence.NewInstanceError("GetByID", id, err)
	}

	return instance, nil
}

// UpdateCAS writes the instance's mutable fields and inserts new task rows
// in one transaction. The UPDATE is version-guarded; zero affected rows
// means another transition won the race.
func (r *InstanceRepository) UpdateCAS(ctx context.Context, instance *models.Instance, expectedVersion int64, newTasks []*models.Task) error {
	request, history, retryCounts, lastError, err := marshalInstanceFields(instance)
	if err != nil {
		return persistence.NewInstanceError("UpdateCAS", instance.ID, err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return persistence.NewInstanceError("UpdateCAS", instance.ID, err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	query := `
		UPDATE workflow_instances
		SET stage = $1, request = $2, correlation_keys = $3, history = $4,
			retry_counts = $5, last_error = $6, wait_deadline = $7,
			version = version + 1, updated_at = NOW()
		WHERE id = $8 AND version = $9
	`

	result, err := tx.ExecContext(ctx, query,
		string(instance.Stage),
		request,
		pq.Array(instance.CorrelationKeys),
		history,
		retryCounts,
		lastError,
		nullTime(instance.WaitDeadline),
		instance.ID,
		expectedVersion,
	)
	if err != nil {
		return persistence.NewInstanceError("UpdateCAS", instance.ID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewInstanceError("UpdateCAS", instance.ID, err)
	}

	if affected == 0 {
		return persistence.NewInstanceError("UpdateCAS", instance.ID, persistence.ErrVersionConflict)
	}

	for _, task := range newTasks {
		payload, err := json.Marshal(task.Payload)
		if err != nil {
			return persistence.NewInstanceError("UpdateCAS", instance.ID, err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO tasks (id, instance_id, role, payload, attempt, status, enqueued_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`,
			task.ID,
			task.InstanceID,
			string(task.Role),
			payload,
			task.Attempt,
			string(task.Status),
			task.EnqueuedAt,
			task.UpdatedAt,
		)
		if err != nil {
			return persistence.NewInstanceError("UpdateCAS", instance.ID, err)
		}
	}

	err = tx.Commit()
	if err != nil {
		return persistence.NewInstanceError("UpdateCAS", instance.ID, err)
	}

	instance.Version = expectedVersion + 1

	return nil
}

func (r *InstanceRepository) GetByCorrelationKey(ctx context.Context, key string) (*models.Instance, error) {
	query := `
		SELECT ` + instanceColumns + `
		FROM workflow_instances
		WHERE $1 = ANY (correlation_keys) AND stage = $2
		LIMIT 1
	`

	instance, err := r.scanInstance(r.db.QueryRowContext(ctx, query, key, string(models.StageAwaitingExternalOffers)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewInstanceError("GetByCorrelationKey", key, persistence.ErrInstanceNotFound)
		}

		return nil, persistence.NewInstanceError("GetByCorrelationKey", key, err)
	}

	return instance, nil
}

func (r *InstanceRepository) ListExpiredWaiting(ctx context.Context, now time.Time) ([]*models.Instance, error) {
	query := `
		SELECT ` + instanceColumns + `
		FROM workflow_instances
		WHERE stage = $1 AND wait_deadline IS NOT NULL AND wait_deadline < $2
	`

	rows, err := r.db.QueryContext(ctx, query, string(models.StageAwaitingExternalOffers), now)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired waiting instances: %w", err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
		}
	}()

	var instances []*models.Instance

	for rows.Next() {
		instance, err := r.scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}

		instances = append(instances, instance)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating instances: %w", err)
	}

	return instances, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *InstanceRepository) scanInstance(row rowScanner) (*models.Instance, error) {
	var (
		instance     models.Instance
		stage        string
		request      []byte
		history      []byte
		retryCounts  []byte
		lastError    []byte
		waitDeadline sql.NullTime
	)

	err := row.Scan(
		&instance.ID,
		&stage,
		&request,
		pq.Array(&instance.CorrelationKeys),
		&history,
		&retryCounts,
		&lastError,
		&waitDeadline,
		&instance.Version,
		&instance.CreatedAt,
		&instance.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	instance.Stage = models.Stage(stage)

	if err := json.Unmarshal(request, &instance.Request); err != nil {
		return nil, fmt.Errorf("failed to unmarshal request: %w", err)
	}

	if err := json.Unmarshal(history, &instance.History); err != nil {
		return nil, fmt.Errorf("failed to unmarshal history: %w", err)
	}

	if err := json.Unmarshal(retryCounts, &instance.RetryCounts); err != nil {
		return nil, fmt.Errorf("failed to unmarshal retry counts: %w", err)
	}

	if len(lastError) > 0 {
		instance.LastError = &models.Failure{}
		if err := json.Unmarshal(lastError, instance.LastError); err != nil {
			return nil, fmt.Errorf("failed to unmarshal last error: %w", err)
		}
	}

	if waitDeadline.Valid {
		deadline := waitDeadline.Time
		instance.WaitDeadline = &deadline
	}

	return &instance, nil
}

func marshalInstanceFields(instance *models.Instance) (request, history, retryCounts, lastError []byte, err error) {
	request, err = json.Marshal(instance.Request)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	if instance.History == nil {
		history = []byte("[]")
	} else {
		history, err = json.Marshal(instance.History)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("failed to marshal history: %w", err)
		}
	}

	if instance.RetryCounts == nil {
		retryCounts = []byte("{}")
	} else {
		retryCounts, err = json.Marshal(instance.RetryCounts)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("failed to marshal retry counts: %w", err)
		}
	}

	if instance.LastError != nil {
		lastError, err = json.Marshal(instance.LastError)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("failed to marshal last error: %w", err)
		}
	}

	return request, history, retryCounts, lastError, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}

	return sql.NullTime{Time: *t, Valid: true}
}
