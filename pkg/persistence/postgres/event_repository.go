package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lib/pq"

	"github.com/aerodesk/charterflow/pkg/models"
	"github.com/aerodesk/charterflow/pkg/persistence"
)

// unique_violation per the PostgreSQL error code table.
const pqUniqueViolation = "23505"

// EventRepository handles inbound external event rows.
type EventRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewEventRepository(db *sql.DB, logger *slog.Logger) *EventRepository {
	return &EventRepository{db: db, logger: logger}
}

const eventColumns = `id, correlation_key, type, payload, received_at, processed, instance_id`

// Insert stores a new event. Duplicate ids surface as ErrEventAlreadyExists,
// which is how ingestion stays idempotent under redelivery.
func (r *EventRepository) Insert(ctx context.Context, event *models.ExternalEvent) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event payload: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO external_events (id, correlation_key, type, payload, received_at, processed, instance_id)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''))
	`,
		event.ID,
		event.CorrelationKey,
		event.Type,
		payload,
		event.ReceivedAt,
		event.Processed,
		event.InstanceID,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == pqUniqueViolation {
			return persistence.ErrEventAlreadyExists
		}

		return fmt.Errorf("failed to insert external event %s: %w", event.ID, err)
	}

	return nil
}

func (r *EventRepository) GetByID(ctx context.Context, id string) (*models.ExternalEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM external_events WHERE id = $1`

	event, err := r.scanEvent(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrEventNotFound
		}

		return nil, fmt.Errorf("failed to get external event %s: %w", id, err)
	}

	return event, nil
}

func (r *EventRepository) MarkProcessed(ctx context.Context, id, instanceID string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE external_events SET processed = TRUE, instance_id = $1 WHERE id = $2 AND processed = FALSE`,
		instanceID, id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark event %s processed: %w", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to mark event %s processed: %w", id, err)
	}

	if affected == 0 {
		return persistence.ErrEventNotFound
	}

	return nil
}

func (r *EventRepository) ListUnmatched(ctx context.Context) ([]*models.ExternalEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM external_events WHERE processed = FALSE ORDER BY received_at`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query unmatched events: %w", err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
		}
	}()

	var events []*models.ExternalEvent

	for rows.Next() {
		event, err := r.scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}

		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

func (r *EventRepository) scanEvent(row rowScanner) (*models.ExternalEvent, error) {
	var (
		event      models.ExternalEvent
		payload    []byte
		instanceID sql.NullString
	)

	err := row.Scan(
		&event.ID,
		&event.CorrelationKey,
		&event.Type,
		&payload,
		&event.ReceivedAt,
		&event.Processed,
		&instanceID,
	)
	if err != nil {
		return nil, err
	}

	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &event.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event payload: %w", err)
		}
	}

	if instanceID.Valid {
		event.InstanceID = instanceID.String
	}

	return &event, nil
}
