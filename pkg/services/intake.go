package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/aerodesk/charterflow/pkg/eventbus"
	"github.com/aerodesk/charterflow/pkg/events"
	"github.com/aerodesk/charterflow/pkg/models"
	"github.com/aerodesk/charterflow/pkg/persistence"
)

// Intake owns the instance lifecycle commands available to clients: submit
// a new request and cancel a running one. It persists first and publishes
// second, so the store never lags the bus.
type Intake struct {
	logger   *slog.Logger
	store    persistence.Persistence
	bus      eventbus.EventPublisher
	validate *validator.Validate
}

func NewIntake(logger *slog.Logger, store persistence.Persistence, bus eventbus.EventPublisher) *Intake {
	return &Intake{
		logger:   logger.With("module", "intake"),
		store:    store,
		bus:      bus,
		validate: validator.New(),
	}
}

// Submit validates the request, persists a fresh instance and announces it.
// The engine picks the instance up from the bus and dispatches the first
// agent; Submit itself returns as soon as the row is durable.
func (s *Intake) Submit(ctx context.Context, request models.RFPRequest) (*models.Instance, error) {
	if err := s.validate.Struct(request); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			return nil, NewValidationError("Submit", validationErrors.Error(), ErrInvalidRequest)
		}

		return nil, NewValidationError("Submit", err.Error(), ErrInvalidRequest)
	}

	if !request.ReturnDate.IsZero() && request.ReturnDate.Before(request.DepartureDate) {
		return nil, NewValidationError("Submit", "return date precedes departure date", ErrInvalidRequest)
	}

	now := time.Now().UTC()

	instance := &models.Instance{
		ID:      uuid.New().String(),
		Stage:   models.StageCreated,
		Request: request,
		History: []models.HistoryEntry{
			{Stage: models.StageCreated, EnteredAt: now, Reason: "submitted"},
		},
		RetryCounts: make(map[models.Role]int),
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.store.CreateInstance(ctx, instance); err != nil {
		return nil, &ServiceError{Op: "Submit", Err: err}
	}

	event := events.InstanceCreated{
		BaseEvent: events.NewBaseEvent(events.InstanceCreatedEvent, instance.ID),
	}

	if err := s.bus.Publish(ctx, instance.ID, event); err != nil {
		return nil, &ServiceError{Op: "Submit", Err: err}
	}

	s.logger.InfoContext(ctx, "Request submitted",
		"instance_id", instance.ID,
		"origin", request.Origin,
		"destination", request.Destination,
	)

	return instance, nil
}

// Cancel asks the engine to cancel the instance. Cancellation of an already
// terminal instance is a conflict; cancellation of a running one is
// acknowledged immediately and applied asynchronously.
func (s *Intake) Cancel(ctx context.Context, instanceID, reason string) error {
	instance, err := s.store.InstanceByID(ctx, instanceID)
	if err != nil {
		return &ServiceError{Op: "Cancel", Err: err}
	}

	if instance.Stage.IsTerminal() {
		return &ServiceError{Op: "Cancel", Err: ErrAlreadyTerminal}
	}

	event := events.CancelRequested{
		BaseEvent: events.NewBaseEvent(events.CancelRequestedEvent, instance.ID),
		Reason:    reason,
	}

	if err := s.bus.Publish(ctx, instance.ID, event); err != nil {
		return &ServiceError{Op: "Cancel", Err: err}
	}

	s.logger.InfoContext(ctx, "Cancellation requested", "instance_id", instance.ID, "reason", reason)

	return nil
}
