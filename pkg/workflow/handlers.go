package workflow

import (
	"context"

	"github.com/aerodesk/charterflow/pkg/eventbus"
	"github.com/aerodesk/charterflow/pkg/events"
)

// RegisterHandlers subscribes the engine to every event kind it consumes.
// Handler errors are storage errors only; dropped signals ack normally so
// the bus never redelivers duplicates forever.
func (e *Engine) RegisterHandlers(bus eventbus.EventSubscriber) error {
	if err := bus.Handle(events.InstanceCreatedEvent, e.handleInstanceCreated); err != nil {
		return err
	}

	if err := bus.Handle(events.TaskSucceededEvent, e.handleTaskSucceeded); err != nil {
		return err
	}

	if err := bus.Handle(events.TaskFailedEvent, e.handleTaskFailed); err != nil {
		return err
	}

	if err := bus.Handle(events.OfferReceivedEvent, e.handleOfferReceived); err != nil {
		return err
	}

	return bus.Handle(events.CancelRequestedEvent, e.handleCancelRequested)
}

func (e *Engine) handleInstanceCreated(ctx context.Context, event any) error {
	created, ok := event.(*events.InstanceCreated)
	if !ok {
		e.logger.ErrorContext(ctx, "Invalid event type for InstanceCreated")

		return nil
	}

	_, err := e.Transition(ctx, created.InstanceID, Signal{Kind: SignalStart})

	return err
}

func (e *Engine) handleTaskSucceeded(ctx context.Context, event any) error {
	succeeded, ok := event.(*events.TaskSucceeded)
	if !ok {
		e.logger.ErrorContext(ctx, "Invalid event type for TaskSucceeded")

		return nil
	}

	_, err := e.Transition(ctx, succeeded.InstanceID, Signal{
		Kind:    SignalTaskSucceeded,
		Role:    succeeded.Role,
		TaskID:  succeeded.TaskID,
		Attempt: succeeded.Attempt,
		Result:  succeeded.Result,
	})

	return err
}

func (e *Engine) handleTaskFailed(ctx context.Context, event any) error {
	failed, ok := event.(*events.TaskFailed)
	if !ok {
		e.logger.ErrorContext(ctx, "Invalid event type for TaskFailed")

		return nil
	}

	_, err := e.Transition(ctx, failed.InstanceID, Signal{
		Kind:    SignalTaskFailed,
		Role:    failed.Role,
		TaskID:  failed.TaskID,
		Attempt: failed.Attempt,
		Failure: failed.Failure,
	})

	return err
}

func (e *Engine) handleOfferReceived(ctx context.Context, event any) error {
	received, ok := event.(*events.OfferReceived)
	if !ok {
		e.logger.ErrorContext(ctx, "Invalid event type for OfferReceived")

		return nil
	}

	_, err := e.Transition(ctx, received.InstanceID, Signal{
		Kind:           SignalExternalEvent,
		CorrelationKey: received.CorrelationKey,
		EventID:        received.EventID,
	})

	return err
}

func (e *Engine) handleCancelRequested(ctx context.Context, event any) error {
	cancelled, ok := event.(*events.CancelRequested)
	if !ok {
		e.logger.ErrorContext(ctx, "Invalid event type for CancelRequested")

		return nil
	}

	_, err := e.Transition(ctx, cancelled.InstanceID, Signal{
		Kind:   SignalCancel,
		Reason: cancelled.Reason,
	})

	return err
}
