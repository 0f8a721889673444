package workflow

import (
	"context"
	"log/slog"

	"github.com/aerodesk/charterflow/pkg/eventbus"
	"github.com/aerodesk/charterflow/pkg/events"
)

// AuditObserver is a passive bus subscriber that logs instance lifecycle
// events. It exists because the bus is modeled as publish/subscribe exactly
// so observers can attach without touching the engine.
type AuditObserver struct {
	logger *slog.Logger
}

func NewAuditObserver(logger *slog.Logger) *AuditObserver {
	return &AuditObserver{logger: logger.With("module", "audit")}
}

func (o *AuditObserver) Register(bus eventbus.EventSubscriber) error {
	for _, eventType := range []events.EventType{
		events.InstanceCompletedEvent,
		events.InstanceFailedEvent,
		events.InstanceCancelledEvent,
	} {
		if err := bus.Handle(eventType, o.record); err != nil {
			return err
		}
	}

	return nil
}

func (o *AuditObserver) record(ctx context.Context, event any) error {
	switch e := event.(type) {
	case *events.InstanceCompleted:
		o.logger.InfoContext(ctx, "Instance completed", "instance_id", e.InstanceID)
	case *events.InstanceFailed:
		o.logger.WarnContext(ctx, "Instance failed",
			"instance_id", e.InstanceID,
			"failure_kind", e.Failure.Kind,
			"failure_role", e.Failure.Role,
			"failure", e.Failure.Message,
		)
	case *events.InstanceCancelled:
		o.logger.InfoContext(ctx, "Instance cancelled", "instance_id", e.InstanceID, "reason", e.Reason)
	}

	return nil
}
