// Package reconciler ingests marketplace webhook deliveries: it
// authenticates, validates and deduplicates each payload, matches it to the
// waiting instance by correlation key, and hands the match to the engine
// over the event bus. Ingestion does no pipeline work itself, so the webhook
// endpoint stays fast regardless of what the match triggers.
package reconciler

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/aerodesk/charterflow/pkg/eventbus"
	"github.com/aerodesk/charterflow/pkg/events"
	"github.com/aerodesk/charterflow/pkg/models"
	"github.com/aerodesk/charterflow/pkg/otelhelper"
	"github.com/aerodesk/charterflow/pkg/persistence"
)

var (
	ErrBadSignature   = errors.New("webhook signature verification failed")
	ErrInvalidPayload = errors.New("webhook payload failed schema validation")
)

// Outcome reports what ingestion did with a delivery. All outcomes are
// successful HTTP-wise; only signature and schema failures are errors.
type Outcome string

const (
	// OutcomeAccepted means the event matched a waiting instance and was
	// handed to the engine.
	OutcomeAccepted Outcome = "accepted"

	// OutcomeDuplicate means the event id was seen and fully handled before.
	OutcomeDuplicate Outcome = "duplicate"

	// OutcomeUnmatched means no instance is waiting on the event's key. The
	// event is kept for inspection; arrival before the search result is
	// committed is a known race.
	OutcomeUnmatched Outcome = "unmatched"
)

// payloadSchema is the accepted marketplace webhook shape. Anything outside
// it is rejected before touching storage.
const payloadSchema = `{
	"type": "object",
	"required": ["event_type", "trip_id"],
	"properties": {
		"event_id": {"type": "string", "minLength": 1},
		"event_type": {"type": "string", "minLength": 1},
		"trip_id": {"type": "string", "minLength": 1},
		"data": {"type": "object"}
	}
}`

type Reconciler struct {
	logger *slog.Logger
	store  persistence.Persistence
	bus    eventbus.EventPublisher
	secret []byte
	schema *gojsonschema.Schema
	tracer trace.Tracer
}

func New(logger *slog.Logger, store persistence.Persistence, bus eventbus.EventPublisher, secret string) (*Reconciler, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(payloadSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to compile webhook payload schema: %w", err)
	}

	return &Reconciler{
		logger: logger.With("module", "reconciler"),
		store:  store,
		bus:    bus,
		secret: []byte(secret),
		schema: schema,
		tracer: otel.Tracer("charterflow/reconciler"),
	}, nil
}

// Ingest processes one webhook delivery. The signature covers the raw body
// and is verified before anything else; an unverified payload is never
// parsed into storage.
func (r *Reconciler) Ingest(ctx context.Context, body []byte, signature string) (Outcome, error) {
	ctx, span := r.tracer.Start(ctx, "reconciler.ingest")
	defer span.End()

	if err := r.verifySignature(body, signature); err != nil {
		otelhelper.SetError(span, err)

		return "", err
	}

	if err := r.validatePayload(body); err != nil {
		otelhelper.SetError(span, err)

		return "", err
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("%w: %s", ErrInvalidPayload, err)
	}

	eventID, _ := payload["event_id"].(string)
	if eventID == "" {
		// Providers that omit an id still get exactly-once handling: the
		// body digest identifies the delivery.
		digest := sha256.Sum256(body)
		eventID = hex.EncodeToString(digest[:])
	}

	eventType, _ := payload["event_type"].(string)
	tripID, _ := payload["trip_id"].(string)

	span.SetAttributes(
		attribute.String(otelhelper.EventIDKey, eventID),
		attribute.String(otelhelper.CorrelationKeyKey, tripID),
	)

	event := &models.ExternalEvent{
		ID:             eventID,
		CorrelationKey: tripID,
		Type:           eventType,
		Payload:        payload,
		ReceivedAt:     time.Now().UTC(),
	}

	if err := r.store.InsertExternalEvent(ctx, event); err != nil {
		if !persistence.IsEventAlreadyExists(err) {
			return "", fmt.Errorf("failed to store webhook event: %w", err)
		}

		existing, lookupErr := r.store.ExternalEventByID(ctx, eventID)
		if lookupErr != nil {
			return "", fmt.Errorf("failed to load duplicate event: %w", lookupErr)
		}

		if existing.Processed {
			r.logger.InfoContext(ctx, "Duplicate webhook delivery", "event_id", eventID)

			return OutcomeDuplicate, nil
		}

		// Stored earlier but never handed off (a crash between insert and
		// publish, or no instance was waiting yet). Try the match again.
	}

	return r.match(ctx, event)
}

// ReplayUnmatched retries the match for stored events that found no waiting
// instance on arrival. Run periodically; it closes the race where the quote
// webhook beats the search result commit.
func (r *Reconciler) ReplayUnmatched(ctx context.Context) error {
	unmatched, err := r.store.UnmatchedEvents(ctx)
	if err != nil {
		return fmt.Errorf("failed to list unmatched events: %w", err)
	}

	for _, event := range unmatched {
		outcome, err := r.match(ctx, event)
		if err != nil {
			r.logger.ErrorContext(ctx, "Failed to replay unmatched event",
				"event_id", event.ID,
				"error", err,
			)

			continue
		}

		if outcome == OutcomeAccepted {
			r.logger.InfoContext(ctx, "Unmatched event replayed",
				"event_id", event.ID,
				"correlation_key", event.CorrelationKey,
			)
		}
	}

	return nil
}

func (r *Reconciler) match(ctx context.Context, event *models.ExternalEvent) (Outcome, error) {
	instance, err := r.store.InstanceByCorrelationKey(ctx, event.CorrelationKey)
	if err != nil {
		if persistence.IsInstanceNotFound(err) {
			r.logger.WarnContext(ctx, "Webhook event matched no waiting instance",
				"event_id", event.ID,
				"correlation_key", event.CorrelationKey,
			)

			return OutcomeUnmatched, nil
		}

		return "", fmt.Errorf("failed to match webhook event: %w", err)
	}

	offerEvent := events.OfferReceived{
		BaseEvent:      events.NewBaseEvent(events.OfferReceivedEvent, instance.ID),
		EventID:        event.ID,
		CorrelationKey: event.CorrelationKey,
	}

	if err := r.bus.Publish(ctx, instance.ID, offerEvent); err != nil {
		// Left unprocessed: the next delivery or replay pass retries.
		return "", fmt.Errorf("failed to publish offer event: %w", err)
	}

	if err := r.store.MarkEventProcessed(ctx, event.ID, instance.ID); err != nil {
		return "", fmt.Errorf("failed to mark event processed: %w", err)
	}

	r.logger.InfoContext(ctx, "Webhook event matched",
		"event_id", event.ID,
		"instance_id", instance.ID,
		"event_type", event.Type,
	)

	return OutcomeAccepted, nil
}

func (r *Reconciler) verifySignature(body []byte, signature string) error {
	signature = strings.TrimPrefix(signature, "sha256=")

	provided, err := hex.DecodeString(signature)
	if err != nil || len(provided) == 0 {
		return ErrBadSignature
	}

	mac := hmac.New(sha256.New, r.secret)
	mac.Write(body)

	if !hmac.Equal(provided, mac.Sum(nil)) {
		return ErrBadSignature
	}

	return nil
}

func (r *Reconciler) validatePayload(body []byte) error {
	result, err := r.schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidPayload, err)
	}

	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, resultError := range result.Errors() {
			details = append(details, resultError.String())
		}

		return fmt.Errorf("%w: %s", ErrInvalidPayload, strings.Join(details, "; "))
	}

	return nil
}
