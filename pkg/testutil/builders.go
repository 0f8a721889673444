// Package testutil provides test data builders and utilities for testing.
package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aerodesk/charterflow/pkg/eventbus"
	"github.com/aerodesk/charterflow/pkg/events"
	"github.com/aerodesk/charterflow/pkg/models"
)

// CreateTestRequest creates a valid RFP request with default values that can
// be overridden.
func CreateTestRequest(overrides ...func(*models.RFPRequest)) models.RFPRequest {
	request := models.RFPRequest{
		Origin:         "KTEB",
		Destination:    "KMIA",
		DepartureDate:  time.Now().UTC().Add(30 * 24 * time.Hour).Truncate(time.Hour),
		PassengerCount: 4,
		RequesterName:  "Ava Chen",
		RequesterEmail: "ava@example.com",
	}

	for _, override := range overrides {
		override(&request)
	}

	return request
}

// CreateTestInstance creates an instance at the given stage with one
// matching history entry.
func CreateTestInstance(stage models.Stage, overrides ...func(*models.Instance)) *models.Instance {
	now := time.Now().UTC()

	instance := &models.Instance{
		ID:      uuid.New().String(),
		Stage:   stage,
		Request: CreateTestRequest(),
		History: []models.HistoryEntry{
			{Stage: stage, EnteredAt: now, Reason: "test setup"},
		},
		RetryCounts: make(map[models.Role]int),
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	for _, override := range overrides {
		override(instance)
	}

	return instance
}

// RecordingBus is an event bus that records everything published. Handlers
// registered via Handle are kept but never invoked; tests drive consumers
// directly.
type RecordingBus struct {
	mu        sync.Mutex
	published []eventbus.Event
	handlers  map[events.EventType]eventbus.EventHandler
}

func NewRecordingBus() *RecordingBus {
	return &RecordingBus{
		handlers: make(map[events.EventType]eventbus.EventHandler),
	}
}

func (b *RecordingBus) Publish(_ context.Context, _ string, event eventbus.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.published = append(b.published, event)

	return nil
}

func (b *RecordingBus) Handle(eventType events.EventType, handler eventbus.EventHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[eventType] = handler

	return nil
}

func (b *RecordingBus) Subscribe(context.Context) error {
	return nil
}

func (b *RecordingBus) Close() error {
	return nil
}

func (b *RecordingBus) GenerateID() string {
	return uuid.New().String()
}

// Published returns a copy of everything published so far.
func (b *RecordingBus) Published() []eventbus.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]eventbus.Event(nil), b.published...)
}

// PublishedOfType filters the published events by type.
func (b *RecordingBus) PublishedOfType(eventType events.EventType) []eventbus.Event {
	var matched []eventbus.Event

	for _, event := range b.Published() {
		if event.GetType() == eventType {
			matched = append(matched, event)
		}
	}

	return matched
}
