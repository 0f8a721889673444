package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aerodesk/charterflow/pkg/events"
	"github.com/aerodesk/charterflow/pkg/log"
	"github.com/aerodesk/charterflow/pkg/models"
	"github.com/aerodesk/charterflow/pkg/persistence/memory"
	"github.com/aerodesk/charterflow/pkg/testutil"
)

func newTestIntake(t *testing.T) (*Intake, *memory.Persistence, *testutil.RecordingBus) {
	t.Helper()

	store := memory.NewPersistence()
	bus := testutil.NewRecordingBus()

	return NewIntake(log.WithModule("test"), store, bus), store, bus
}

func TestSubmit_CreatesInstanceAndPublishes(t *testing.T) {
	intake, store, bus := newTestIntake(t)

	instance, err := intake.Submit(t.Context(), testutil.CreateTestRequest())
	require.NoError(t, err)
	require.NotNil(t, instance)

	assert.NotEmpty(t, instance.ID)
	assert.Equal(t, models.StageCreated, instance.Stage)
	assert.Equal(t, int64(1), instance.Version)
	require.Len(t, instance.History, 1)
	assert.Equal(t, models.StageCreated, instance.History[0].Stage)

	stored, err := store.InstanceByID(t.Context(), instance.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StageCreated, stored.Stage)

	published := bus.PublishedOfType(events.InstanceCreatedEvent)
	require.Len(t, published, 1)

	created, ok := published[0].(events.InstanceCreated)
	require.True(t, ok)
	assert.Equal(t, instance.ID, created.InstanceID)
}

func TestSubmit_RejectsInvalidRequests(t *testing.T) {
	intake, _, bus := newTestIntake(t)

	invalid := []struct {
		name   string
		mutate func(*models.RFPRequest)
	}{
		{"bad origin code", func(r *models.RFPRequest) { r.Origin = "TEB" }},
		{"missing destination", func(r *models.RFPRequest) { r.Destination = "" }},
		{"zero passengers", func(r *models.RFPRequest) { r.PassengerCount = 0 }},
		{"too many passengers", func(r *models.RFPRequest) { r.PassengerCount = 20 }},
		{"bad email", func(r *models.RFPRequest) { r.RequesterEmail = "not-an-email" }},
		{"missing name", func(r *models.RFPRequest) { r.RequesterName = "" }},
		{"return before departure", func(r *models.RFPRequest) {
			r.ReturnDate = r.DepartureDate.Add(-24 * time.Hour)
		}},
	}

	for _, tc := range invalid {
		t.Run(tc.name, func(t *testing.T) {
			_, err := intake.Submit(t.Context(), testutil.CreateTestRequest(tc.mutate))
			require.Error(t, err)
			assert.True(t, IsValidationError(err))
		})
	}

	// Nothing rejected ever hits the bus.
	assert.Empty(t, bus.Published())
}

func TestCancel_PublishesCancelRequested(t *testing.T) {
	intake, store, bus := newTestIntake(t)

	instance := testutil.CreateTestInstance(models.StageAnalyzing)
	require.NoError(t, store.CreateInstance(t.Context(), instance))

	require.NoError(t, intake.Cancel(t.Context(), instance.ID, "client withdrew"))

	published := bus.PublishedOfType(events.CancelRequestedEvent)
	require.Len(t, published, 1)

	cancel, ok := published[0].(events.CancelRequested)
	require.True(t, ok)
	assert.Equal(t, instance.ID, cancel.InstanceID)
	assert.Equal(t, "client withdrew", cancel.Reason)
}

func TestCancel_TerminalInstanceConflicts(t *testing.T) {
	intake, store, bus := newTestIntake(t)

	instance := testutil.CreateTestInstance(models.StageCompleted)
	require.NoError(t, store.CreateInstance(t.Context(), instance))

	err := intake.Cancel(t.Context(), instance.ID, "")
	require.Error(t, err)
	assert.True(t, IsConflictError(err))
	assert.Empty(t, bus.Published())
}

func TestCancel_UnknownInstance(t *testing.T) {
	intake, _, _ := newTestIntake(t)

	err := intake.Cancel(t.Context(), "no-such-instance", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInstanceNotFound)
}
