package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/aerodesk/charterflow/pkg/config"
	"github.com/aerodesk/charterflow/pkg/events"
	"github.com/aerodesk/charterflow/pkg/log"
	"github.com/aerodesk/charterflow/pkg/mocks"
	"github.com/aerodesk/charterflow/pkg/models"
	"github.com/aerodesk/charterflow/pkg/persistence/memory"
	"github.com/aerodesk/charterflow/pkg/taskqueue/memoryqueue"
	"github.com/aerodesk/charterflow/pkg/testutil"
)

func testPolicy() config.Policy {
	policy := config.DefaultPolicy()
	policy.MaxRetries = 2
	policy.RetryBackoff = time.Millisecond
	policy.WaitDwell = time.Hour

	return policy
}

func newTestEngine(t *testing.T) (*Engine, *memory.Persistence, *memoryqueue.Queue, *testutil.RecordingBus) {
	t.Helper()

	store := memory.NewPersistence()
	queue := memoryqueue.New(time.Minute)
	bus := testutil.NewRecordingBus()
	engine := NewEngine(log.WithModule("test"), store, queue, bus, testPolicy())

	return engine, store, queue, bus
}

func seedInstance(t *testing.T, store *memory.Persistence, stage models.Stage, overrides ...func(*models.Instance)) *models.Instance {
	t.Helper()

	instance := testutil.CreateTestInstance(stage, overrides...)
	require.NoError(t, store.CreateInstance(t.Context(), instance))

	return instance
}

func TestTransition_FullPipeline(t *testing.T) {
	engine, store, queue, bus := newTestEngine(t)
	instance := seedInstance(t, store, models.StageCreated)

	// Start dispatches the analyst.
	result, err := engine.Transition(t.Context(), instance.ID, Signal{Kind: SignalStart})
	require.NoError(t, err)
	assert.Equal(t, models.StageAnalyzing, result.Stage)
	require.Len(t, result.EmittedTasks, 1)
	assert.Equal(t, models.RoleAnalyst, result.EmittedTasks[0].Role)
	assert.Equal(t, 1, queue.Depth(models.RoleAnalyst))

	// Analyst completion dispatches the search.
	result, err = engine.Transition(t.Context(), instance.ID, Signal{
		Kind:   SignalTaskSucceeded,
		Role:   models.RoleAnalyst,
		TaskID: result.EmittedTasks[0].ID,
		Result: models.TaskResult{Output: map[string]any{"analysis": "light jet"}},
	})
	require.NoError(t, err)
	assert.Equal(t, models.StageDispatchingSearch, result.Stage)
	require.Len(t, result.EmittedTasks, 1)
	assert.Equal(t, models.RoleSearch, result.EmittedTasks[0].Role)
	assert.Equal(t, map[string]any{"analysis": "light jet"}, result.EmittedTasks[0].Payload)

	// Search completion parks the instance on the marketplace trip id.
	result, err = engine.Transition(t.Context(), instance.ID, Signal{
		Kind:   SignalTaskSucceeded,
		Role:   models.RoleSearch,
		TaskID: result.EmittedTasks[0].ID,
		Result: models.TaskResult{
			Output:          map[string]any{"trip_id": "atrip-100"},
			CorrelationKeys: []string{"atrip-100"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, models.StageAwaitingExternalOffers, result.Stage)
	assert.Empty(t, result.EmittedTasks)

	parked, err := store.InstanceByID(t.Context(), instance.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"atrip-100"}, parked.CorrelationKeys)
	require.NotNil(t, parked.WaitDeadline)
	assert.True(t, parked.WaitDeadline.After(time.Now()))

	// A matched webhook event wakes the instance and dispatches the ranker
	// with the event payload.
	event := &models.ExternalEvent{
		ID:             "evt-1",
		CorrelationKey: "atrip-100",
		Type:           "trip.quoted",
		Payload:        map[string]any{"quotes": []any{map[string]any{"quote_id": "q1"}}},
		ReceivedAt:     time.Now().UTC(),
	}
	require.NoError(t, store.InsertExternalEvent(t.Context(), event))

	result, err = engine.Transition(t.Context(), instance.ID, Signal{
		Kind:           SignalExternalEvent,
		CorrelationKey: "atrip-100",
		EventID:        "evt-1",
	})
	require.NoError(t, err)
	assert.Equal(t, models.StageOffersRanked, result.Stage)
	require.Len(t, result.EmittedTasks, 1)
	assert.Equal(t, models.RoleRanker, result.EmittedTasks[0].Role)
	assert.Equal(t, event.Payload, result.EmittedTasks[0].Payload)

	// Correlation keys are cleared once the instance leaves the waiting
	// stage.
	woken, err := store.InstanceByID(t.Context(), instance.ID)
	require.NoError(t, err)
	assert.Empty(t, woken.CorrelationKeys)
	assert.Nil(t, woken.WaitDeadline)

	// Ranker, proposal and courier complete in order.
	for _, step := range []struct {
		role models.Role
		next models.Stage
	}{
		{models.RoleRanker, models.StageProposalGenerated},
		{models.RoleProposal, models.StageProposalSent},
		{models.RoleCourier, models.StageCompleted},
	} {
		result, err = engine.Transition(t.Context(), instance.ID, Signal{
			Kind:   SignalTaskSucceeded,
			Role:   step.role,
			Result: models.TaskResult{Output: map[string]any{"from": string(step.role)}},
		})
		require.NoError(t, err)
		assert.Equal(t, step.next, result.Stage)
	}

	// History is append-only and monotonic along the pipeline.
	final, err := store.InstanceByID(t.Context(), instance.ID)
	require.NoError(t, err)
	require.Len(t, final.History, 8)

	for i := 1; i < len(final.History); i++ {
		assert.False(t, final.History[i].EnteredAt.Before(final.History[i-1].EnteredAt))
	}

	completed := bus.PublishedOfType(events.InstanceCompletedEvent)
	require.Len(t, completed, 1)
}

func TestTransition_DuplicateStartDropped(t *testing.T) {
	engine, store, _, _ := newTestEngine(t)
	instance := seedInstance(t, store, models.StageCreated)

	_, err := engine.Transition(t.Context(), instance.ID, Signal{Kind: SignalStart})
	require.NoError(t, err)

	result, err := engine.Transition(t.Context(), instance.ID, Signal{Kind: SignalStart})
	require.NoError(t, err)
	assert.True(t, result.Dropped)
	assert.Equal(t, models.StageAnalyzing, result.Stage)
}

func TestTransition_WrongRoleCompletionDropped(t *testing.T) {
	engine, store, _, _ := newTestEngine(t)
	instance := seedInstance(t, store, models.StageAnalyzing)

	result, err := engine.Transition(t.Context(), instance.ID, Signal{
		Kind: SignalTaskSucceeded,
		Role: models.RoleCourier,
	})
	require.NoError(t, err)
	assert.True(t, result.Dropped)
	assert.Equal(t, models.StageAnalyzing, result.Stage)
}

func TestTransition_UnknownCorrelationKeyDropped(t *testing.T) {
	engine, store, _, _ := newTestEngine(t)
	instance := seedInstance(t, store, models.StageAwaitingExternalOffers, func(i *models.Instance) {
		i.CorrelationKeys = []string{"atrip-1"}
	})

	result, err := engine.Transition(t.Context(), instance.ID, Signal{
		Kind:           SignalExternalEvent,
		CorrelationKey: "atrip-other",
		EventID:        "evt-x",
	})
	require.NoError(t, err)
	assert.True(t, result.Dropped)
}

func TestTransition_TransientFailureRetries(t *testing.T) {
	engine, store, queue, _ := newTestEngine(t)
	instance := seedInstance(t, store, models.StageAnalyzing)

	payload := map[string]any{"request": map[string]any{"origin": "KTEB"}}
	failed := &models.Task{
		ID:         "task-1",
		InstanceID: instance.ID,
		Role:       models.RoleAnalyst,
		Payload:    payload,
		Attempt:    1,
		Status:     models.TaskStatusFailed,
		EnqueuedAt: time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	}
	require.NoError(t, store.UpdateInstance(t.Context(), instance, instance.Version, []*models.Task{failed}))

	result, err := engine.Transition(t.Context(), instance.ID, Signal{
		Kind:    SignalTaskFailed,
		Role:    models.RoleAnalyst,
		TaskID:  "task-1",
		Attempt: 1,
		Failure: models.Failure{Kind: models.FailureTransient, Message: "upstream 503"},
	})
	require.NoError(t, err)
	assert.False(t, result.Dropped)
	assert.Equal(t, models.StageAnalyzing, result.Stage)
	require.Len(t, result.EmittedTasks, 1)
	assert.Equal(t, 2, result.EmittedTasks[0].Attempt)

	// The retry re-runs the same logical work, so it carries the failed
	// task's payload.
	assert.Equal(t, payload, result.EmittedTasks[0].Payload)

	updated, err := store.InstanceByID(t.Context(), instance.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, updated.RetryCounts[models.RoleAnalyst])

	// The retry lands on the queue after its backoff.
	require.Eventually(t, func() bool {
		return queue.Depth(models.RoleAnalyst) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestTransition_RetryRequiresPriorTask(t *testing.T) {
	engine, store, queue, _ := newTestEngine(t)
	instance := seedInstance(t, store, models.StageAnalyzing)

	// A retry without its prior task row would re-run the role with no
	// payload; surface the storage error and let the bus redeliver instead.
	_, err := engine.Transition(t.Context(), instance.ID, Signal{
		Kind:    SignalTaskFailed,
		Role:    models.RoleAnalyst,
		TaskID:  "no-such-task",
		Attempt: 1,
		Failure: models.Failure{Kind: models.FailureTransient, Message: "upstream 503"},
	})
	require.Error(t, err)
	assert.Equal(t, 0, queue.Depth(models.RoleAnalyst))

	unchanged, err := store.InstanceByID(t.Context(), instance.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, unchanged.RetryCounts[models.RoleAnalyst])
}

func TestTransition_RetryBudgetExhausted(t *testing.T) {
	engine, store, _, bus := newTestEngine(t)
	instance := seedInstance(t, store, models.StageAnalyzing, func(i *models.Instance) {
		i.RetryCounts[models.RoleAnalyst] = 2
	})

	result, err := engine.Transition(t.Context(), instance.ID, Signal{
		Kind:    SignalTaskFailed,
		Role:    models.RoleAnalyst,
		Attempt: 3,
		Failure: models.Failure{Kind: models.FailureTransient, Message: "upstream 503"},
	})
	require.NoError(t, err)
	assert.Equal(t, models.StageFailed, result.Stage)

	failed, err := store.InstanceByID(t.Context(), instance.ID)
	require.NoError(t, err)
	require.NotNil(t, failed.LastError)
	assert.Equal(t, models.FailureTransientExhausted, failed.LastError.Kind)
	assert.Equal(t, models.RoleAnalyst, failed.LastError.Role)

	require.Len(t, bus.PublishedOfType(events.InstanceFailedEvent), 1)
}

func TestTransition_TerminalFailureFailsImmediately(t *testing.T) {
	engine, store, _, bus := newTestEngine(t)
	instance := seedInstance(t, store, models.StageDispatchingSearch)

	result, err := engine.Transition(t.Context(), instance.ID, Signal{
		Kind:    SignalTaskFailed,
		Role:    models.RoleSearch,
		Attempt: 1,
		Failure: models.Failure{Kind: models.FailureTerminal, Message: "marketplace rejected the trip"},
	})
	require.NoError(t, err)
	assert.Equal(t, models.StageFailed, result.Stage)

	failed, err := store.InstanceByID(t.Context(), instance.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, failed.RetryCounts[models.RoleSearch])
	require.NotNil(t, failed.LastError)
	assert.Equal(t, models.FailureTerminal, failed.LastError.Kind)

	require.Len(t, bus.PublishedOfType(events.InstanceFailedEvent), 1)
}

func TestTransition_CancelDiscardsLateCompletions(t *testing.T) {
	engine, store, _, bus := newTestEngine(t)
	instance := seedInstance(t, store, models.StageAnalyzing)

	result, err := engine.Transition(t.Context(), instance.ID, Signal{Kind: SignalCancel, Reason: "client withdrew"})
	require.NoError(t, err)
	assert.Equal(t, models.StageCancelled, result.Stage)

	cancelled, err := store.InstanceByID(t.Context(), instance.ID)
	require.NoError(t, err)
	assert.Nil(t, cancelled.LastError)
	require.Len(t, bus.PublishedOfType(events.InstanceCancelledEvent), 1)

	// The in-flight analyst completion arrives after cancellation and is
	// discarded without effect.
	late, err := engine.Transition(t.Context(), instance.ID, Signal{
		Kind:   SignalTaskSucceeded,
		Role:   models.RoleAnalyst,
		Result: models.TaskResult{Output: map[string]any{"analysis": "late"}},
	})
	require.NoError(t, err)
	assert.True(t, late.Dropped)
	assert.Equal(t, models.StageCancelled, late.Stage)
}

func TestTransition_CancelTerminalDropped(t *testing.T) {
	engine, store, _, _ := newTestEngine(t)
	instance := seedInstance(t, store, models.StageCompleted)

	result, err := engine.Transition(t.Context(), instance.ID, Signal{Kind: SignalCancel})
	require.NoError(t, err)
	assert.True(t, result.Dropped)
	assert.Equal(t, models.StageCompleted, result.Stage)
}

func TestTransition_WaitTimeoutFails(t *testing.T) {
	engine, store, _, bus := newTestEngine(t)

	deadline := time.Now().UTC().Add(-time.Minute)
	instance := seedInstance(t, store, models.StageAwaitingExternalOffers, func(i *models.Instance) {
		i.CorrelationKeys = []string{"atrip-1"}
		i.WaitDeadline = &deadline
	})

	result, err := engine.Transition(t.Context(), instance.ID, Signal{Kind: SignalWaitTimeout})
	require.NoError(t, err)
	assert.Equal(t, models.StageFailed, result.Stage)

	failed, err := store.InstanceByID(t.Context(), instance.ID)
	require.NoError(t, err)
	require.NotNil(t, failed.LastError)
	assert.Equal(t, models.FailureWaitTimeout, failed.LastError.Kind)
	assert.Empty(t, failed.CorrelationKeys)

	require.Len(t, bus.PublishedOfType(events.InstanceFailedEvent), 1)
}

func TestSweeper_ExpiresWaitingInstances(t *testing.T) {
	engine, store, queue, _ := newTestEngine(t)

	deadline := time.Now().UTC().Add(-time.Minute)
	expired := seedInstance(t, store, models.StageAwaitingExternalOffers, func(i *models.Instance) {
		i.CorrelationKeys = []string{"atrip-1"}
		i.WaitDeadline = &deadline
	})

	fresh := time.Now().UTC().Add(time.Hour)
	waiting := seedInstance(t, store, models.StageAwaitingExternalOffers, func(i *models.Instance) {
		i.CorrelationKeys = []string{"atrip-2"}
		i.WaitDeadline = &fresh
	})

	sweeper := NewSweeper(log.WithModule("test"), store, queue, engine)
	sweeper.Sweep(t.Context())

	timedOut, err := store.InstanceByID(t.Context(), expired.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StageFailed, timedOut.Stage)

	untouched, err := store.InstanceByID(t.Context(), waiting.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StageAwaitingExternalOffers, untouched.Stage)
}

func TestSweeper_RebuildsLostTasks(t *testing.T) {
	engine, store, queue, _ := newTestEngine(t)
	instance := seedInstance(t, store, models.StageAnalyzing)

	// A pending row old enough to have missed the broker.
	stale := &models.Task{
		ID:         "task-lost",
		InstanceID: instance.ID,
		Role:       models.RoleAnalyst,
		Attempt:    1,
		Status:     models.TaskStatusPending,
		EnqueuedAt: time.Now().UTC().Add(-5 * time.Minute),
		UpdatedAt:  time.Now().UTC().Add(-5 * time.Minute),
	}
	require.NoError(t, store.UpdateInstance(t.Context(), instance, instance.Version, []*models.Task{stale}))

	sweeper := NewSweeper(log.WithModule("test"), store, queue, engine)
	sweeper.Sweep(t.Context())

	assert.Equal(t, 1, queue.Depth(models.RoleAnalyst))
}

func TestSweeper_AbandonsTasksOfTerminalInstances(t *testing.T) {
	engine, store, queue, _ := newTestEngine(t)
	instance := seedInstance(t, store, models.StageAnalyzing)

	stale := &models.Task{
		ID:         "task-orphan",
		InstanceID: instance.ID,
		Role:       models.RoleAnalyst,
		Attempt:    1,
		Status:     models.TaskStatusPending,
		EnqueuedAt: time.Now().UTC().Add(-5 * time.Minute),
		UpdatedAt:  time.Now().UTC().Add(-5 * time.Minute),
	}
	require.NoError(t, store.UpdateInstance(t.Context(), instance, instance.Version, []*models.Task{stale}))

	_, err := engine.Transition(t.Context(), instance.ID, Signal{Kind: SignalCancel})
	require.NoError(t, err)

	sweeper := NewSweeper(log.WithModule("test"), store, queue, engine)
	sweeper.Sweep(t.Context())

	assert.Equal(t, 0, queue.Depth(models.RoleAnalyst))

	task, err := store.TaskByID(t.Context(), "task-orphan")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusAbandoned, task.Status)
}

// racingStore lets a rival transition commit between a caller's load and
// its version-guarded write.
type racingStore struct {
	*memory.Persistence

	rival func()
	raced bool
}

func (s *racingStore) UpdateInstance(ctx context.Context, instance *models.Instance, expectedVersion int64, newTasks []*models.Task) error {
	if !s.raced {
		s.raced = true
		s.rival()
	}

	return s.Persistence.UpdateInstance(ctx, instance, expectedVersion, newTasks)
}

func TestTransition_ConcurrentDuplicateCompletionCommitsOnce(t *testing.T) {
	base := memory.NewPersistence()
	queue := memoryqueue.New(time.Minute)
	bus := testutil.NewRecordingBus()

	instance := testutil.CreateTestInstance(models.StageAnalyzing)
	require.NoError(t, base.CreateInstance(t.Context(), instance))

	signal := Signal{
		Kind:   SignalTaskSucceeded,
		Role:   models.RoleAnalyst,
		TaskID: "task-1",
		Result: models.TaskResult{Output: map[string]any{"analysis": "light jet"}},
	}

	// The rival applies the same completion against the shared store while
	// the loser sits between its load and its write.
	store := &racingStore{Persistence: base}
	store.rival = func() {
		rival := NewEngine(log.WithModule("test"), base, queue, bus, testPolicy())

		result, err := rival.Transition(t.Context(), instance.ID, signal)
		require.NoError(t, err)
		assert.False(t, result.Dropped)
	}

	engine := NewEngine(log.WithModule("test"), store, queue, bus, testPolicy())
	result, err := engine.Transition(t.Context(), instance.ID, signal)
	require.NoError(t, err)
	assert.True(t, result.Dropped)

	// Exactly one transition landed: one new history entry, one version
	// bump, one dispatched search task.
	stored, err := base.InstanceByID(t.Context(), instance.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StageDispatchingSearch, stored.Stage)
	require.Len(t, stored.History, 2)
	assert.Equal(t, int64(2), stored.Version)
	assert.Equal(t, 1, queue.Depth(models.RoleSearch))
}

func TestRegisterHandlers_SubscribesEveryConsumedEvent(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)

	bus := &mocks.MockEventBus{}
	for _, eventType := range []events.EventType{
		events.InstanceCreatedEvent,
		events.TaskSucceededEvent,
		events.TaskFailedEvent,
		events.OfferReceivedEvent,
		events.CancelRequestedEvent,
	} {
		bus.On("Handle", eventType, mock.AnythingOfType("eventbus.EventHandler")).Return(nil)
	}

	require.NoError(t, engine.RegisterHandlers(bus))
	bus.AssertExpectations(t)
}

func TestRegisterHandlers_PropagatesSubscriptionError(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)

	bus := &mocks.MockEventBus{}
	bus.On("Handle", events.InstanceCreatedEvent, mock.Anything).Return(nil)
	bus.On("Handle", events.TaskSucceededEvent, mock.Anything).Return(errors.New("broker unavailable"))

	err := engine.RegisterHandlers(bus)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker unavailable")
}
