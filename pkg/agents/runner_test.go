package agents

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aerodesk/charterflow/pkg/clients"
	"github.com/aerodesk/charterflow/pkg/config"
	"github.com/aerodesk/charterflow/pkg/events"
	"github.com/aerodesk/charterflow/pkg/log"
	"github.com/aerodesk/charterflow/pkg/models"
	"github.com/aerodesk/charterflow/pkg/persistence/memory"
	"github.com/aerodesk/charterflow/pkg/taskqueue/memoryqueue"
	"github.com/aerodesk/charterflow/pkg/testutil"
)

type stubExecutor struct {
	role   models.Role
	result *models.TaskResult
	err    error
}

func (s *stubExecutor) Role() models.Role {
	return s.role
}

func (s *stubExecutor) Execute(context.Context, *slog.Logger, models.Task, models.RFPRequest) (*models.TaskResult, error) {
	if s.err != nil {
		return nil, s.err
	}

	return s.result, nil
}

func runRunner(t *testing.T, store *memory.Persistence, queue *memoryqueue.Queue, bus *testutil.RecordingBus, executor Executor) {
	t.Helper()

	ctx, cancel := context.WithCancel(t.Context())

	runner := NewRunner(log.WithModule("test"), store, queue, bus, config.DefaultPolicy(), 1, executor)
	runner.Start(ctx)

	t.Cleanup(func() {
		cancel()
		runner.Wait()
	})
}

func enqueueTask(t *testing.T, store *memory.Persistence, queue *memoryqueue.Queue, instance *models.Instance, role models.Role) models.Task {
	t.Helper()

	task := models.Task{
		ID:         "task-1",
		InstanceID: instance.ID,
		Role:       role,
		Payload:    map[string]any{"analysis": "light jet"},
		Attempt:    1,
		Status:     models.TaskStatusPending,
		EnqueuedAt: time.Now().UTC(),
	}
	require.NoError(t, store.UpdateInstance(t.Context(), instance, instance.Version, []*models.Task{&task}))
	require.NoError(t, queue.Enqueue(t.Context(), task))

	return task
}

func TestRunner_PublishesSuccess(t *testing.T) {
	store := memory.NewPersistence()
	queue := memoryqueue.New(time.Minute)
	bus := testutil.NewRecordingBus()

	instance := testutil.CreateTestInstance(models.StageAnalyzing)
	require.NoError(t, store.CreateInstance(t.Context(), instance))

	task := enqueueTask(t, store, queue, instance, models.RoleAnalyst)

	runRunner(t, store, queue, bus, &stubExecutor{
		role:   models.RoleAnalyst,
		result: &models.TaskResult{Output: map[string]any{"analysis": "done"}},
	})

	require.Eventually(t, func() bool {
		return len(bus.PublishedOfType(events.TaskSucceededEvent)) == 1
	}, 5*time.Second, 10*time.Millisecond)

	published := bus.PublishedOfType(events.TaskSucceededEvent)[0]

	succeeded, ok := published.(events.TaskSucceeded)
	require.True(t, ok)
	assert.Equal(t, task.ID, succeeded.TaskID)
	assert.Equal(t, models.RoleAnalyst, succeeded.Role)
	assert.Equal(t, 1, succeeded.Attempt)
	assert.Equal(t, map[string]any{"analysis": "done"}, succeeded.Result.Output)

	// Status committed and the delivery acked.
	require.Eventually(t, func() bool {
		stored, err := store.TaskByID(t.Context(), task.ID)

		return err == nil && stored.Status == models.TaskStatusSucceeded
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, 0, queue.Depth(models.RoleAnalyst))
}

func TestRunner_ClassifiesTransientFailure(t *testing.T) {
	store := memory.NewPersistence()
	queue := memoryqueue.New(time.Minute)
	bus := testutil.NewRecordingBus()

	instance := testutil.CreateTestInstance(models.StageAnalyzing)
	require.NoError(t, store.CreateInstance(t.Context(), instance))

	enqueueTask(t, store, queue, instance, models.RoleAnalyst)

	runRunner(t, store, queue, bus, &stubExecutor{
		role: models.RoleAnalyst,
		err:  fmt.Errorf("lookup failed: %w", &clients.StatusError{Service: "llm", Status: 503, Body: "overloaded"}),
	})

	require.Eventually(t, func() bool {
		return len(bus.PublishedOfType(events.TaskFailedEvent)) == 1
	}, 5*time.Second, 10*time.Millisecond)

	failed, ok := bus.PublishedOfType(events.TaskFailedEvent)[0].(events.TaskFailed)
	require.True(t, ok)
	assert.Equal(t, models.FailureTransient, failed.Failure.Kind)
	assert.Equal(t, models.RoleAnalyst, failed.Failure.Role)
}

func TestRunner_ClassifiesTerminalFailure(t *testing.T) {
	store := memory.NewPersistence()
	queue := memoryqueue.New(time.Minute)
	bus := testutil.NewRecordingBus()

	instance := testutil.CreateTestInstance(models.StageAnalyzing)
	require.NoError(t, store.CreateInstance(t.Context(), instance))

	enqueueTask(t, store, queue, instance, models.RoleAnalyst)

	runRunner(t, store, queue, bus, &stubExecutor{
		role: models.RoleAnalyst,
		err:  fmt.Errorf("rejected: %w", &clients.StatusError{Service: "marketplace", Status: 422, Body: "invalid airport"}),
	})

	require.Eventually(t, func() bool {
		return len(bus.PublishedOfType(events.TaskFailedEvent)) == 1
	}, 5*time.Second, 10*time.Millisecond)

	failed, ok := bus.PublishedOfType(events.TaskFailedEvent)[0].(events.TaskFailed)
	require.True(t, ok)
	assert.Equal(t, models.FailureTerminal, failed.Failure.Kind)
}

func TestRunner_AbandonsTaskOfTerminalInstance(t *testing.T) {
	store := memory.NewPersistence()
	queue := memoryqueue.New(time.Minute)
	bus := testutil.NewRecordingBus()

	instance := testutil.CreateTestInstance(models.StageCancelled)
	require.NoError(t, store.CreateInstance(t.Context(), instance))

	task := enqueueTask(t, store, queue, instance, models.RoleAnalyst)

	runRunner(t, store, queue, bus, &stubExecutor{
		role:   models.RoleAnalyst,
		result: &models.TaskResult{Output: map[string]any{}},
	})

	require.Eventually(t, func() bool {
		stored, err := store.TaskByID(t.Context(), task.ID)

		return err == nil && stored.Status == models.TaskStatusAbandoned
	}, 5*time.Second, 10*time.Millisecond)

	// No outcome is reported for a discarded task.
	assert.Empty(t, bus.Published())
	assert.Equal(t, 0, queue.Depth(models.RoleAnalyst))
}
