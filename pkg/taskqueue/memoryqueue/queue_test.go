package memoryqueue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aerodesk/charterflow/pkg/models"
	"github.com/aerodesk/charterflow/pkg/taskqueue"
)

func testTask(role models.Role) models.Task {
	return models.Task{
		ID:         "task-" + string(role),
		InstanceID: "instance-1",
		Role:       role,
		Attempt:    1,
		Status:     models.TaskStatusPending,
		EnqueuedAt: time.Now().UTC(),
	}
}

func TestEnqueueDequeueAck(t *testing.T) {
	queue := New(time.Minute)

	require.NoError(t, queue.Enqueue(t.Context(), testTask(models.RoleAnalyst)))

	delivery, err := queue.Dequeue(t.Context(), models.RoleAnalyst, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, delivery)
	assert.Equal(t, "task-analyst", delivery.Task.ID)

	require.NoError(t, queue.Ack(t.Context(), models.RoleAnalyst, delivery.ID))
	assert.Equal(t, 0, queue.Depth(models.RoleAnalyst))
}

func TestDequeue_EmptyReturnsNil(t *testing.T) {
	queue := New(time.Minute)

	delivery, err := queue.Dequeue(t.Context(), models.RoleSearch, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, delivery)
}

func TestDequeue_RolesAreIsolated(t *testing.T) {
	queue := New(time.Minute)

	require.NoError(t, queue.Enqueue(t.Context(), testTask(models.RoleRanker)))

	delivery, err := queue.Dequeue(t.Context(), models.RoleCourier, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, delivery)

	delivery, err = queue.Dequeue(t.Context(), models.RoleRanker, 10*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, delivery)
}

func TestRedelivery_AfterVisibilityTimeout(t *testing.T) {
	queue := New(20 * time.Millisecond)

	require.NoError(t, queue.Enqueue(t.Context(), testTask(models.RoleAnalyst)))

	first, err := queue.Dequeue(t.Context(), models.RoleAnalyst, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, first)

	// Not acked: after the visibility timeout the same delivery comes back.
	second, err := queue.Dequeue(t.Context(), models.RoleAnalyst, 200*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Task.ID, second.Task.ID)

	require.NoError(t, queue.Ack(t.Context(), models.RoleAnalyst, second.ID))
	assert.Equal(t, 0, queue.Depth(models.RoleAnalyst))
}

func TestNack_ImmediateRedelivery(t *testing.T) {
	queue := New(time.Minute)

	require.NoError(t, queue.Enqueue(t.Context(), testTask(models.RoleProposal)))

	delivery, err := queue.Dequeue(t.Context(), models.RoleProposal, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, delivery)

	require.NoError(t, queue.Nack(t.Context(), models.RoleProposal, delivery.ID))

	redelivered, err := queue.Dequeue(t.Context(), models.RoleProposal, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, redelivered)
	assert.Equal(t, delivery.Task.ID, redelivered.Task.ID)
}

func TestAck_UnknownDelivery(t *testing.T) {
	queue := New(time.Minute)

	err := queue.Ack(t.Context(), models.RoleAnalyst, "no-such-delivery")
	assert.ErrorIs(t, err, taskqueue.ErrUnknownDelivery)
}
