// Package redisqueue implements the task queue on Redis streams. One stream
// per agent role, one consumer group shared by all workers; XAUTOCLAIM
// recovers deliveries whose consumer went silent past the visibility
// timeout, which gives the at-least-once redelivery the runners rely on.
package redisqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/aerodesk/charterflow/pkg/models"
	"github.com/aerodesk/charterflow/pkg/taskqueue"
)

const (
	streamPrefix = "charterflow.tasks."
	groupName    = "agent-workers"
	taskField    = "task"
)

type Queue struct {
	rdb               redis.UniversalClient
	workerName        string
	visibilityTimeout time.Duration
}

// New connects the queue and creates the consumer group for every role
// stream up front, so the first Dequeue never races group creation.
func New(ctx context.Context, rdb redis.UniversalClient, visibilityTimeout time.Duration) (*Queue, error) {
	q := &Queue{
		rdb:               rdb,
		workerName:        uuid.NewString(),
		visibilityTimeout: visibilityTimeout,
	}

	for _, role := range models.Roles {
		err := rdb.XGroupCreateMkStream(ctx, q.streamName(role), groupName, "0").Err()
		if err != nil && !isBusyGroup(err) {
			return nil, fmt.Errorf("failed to create consumer group for role %s: %w", role, err)
		}
	}

	return q, nil
}

// There is no upsert for consumer groups; a second create answers BUSYGROUP.
func isBusyGroup(err error) bool {
	return err != nil && err.Error() == "BUSYGROUP Consumer Group name already exists"
}

func (q *Queue) streamName(role models.Role) string {
	return streamPrefix + string(role)
}

func (q *Queue) Enqueue(ctx context.Context, task models.Task) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task %s: %w", task.ID, err)
	}

	err = q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: q.streamName(task.Role),
		Values: map[string]any{taskField: string(payload)},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to enqueue task %s for role %s: %w", task.ID, task.Role, err)
	}

	return nil
}

func (q *Queue) Dequeue(ctx context.Context, role models.Role, block time.Duration) (*taskqueue.Delivery, error) {
	delivery, err := q.recover(ctx, role)
	if err != nil {
		return nil, err
	}

	if delivery != nil {
		return delivery, nil
	}

	streams, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Streams:  []string{q.streamName(role), ">"},
		Group:    groupName,
		Consumer: q.workerName,
		Count:    1,
		Block:    block,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to dequeue for role %s: %w", role, err)
	}

	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return nil, nil
	}

	return msgToDelivery(&streams[0].Messages[0])
}

// recover claims at most one delivery abandoned longer than the visibility
// timeout. Completed entries are deleted, so the scan always starts at 0.
func (q *Queue) recover(ctx context.Context, role models.Role) (*taskqueue.Delivery, error) {
	msgs, _, err := q.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.streamName(role),
		Group:    groupName,
		Consumer: q.workerName,
		MinIdle:  q.visibilityTimeout,
		Start:    "0",
		Count:    1,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to recover abandoned tasks for role %s: %w", role, err)
	}

	if len(msgs) == 0 {
		return nil, nil
	}

	return msgToDelivery(&msgs[0])
}

func (q *Queue) Ack(ctx context.Context, role models.Role, deliveryID string) error {
	err := q.rdb.XAck(ctx, q.streamName(role), groupName, deliveryID).Err()
	if err != nil {
		return fmt.Errorf("failed to ack delivery %s: %w", deliveryID, err)
	}

	// Delete acked entries outright; the streams stay small and nothing
	// rereads completed tasks (the store keeps the audit copy).
	deleted, err := q.rdb.XDel(ctx, q.streamName(role), deliveryID).Result()
	if err != nil {
		return fmt.Errorf("failed to delete delivery %s: %w", deliveryID, err)
	}

	if deleted != 1 {
		return taskqueue.ErrUnknownDelivery
	}

	return nil
}

func (q *Queue) Nack(ctx context.Context, role models.Role, deliveryID string) error {
	msgs, err := q.rdb.XRange(ctx, q.streamName(role), deliveryID, deliveryID).Result()
	if err != nil {
		return fmt.Errorf("failed to read delivery %s: %w", deliveryID, err)
	}

	if len(msgs) == 0 {
		return taskqueue.ErrUnknownDelivery
	}

	// Re-add under a fresh id, then drop the old entry. The new entry is
	// unclaimed, so any worker may pick it up immediately.
	err = q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: q.streamName(role),
		Values: msgs[0].Values,
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to requeue delivery %s: %w", deliveryID, err)
	}

	if err := q.rdb.XDel(ctx, q.streamName(role), deliveryID).Err(); err != nil {
		return fmt.Errorf("failed to delete delivery %s: %w", deliveryID, err)
	}

	return nil
}

func (q *Queue) Close() error {
	return q.rdb.Close()
}

func msgToDelivery(msg *redis.XMessage) (*taskqueue.Delivery, error) {
	raw, ok := msg.Values[taskField].(string)
	if !ok {
		return nil, fmt.Errorf("delivery %s carries no task payload", msg.ID)
	}

	var task models.Task
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task in delivery %s: %w", msg.ID, err)
	}

	return &taskqueue.Delivery{ID: msg.ID, Task: task}, nil
}
