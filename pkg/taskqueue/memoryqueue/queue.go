// Package memoryqueue implements the task queue in process memory with the
// same redelivery semantics as the Redis implementation. Used by unit tests
// and local development.
package memoryqueue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aerodesk/charterflow/pkg/models"
	"github.com/aerodesk/charterflow/pkg/taskqueue"
)

type inflight struct {
	delivery taskqueue.Delivery
	deadline time.Time
}

type roleQueue struct {
	pending  []taskqueue.Delivery
	inflight map[string]inflight
}

type Queue struct {
	mu                sync.Mutex
	roles             map[models.Role]*roleQueue
	visibilityTimeout time.Duration
	closed            bool
}

func New(visibilityTimeout time.Duration) *Queue {
	q := &Queue{
		roles:             make(map[models.Role]*roleQueue),
		visibilityTimeout: visibilityTimeout,
	}

	for _, role := range models.Roles {
		q.roles[role] = &roleQueue{inflight: make(map[string]inflight)}
	}

	return q
}

func (q *Queue) Enqueue(ctx context.Context, task models.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	rq := q.roles[task.Role]
	rq.pending = append(rq.pending, taskqueue.Delivery{ID: uuid.NewString(), Task: task})

	return nil
}

func (q *Queue) Dequeue(ctx context.Context, role models.Role, block time.Duration) (*taskqueue.Delivery, error) {
	deadline := time.Now().Add(block)

	for {
		if delivery := q.tryDequeue(role); delivery != nil {
			return delivery, nil
		}

		if time.Now().After(deadline) {
			return nil, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (q *Queue) tryDequeue(role models.Role) *taskqueue.Delivery {
	q.mu.Lock()
	defer q.mu.Unlock()

	rq := q.roles[role]
	now := time.Now()

	// Redeliver abandoned tasks before new ones, mirroring XAUTOCLAIM.
	for id, f := range rq.inflight {
		if now.After(f.deadline) {
			f.deadline = now.Add(q.visibilityTimeout)
			rq.inflight[id] = f

			d := f.delivery

			return &d
		}
	}

	if len(rq.pending) == 0 {
		return nil
	}

	delivery := rq.pending[0]
	rq.pending = rq.pending[1:]
	rq.inflight[delivery.ID] = inflight{delivery: delivery, deadline: now.Add(q.visibilityTimeout)}

	return &delivery
}

func (q *Queue) Ack(ctx context.Context, role models.Role, deliveryID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	rq := q.roles[role]
	if _, ok := rq.inflight[deliveryID]; !ok {
		return taskqueue.ErrUnknownDelivery
	}

	delete(rq.inflight, deliveryID)

	return nil
}

func (q *Queue) Nack(ctx context.Context, role models.Role, deliveryID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	rq := q.roles[role]

	f, ok := rq.inflight[deliveryID]
	if !ok {
		return taskqueue.ErrUnknownDelivery
	}

	delete(rq.inflight, deliveryID)
	rq.pending = append(rq.pending, f.delivery)

	return nil
}

// Depth reports pending plus in-flight tasks for a role. Test helper.
func (q *Queue) Depth(role models.Role) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	rq := q.roles[role]

	return len(rq.pending) + len(rq.inflight)
}

func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true

	return nil
}
