// Package taskqueue provides the durable per-role work queues the agent
// runners pull from. Delivery is at-least-once: a dequeued task whose worker
// dies becomes redeliverable after the visibility timeout, so execution must
// be idempotent.
package taskqueue

import (
	"context"
	"errors"
	"time"

	"github.com/aerodesk/charterflow/pkg/models"
)

// Delivery is one dequeued task together with the broker's delivery id,
// which must be passed back to Ack or Nack.
type Delivery struct {
	ID   string
	Task models.Task
}

var ErrUnknownDelivery = errors.New("unknown delivery id")

type Queue interface {
	// Enqueue appends the task to its role's queue.
	Enqueue(ctx context.Context, task models.Task) error

	// Dequeue pops the next task for the role, blocking up to block. It
	// returns nil when nothing arrived in time. Abandoned deliveries past
	// the visibility timeout are handed out before new ones.
	Dequeue(ctx context.Context, role models.Role, block time.Duration) (*Delivery, error)

	// Ack removes a delivered task from the queue for good.
	Ack(ctx context.Context, role models.Role, deliveryID string) error

	// Nack returns a delivered task to the queue for immediate redelivery.
	Nack(ctx context.Context, role models.Role, deliveryID string) error

	Close() error
}
