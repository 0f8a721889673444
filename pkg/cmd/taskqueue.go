package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aerodesk/charterflow/pkg/taskqueue"
	"github.com/aerodesk/charterflow/pkg/taskqueue/memoryqueue"
	"github.com/aerodesk/charterflow/pkg/taskqueue/redisqueue"
)

// NewTaskQueue selects the task queue. An empty redis URL yields the
// in-process queue for development.
func NewTaskQueue(ctx context.Context, redisURL string, visibilityTimeout time.Duration) taskqueue.Queue {
	if redisURL == "" {
		return memoryqueue.New(visibilityTimeout)
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		panic(fmt.Errorf("failed to parse redis URL: %w", err))
	}

	queue, err := redisqueue.New(ctx, redis.NewClient(opts), visibilityTimeout)
	if err != nil {
		panic(fmt.Errorf("failed to create redis task queue: %w", err))
	}

	return queue
}
