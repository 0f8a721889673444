// Package agents runs the per-role workers that execute queued tasks against
// external systems and report outcomes back over the event bus.
package agents

import (
	"context"
	"log/slog"

	"github.com/aerodesk/charterflow/pkg/models"
)

// Executor performs the work of one agent role. Executors are stateless with
// respect to the pipeline: they receive the task payload and the originating
// request, return a result, and never touch the instance row.
type Executor interface {
	Role() models.Role
	Execute(ctx context.Context, logger *slog.Logger, task models.Task, request models.RFPRequest) (*models.TaskResult, error)
}
