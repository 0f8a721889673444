package services

import (
	"context"

	"github.com/aerodesk/charterflow/pkg/models"
	"github.com/aerodesk/charterflow/pkg/persistence"
)

// Status exposes read-only progress for an instance. Reads never mutate
// instance state.
type Status struct {
	store persistence.Persistence
}

func NewStatus(store persistence.Persistence) *Status {
	return &Status{store: store}
}

// InstanceStatus is the API view of one instance: the row itself plus its
// task rows, newest attempt last.
type InstanceStatus struct {
	Instance *models.Instance `json:"instance"`
	Tasks    []*models.Task   `json:"tasks"`
}

func (s *Status) Get(ctx context.Context, instanceID string) (*InstanceStatus, error) {
	instance, err := s.store.InstanceByID(ctx, instanceID)
	if err != nil {
		return nil, &ServiceError{Op: "Get", Err: err}
	}

	tasks, err := s.store.TasksByInstance(ctx, instanceID)
	if err != nil {
		return nil, &ServiceError{Op: "Get", Err: err}
	}

	return &InstanceStatus{Instance: instance, Tasks: tasks}, nil
}

// HealthCheck checks the health of the persistence layer.
func (s *Status) HealthCheck(ctx context.Context) (string, bool) {
	if s.store == nil {
		return "Persistence layer not initialized", false
	}

	if err := s.store.HealthCheck(ctx); err != nil {
		return "Persistence layer is unhealthy: " + err.Error(), false
	}

	return "Persistence layer is healthy", true
}
