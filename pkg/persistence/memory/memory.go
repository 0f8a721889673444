// Package memory provides an in-process persistence implementation with the
// same semantics as the PostgreSQL store, including the optimistic version
// check. Used by unit tests and local development.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/aerodesk/charterflow/pkg/models"
	"github.com/aerodesk/charterflow/pkg/persistence"
)

type Persistence struct {
	mu        sync.Mutex
	instances map[string]*models.Instance
	tasks     map[string]*models.Task
	events    map[string]*models.ExternalEvent
}

func NewPersistence() *Persistence {
	return &Persistence{
		instances: make(map[string]*models.Instance),
		tasks:     make(map[string]*models.Task),
		events:    make(map[string]*models.ExternalEvent),
	}
}

func (p *Persistence) CreateInstance(ctx context.Context, instance *models.Instance) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.instances[instance.ID] = copyInstance(instance)

	return nil
}

func (p *Persistence) InstanceByID(ctx context.Context, id string) (*models.Instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	instance, ok := p.instances[id]
	if !ok {
		return nil, persistence.NewInstanceError("InstanceByID", id, persistence.ErrInstanceNotFound)
	}

	return copyInstance(instance), nil
}

func (p *Persistence) UpdateInstance(ctx context.Context, instance *models.Instance, expectedVersion int64, newTasks []*models.Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	stored, ok := p.instances[instance.ID]
	if !ok {
		return persistence.NewInstanceError("UpdateInstance", instance.ID, persistence.ErrInstanceNotFound)
	}

	if stored.Version != expectedVersion {
		return persistence.NewInstanceError("UpdateInstance", instance.ID, persistence.ErrVersionConflict)
	}

	updated := copyInstance(instance)
	updated.Version = expectedVersion + 1
	updated.UpdatedAt = time.Now().UTC()
	p.instances[instance.ID] = updated

	for _, task := range newTasks {
		p.tasks[task.ID] = copyTask(task)
	}

	instance.Version = updated.Version

	return nil
}

func (p *Persistence) InstanceByCorrelationKey(ctx context.Context, key string) (*models.Instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, instance := range p.instances {
		if instance.WaitingOn(key) {
			return copyInstance(instance), nil
		}
	}

	return nil, persistence.NewInstanceError("InstanceByCorrelationKey", key, persistence.ErrInstanceNotFound)
}

func (p *Persistence) ExpiredWaitingInstances(ctx context.Context, now time.Time) ([]*models.Instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var expired []*models.Instance

	for _, instance := range p.instances {
		if instance.Stage.IsWaiting() && instance.WaitDeadline != nil && instance.WaitDeadline.Before(now) {
			expired = append(expired, copyInstance(instance))
		}
	}

	return expired, nil
}

func (p *Persistence) TaskByID(ctx context.Context, id string) (*models.Task, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	task, ok := p.tasks[id]
	if !ok {
		return nil, &persistence.TaskError{Op: "TaskByID", TaskID: id, Err: persistence.ErrTaskNotFound}
	}

	return copyTask(task), nil
}

func (p *Persistence) TasksByInstance(ctx context.Context, instanceID string) ([]*models.Task, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var tasks []*models.Task

	for _, task := range p.tasks {
		if task.InstanceID == instanceID {
			tasks = append(tasks, copyTask(task))
		}
	}

	return tasks, nil
}

func (p *Persistence) UpdateTaskStatus(ctx context.Context, id string, status models.TaskStatus) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	task, ok := p.tasks[id]
	if !ok {
		return &persistence.TaskError{Op: "UpdateTaskStatus", TaskID: id, Err: persistence.ErrTaskNotFound}
	}

	task.Status = status
	task.UpdatedAt = time.Now().UTC()

	return nil
}

func (p *Persistence) PendingTasks(ctx context.Context) ([]*models.Task, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var tasks []*models.Task

	for _, task := range p.tasks {
		if task.Status == models.TaskStatusPending {
			tasks = append(tasks, copyTask(task))
		}
	}

	return tasks, nil
}

func (p *Persistence) InsertExternalEvent(ctx context.Context, event *models.ExternalEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.events[event.ID]; ok {
		return persistence.ErrEventAlreadyExists
	}

	p.events[event.ID] = copyEvent(event)

	return nil
}

func (p *Persistence) ExternalEventByID(ctx context.Context, id string) (*models.ExternalEvent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	event, ok := p.events[id]
	if !ok {
		return nil, persistence.ErrEventNotFound
	}

	return copyEvent(event), nil
}

func (p *Persistence) MarkEventProcessed(ctx context.Context, id, instanceID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	event, ok := p.events[id]
	if !ok || event.Processed {
		return persistence.ErrEventNotFound
	}

	event.Processed = true
	event.InstanceID = instanceID

	return nil
}

func (p *Persistence) UnmatchedEvents(ctx context.Context) ([]*models.ExternalEvent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var events []*models.ExternalEvent

	for _, event := range p.events {
		if !event.Processed {
			events = append(events, copyEvent(event))
		}
	}

	return events, nil
}

func (p *Persistence) HealthCheck(ctx context.Context) error {
	return nil
}

func (p *Persistence) Close(ctx context.Context) error {
	return nil
}

func copyInstance(in *models.Instance) *models.Instance {
	out := *in
	out.CorrelationKeys = append([]string(nil), in.CorrelationKeys...)
	out.History = append([]models.HistoryEntry(nil), in.History...)

	if in.RetryCounts != nil {
		out.RetryCounts = make(map[models.Role]int, len(in.RetryCounts))
		for role, count := range in.RetryCounts {
			out.RetryCounts[role] = count
		}
	}

	if in.LastError != nil {
		failure := *in.LastError
		out.LastError = &failure
	}

	if in.WaitDeadline != nil {
		deadline := *in.WaitDeadline
		out.WaitDeadline = &deadline
	}

	return &out
}

func copyTask(in *models.Task) *models.Task {
	out := *in

	if in.Payload != nil {
		out.Payload = make(map[string]any, len(in.Payload))
		for k, v := range in.Payload {
			out.Payload[k] = v
		}
	}

	return &out
}

func copyEvent(in *models.ExternalEvent) *models.ExternalEvent {
	out := *in

	if in.Payload != nil {
		out.Payload = make(map[string]any, len(in.Payload))
		for k, v := range in.Payload {
			out.Payload[k] = v
		}
	}

	return &out
}
