package octoflow

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-memory Store used in tests and embedded setups. It
// pairs with MemoryTxManager; there is no real transaction, writes apply
// immediately.
type MemoryStore struct {
	mu               sync.RWMutex
	definitions      map[string]*WorkflowDefinition
	instances        map[int64]*WorkflowInstance
	tasks            map[int64]*WorkflowTask
	tasksByInstance  map[int64][]int64
	events           []*WorkflowEvent
	eventsByInstance map[int64][]int64
	outbox           map[int64]*OutboxMessage
	nextInstanceID   int64
	nextTaskID       int64
	nextEventID      int64
	nextOutboxID     int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		definitions:      make(map[string]*WorkflowDefinition),
		instances:        make(map[int64]*WorkflowInstance),
		tasks:            make(map[int64]*WorkflowTask),
		tasksByInstance:  make(map[int64][]int64),
		events:           make([]*WorkflowEvent, 0),
		eventsByInstance: make(map[int64][]int64),
		outbox:           make(map[int64]*OutboxMessage),
		nextInstanceID:   1,
		nextTaskID:       1,
		nextEventID:      1,
		nextOutboxID:     1,
	}
}

func defKey(tenantID, id string) string {
	return tenantID + "/" + strings.ToLower(id)
}

func (s *MemoryStore) SaveWorkflowDefinition(_ context.Context, def *WorkflowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if def.ID == "" {
		def.ID = uuid.NewString()
	}

	key := defKey(def.TenantID, def.ID)
	if existing, ok := s.definitions[key]; ok {
		def.CreatedAt = existing.CreatedAt
		def.Version = existing.Version + 1
	} else {
		def.CreatedAt = time.Now()
		if def.Version == 0 {
			def.Version = 1
		}
	}

	s.definitions[key] = def

	return nil
}

func (s *MemoryStore) GetWorkflowDefinition(_ context.Context, tenantID, id string) (*WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	def, ok := s.definitions[defKey(tenantID, id)]
	if !ok {
		return nil, fmt.Errorf("workflow definition %s: %w", id, ErrEntityNotFound)
	}

	return def, nil
}

func (s *MemoryStore) PublishWorkflowDefinition(_ context.Context, tenantID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	def, ok := s.definitions[defKey(tenantID, id)]
	if !ok {
		return fmt.Errorf("workflow definition %s: %w", id, ErrEntityNotFound)
	}
	def.IsPublished = true

	return nil
}

func (s *MemoryStore) ListWorkflowDefinitions(_ context.Context, tenantID string) ([]*WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	defs := make([]*WorkflowDefinition, 0)
	for _, def := range s.definitions {
		if def.TenantID == tenantID {
			defs = append(defs, def)
		}
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })

	return defs, nil
}

func (s *MemoryStore) CreateInstance(_ context.Context, instance *WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	instance.ID = s.nextInstanceID
	s.nextInstanceID++
	instance.CreatedAt = time.Now()
	instance.UpdatedAt = instance.CreatedAt
	s.instances[instance.ID] = instance

	return nil
}

func (s *MemoryStore) GetInstance(_ context.Context, tenantID string, instanceID int64) (*WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	instance, ok := s.instances[instanceID]
	if !ok || instance.TenantID != tenantID {
		return nil, fmt.Errorf("workflow instance %d: %w", instanceID, ErrEntityNotFound)
	}

	return instance, nil
}

func (s *MemoryStore) UpdateInstance(_ context.Context, instance *WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.instances[instance.ID]; !ok {
		return fmt.Errorf("workflow instance %d: %w", instance.ID, ErrEntityNotFound)
	}
	instance.UpdatedAt = time.Now()
	s.instances[instance.ID] = instance

	return nil
}

func (s *MemoryStore) ListInstances(_ context.Context, tenantID string) ([]*WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	instances := make([]*WorkflowInstance, 0)
	for _, instance := range s.instances {
		if instance.TenantID == tenantID {
			instances = append(instances, instance)
		}
	}
	sort.Slice(instances, func(i, j int) bool { return instances[i].ID < instances[j].ID })

	return instances, nil
}

func (s *MemoryStore) CreateTask(_ context.Context, task *WorkflowTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task.ID = s.nextTaskID
	s.nextTaskID++
	task.CreatedAt = time.Now()
	task.UpdatedAt = task.CreatedAt
	s.tasks[task.ID] = task
	s.tasksByInstance[task.InstanceID] = append(s.tasksByInstance[task.InstanceID], task.ID)

	return nil
}

func (s *MemoryStore) GetTask(_ context.Context, tenantID string, taskID int64) (*WorkflowTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.tasks[taskID]
	if !ok || task.TenantID != tenantID {
		return nil, fmt.Errorf("workflow task %d: %w", taskID, ErrEntityNotFound)
	}

	return task, nil
}

func (s *MemoryStore) UpdateTask(_ context.Context, task *WorkflowTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[task.ID]; !ok {
		return fmt.Errorf("workflow task %d: %w", task.ID, ErrEntityNotFound)
	}
	task.UpdatedAt = time.Now()
	s.tasks[task.ID] = task

	return nil
}

func (s *MemoryStore) GetOpenTaskByNode(_ context.Context, instanceID int64, nodeID string) (*WorkflowTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, taskID := range s.tasksByInstance[instanceID] {
		task := s.tasks[taskID]
		if strings.EqualFold(task.NodeID, nodeID) && task.Status.IsOpen() {
			return task, nil
		}
	}

	return nil, fmt.Errorf("open task for node %s: %w", nodeID, ErrEntityNotFound)
}

func (s *MemoryStore) GetOpenTasksByInstance(_ context.Context, instanceID int64) ([]*WorkflowTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks := make([]*WorkflowTask, 0)
	for _, taskID := range s.tasksByInstance[instanceID] {
		if task := s.tasks[taskID]; task.Status.IsOpen() {
			tasks = append(tasks, task)
		}
	}

	return tasks, nil
}

func (s *MemoryStore) ListTasksByInstance(_ context.Context, instanceID int64) ([]*WorkflowTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks := make([]*WorkflowTask, 0, len(s.tasksByInstance[instanceID]))
	for _, taskID := range s.tasksByInstance[instanceID] {
		tasks = append(tasks, s.tasks[taskID])
	}

	return tasks, nil
}

func (s *MemoryStore) AppendEvent(_ context.Context, event *WorkflowEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	event.ID = s.nextEventID
	s.nextEventID++
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}
	s.events = append(s.events, event)
	s.eventsByInstance[event.InstanceID] = append(s.eventsByInstance[event.InstanceID], event.ID)

	return nil
}

func (s *MemoryStore) ListEventsByInstance(_ context.Context, instanceID int64) ([]*WorkflowEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := make([]*WorkflowEvent, 0)
	for _, event := range s.events {
		if event.InstanceID == instanceID {
			events = append(events, event)
		}
	}

	return events, nil
}

func (s *MemoryStore) EnqueueOutbox(_ context.Context, msg *OutboxMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg.ID = s.nextOutboxID
	s.nextOutboxID++
	msg.CreatedAt = time.Now()
	s.outbox[msg.ID] = msg

	return nil
}

func (s *MemoryStore) ListOutboxMessages(_ context.Context, filter OutboxFilter) ([]*OutboxMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := make([]*OutboxMessage, 0)
	for _, msg := range s.outbox {
		if outboxMatches(msg, filter) {
			msgs = append(msgs, msg)
		}
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].ID < msgs[j].ID })

	if filter.Limit > 0 && len(msgs) > filter.Limit {
		msgs = msgs[:filter.Limit]
	}

	return msgs, nil
}

func outboxMatches(msg *OutboxMessage, filter OutboxFilter) bool {
	switch filter.Status {
	case OutboxStatusPending:
		if msg.ProcessedAt != nil || msg.DeadLetter {
			return false
		}
	case OutboxStatusFailed:
		if msg.RetryCount == 0 || msg.ProcessedAt != nil || msg.DeadLetter {
			return false
		}
	case OutboxStatusProcessed:
		if msg.ProcessedAt == nil {
			return false
		}
	case OutboxStatusDeadLetter:
		if !msg.DeadLetter {
			return false
		}
	}

	if filter.TenantID != "" && msg.TenantID != filter.TenantID {
		return false
	}
	if filter.IdempotencyKey != "" && msg.IdempotencyKey != filter.IdempotencyKey {
		return false
	}
	if filter.CreatedAfter != nil && !msg.CreatedAt.After(*filter.CreatedAfter) {
		return false
	}
	if filter.CreatedBefore != nil && !msg.CreatedAt.Before(*filter.CreatedBefore) {
		return false
	}
	if filter.MinRetryCount != nil && msg.RetryCount < *filter.MinRetryCount {
		return false
	}
	if filter.MaxRetryCount != nil && msg.RetryCount > *filter.MaxRetryCount {
		return false
	}
	if filter.StaleFor > 0 && time.Since(msg.CreatedAt) < filter.StaleFor {
		return false
	}

	return true
}

func (s *MemoryStore) DequeueDueOutbox(_ context.Context, limit int) ([]*OutboxMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	msgs := make([]*OutboxMessage, 0, limit)
	ids := make([]int64, 0, len(s.outbox))
	for id := range s.outbox {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		msg := s.outbox[id]
		if msg.ProcessedAt != nil || msg.DeadLetter {
			continue
		}
		if msg.NextRetryAt != nil && msg.NextRetryAt.After(now) {
			continue
		}
		msgs = append(msgs, msg)
		if limit > 0 && len(msgs) >= limit {
			break
		}
	}

	return msgs, nil
}

func (s *MemoryStore) MarkOutboxProcessed(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.outbox[id]
	if !ok {
		return fmt.Errorf("outbox message %d: %w", id, ErrEntityNotFound)
	}
	now := time.Now()
	msg.ProcessedAt = &now

	return nil
}

func (s *MemoryStore) MarkOutboxFailed(_ context.Context, id int64, errMsg string, nextRetryAt *time.Time, deadLetter bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.outbox[id]
	if !ok {
		return fmt.Errorf("outbox message %d: %w", id, ErrEntityNotFound)
	}
	msg.RetryCount++
	msg.Error = &errMsg
	msg.NextRetryAt = nextRetryAt
	msg.DeadLetter = deadLetter

	return nil
}

func (s *MemoryStore) GetOutboxMetrics(_ context.Context, tenantID string) (*OutboxMetrics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	metrics := &OutboxMetrics{}
	for _, msg := range s.outbox {
		if tenantID != "" && msg.TenantID != tenantID {
			continue
		}

		switch {
		case msg.DeadLetter:
			metrics.DeadLettered++
		case msg.ProcessedAt != nil:
			metrics.Processed++
		case msg.RetryCount > 0:
			metrics.Failed++
		default:
			metrics.Pending++
		}

		if msg.ProcessedAt == nil && !msg.DeadLetter {
			if metrics.OldestUnsent == nil || msg.CreatedAt.Before(*metrics.OldestUnsent) {
				created := msg.CreatedAt
				metrics.OldestUnsent = &created
			}
		}
	}

	return metrics, nil
}

func (s *MemoryStore) GetSummaryStats(_ context.Context, tenantID string) (*SummaryStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &SummaryStats{}
	for _, instance := range s.instances {
		if instance.TenantID != tenantID {
			continue
		}

		stats.TotalInstances++
		switch instance.Status {
		case StatusRunning:
			stats.RunningInstances++
		case StatusCompleted:
			stats.CompletedInstances++
		case StatusFailed:
			stats.FailedInstances++
		case StatusSuspended:
			stats.SuspendedInstances++
		case StatusCancelled:
			stats.CancelledInstances++
		}
	}

	return stats, nil
}
