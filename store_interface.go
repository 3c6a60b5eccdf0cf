package octoflow

import (
	"context"
	"time"
)

// Store is the persistence contract of the execution core. All reads and
// writes are tenant-scoped where a tenant ID parameter is present. A Store
// must support appending an event plus its outbox row in the same
// transaction as instance/task mutation; TxManager provides the transaction
// boundary.
type Store interface {
	SaveWorkflowDefinition(ctx context.Context, def *WorkflowDefinition) error
	GetWorkflowDefinition(ctx context.Context, tenantID, id string) (*WorkflowDefinition, error)
	PublishWorkflowDefinition(ctx context.Context, tenantID, id string) error
	ListWorkflowDefinitions(ctx context.Context, tenantID string) ([]*WorkflowDefinition, error)

	CreateInstance(ctx context.Context, instance *WorkflowInstance) error
	GetInstance(ctx context.Context, tenantID string, instanceID int64) (*WorkflowInstance, error)
	UpdateInstance(ctx context.Context, instance *WorkflowInstance) error
	ListInstances(ctx context.Context, tenantID string) ([]*WorkflowInstance, error)

	CreateTask(ctx context.Context, task *WorkflowTask) error
	GetTask(ctx context.Context, tenantID string, taskID int64) (*WorkflowTask, error)
	UpdateTask(ctx context.Context, task *WorkflowTask) error
	GetOpenTaskByNode(ctx context.Context, instanceID int64, nodeID string) (*WorkflowTask, error)
	GetOpenTasksByInstance(ctx context.Context, instanceID int64) ([]*WorkflowTask, error)
	ListTasksByInstance(ctx context.Context, instanceID int64) ([]*WorkflowTask, error)

	AppendEvent(ctx context.Context, event *WorkflowEvent) error
	ListEventsByInstance(ctx context.Context, instanceID int64) ([]*WorkflowEvent, error)

	EnqueueOutbox(ctx context.Context, msg *OutboxMessage) error
	ListOutboxMessages(ctx context.Context, filter OutboxFilter) ([]*OutboxMessage, error)
	DequeueDueOutbox(ctx context.Context, limit int) ([]*OutboxMessage, error)
	MarkOutboxProcessed(ctx context.Context, id int64) error
	MarkOutboxFailed(ctx context.Context, id int64, errMsg string, nextRetryAt *time.Time, deadLetter bool) error
	GetOutboxMetrics(ctx context.Context, tenantID string) (*OutboxMetrics, error)

	GetSummaryStats(ctx context.Context, tenantID string) (*SummaryStats, error)
}

// TxManager wraps a function in a transaction. The Postgres implementation
// carries the open transaction in the context so nested store calls join it;
// the memory implementation is a pass-through.
type TxManager interface {
	ReadCommitted(ctx context.Context, fn func(ctx context.Context) error) error
}
