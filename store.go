package octoflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var _ Store = (*StoreImpl)(nil)

// dbExecutor is the subset of pgx satisfied by both a pool and an open
// transaction.
type dbExecutor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// StoreImpl is the Postgres Store. All statements run on the transaction
// carried in the context when PgTxManager opened one, so one workflow
// operation is one atomic batch. GetInstance takes a row lock inside a
// transaction, which serializes concurrent operations per instance.
type StoreImpl struct {
	db *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *StoreImpl {
	return &StoreImpl{db: pool}
}

func (store *StoreImpl) getExecutor(ctx context.Context) dbExecutor {
	if tx := TxFromContext(ctx); tx != nil {
		return tx
	}

	return store.db
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrEntityNotFound)
	}

	return err
}

func (store *StoreImpl) SaveWorkflowDefinition(ctx context.Context, def *WorkflowDefinition) error {
	executor := store.getExecutor(ctx)

	const query = `
INSERT INTO workflows.workflow_definitions (id, tenant_id, name, version, is_published, nodes, edges, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (tenant_id, id) DO UPDATE
SET name = EXCLUDED.name,
	version = workflows.workflow_definitions.version + 1,
	nodes = EXCLUDED.nodes,
	edges = EXCLUDED.edges
RETURNING version, created_at`

	nodesJSON, err := json.Marshal(def.Nodes)
	if err != nil {
		return fmt.Errorf("marshal nodes: %w", err)
	}
	edgesJSON, err := json.Marshal(def.Edges)
	if err != nil {
		return fmt.Errorf("marshal edges: %w", err)
	}

	version := def.Version
	if version == 0 {
		version = 1
	}

	return executor.QueryRow(ctx, query,
		def.ID, def.TenantID, def.Name, version, def.IsPublished, nodesJSON, edgesJSON, time.Now(),
	).Scan(&def.Version, &def.CreatedAt)
}

func (store *StoreImpl) GetWorkflowDefinition(ctx context.Context, tenantID, id string) (*WorkflowDefinition, error) {
	executor := store.getExecutor(ctx)

	const query = `
SELECT id, tenant_id, name, version, is_published, nodes, edges, created_at
FROM workflows.workflow_definitions
WHERE tenant_id = $1 AND id = $2`

	def, err := scanDefinition(executor.QueryRow(ctx, query, tenantID, id))
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("workflow definition %s", id))
	}

	return def, nil
}

func scanDefinition(row pgx.Row) (*WorkflowDefinition, error) {
	var def WorkflowDefinition
	var nodesJSON, edgesJSON []byte

	err := row.Scan(
		&def.ID, &def.TenantID, &def.Name, &def.Version,
		&def.IsPublished, &nodesJSON, &edgesJSON, &def.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(nodesJSON, &def.Nodes); err != nil {
		return nil, fmt.Errorf("unmarshal nodes: %w", err)
	}
	if err := json.Unmarshal(edgesJSON, &def.Edges); err != nil {
		return nil, fmt.Errorf("unmarshal edges: %w", err)
	}

	return &def, nil
}

func (store *StoreImpl) PublishWorkflowDefinition(ctx context.Context, tenantID, id string) error {
	executor := store.getExecutor(ctx)

	const query = `
UPDATE workflows.workflow_definitions
SET is_published = TRUE
WHERE tenant_id = $1 AND id = $2`

	tag, err := executor.Exec(ctx, query, tenantID, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("workflow definition %s: %w", id, ErrEntityNotFound)
	}

	return nil
}

func (store *StoreImpl) ListWorkflowDefinitions(ctx context.Context, tenantID string) ([]*WorkflowDefinition, error) {
	executor := store.getExecutor(ctx)

	const query = `
SELECT id, tenant_id, name, version, is_published, nodes, edges, created_at
FROM workflows.workflow_definitions
WHERE tenant_id = $1
ORDER BY id`

	rows, err := executor.Query(ctx, query, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var defs []*WorkflowDefinition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}

	return defs, rows.Err()
}

func (store *StoreImpl) CreateInstance(ctx context.Context, instance *WorkflowInstance) error {
	executor := store.getExecutor(ctx)

	const query = `
INSERT INTO workflows.workflow_instances
	(tenant_id, workflow_definition_id, definition_version, status, current_node_ids, context,
	 error_message, started_by, started_at, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
RETURNING id, created_at, updated_at`

	contextJSON, err := json.Marshal(instance.Context)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}
	nodeIDsJSON, err := json.Marshal(instance.CurrentNodeIDs)
	if err != nil {
		return fmt.Errorf("marshal current node ids: %w", err)
	}

	return executor.QueryRow(ctx, query,
		instance.TenantID, instance.WorkflowDefinitionID, instance.DefinitionVersion,
		instance.Status, nodeIDsJSON, contextJSON, instance.ErrorMessage,
		instance.StartedBy, instance.StartedAt, time.Now(),
	).Scan(&instance.ID, &instance.CreatedAt, &instance.UpdatedAt)
}

func (store *StoreImpl) GetInstance(ctx context.Context, tenantID string, instanceID int64) (*WorkflowInstance, error) {
	executor := store.getExecutor(ctx)

	query := `
SELECT id, tenant_id, workflow_definition_id, definition_version, status, current_node_ids,
	   context, error_message, started_by, started_at, completed_at, created_at, updated_at
FROM workflows.workflow_instances
WHERE tenant_id = $1 AND id = $2`

	// Inside a transaction the instance row doubles as the per-instance
	// lock: concurrent operations on one instance serialize here.
	if TxFromContext(ctx) != nil {
		query += "\nFOR UPDATE"
	}

	instance, err := scanInstance(executor.QueryRow(ctx, query, tenantID, instanceID))
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("workflow instance %d", instanceID))
	}

	return instance, nil
}

func scanInstance(row pgx.Row) (*WorkflowInstance, error) {
	var instance WorkflowInstance
	var nodeIDsJSON, contextJSON []byte

	err := row.Scan(
		&instance.ID, &instance.TenantID, &instance.WorkflowDefinitionID,
		&instance.DefinitionVersion, &instance.Status, &nodeIDsJSON, &contextJSON,
		&instance.ErrorMessage, &instance.StartedBy, &instance.StartedAt,
		&instance.CompletedAt, &instance.CreatedAt, &instance.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(nodeIDsJSON, &instance.CurrentNodeIDs); err != nil {
		return nil, fmt.Errorf("unmarshal current node ids: %w", err)
	}

	instance.Context = NewInstanceContext()
	if len(contextJSON) > 0 {
		if err := json.Unmarshal(contextJSON, instance.Context); err != nil {
			return nil, fmt.Errorf("unmarshal context: %w", err)
		}
	}

	return &instance, nil
}

func (store *StoreImpl) UpdateInstance(ctx context.Context, instance *WorkflowInstance) error {
	executor := store.getExecutor(ctx)

	const query = `
UPDATE workflows.workflow_instances
SET status = $2, current_node_ids = $3, context = $4, error_message = $5,
	completed_at = $6, updated_at = $7
WHERE id = $1`

	contextJSON, err := json.Marshal(instance.Context)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}
	nodeIDsJSON, err := json.Marshal(instance.CurrentNodeIDs)
	if err != nil {
		return fmt.Errorf("marshal current node ids: %w", err)
	}

	tag, err := executor.Exec(ctx, query,
		instance.ID, instance.Status, nodeIDsJSON, contextJSON,
		instance.ErrorMessage, instance.CompletedAt, time.Now(),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("workflow instance %d: %w", instance.ID, ErrEntityNotFound)
	}

	return nil
}

func (store *StoreImpl) ListInstances(ctx context.Context, tenantID string) ([]*WorkflowInstance, error) {
	executor := store.getExecutor(ctx)

	const query = `
SELECT id, tenant_id, workflow_definition_id, definition_version, status, current_node_ids,
	   context, error_message, started_by, started_at, completed_at, created_at, updated_at
FROM workflows.workflow_instances
WHERE tenant_id = $1
ORDER BY id`

	rows, err := executor.Query(ctx, query, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []*WorkflowInstance
	for rows.Next() {
		instance, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, instance)
	}

	return instances, rows.Err()
}

const openTaskStatuses = `('created', 'assigned', 'claimed', 'in_progress')`

func (store *StoreImpl) CreateTask(ctx context.Context, task *WorkflowTask) error {
	executor := store.getExecutor(ctx)

	const query = `
INSERT INTO workflows.workflow_tasks
	(instance_id, tenant_id, node_id, name, kind, status, assigned_to, payload, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
RETURNING id, created_at, updated_at`

	return executor.QueryRow(ctx, query,
		task.InstanceID, task.TenantID, task.NodeID, task.Name, task.Kind,
		task.Status, task.AssignedTo, task.Payload, time.Now(),
	).Scan(&task.ID, &task.CreatedAt, &task.UpdatedAt)
}

func (store *StoreImpl) GetTask(ctx context.Context, tenantID string, taskID int64) (*WorkflowTask, error) {
	executor := store.getExecutor(ctx)

	const query = `
SELECT id, instance_id, tenant_id, node_id, name, kind, status, assigned_to, payload,
	   completion_data, completed_by, cancel_reason, created_at, updated_at, completed_at
FROM workflows.workflow_tasks
WHERE tenant_id = $1 AND id = $2`

	task, err := scanTask(executor.QueryRow(ctx, query, tenantID, taskID))
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("workflow task %d", taskID))
	}

	return task, nil
}

func scanTask(row pgx.Row) (*WorkflowTask, error) {
	var task WorkflowTask

	err := row.Scan(
		&task.ID, &task.InstanceID, &task.TenantID, &task.NodeID, &task.Name,
		&task.Kind, &task.Status, &task.AssignedTo, &task.Payload,
		&task.CompletionData, &task.CompletedBy, &task.CancelReason,
		&task.CreatedAt, &task.UpdatedAt, &task.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	return &task, nil
}

func (store *StoreImpl) UpdateTask(ctx context.Context, task *WorkflowTask) error {
	executor := store.getExecutor(ctx)

	const query = `
UPDATE workflows.workflow_tasks
SET status = $2, assigned_to = $3, completion_data = $4, completed_by = $5,
	cancel_reason = $6, completed_at = $7, updated_at = $8
WHERE id = $1`

	tag, err := executor.Exec(ctx, query,
		task.ID, task.Status, task.AssignedTo, task.CompletionData,
		task.CompletedBy, task.CancelReason, task.CompletedAt, time.Now(),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("workflow task %d: %w", task.ID, ErrEntityNotFound)
	}

	return nil
}

func (store *StoreImpl) GetOpenTaskByNode(ctx context.Context, instanceID int64, nodeID string) (*WorkflowTask, error) {
	executor := store.getExecutor(ctx)

	const query = `
SELECT id, instance_id, tenant_id, node_id, name, kind, status, assigned_to, payload,
	   completion_data, completed_by, cancel_reason, created_at, updated_at, completed_at
FROM workflows.workflow_tasks
WHERE instance_id = $1 AND lower(node_id) = lower($2) AND status IN ` + openTaskStatuses + `
ORDER BY id
LIMIT 1`

	task, err := scanTask(executor.QueryRow(ctx, query, instanceID, nodeID))
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("open task for node %s", nodeID))
	}

	return task, nil
}

func (store *StoreImpl) GetOpenTasksByInstance(ctx context.Context, instanceID int64) ([]*WorkflowTask, error) {
	const query = `
SELECT id, instance_id, tenant_id, node_id, name, kind, status, assigned_to, payload,
	   completion_data, completed_by, cancel_reason, created_at, updated_at, completed_at
FROM workflows.workflow_tasks
WHERE instance_id = $1 AND status IN ` + openTaskStatuses + `
ORDER BY id`

	return store.queryTasks(ctx, query, instanceID)
}

func (store *StoreImpl) ListTasksByInstance(ctx context.Context, instanceID int64) ([]*WorkflowTask, error) {
	const query = `
SELECT id, instance_id, tenant_id, node_id, name, kind, status, assigned_to, payload,
	   completion_data, completed_by, cancel_reason, created_at, updated_at, completed_at
FROM workflows.workflow_tasks
WHERE instance_id = $1
ORDER BY id`

	return store.queryTasks(ctx, query, instanceID)
}

func (store *StoreImpl) queryTasks(ctx context.Context, query string, args ...any) ([]*WorkflowTask, error) {
	executor := store.getExecutor(ctx)

	rows, err := executor.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*WorkflowTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}

	return tasks, rows.Err()
}

func (store *StoreImpl) AppendEvent(ctx context.Context, event *WorkflowEvent) error {
	executor := store.getExecutor(ctx)

	const query = `
INSERT INTO workflows.workflow_events (instance_id, tenant_id, type, name, data, user_id, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING id`

	occurredAt := event.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now()
	}

	return executor.QueryRow(ctx, query,
		event.InstanceID, event.TenantID, event.Type, event.Name,
		event.Data, event.UserID, occurredAt,
	).Scan(&event.ID)
}

func (store *StoreImpl) ListEventsByInstance(ctx context.Context, instanceID int64) ([]*WorkflowEvent, error) {
	executor := store.getExecutor(ctx)

	const query = `
SELECT id, instance_id, tenant_id, type, name, data, user_id, occurred_at
FROM workflows.workflow_events
WHERE instance_id = $1
ORDER BY id`

	rows, err := executor.Query(ctx, query, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*WorkflowEvent
	for rows.Next() {
		var event WorkflowEvent
		err := rows.Scan(
			&event.ID, &event.InstanceID, &event.TenantID, &event.Type,
			&event.Name, &event.Data, &event.UserID, &event.OccurredAt,
		)
		if err != nil {
			return nil, err
		}
		events = append(events, &event)
	}

	return events, rows.Err()
}

func (store *StoreImpl) EnqueueOutbox(ctx context.Context, msg *OutboxMessage) error {
	executor := store.getExecutor(ctx)

	const query = `
INSERT INTO workflows.outbox_messages (tenant_id, event_type, event_data, idempotency_key, created_at)
VALUES ($1, $2, $3, $4, $5)
RETURNING id, created_at`

	return executor.QueryRow(ctx, query,
		msg.TenantID, msg.EventType, msg.EventData, msg.IdempotencyKey, time.Now(),
	).Scan(&msg.ID, &msg.CreatedAt)
}

func (store *StoreImpl) ListOutboxMessages(ctx context.Context, filter OutboxFilter) ([]*OutboxMessage, error) {
	executor := store.getExecutor(ctx)

	query := `
SELECT id, tenant_id, event_type, event_data, idempotency_key, retry_count,
	   created_at, processed_at, next_retry_at, dead_letter, error
FROM workflows.outbox_messages
WHERE 1=1`
	args := make([]any, 0, 8)

	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	switch filter.Status {
	case OutboxStatusPending:
		query += "\nAND processed_at IS NULL AND NOT dead_letter"
	case OutboxStatusFailed:
		query += "\nAND processed_at IS NULL AND NOT dead_letter AND retry_count > 0"
	case OutboxStatusProcessed:
		query += "\nAND processed_at IS NOT NULL"
	case OutboxStatusDeadLetter:
		query += "\nAND dead_letter"
	}

	if filter.TenantID != "" {
		query += "\nAND tenant_id = " + arg(filter.TenantID)
	}
	if filter.IdempotencyKey != "" {
		query += "\nAND idempotency_key = " + arg(filter.IdempotencyKey)
	}
	if filter.CreatedAfter != nil {
		query += "\nAND created_at > " + arg(*filter.CreatedAfter)
	}
	if filter.CreatedBefore != nil {
		query += "\nAND created_at < " + arg(*filter.CreatedBefore)
	}
	if filter.MinRetryCount != nil {
		query += "\nAND retry_count >= " + arg(*filter.MinRetryCount)
	}
	if filter.MaxRetryCount != nil {
		query += "\nAND retry_count <= " + arg(*filter.MaxRetryCount)
	}
	if filter.StaleFor > 0 {
		query += "\nAND created_at <= " + arg(time.Now().Add(-filter.StaleFor))
	}

	query += "\nORDER BY id"
	if filter.Limit > 0 {
		query += "\nLIMIT " + arg(filter.Limit)
	}

	rows, err := executor.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanOutboxRows(rows)
}

// DequeueDueOutbox claims a batch of unprocessed messages whose retry time
// has come. SKIP LOCKED lets concurrent dispatchers share the queue without
// double delivery.
func (store *StoreImpl) DequeueDueOutbox(ctx context.Context, limit int) ([]*OutboxMessage, error) {
	executor := store.getExecutor(ctx)

	const query = `
SELECT id, tenant_id, event_type, event_data, idempotency_key, retry_count,
	   created_at, processed_at, next_retry_at, dead_letter, error
FROM workflows.outbox_messages
WHERE processed_at IS NULL
  AND NOT dead_letter
  AND (next_retry_at IS NULL OR next_retry_at <= now())
ORDER BY id
LIMIT $1
FOR UPDATE SKIP LOCKED`

	rows, err := executor.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanOutboxRows(rows)
}

func scanOutboxRows(rows pgx.Rows) ([]*OutboxMessage, error) {
	var msgs []*OutboxMessage
	for rows.Next() {
		var msg OutboxMessage
		err := rows.Scan(
			&msg.ID, &msg.TenantID, &msg.EventType, &msg.EventData,
			&msg.IdempotencyKey, &msg.RetryCount, &msg.CreatedAt,
			&msg.ProcessedAt, &msg.NextRetryAt, &msg.DeadLetter, &msg.Error,
		)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, &msg)
	}

	return msgs, rows.Err()
}

func (store *StoreImpl) MarkOutboxProcessed(ctx context.Context, id int64) error {
	executor := store.getExecutor(ctx)

	const query = `
UPDATE workflows.outbox_messages
SET processed_at = now(), error = NULL
WHERE id = $1`

	tag, err := executor.Exec(ctx, query, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("outbox message %d: %w", id, ErrEntityNotFound)
	}

	return nil
}

func (store *StoreImpl) MarkOutboxFailed(ctx context.Context, id int64, errMsg string, nextRetryAt *time.Time, deadLetter bool) error {
	executor := store.getExecutor(ctx)

	const query = `
UPDATE workflows.outbox_messages
SET retry_count = retry_count + 1, error = $2, next_retry_at = $3, dead_letter = $4
WHERE id = $1`

	tag, err := executor.Exec(ctx, query, id, errMsg, nextRetryAt, deadLetter)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("outbox message %d: %w", id, ErrEntityNotFound)
	}

	return nil
}

func (store *StoreImpl) GetOutboxMetrics(ctx context.Context, tenantID string) (*OutboxMetrics, error) {
	executor := store.getExecutor(ctx)

	const query = `
SELECT
	count(*) FILTER (WHERE processed_at IS NULL AND NOT dead_letter AND retry_count = 0),
	count(*) FILTER (WHERE processed_at IS NULL AND NOT dead_letter AND retry_count > 0),
	count(*) FILTER (WHERE processed_at IS NOT NULL),
	count(*) FILTER (WHERE dead_letter),
	min(created_at) FILTER (WHERE processed_at IS NULL AND NOT dead_letter)
FROM workflows.outbox_messages
WHERE ($1 = '' OR tenant_id = $1)`

	metrics := &OutboxMetrics{}
	err := executor.QueryRow(ctx, query, tenantID).Scan(
		&metrics.Pending, &metrics.Failed, &metrics.Processed,
		&metrics.DeadLettered, &metrics.OldestUnsent,
	)
	if err != nil {
		return nil, err
	}

	return metrics, nil
}

func (store *StoreImpl) GetSummaryStats(ctx context.Context, tenantID string) (*SummaryStats, error) {
	executor := store.getExecutor(ctx)

	const query = `
SELECT
	count(*),
	count(*) FILTER (WHERE status = 'running'),
	count(*) FILTER (WHERE status = 'completed'),
	count(*) FILTER (WHERE status = 'failed'),
	count(*) FILTER (WHERE status = 'suspended'),
	count(*) FILTER (WHERE status = 'cancelled')
FROM workflows.workflow_instances
WHERE tenant_id = $1`

	stats := &SummaryStats{}
	err := executor.QueryRow(ctx, query, tenantID).Scan(
		&stats.TotalInstances, &stats.RunningInstances, &stats.CompletedInstances,
		&stats.FailedInstances, &stats.SuspendedInstances, &stats.CancelledInstances,
	)
	if err != nil {
		return nil, err
	}

	return stats, nil
}
