package octoflow

import (
	"encoding/json"
	"time"
)

type InstanceStatus string

const (
	StatusRunning   InstanceStatus = "running"
	StatusSuspended InstanceStatus = "suspended"
	StatusFailed    InstanceStatus = "failed"
	StatusCompleted InstanceStatus = "completed"
	StatusCancelled InstanceStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are possible.
// Failed is semi-terminal: RetryWorkflow can move it back to Running.
func (s InstanceStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

type TaskStatus string

const (
	TaskStatusCreated    TaskStatus = "created"
	TaskStatusAssigned   TaskStatus = "assigned"
	TaskStatusClaimed    TaskStatus = "claimed"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusCancelled  TaskStatus = "cancelled"
	TaskStatusFailed     TaskStatus = "failed"
)

func (s TaskStatus) IsOpen() bool {
	switch s {
	case TaskStatusCreated, TaskStatusAssigned, TaskStatusClaimed, TaskStatusInProgress:
		return true
	}

	return false
}

type TaskKind string

const (
	TaskKindTask  TaskKind = "task"
	TaskKindTimer TaskKind = "timer"
)

// FailureAction tells the runtime what to do with the instance when a node
// executor reports (or panics with) a failure.
type FailureAction string

const (
	FailInstance    FailureAction = "fail_instance"
	SuspendInstance FailureAction = "suspend_instance"
)

type JoinMode string

const (
	JoinModeAll        JoinMode = "all"
	JoinModeAny        JoinMode = "any"
	JoinModeCount      JoinMode = "count"
	JoinModeQuorum     JoinMode = "quorum"
	JoinModeExpression JoinMode = "expression"
)

// AdvanceMode tags edge-traversal events with how the edge was selected.
type AdvanceMode string

const (
	AdvanceModeAuto           AdvanceMode = "AutoAdvance"
	AdvanceModeAutoParallel   AdvanceMode = "AutoAdvanceParallel"
	AdvanceModeTaskCompletion AdvanceMode = "TaskCompletionAdvance"
)

type RetryStrategy uint8

const (
	RetryStrategyFixed       RetryStrategy = iota // Fixed delay between retries
	RetryStrategyExponential                      // Exponential backoff: delay = base * 2^attempt
	RetryStrategyLinear                           // Linear backoff: delay = base * attempt
)

// Node is one vertex of a workflow definition graph, as produced by the
// external definition adapter. Properties is an open typed bag; the built-in
// executors and the gateway resolver read well-known keys from it.
type Node struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Name       string         `json:"name"`
	Properties map[string]any `json:"properties,omitempty"`
}

type Edge struct {
	ID        string `json:"id"`
	Source    string `json:"source"`
	Target    string `json:"target"`
	Label     string `json:"label,omitempty"`
	Condition string `json:"condition,omitempty"`
}

type WorkflowDefinition struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	Name        string    `json:"name"`
	Version     int       `json:"version"`
	IsPublished bool      `json:"is_published"`
	Nodes       []Node    `json:"nodes"`
	Edges       []Edge    `json:"edges"`
	CreatedAt   time.Time `json:"created_at"`
}

type WorkflowInstance struct {
	ID                   int64            `json:"id"`
	TenantID             string           `json:"tenant_id"`
	WorkflowDefinitionID string           `json:"workflow_definition_id"`
	DefinitionVersion    int              `json:"definition_version"`
	Status               InstanceStatus   `json:"status"`
	CurrentNodeIDs       []string         `json:"current_node_ids"`
	Context              *InstanceContext `json:"context"`
	ErrorMessage         *string          `json:"error_message"`
	StartedBy            string           `json:"started_by"`
	StartedAt            *time.Time       `json:"started_at"`
	CompletedAt          *time.Time       `json:"completed_at"`
	CreatedAt            time.Time        `json:"created_at"`
	UpdatedAt            time.Time        `json:"updated_at"`
}

type WorkflowTask struct {
	ID             int64           `json:"id"`
	InstanceID     int64           `json:"instance_id"`
	TenantID       string          `json:"tenant_id"`
	NodeID         string          `json:"node_id"`
	Name           string          `json:"name"`
	Kind           TaskKind        `json:"kind"`
	Status         TaskStatus      `json:"status"`
	AssignedTo     *string         `json:"assigned_to"`
	Payload        json.RawMessage `json:"payload"`
	CompletionData json.RawMessage `json:"completion_data"`
	CompletedBy    *string         `json:"completed_by"`
	CancelReason   *string         `json:"cancel_reason"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	CompletedAt    *time.Time      `json:"completed_at"`
}

// Completable reports whether CompleteTask may act on the task in its current
// status. Timer tasks are completed by an external scheduler that has no
// claim step, so they accept the broader open set.
func (t *WorkflowTask) Completable() bool {
	switch t.Kind {
	case TaskKindTimer:
		return t.Status.IsOpen()
	default:
		return t.Status == TaskStatusClaimed || t.Status == TaskStatusInProgress
	}
}

type WorkflowEvent struct {
	ID         int64           `json:"id"`
	InstanceID int64           `json:"instance_id"`
	TenantID   string          `json:"tenant_id"`
	Type       string          `json:"type"`
	Name       string          `json:"name"`
	Data       json.RawMessage `json:"data"`
	UserID     *string         `json:"user_id"`
	OccurredAt time.Time       `json:"occurred_at"`
}

type OutboxMessage struct {
	ID             int64           `json:"id"`
	TenantID       string          `json:"tenant_id"`
	EventType      string          `json:"event_type"`
	EventData      json.RawMessage `json:"event_data"`
	IdempotencyKey string          `json:"idempotency_key"`
	RetryCount     int             `json:"retry_count"`
	CreatedAt      time.Time       `json:"created_at"`
	ProcessedAt    *time.Time      `json:"processed_at"`
	NextRetryAt    *time.Time      `json:"next_retry_at"`
	DeadLetter     bool            `json:"dead_letter"`
	Error          *string         `json:"error"`
}

// OutboxStatusFilter selects rows for the admin/read surface.
type OutboxStatusFilter string

const (
	OutboxStatusPending    OutboxStatusFilter = "pending"
	OutboxStatusFailed     OutboxStatusFilter = "failed"
	OutboxStatusProcessed  OutboxStatusFilter = "processed"
	OutboxStatusDeadLetter OutboxStatusFilter = "deadletter"
	OutboxStatusAll        OutboxStatusFilter = "all"
)

type OutboxFilter struct {
	Status         OutboxStatusFilter `json:"status"`
	TenantID       string             `json:"tenant_id,omitempty"`
	CreatedAfter   *time.Time         `json:"created_after,omitempty"`
	CreatedBefore  *time.Time         `json:"created_before,omitempty"`
	MinRetryCount  *int               `json:"min_retry_count,omitempty"`
	MaxRetryCount  *int               `json:"max_retry_count,omitempty"`
	IdempotencyKey string             `json:"idempotency_key,omitempty"`
	StaleFor       time.Duration      `json:"stale_for,omitempty"`
	Limit          int                `json:"limit,omitempty"`
}

type OutboxMetrics struct {
	Pending      int        `json:"pending"`
	Failed       int        `json:"failed"`
	Processed    int        `json:"processed"`
	DeadLettered int        `json:"dead_lettered"`
	OldestUnsent *time.Time `json:"oldest_unsent"`
}

// GatewayDecision is a routing decision recorded out-of-band by an executor,
// consulted by the gateway resolver before falling back to the declared
// strategy.
type GatewayDecision struct {
	Strategy      string   `json:"strategy"`
	Targets       []string `json:"targets"`
	OutgoingCount int      `json:"outgoingCount"`
}

// ParallelGroup is the persisted bookkeeping of one gateway fan-out. It is
// mutated on branch arrival and never deleted: it doubles as an audit trail
// for the instance's lifetime.
type ParallelGroup struct {
	Branches  []string   `json:"branches"`
	Remaining []string   `json:"remaining"`
	Completed []string   `json:"completed"`
	Join      *JoinState `json:"join,omitempty"`
}

type JoinState struct {
	Mode             JoinMode   `json:"mode"`
	CancelRemaining  bool       `json:"cancelRemaining"`
	Count            int        `json:"count,omitempty"`
	ThresholdCount   int        `json:"thresholdCount,omitempty"`
	ThresholdPercent float64    `json:"thresholdPercent,omitempty"`
	Expression       string     `json:"expression,omitempty"`
	Arrivals         []string   `json:"arrivals"`
	Satisfied        bool       `json:"satisfied"`
	SatisfiedAt      *time.Time `json:"satisfiedAtUtc,omitempty"`

	// Captured from node properties, never triggered by this core. An
	// external timer/poller collaborator is required to act on them.
	TimeoutSeconds int    `json:"timeoutSeconds,omitempty"`
	OnTimeout      string `json:"onTimeout,omitempty"`
	TimeoutTarget  string `json:"timeoutTarget,omitempty"`
}

type SummaryStats struct {
	TotalInstances     uint `json:"total_instances"`
	RunningInstances   uint `json:"running_instances"`
	CompletedInstances uint `json:"completed_instances"`
	FailedInstances    uint `json:"failed_instances"`
	SuspendedInstances uint `json:"suspended_instances"`
	CancelledInstances uint `json:"cancelled_instances"`
}
