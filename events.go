package octoflow

import "strings"

// Event categories (WorkflowEvent.Type).
const (
	EventTypeInstance = "Instance"
	EventTypeNode     = "Node"
	EventTypeTask     = "Task"
	EventTypeGateway  = "Gateway"
	EventTypeJoin     = "Join"
	EventTypeEdge     = "Edge"
	EventTypeSignal   = "Signal"
)

// Event names (WorkflowEvent.Name).
const (
	EventStarted   = "Started"
	EventCompleted = "Completed"
	EventFailed    = "Failed"
	EventCancelled = "Cancelled"
	EventSuspended = "Suspended"
	EventResumed   = "Resumed"
	EventRetried   = "Retried"

	EventNodeExecuted = "Executed"
	EventSafetyBreak  = "SafetyBreak"

	EventEdgeTraversed = "EdgeTraversed"

	EventGatewayEvaluated     = "Evaluated"
	EventParallelGroupCreated = "ParallelGroupCreated"

	EventJoinArrival         = "ParallelJoinArrival"
	EventJoinSatisfied       = "ParallelJoinSatisfied"
	EventJoinBranchCancelled = "ParallelJoinBranchCancelled"

	EventTaskCreated   = "Created"
	EventTaskAssigned  = "Assigned"
	EventTaskClaimed   = "Claimed"
	EventTaskStarted   = "Started"
	EventTaskCompleted = "Completed"
	EventTaskCancelled = "Cancelled"

	EventSignalReceived = "Received"
)

// Event data keys.
const (
	KeyNodeID        = "node_id"
	KeyNodeType      = "node_type"
	KeyTaskID        = "task_id"
	KeySignal        = "signal"
	KeyError         = "error"
	KeyReason        = "reason"
	KeyMode          = "mode"
	KeyStrategy      = "strategy"
	KeySource        = "source"
	KeyTarget        = "target"
	KeyEdgeID        = "edge_id"
	KeyBranch        = "branch"
	KeyBranches      = "branches"
	KeyArrivals      = "arrivals"
	KeyThreshold     = "threshold"
	KeyGatewayID     = "gateway_id"
	KeyTargets       = "targets"
	KeyOutgoingCount = "outgoing_count"
	KeyRetryNode     = "retry_node"
	KeyIterations    = "iterations"
	KeyDefinitionID  = "definition_id"
	KeyCompletedBy   = "completed_by"
	KeyAssignee      = "assignee"
)

// Cancel reasons recorded on tasks.
const (
	CancelReasonJoin          = "join-cancelled"
	CancelReasonInstance      = "instance-cancelled"
	CancelReasonLateComplete  = "completed-after-terminal"
	CancelReasonDrainComplete = "instance-completed"
)

// OutboxEventType derives the routing key written to the outbox for an event:
// "workflow.<type>.<name>", lower-cased.
func OutboxEventType(eventType, eventName string) string {
	return "workflow." + strings.ToLower(eventType) + "." + strings.ToLower(eventName)
}
