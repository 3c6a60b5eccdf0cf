package octoflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

const defaultMaxIterations = 5000

// Runtime drives workflow instances through their definition graph: it
// dispatches node executors, resolves gateways, synchronizes parallel joins,
// and emits an audit event plus an outbox row for every transition. Each
// public operation runs synchronously to completion inside one transaction;
// callers provide per-instance mutual exclusion (the Postgres store locks the
// instance row for the duration of the operation).
type Runtime struct {
	txManager TxManager
	store     Store
	executors *ExecutorRegistry
	handlers  *ActionHandlerRegistry
	evaluator ConditionEvaluator
	gateway   *gatewayResolver
	joins     *joinSynchronizer
	notifier  Notifier
	metrics   *Metrics
	logger    *slog.Logger

	maxIterations int
	now           func() time.Time
}

func NewRuntime(txManager TxManager, store Store, opts ...RuntimeOption) *Runtime {
	r := &Runtime{
		txManager:     txManager,
		store:         store,
		executors:     NewExecutorRegistry(),
		handlers:      NewActionHandlerRegistry(),
		evaluator:     NewExprEvaluator(),
		notifier:      NoopNotifier{},
		logger:        slog.Default(),
		maxIterations: defaultMaxIterations,
		now:           time.Now,
	}

	for _, opt := range opts {
		opt(r)
	}

	r.gateway = newGatewayResolver(r.evaluator, r.logger)
	r.joins = newJoinSynchronizer(r.evaluator)

	r.executors.Register(startExecutor{})
	r.executors.Register(humanTaskExecutor{})
	r.executors.Register(&automaticExecutor{handlers: r.handlers})
	r.executors.Register(timerExecutor{})

	return r
}

// RegisterActionHandler registers a named handler for automatic-action nodes.
func (r *Runtime) RegisterActionHandler(handler ActionHandler) {
	r.handlers.Register(handler)
}

// RegisterExecutor appends a custom node executor. Built-ins were registered
// first, so a custom executor only sees node types they do not match.
func (r *Runtime) RegisterExecutor(executor NodeExecutor) {
	r.executors.Register(executor)
}

// RegisterDefinition validates and saves a workflow definition.
func (r *Runtime) RegisterDefinition(ctx context.Context, def *WorkflowDefinition) error {
	if err := ValidateDefinition(def); err != nil {
		return fmt.Errorf("invalid workflow definition: %w", err)
	}

	return r.store.SaveWorkflowDefinition(ctx, def)
}

// opState is the per-operation working set: the loaded instance, its indexed
// graph, and the live active set. It exists for exactly one public operation,
// which keeps the runtime itself free of per-instance mutable state.
type opState struct {
	tenantID    string
	graph       *Graph
	instance    *WorkflowInstance
	active      *activeSet
	dirty       bool
	safetyBreak bool
}

func (op *opState) markDirty() {
	op.dirty = true
}

// StartWorkflow creates a Running instance of a published definition and
// immediately drives the continuation loop before returning, so callers
// observe the instance in whatever state it settled into. On iteration budget
// exhaustion the persisted instance is returned alongside ErrIterationBudget,
// so the caller can still inspect or cancel it.
func (r *Runtime) StartWorkflow(
	ctx context.Context,
	tenantID string,
	definitionID string,
	initialContext map[string]any,
	startedBy string,
) (*WorkflowInstance, error) {
	var (
		result *WorkflowInstance
		runOp  *opState
	)

	err := r.txManager.ReadCommitted(ctx, func(ctx context.Context) error {
		def, err := r.store.GetWorkflowDefinition(ctx, tenantID, definitionID)
		if err != nil {
			if errors.Is(err, ErrEntityNotFound) {
				return fmt.Errorf("workflow definition %q not found: %w", definitionID, err)
			}

			return fmt.Errorf("get workflow definition: %w", err)
		}

		if !def.IsPublished {
			return fmt.Errorf("published workflow definition %q not found: %w", definitionID, ErrNotPublished)
		}

		graph := NewGraph(def)
		startNode, fellBack, err := graph.StartNode()
		if err != nil {
			return err
		}
		if fellBack {
			r.logger.Warn("no explicit start node, falling back to node named/typed start",
				"definition_id", definitionID, "node_id", startNode.ID)
		}

		now := r.now()
		instance := &WorkflowInstance{
			TenantID:             tenantID,
			WorkflowDefinitionID: def.ID,
			DefinitionVersion:    def.Version,
			Status:               StatusRunning,
			CurrentNodeIDs:       []string{startNode.ID},
			Context:              InstanceContextFrom(initialContext),
			StartedBy:            startedBy,
			StartedAt:            &now,
		}

		if err := r.store.CreateInstance(ctx, instance); err != nil {
			return fmt.Errorf("create instance: %w", err)
		}

		op := &opState{
			tenantID: tenantID,
			graph:    graph,
			instance: instance,
			active:   newActiveSet(instance.CurrentNodeIDs),
		}
		runOp = op

		if err := r.recordEvent(ctx, op, EventTypeInstance, EventStarted, map[string]any{
			KeyDefinitionID: def.ID,
		}, &startedBy); err != nil {
			return err
		}

		r.metrics.instanceStarted(def.ID)

		if err := r.continueLoop(ctx, op); err != nil {
			return err
		}

		if err := r.flush(ctx, op); err != nil {
			return err
		}

		result = instance

		return nil
	})
	if err != nil {
		return nil, err
	}

	r.notifyInstance(ctx, result)

	return result, budgetErr(runOp)
}

// ContinueWorkflow resumes the continuation loop of a Running instance. It is
// a no-op for any other status.
func (r *Runtime) ContinueWorkflow(ctx context.Context, tenantID string, instanceID int64) error {
	var (
		settled *WorkflowInstance
		runOp   *opState
	)

	err := r.txManager.ReadCommitted(ctx, func(ctx context.Context) error {
		op, err := r.loadOp(ctx, tenantID, instanceID)
		if err != nil {
			return err
		}

		if op.instance.Status != StatusRunning {
			return nil
		}
		runOp = op

		if err := r.continueLoop(ctx, op); err != nil {
			return err
		}

		settled = op.instance

		return r.flush(ctx, op)
	})
	if err != nil {
		return err
	}

	r.notifyInstance(ctx, settled)

	return budgetErr(runOp)
}

// SignalWorkflow records a Signal event and continues the instance. Signals
// are informational triggers only; node executors interpret them via the
// context and event history.
func (r *Runtime) SignalWorkflow(
	ctx context.Context,
	tenantID string,
	instanceID int64,
	signalName string,
	data map[string]any,
	userID string,
) error {
	var (
		settled *WorkflowInstance
		runOp   *opState
	)

	err := r.txManager.ReadCommitted(ctx, func(ctx context.Context) error {
		op, err := r.loadOp(ctx, tenantID, instanceID)
		if err != nil {
			return err
		}
		runOp = op

		payload := map[string]any{KeySignal: signalName}
		for k, v := range data {
			payload[k] = v
		}

		if err := r.recordEvent(ctx, op, EventTypeSignal, EventSignalReceived, payload, &userID); err != nil {
			return err
		}

		if op.instance.Status == StatusRunning {
			if err := r.continueLoop(ctx, op); err != nil {
				return err
			}
		}

		settled = op.instance

		return r.flush(ctx, op)
	})
	if err != nil {
		return err
	}

	r.notifyInstance(ctx, settled)

	return budgetErr(runOp)
}

// CompleteTask finishes an open task and advances the instance past the
// task's node. A completion racing against an instance that already reached a
// terminal state is absorbed: the task is late-cancelled and no error is
// surfaced.
func (r *Runtime) CompleteTask(
	ctx context.Context,
	tenantID string,
	taskID int64,
	completionData json.RawMessage,
	completedBy string,
) error {
	var (
		settled *WorkflowInstance
		runOp   *opState
	)

	err := r.txManager.ReadCommitted(ctx, func(ctx context.Context) error {
		task, err := r.store.GetTask(ctx, tenantID, taskID)
		if err != nil {
			return fmt.Errorf("get task: %w", err)
		}

		op, err := r.loadOp(ctx, tenantID, task.InstanceID)
		if err != nil {
			return err
		}
		runOp = op

		if op.instance.Status.IsTerminal() {
			return r.lateCancelTask(ctx, op, task)
		}

		if op.instance.Status != StatusRunning {
			return fmt.Errorf("complete task %d: instance %d is %s: %w",
				taskID, op.instance.ID, op.instance.Status, ErrInvalidTransition)
		}

		if task.Status == TaskStatusCompleted {
			// Second completion of the same task is a no-op; it must not
			// produce a second advance.
			return nil
		}

		if !task.Completable() {
			return fmt.Errorf("complete task %d in status %s: %w", taskID, task.Status, ErrTaskNotCompletable)
		}

		now := r.now()
		task.Status = TaskStatusCompleted
		task.CompletionData = completionData
		task.CompletedBy = &completedBy
		task.CompletedAt = &now
		if err := r.store.UpdateTask(ctx, task); err != nil {
			return fmt.Errorf("update task: %w", err)
		}

		if err := r.recordEvent(ctx, op, EventTypeTask, EventTaskCompleted, map[string]any{
			KeyTaskID: task.ID,
			KeyNodeID: task.NodeID,
		}, &completedBy); err != nil {
			return err
		}

		r.metrics.taskCompleted()

		op.instance.Context.SetTaskResult(task.NodeID, completionData)
		op.active.Remove(task.NodeID)
		op.markDirty()

		if err := r.advance(ctx, op, task.NodeID, r.structuralTargets(op, task.NodeID), AdvanceModeTaskCompletion); err != nil {
			return err
		}

		if err := r.continueLoop(ctx, op); err != nil {
			return err
		}

		settled = op.instance

		return r.flush(ctx, op)
	})
	if err != nil {
		return err
	}

	r.notifyInstance(ctx, settled)
	r.notifyUser(ctx, tenantID, completedBy)

	return budgetErr(runOp)
}

// AssignTask moves a freshly created task to Assigned.
func (r *Runtime) AssignTask(ctx context.Context, tenantID string, taskID int64, assignee, byUser string) error {
	return r.taskTransition(ctx, tenantID, taskID, byUser, EventTaskAssigned, func(task *WorkflowTask) error {
		if task.Status != TaskStatusCreated {
			return fmt.Errorf("assign task %d in status %s: %w", taskID, task.Status, ErrInvalidTransition)
		}

		task.Status = TaskStatusAssigned
		task.AssignedTo = &assignee

		return nil
	})
}

// ClaimTask lets a user take an open task for themselves.
func (r *Runtime) ClaimTask(ctx context.Context, tenantID string, taskID int64, claimedBy string) error {
	return r.taskTransition(ctx, tenantID, taskID, claimedBy, EventTaskClaimed, func(task *WorkflowTask) error {
		if task.Status != TaskStatusCreated && task.Status != TaskStatusAssigned {
			return fmt.Errorf("claim task %d in status %s: %w", taskID, task.Status, ErrInvalidTransition)
		}

		task.Status = TaskStatusClaimed
		task.AssignedTo = &claimedBy

		return nil
	})
}

// StartTask moves a claimed task to InProgress.
func (r *Runtime) StartTask(ctx context.Context, tenantID string, taskID int64, byUser string) error {
	return r.taskTransition(ctx, tenantID, taskID, byUser, EventTaskStarted, func(task *WorkflowTask) error {
		if task.Status != TaskStatusClaimed {
			return fmt.Errorf("start task %d in status %s: %w", taskID, task.Status, ErrInvalidTransition)
		}

		task.Status = TaskStatusInProgress

		return nil
	})
}

func (r *Runtime) taskTransition(
	ctx context.Context,
	tenantID string,
	taskID int64,
	userID string,
	eventName string,
	mutate func(task *WorkflowTask) error,
) error {
	return r.txManager.ReadCommitted(ctx, func(ctx context.Context) error {
		task, err := r.store.GetTask(ctx, tenantID, taskID)
		if err != nil {
			return fmt.Errorf("get task: %w", err)
		}

		op, err := r.loadOp(ctx, tenantID, task.InstanceID)
		if err != nil {
			return err
		}

		if op.instance.Status != StatusRunning {
			return fmt.Errorf("task %d: instance %d is %s: %w",
				taskID, op.instance.ID, op.instance.Status, ErrInvalidTransition)
		}

		if err := mutate(task); err != nil {
			return err
		}

		if err := r.store.UpdateTask(ctx, task); err != nil {
			return fmt.Errorf("update task: %w", err)
		}

		return r.recordEvent(ctx, op, EventTypeTask, eventName, map[string]any{
			KeyTaskID: task.ID,
			KeyNodeID: task.NodeID,
		}, &userID)
	})
}

// CancelWorkflow cancels a non-terminal instance and all of its open tasks.
func (r *Runtime) CancelWorkflow(ctx context.Context, tenantID string, instanceID int64, userID, reason string) error {
	var settled *WorkflowInstance

	err := r.txManager.ReadCommitted(ctx, func(ctx context.Context) error {
		op, err := r.loadOp(ctx, tenantID, instanceID)
		if err != nil {
			return err
		}

		if op.instance.Status.IsTerminal() {
			return fmt.Errorf("cancel instance %d in status %s: %w", instanceID, op.instance.Status, ErrInvalidTransition)
		}

		now := r.now()
		op.instance.Status = StatusCancelled
		op.instance.CompletedAt = &now
		op.markDirty()

		if err := r.cancelOpenTasks(ctx, op, CancelReasonInstance); err != nil {
			return err
		}

		if err := r.recordEvent(ctx, op, EventTypeInstance, EventCancelled, map[string]any{
			KeyReason: reason,
		}, &userID); err != nil {
			return err
		}

		r.metrics.instanceCancelled(op.instance.WorkflowDefinitionID)

		settled = op.instance

		return r.flush(ctx, op)
	})
	if err != nil {
		return err
	}

	r.notifyInstance(ctx, settled)

	return nil
}

// RetryWorkflow moves a Failed instance back to Running, optionally resetting
// the active set to a single node, and resumes the continuation loop.
func (r *Runtime) RetryWorkflow(ctx context.Context, tenantID string, instanceID int64, resetNodeID, userID string) error {
	var (
		settled *WorkflowInstance
		runOp   *opState
	)

	err := r.txManager.ReadCommitted(ctx, func(ctx context.Context) error {
		op, err := r.loadOp(ctx, tenantID, instanceID)
		if err != nil {
			return err
		}

		if op.instance.Status != StatusFailed {
			return fmt.Errorf("retry instance %d in status %s: %w", instanceID, op.instance.Status, ErrInvalidTransition)
		}
		runOp = op

		op.instance.Status = StatusRunning
		op.instance.ErrorMessage = nil
		if resetNodeID != "" {
			op.active = newActiveSet([]string{resetNodeID})
		}
		op.markDirty()

		if err := r.recordEvent(ctx, op, EventTypeInstance, EventRetried, map[string]any{
			KeyRetryNode: resetNodeID,
		}, &userID); err != nil {
			return err
		}

		if err := r.continueLoop(ctx, op); err != nil {
			return err
		}

		settled = op.instance

		return r.flush(ctx, op)
	})
	if err != nil {
		return err
	}

	r.notifyInstance(ctx, settled)

	return budgetErr(runOp)
}

// SuspendWorkflow pauses a Running instance. Suspending an already suspended
// instance is a no-op.
func (r *Runtime) SuspendWorkflow(ctx context.Context, tenantID string, instanceID int64, userID string) error {
	return r.txManager.ReadCommitted(ctx, func(ctx context.Context) error {
		op, err := r.loadOp(ctx, tenantID, instanceID)
		if err != nil {
			return err
		}

		if op.instance.Status == StatusSuspended {
			return nil
		}
		if op.instance.Status != StatusRunning {
			return fmt.Errorf("suspend instance %d in status %s: %w", instanceID, op.instance.Status, ErrInvalidTransition)
		}

		op.instance.Status = StatusSuspended
		op.markDirty()

		if err := r.recordEvent(ctx, op, EventTypeInstance, EventSuspended, nil, &userID); err != nil {
			return err
		}

		return r.flush(ctx, op)
	})
}

// ResumeWorkflow resumes a Suspended instance. Resuming an already running
// instance is a no-op.
func (r *Runtime) ResumeWorkflow(ctx context.Context, tenantID string, instanceID int64, userID string) error {
	var (
		settled *WorkflowInstance
		runOp   *opState
	)

	err := r.txManager.ReadCommitted(ctx, func(ctx context.Context) error {
		op, err := r.loadOp(ctx, tenantID, instanceID)
		if err != nil {
			return err
		}

		if op.instance.Status == StatusRunning {
			return nil
		}
		if op.instance.Status != StatusSuspended {
			return fmt.Errorf("resume instance %d in status %s: %w", instanceID, op.instance.Status, ErrInvalidTransition)
		}
		runOp = op

		op.instance.Status = StatusRunning
		op.markDirty()

		if err := r.recordEvent(ctx, op, EventTypeInstance, EventResumed, nil, &userID); err != nil {
			return err
		}

		if err := r.continueLoop(ctx, op); err != nil {
			return err
		}

		settled = op.instance

		return r.flush(ctx, op)
	})
	if err != nil {
		return err
	}

	r.notifyInstance(ctx, settled)

	return budgetErr(runOp)
}

// GetInstance is a tenant-scoped read of a single instance.
func (r *Runtime) GetInstance(ctx context.Context, tenantID string, instanceID int64) (*WorkflowInstance, error) {
	return r.store.GetInstance(ctx, tenantID, instanceID)
}

// --- continuation loop ---

// continueLoop executes active nodes until no progress is made, the instance
// leaves Running, or the iteration budget is exhausted. The budget defends
// against cyclic graphs with no termination condition.
func (r *Runtime) continueLoop(ctx context.Context, op *opState) error {
	for iteration := 0; iteration < r.maxIterations; iteration++ {
		if op.instance.Status != StatusRunning {
			return nil
		}

		if op.active.Len() == 0 {
			return r.completeInstance(ctx, op)
		}

		progressed := false
		for _, nodeID := range op.active.Snapshot() {
			if op.instance.Status != StatusRunning {
				return nil
			}
			if !op.active.Contains(nodeID) {
				continue
			}

			didProgress, err := r.executeActiveNode(ctx, op, nodeID)
			if err != nil {
				return err
			}
			progressed = progressed || didProgress
		}

		if op.active.Len() == 0 && op.instance.Status == StatusRunning {
			return r.completeInstance(ctx, op)
		}

		if !progressed {
			return nil
		}
	}

	r.logger.Warn("continuation loop hit iteration budget, breaking",
		"instance_id", op.instance.ID, "iterations", r.maxIterations)

	if err := r.recordEvent(ctx, op, EventTypeInstance, EventSafetyBreak, map[string]any{
		KeyIterations: r.maxIterations,
	}, nil); err != nil {
		return err
	}

	// Returning an error here would roll the operation's transaction back and
	// lose the SafetyBreak event with it. The flag is surfaced as
	// ErrIterationBudget after commit.
	op.safetyBreak = true

	return nil
}

// budgetErr converts a committed safety break into the error callers observe.
func budgetErr(op *opState) error {
	if op == nil || !op.safetyBreak {
		return nil
	}

	return fmt.Errorf("instance %d: %w", op.instance.ID, ErrIterationBudget)
}

func (r *Runtime) executeActiveNode(ctx context.Context, op *opState, nodeID string) (bool, error) {
	node := op.graph.Node(nodeID)
	if node == nil {
		r.logger.Warn("active node missing from definition, dropping",
			"instance_id", op.instance.ID, "node_id", nodeID)
		op.active.Remove(nodeID)
		op.markDirty()

		return true, nil
	}

	if strings.EqualFold(node.Type, NodeTypeJoin) {
		// Joins advance on arrival, not in the loop; an unsatisfied join
		// parked in the active set makes no progress by itself.
		return false, nil
	}

	if strings.EqualFold(node.Type, NodeTypeGateway) {
		return true, r.executeGateway(ctx, op, node)
	}

	openTask, err := r.store.GetOpenTaskByNode(ctx, op.instance.ID, node.ID)
	if err != nil && !errors.Is(err, ErrEntityNotFound) {
		return false, fmt.Errorf("get open task for node %s: %w", node.ID, err)
	}
	if openTask != nil {
		return false, nil
	}

	return r.dispatchExecutor(ctx, op, node)
}

func (r *Runtime) dispatchExecutor(ctx context.Context, op *opState, node *Node) (bool, error) {
	executor := r.executors.Resolve(node.Type)
	if executor == nil {
		if strings.EqualFold(node.Type, NodeTypeEnd) {
			// Implicit no-op terminal: definitions need no trivial end
			// executor.
			op.active.Remove(node.ID)
			op.markDirty()

			return true, r.recordEvent(ctx, op, EventTypeNode, EventNodeExecuted, map[string]any{
				KeyNodeID:   node.ID,
				KeyNodeType: node.Type,
			}, nil)
		}

		return true, r.failNode(ctx, op, node,
			fmt.Sprintf("no executor registered for node type %q", node.Type), FailInstance)
	}

	result, err := r.safeExecute(ctx, executor, node, op)
	if err != nil {
		return true, r.failNode(ctx, op, node, err.Error(), FailInstance)
	}

	if !result.IsSuccess {
		action := result.FailureAction
		if action == "" {
			action = FailInstance
		}

		return true, r.failNode(ctx, op, node, result.ErrorMessage, action)
	}

	if result.UpdatedContext != nil {
		op.instance.Context.Merge(result.UpdatedContext)
		op.markDirty()
	}

	if result.ShouldWait {
		if result.CreatedTask != nil {
			if err := r.createTask(ctx, op, result.CreatedTask); err != nil {
				return false, err
			}
		}

		return true, nil
	}

	if err := r.recordEvent(ctx, op, EventTypeNode, EventNodeExecuted, map[string]any{
		KeyNodeID:   node.ID,
		KeyNodeType: node.Type,
	}, nil); err != nil {
		return false, err
	}

	op.active.Remove(node.ID)
	op.markDirty()

	targets := result.NextNodeIDs
	if len(targets) == 0 {
		targets = r.structuralTargets(op, node.ID)
	}

	return true, r.advance(ctx, op, node.ID, targets, AdvanceModeAuto)
}

// safeExecute runs an executor, converting a panic into an error routed
// through the ordinary failure path.
func (r *Runtime) safeExecute(
	ctx context.Context,
	executor NodeExecutor,
	node *Node,
	op *opState,
) (result *ExecutionResult, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			result = nil
			err = fmt.Errorf("panic executing node %q: %v", node.ID, rec)
		}
	}()

	result, err = executor.Execute(ctx, node, op.instance, op.instance.Context)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, fmt.Errorf("executor for node %q returned nil result", node.ID)
	}

	return result, nil
}

func (r *Runtime) executeGateway(ctx context.Context, op *opState, node *Node) error {
	resolution, err := r.gateway.Resolve(ctx, op.graph, node, op.instance.Context)
	if err != nil {
		return err
	}

	if err := r.recordEvent(ctx, op, EventTypeGateway, EventGatewayEvaluated, map[string]any{
		KeyNodeID:        node.ID,
		KeyStrategy:      resolution.Strategy,
		KeyTargets:       resolution.Targets,
		KeyOutgoingCount: resolution.OutgoingCount,
	}, nil); err != nil {
		return err
	}

	op.active.Remove(node.ID)
	op.markDirty()

	mode := AdvanceModeAuto
	if resolution.Parallel {
		mode = AdvanceModeAutoParallel

		op.instance.Context.PutParallelGroup(node.ID, newParallelGroup(resolution.Targets))
		if err := r.recordEvent(ctx, op, EventTypeGateway, EventParallelGroupCreated, map[string]any{
			KeyGatewayID: node.ID,
			KeyBranches:  resolution.Targets,
		}, nil); err != nil {
			return err
		}
	}

	return r.advance(ctx, op, node.ID, resolution.Targets, mode)
}

// advance moves control from one node to a set of targets, emitting an
// edge-traversal event per target and routing join targets through the
// synchronizer.
func (r *Runtime) advance(ctx context.Context, op *opState, fromNodeID string, targets []string, mode AdvanceMode) error {
	for _, target := range targets {
		data := map[string]any{
			KeySource: fromNodeID,
			KeyTarget: target,
			KeyMode:   string(mode),
		}
		if edgeID := r.edgeID(op, fromNodeID, target); edgeID != "" {
			data[KeyEdgeID] = edgeID
		}

		if err := r.recordEvent(ctx, op, EventTypeEdge, EventEdgeTraversed, data, nil); err != nil {
			return err
		}

		targetNode := op.graph.Node(target)
		if targetNode != nil && strings.EqualFold(targetNode.Type, NodeTypeJoin) {
			if err := r.joinArrival(ctx, op, targetNode, fromNodeID); err != nil {
				return err
			}

			continue
		}

		if op.active.Add(target) {
			op.markDirty()
		}
	}

	return nil
}

// joinArrival records a branch arrival into a join node and, on first
// satisfaction, advances past the join. A join reached without a parallel
// group fails open: it is treated as immediately satisfied rather than
// blocking the instance forever.
func (r *Runtime) joinArrival(ctx context.Context, op *opState, joinNode *Node, arrivingFrom string) error {
	gatewayID, group := r.joins.groupForJoin(op.graph, op.instance.Context, joinNode.ID, arrivingFrom)
	if group == nil {
		r.logger.Warn("join reached without parallel group, failing open",
			"instance_id", op.instance.ID, "node_id", joinNode.ID, "arriving_from", arrivingFrom)

		if err := r.recordEvent(ctx, op, EventTypeJoin, EventJoinSatisfied, map[string]any{
			KeyNodeID: joinNode.ID,
			KeyReason: "missing-parallel-group",
		}, nil); err != nil {
			return err
		}

		return r.advance(ctx, op, joinNode.ID, r.structuralTargets(op, joinNode.ID), AdvanceModeAuto)
	}

	branch := r.joins.branchForArrival(op.graph, gatewayID, group, joinNode.ID, arrivingFrom)
	newArrival := r.joins.recordArrival(group, joinNode, branch)
	op.markDirty()

	if err := r.recordEvent(ctx, op, EventTypeJoin, EventJoinArrival, map[string]any{
		KeyNodeID:   joinNode.ID,
		KeyBranch:   branch,
		KeyArrivals: group.Join.Arrivals,
	}, nil); err != nil {
		return err
	}

	if group.Join.Satisfied {
		// Already satisfied earlier: late arrivals are bookkeeping only.
		return nil
	}

	if !newArrival {
		return nil
	}

	ok, err := r.joins.satisfied(ctx, group)
	if err != nil {
		return fmt.Errorf("evaluate join %s: %w", joinNode.ID, err)
	}
	if !ok {
		// Park the join in the active set while it waits for the rest of
		// its branches.
		if op.active.Add(joinNode.ID) {
			op.markDirty()
		}

		return nil
	}

	now := r.now()
	group.Join.Satisfied = true
	group.Join.SatisfiedAt = &now
	op.markDirty()

	if err := r.recordEvent(ctx, op, EventTypeJoin, EventJoinSatisfied, map[string]any{
		KeyNodeID:    joinNode.ID,
		KeyGatewayID: gatewayID,
		KeyMode:      string(group.Join.Mode),
		KeyThreshold: effectiveQuorum(group.Join, len(group.Branches)),
		KeyBranches:  group.Branches,
		KeyArrivals:  group.Join.Arrivals,
	}, nil); err != nil {
		return err
	}

	if group.Join.CancelRemaining &&
		(group.Join.Mode == JoinModeAny || group.Join.Mode == JoinModeCount) {
		if err := r.cancelUnarrivedBranches(ctx, op, joinNode, group); err != nil {
			return err
		}
	}

	op.active.Remove(joinNode.ID)
	op.markDirty()

	return r.advance(ctx, op, joinNode.ID, r.structuralTargets(op, joinNode.ID), AdvanceModeAuto)
}

// cancelUnarrivedBranches sweeps the active set for nodes belonging to
// branches that never arrived, removing them and cancelling their open tasks.
func (r *Runtime) cancelUnarrivedBranches(ctx context.Context, op *opState, joinNode *Node, group *ParallelGroup) error {
	for _, branch := range r.joins.unarrivedBranches(group) {
		cancelled := false

		for _, nodeID := range op.active.Snapshot() {
			if !op.graph.Reachable(branch, nodeID) {
				continue
			}
			if strings.EqualFold(nodeID, joinNode.ID) {
				continue
			}

			op.active.Remove(nodeID)
			op.markDirty()
			cancelled = true

			task, err := r.store.GetOpenTaskByNode(ctx, op.instance.ID, nodeID)
			if err != nil && !errors.Is(err, ErrEntityNotFound) {
				return fmt.Errorf("get open task for branch %s: %w", branch, err)
			}
			if task != nil {
				if err := r.cancelTask(ctx, op, task, CancelReasonJoin); err != nil {
					return err
				}
			}
		}

		if err := r.recordEvent(ctx, op, EventTypeJoin, EventJoinBranchCancelled, map[string]any{
			KeyNodeID: joinNode.ID,
			KeyBranch: branch,
			KeyReason: CancelReasonJoin,
			"removed": cancelled,
		}, nil); err != nil {
			return err
		}
	}

	return nil
}

// --- failure & completion paths ---

func (r *Runtime) failNode(ctx context.Context, op *opState, node *Node, errMsg string, action FailureAction) error {
	if err := r.recordEvent(ctx, op, EventTypeNode, EventFailed, map[string]any{
		KeyNodeID:   node.ID,
		KeyNodeType: node.Type,
		KeyError:    errMsg,
	}, nil); err != nil {
		return err
	}

	switch action {
	case SuspendInstance:
		op.instance.Status = StatusSuspended
		op.markDirty()

		return r.recordEvent(ctx, op, EventTypeInstance, EventSuspended, map[string]any{
			KeyNodeID: node.ID,
			KeyError:  errMsg,
		}, nil)
	default:
		op.instance.Status = StatusFailed
		op.instance.ErrorMessage = &errMsg
		op.markDirty()

		r.metrics.instanceFailed(op.instance.WorkflowDefinitionID)

		return r.recordEvent(ctx, op, EventTypeInstance, EventFailed, map[string]any{
			KeyNodeID: node.ID,
			KeyError:  errMsg,
		}, nil)
	}
}

func (r *Runtime) completeInstance(ctx context.Context, op *opState) error {
	now := r.now()
	op.instance.Status = StatusCompleted
	op.instance.CompletedAt = &now
	op.markDirty()

	// Open tasks should not exist when the active set drained; cancel
	// defensively in case an executor created one without waiting.
	if err := r.cancelOpenTasks(ctx, op, CancelReasonDrainComplete); err != nil {
		return err
	}

	r.metrics.instanceCompleted(op.instance.WorkflowDefinitionID)

	return r.recordEvent(ctx, op, EventTypeInstance, EventCompleted, nil, nil)
}

// --- task helpers ---

// createTask persists an executor-proposed task unless an open task for the
// same (instance, node) already exists.
func (r *Runtime) createTask(ctx context.Context, op *opState, task *WorkflowTask) error {
	existing, err := r.store.GetOpenTaskByNode(ctx, op.instance.ID, task.NodeID)
	if err != nil && !errors.Is(err, ErrEntityNotFound) {
		return fmt.Errorf("check open task: %w", err)
	}
	if existing != nil {
		return nil
	}

	if err := r.store.CreateTask(ctx, task); err != nil {
		return fmt.Errorf("create task: %w", err)
	}

	data := map[string]any{
		KeyTaskID: task.ID,
		KeyNodeID: task.NodeID,
	}
	if task.AssignedTo != nil {
		data[KeyAssignee] = *task.AssignedTo
	}

	if err := r.recordEvent(ctx, op, EventTypeTask, EventTaskCreated, data, nil); err != nil {
		return err
	}

	r.metrics.taskCreated()

	if task.AssignedTo != nil {
		r.notifyUser(ctx, op.tenantID, *task.AssignedTo)
	}

	return nil
}

func (r *Runtime) cancelTask(ctx context.Context, op *opState, task *WorkflowTask, reason string) error {
	task.Status = TaskStatusCancelled
	task.CancelReason = &reason
	if err := r.store.UpdateTask(ctx, task); err != nil {
		return fmt.Errorf("cancel task %d: %w", task.ID, err)
	}

	return r.recordEvent(ctx, op, EventTypeTask, EventTaskCancelled, map[string]any{
		KeyTaskID: task.ID,
		KeyNodeID: task.NodeID,
		KeyReason: reason,
	}, nil)
}

func (r *Runtime) cancelOpenTasks(ctx context.Context, op *opState, reason string) error {
	tasks, err := r.store.GetOpenTasksByInstance(ctx, op.instance.ID)
	if err != nil {
		return fmt.Errorf("get open tasks: %w", err)
	}

	for _, task := range tasks {
		if err := r.cancelTask(ctx, op, task, reason); err != nil {
			return err
		}
	}

	return nil
}

// lateCancelTask absorbs a task completion that raced against the instance
// reaching a terminal state. The task is cancelled, not completed, and no
// error reaches the caller.
func (r *Runtime) lateCancelTask(ctx context.Context, op *opState, task *WorkflowTask) error {
	if !task.Status.IsOpen() {
		return nil
	}

	r.logger.Debug("task completion raced terminal instance, late-cancelling",
		"instance_id", op.instance.ID, "task_id", task.ID)

	return r.cancelTask(ctx, op, task, CancelReasonLateComplete)
}

// --- plumbing ---

func (r *Runtime) loadOp(ctx context.Context, tenantID string, instanceID int64) (*opState, error) {
	instance, err := r.store.GetInstance(ctx, tenantID, instanceID)
	if err != nil {
		if errors.Is(err, ErrEntityNotFound) {
			return nil, fmt.Errorf("workflow instance %d not found: %w", instanceID, err)
		}

		return nil, fmt.Errorf("get instance: %w", err)
	}

	def, err := r.store.GetWorkflowDefinition(ctx, tenantID, instance.WorkflowDefinitionID)
	if err != nil {
		return nil, fmt.Errorf("get workflow definition: %w", err)
	}

	if instance.Context == nil {
		instance.Context = NewInstanceContext()
	}

	return &opState{
		tenantID: tenantID,
		graph:    NewGraph(def),
		instance: instance,
		active:   newActiveSet(instance.CurrentNodeIDs),
	}, nil
}

// flush persists the instance row once per operation.
func (r *Runtime) flush(ctx context.Context, op *opState) error {
	if !op.dirty {
		return nil
	}

	op.instance.CurrentNodeIDs = op.active.IDs()
	op.instance.UpdatedAt = r.now()
	if err := r.store.UpdateInstance(ctx, op.instance); err != nil {
		return fmt.Errorf("update instance: %w", err)
	}
	op.dirty = false

	return nil
}

func (r *Runtime) structuralTargets(op *opState, nodeID string) []string {
	edges := op.graph.OutgoingEdges(nodeID)
	targets := make([]string, 0, len(edges))
	for _, edge := range edges {
		targets = append(targets, edge.Target)
	}

	return targets
}

func (r *Runtime) edgeID(op *opState, source, target string) string {
	for _, edge := range op.graph.OutgoingEdges(source) {
		if strings.EqualFold(edge.Target, target) {
			return edge.ID
		}
	}

	return ""
}

// recordEvent appends the audit event and its outbox row in the current
// transaction. Exactly one outbox message exists per event; the idempotency
// key lets downstream consumers deduplicate redeliveries.
func (r *Runtime) recordEvent(
	ctx context.Context,
	op *opState,
	eventType string,
	eventName string,
	data map[string]any,
	userID *string,
) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}

	event := &WorkflowEvent{
		InstanceID: op.instance.ID,
		TenantID:   op.tenantID,
		Type:       eventType,
		Name:       eventName,
		Data:       payload,
		UserID:     userID,
		OccurredAt: r.now(),
	}

	if err := r.store.AppendEvent(ctx, event); err != nil {
		return fmt.Errorf("append event: %w", err)
	}

	msg := &OutboxMessage{
		TenantID:       op.tenantID,
		EventType:      OutboxEventType(eventType, eventName),
		EventData:      payload,
		IdempotencyKey: uuid.NewString(),
	}

	if err := r.store.EnqueueOutbox(ctx, msg); err != nil {
		return fmt.Errorf("enqueue outbox: %w", err)
	}

	return nil
}

// Notification dispatch is best-effort: failures are logged at debug and must
// never fail or roll back a workflow operation.
func (r *Runtime) notifyInstance(ctx context.Context, instance *WorkflowInstance) {
	if instance == nil {
		return
	}

	if err := r.notifier.NotifyInstance(ctx, instance); err != nil {
		r.logger.Debug("notify instance failed", "instance_id", instance.ID, "error", err)
	}
	if err := r.notifier.NotifyInstancesChanged(ctx, instance.TenantID); err != nil {
		r.logger.Debug("notify instances changed failed", "tenant_id", instance.TenantID, "error", err)
	}
	if err := r.notifier.NotifyTenant(ctx, instance.TenantID); err != nil {
		r.logger.Debug("notify tenant failed", "tenant_id", instance.TenantID, "error", err)
	}
}

func (r *Runtime) notifyUser(ctx context.Context, tenantID, userID string) {
	if userID == "" {
		return
	}

	if err := r.notifier.NotifyUser(ctx, tenantID, userID); err != nil {
		r.logger.Debug("notify user failed", "tenant_id", tenantID, "user_id", userID, "error", err)
	}
}
