package octoflow

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
)

// ExecutionResult is what a node executor proposes back to the runtime.
// Executors never write persistence themselves.
type ExecutionResult struct {
	IsSuccess bool
	// ShouldWait means a task was created (or the node otherwise blocks);
	// the runtime leaves the node in the active set and does not advance.
	ShouldWait bool
	// CreatedTask, when set, is persisted by the runtime. Duplicate open
	// tasks for the same (instance, node) are suppressed.
	CreatedTask *WorkflowTask
	// NextNodeIDs overrides structural edge resolution when non-empty.
	NextNodeIDs []string
	// UpdatedContext is a business-field patch merged into the instance
	// context.
	UpdatedContext map[string]any
	ErrorMessage   string
	FailureAction  FailureAction
}

func SuccessResult() *ExecutionResult {
	return &ExecutionResult{IsSuccess: true}
}

func WaitResult(task *WorkflowTask) *ExecutionResult {
	return &ExecutionResult{IsSuccess: true, ShouldWait: true, CreatedTask: task}
}

func FailureResult(message string, action FailureAction) *ExecutionResult {
	if action == "" {
		action = FailInstance
	}

	return &ExecutionResult{ErrorMessage: message, FailureAction: action}
}

// NodeExecutor executes one node type. Matches decides applicability; the
// registry consults executors in registration order and the first match wins.
type NodeExecutor interface {
	Matches(nodeType string) bool
	Execute(ctx context.Context, node *Node, instance *WorkflowInstance, ictx *InstanceContext) (*ExecutionResult, error)
}

// ExecutorRegistry is an explicit ordered registry of node executors.
type ExecutorRegistry struct {
	mu        sync.RWMutex
	executors []NodeExecutor
}

func NewExecutorRegistry() *ExecutorRegistry {
	return &ExecutorRegistry{}
}

func (r *ExecutorRegistry) Register(executor NodeExecutor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors = append(r.executors, executor)
}

// Resolve returns the first executor matching the node type, or nil.
func (r *ExecutorRegistry) Resolve(nodeType string) NodeExecutor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, executor := range r.executors {
		if executor.Matches(nodeType) {
			return executor
		}
	}

	return nil
}

// ActionHandler is the application-supplied implementation behind an
// automatic-action node, selected by the node's "handler" property.
type ActionHandler interface {
	Name() string
	Execute(ctx context.Context, instance *WorkflowInstance, params map[string]any, env map[string]any) (map[string]any, error)
}

type ActionHandlerFunc struct {
	name string
	fn   func(ctx context.Context, instance *WorkflowInstance, params map[string]any, env map[string]any) (map[string]any, error)
}

func NewActionHandlerFunc(
	name string,
	fn func(ctx context.Context, instance *WorkflowInstance, params map[string]any, env map[string]any) (map[string]any, error),
) *ActionHandlerFunc {
	return &ActionHandlerFunc{name: name, fn: fn}
}

func (h *ActionHandlerFunc) Name() string { return h.name }

func (h *ActionHandlerFunc) Execute(
	ctx context.Context,
	instance *WorkflowInstance,
	params map[string]any,
	env map[string]any,
) (map[string]any, error) {
	return h.fn(ctx, instance, params, env)
}

type noPanicActionHandler struct {
	handler ActionHandler
}

func wrapPanicHandler(handler ActionHandler) *noPanicActionHandler {
	return &noPanicActionHandler{handler: handler}
}

func (h *noPanicActionHandler) Name() string { return h.handler.Name() }

func (h *noPanicActionHandler) Execute(
	ctx context.Context,
	instance *WorkflowInstance,
	params map[string]any,
	env map[string]any,
) (out map[string]any, errRes error) {
	defer func() {
		if r := recover(); r != nil {
			errRes = fmt.Errorf("panic in handler %q: %v\n%s", h.handler.Name(), r, debug.Stack())
		}
	}()

	return h.handler.Execute(ctx, instance, params, env)
}

// --- built-in executors ---

type startExecutor struct{}

func (startExecutor) Matches(nodeType string) bool {
	return strings.EqualFold(nodeType, NodeTypeStart)
}

func (startExecutor) Execute(context.Context, *Node, *WorkflowInstance, *InstanceContext) (*ExecutionResult, error) {
	return SuccessResult(), nil
}

// humanTaskExecutor creates an open task for the node and waits for an
// external completion.
type humanTaskExecutor struct{}

func (humanTaskExecutor) Matches(nodeType string) bool {
	return strings.EqualFold(nodeType, NodeTypeHumanTask) || strings.EqualFold(nodeType, "userTask")
}

func (humanTaskExecutor) Execute(
	_ context.Context,
	node *Node,
	instance *WorkflowInstance,
	ictx *InstanceContext,
) (*ExecutionResult, error) {
	name := node.Name
	if name == "" {
		name = node.ID
	}

	payload, err := json.Marshal(ictx.Env())
	if err != nil {
		return nil, fmt.Errorf("marshal task payload: %w", err)
	}

	task := &WorkflowTask{
		InstanceID: instance.ID,
		TenantID:   instance.TenantID,
		NodeID:     node.ID,
		Name:       name,
		Kind:       TaskKindTask,
		Status:     TaskStatusCreated,
		Payload:    payload,
	}

	if assignee := node.StringProp(PropAssignee); assignee != "" {
		task.AssignedTo = &assignee
		task.Status = TaskStatusAssigned
	}

	return WaitResult(task), nil
}

// automaticExecutor runs a registered action handler named by the node's
// "handler" property and proposes the returned map as a context patch.
type automaticExecutor struct {
	handlers *ActionHandlerRegistry
}

func (e *automaticExecutor) Matches(nodeType string) bool {
	return strings.EqualFold(nodeType, NodeTypeAutomatic) || strings.EqualFold(nodeType, "serviceTask")
}

func (e *automaticExecutor) Execute(
	ctx context.Context,
	node *Node,
	instance *WorkflowInstance,
	ictx *InstanceContext,
) (*ExecutionResult, error) {
	handlerName := node.StringProp(PropHandler)
	if handlerName == "" {
		return FailureResult(fmt.Sprintf("automatic node %q has no handler property", node.ID), FailInstance), nil
	}

	handler, ok := e.handlers.Get(handlerName)
	if !ok {
		return FailureResult(fmt.Sprintf("handler not found: %s", handlerName), FailInstance), nil
	}

	patch, err := handler.Execute(ctx, instance, node.Properties, ictx.Env())
	if err != nil {
		return FailureResult(err.Error(), FailInstance), nil
	}

	result := SuccessResult()
	result.UpdatedContext = patch

	return result, nil
}

// timerExecutor creates a timer-kind task; an external scheduler completes it
// when the timer fires. Timer tasks are completable from any open state.
type timerExecutor struct{}

func (timerExecutor) Matches(nodeType string) bool {
	return strings.EqualFold(nodeType, NodeTypeTimer)
}

func (timerExecutor) Execute(
	_ context.Context,
	node *Node,
	instance *WorkflowInstance,
	ictx *InstanceContext,
) (*ExecutionResult, error) {
	payload, err := json.Marshal(node.Properties)
	if err != nil {
		return nil, fmt.Errorf("marshal timer payload: %w", err)
	}

	task := &WorkflowTask{
		InstanceID: instance.ID,
		TenantID:   instance.TenantID,
		NodeID:     node.ID,
		Name:       node.ID,
		Kind:       TaskKindTimer,
		Status:     TaskStatusCreated,
		Payload:    payload,
	}

	return WaitResult(task), nil
}

// ActionHandlerRegistry holds the named handlers behind automatic-action
// nodes. Handlers are panic-wrapped on registration.
type ActionHandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]ActionHandler
}

func NewActionHandlerRegistry() *ActionHandlerRegistry {
	return &ActionHandlerRegistry{handlers: make(map[string]ActionHandler)}
}

func (r *ActionHandlerRegistry) Register(handler ActionHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[handler.Name()] = wrapPanicHandler(handler)
}

func (r *ActionHandlerRegistry) Get(name string) (ActionHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handler, ok := r.handlers[name]

	return handler, ok
}
