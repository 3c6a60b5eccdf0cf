package octoflow

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTenant = "acme"

func newTestRuntime(t *testing.T, opts ...RuntimeOption) (*Runtime, *MemoryStore) {
	t.Helper()

	store := NewMemoryStore()
	runtime := NewRuntime(NewMemoryTxManager(), store, opts...)

	return runtime, store
}

func mustRegister(t *testing.T, runtime *Runtime, def *WorkflowDefinition) {
	t.Helper()

	ctx := context.Background()
	require.NoError(t, runtime.RegisterDefinition(ctx, def))
	require.NoError(t, runtime.store.PublishWorkflowDefinition(ctx, def.TenantID, def.ID))
}

func eventNames(t *testing.T, store *MemoryStore, instanceID int64) []string {
	t.Helper()

	events, err := store.ListEventsByInstance(context.Background(), instanceID)
	require.NoError(t, err)

	names := make([]string, 0, len(events))
	for _, event := range events {
		names = append(names, event.Type+"."+event.Name)
	}

	return names
}

func TestStartWorkflowRunsToCompletion(t *testing.T) {
	ctx := context.Background()
	runtime, store := newTestRuntime(t)

	runtime.RegisterActionHandler(NewActionHandlerFunc("mark-processed",
		func(_ context.Context, _ *WorkflowInstance, _ map[string]any, env map[string]any) (map[string]any, error) {
			amount, _ := env["amount"].(float64)

			return map[string]any{"processed": true, "total": amount * 2}, nil
		}))

	def, err := NewBuilder(testTenant, "order-flow", "Order Flow").
		Start("start").
		Automatic("process", "mark-processed").
		End("end").
		Build()
	require.NoError(t, err)
	mustRegister(t, runtime, def)

	instance, err := runtime.StartWorkflow(ctx, testTenant, "order-flow", map[string]any{"amount": 21.0}, "alice")
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, instance.Status)
	assert.Empty(t, instance.CurrentNodeIDs)
	assert.Equal(t, true, instance.Context.Business["processed"])
	assert.Equal(t, 42.0, instance.Context.Business["total"])
	assert.NotNil(t, instance.CompletedAt)

	names := eventNames(t, store, instance.ID)
	assert.Equal(t, "Instance.Started", names[0])
	assert.Equal(t, "Instance.Completed", names[len(names)-1])

	started, completed := 0, 0
	for _, name := range names {
		switch name {
		case "Instance.Started":
			started++
		case "Instance.Completed":
			completed++
		}
	}
	assert.Equal(t, 1, started)
	assert.Equal(t, 1, completed)
}

func TestStartWorkflowUnknownDefinition(t *testing.T) {
	runtime, _ := newTestRuntime(t)

	_, err := runtime.StartWorkflow(context.Background(), testTenant, "missing", nil, "alice")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEntityNotFound)
	assert.Contains(t, err.Error(), "not found")
}

func TestStartWorkflowUnpublishedDefinition(t *testing.T) {
	ctx := context.Background()
	runtime, _ := newTestRuntime(t)

	def, err := NewBuilder(testTenant, "draft-flow", "Draft").
		Start("start").
		End("end").
		Build()
	require.NoError(t, err)
	require.NoError(t, runtime.RegisterDefinition(ctx, def))

	_, err = runtime.StartWorkflow(ctx, testTenant, "draft-flow", nil, "alice")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotPublished)
	assert.Contains(t, err.Error(), "not found")
}

func TestHandlerErrorFailsInstance(t *testing.T) {
	ctx := context.Background()
	runtime, store := newTestRuntime(t)

	runtime.RegisterActionHandler(NewActionHandlerFunc("boom",
		func(context.Context, *WorkflowInstance, map[string]any, map[string]any) (map[string]any, error) {
			return nil, assert.AnError
		}))

	def, err := NewBuilder(testTenant, "failing-flow", "Failing").
		Start("start").
		Automatic("explode", "boom").
		End("end").
		Build()
	require.NoError(t, err)
	mustRegister(t, runtime, def)

	instance, err := runtime.StartWorkflow(ctx, testTenant, "failing-flow", nil, "alice")
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, instance.Status)
	require.NotNil(t, instance.ErrorMessage)
	assert.Contains(t, *instance.ErrorMessage, assert.AnError.Error())

	// Node failure is recorded before the instance failure.
	names := eventNames(t, store, instance.ID)
	nodeIdx, instIdx := -1, -1
	for i, name := range names {
		switch name {
		case "Node.Failed":
			nodeIdx = i
		case "Instance.Failed":
			instIdx = i
		}
	}
	require.GreaterOrEqual(t, nodeIdx, 0)
	require.GreaterOrEqual(t, instIdx, 0)
	assert.Less(t, nodeIdx, instIdx)
}

func TestHandlerPanicFailsInstance(t *testing.T) {
	ctx := context.Background()
	runtime, _ := newTestRuntime(t)

	runtime.RegisterActionHandler(NewActionHandlerFunc("panics",
		func(context.Context, *WorkflowInstance, map[string]any, map[string]any) (map[string]any, error) {
			panic("kaboom")
		}))

	def, err := NewBuilder(testTenant, "panic-flow", "Panic").
		Start("start").
		Automatic("explode", "panics").
		End("end").
		Build()
	require.NoError(t, err)
	mustRegister(t, runtime, def)

	instance, err := runtime.StartWorkflow(ctx, testTenant, "panic-flow", nil, "alice")
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, instance.Status)
	require.NotNil(t, instance.ErrorMessage)
	assert.Contains(t, *instance.ErrorMessage, "kaboom")
}

func TestSuspendFailureActionPreservesState(t *testing.T) {
	ctx := context.Background()
	runtime, _ := newTestRuntime(t)

	runtime.RegisterExecutor(&stubExecutor{
		nodeType: "flaky",
		result:   FailureResult("upstream unavailable", SuspendInstance),
	})

	def, err := NewBuilder(testTenant, "suspend-flow", "Suspend").
		Start("start").
		Node("call-upstream", "flaky").
		End("end").
		Build()
	require.NoError(t, err)
	mustRegister(t, runtime, def)

	instance, err := runtime.StartWorkflow(ctx, testTenant, "suspend-flow", nil, "alice")
	require.NoError(t, err)

	assert.Equal(t, StatusSuspended, instance.Status)
	assert.Nil(t, instance.ErrorMessage)
	assert.Contains(t, instance.CurrentNodeIDs, "call-upstream")
}

type stubExecutor struct {
	nodeType string
	result   *ExecutionResult
	calls    int
}

func (s *stubExecutor) Matches(nodeType string) bool {
	return nodeType == s.nodeType
}

func (s *stubExecutor) Execute(context.Context, *Node, *WorkflowInstance, *InstanceContext) (*ExecutionResult, error) {
	s.calls++

	return s.result, nil
}

// failOnErrorTxManager mimics a real transaction manager: a callback error
// means rollback, so it records every callback result for the test to check.
type failOnErrorTxManager struct {
	callbackErrs []error
}

func (m *failOnErrorTxManager) ReadCommitted(ctx context.Context, fn func(ctx context.Context) error) error {
	err := fn(ctx)
	m.callbackErrs = append(m.callbackErrs, err)

	return err
}

func TestIterationBudgetBreaksCycles(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	txm := &failOnErrorTxManager{}
	runtime := NewRuntime(txm, store, WithMaxIterations(10))

	runtime.RegisterActionHandler(NewActionHandlerFunc("noop",
		func(context.Context, *WorkflowInstance, map[string]any, map[string]any) (map[string]any, error) {
			return nil, nil
		}))

	def, err := NewBuilder(testTenant, "cyclic-flow", "Cyclic").
		Start("start").
		Automatic("ping", "noop").
		Automatic("pong", "noop").
		Edge("pong", "ping").
		Build()
	require.NoError(t, err)
	mustRegister(t, runtime, def)

	instance, err := runtime.StartWorkflow(ctx, testTenant, "cyclic-flow", nil, "alice")
	assert.ErrorIs(t, err, ErrIterationBudget)
	require.NotNil(t, instance)

	// The break surfaces after commit: no transaction callback errored, so
	// the settled instance and its SafetyBreak event survive a manager that
	// rolls back on error.
	for _, cbErr := range txm.callbackErrs {
		assert.NoError(t, cbErr)
	}

	persisted, err := store.GetInstance(ctx, testTenant, instance.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, persisted.Status)

	names := eventNames(t, store, instance.ID)
	assert.Contains(t, names, "Instance.SafetyBreak")

	// The persisted instance is still actionable.
	require.NoError(t, runtime.CancelWorkflow(ctx, testTenant, instance.ID, "alice", "runaway"))
}

func TestCancelWorkflow(t *testing.T) {
	ctx := context.Background()
	runtime, store := newTestRuntime(t)

	def, err := NewBuilder(testTenant, "approval-flow", "Approval").
		Start("start").
		HumanTask("approve").
		End("end").
		Build()
	require.NoError(t, err)
	mustRegister(t, runtime, def)

	instance, err := runtime.StartWorkflow(ctx, testTenant, "approval-flow", nil, "alice")
	require.NoError(t, err)
	require.Equal(t, StatusRunning, instance.Status)

	require.NoError(t, runtime.CancelWorkflow(ctx, testTenant, instance.ID, "bob", "no longer needed"))

	cancelled, err := store.GetInstance(ctx, testTenant, instance.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	assert.NotNil(t, cancelled.CompletedAt)

	tasks, err := store.GetOpenTasksByInstance(ctx, instance.ID)
	require.NoError(t, err)
	assert.Empty(t, tasks)

	all, err := store.ListTasksByInstance(ctx, instance.ID)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, TaskStatusCancelled, all[0].Status)
	require.NotNil(t, all[0].CancelReason)
	assert.Equal(t, CancelReasonInstance, *all[0].CancelReason)

	// Terminal instances reject a second cancel.
	err = runtime.CancelWorkflow(ctx, testTenant, instance.ID, "bob", "again")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestSuspendResumeWorkflow(t *testing.T) {
	ctx := context.Background()
	runtime, store := newTestRuntime(t)

	def, err := NewBuilder(testTenant, "pausable-flow", "Pausable").
		Start("start").
		HumanTask("review").
		End("end").
		Build()
	require.NoError(t, err)
	mustRegister(t, runtime, def)

	instance, err := runtime.StartWorkflow(ctx, testTenant, "pausable-flow", nil, "alice")
	require.NoError(t, err)

	require.NoError(t, runtime.SuspendWorkflow(ctx, testTenant, instance.ID, "ops"))
	// Suspending twice is a no-op.
	require.NoError(t, runtime.SuspendWorkflow(ctx, testTenant, instance.ID, "ops"))

	suspended, err := store.GetInstance(ctx, testTenant, instance.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSuspended, suspended.Status)

	// Task work is rejected while suspended.
	task, err := store.GetOpenTaskByNode(ctx, instance.ID, "review")
	require.NoError(t, err)
	err = runtime.ClaimTask(ctx, testTenant, task.ID, "carol")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	require.NoError(t, runtime.ResumeWorkflow(ctx, testTenant, instance.ID, "ops"))
	// Resuming a running instance is a no-op.
	require.NoError(t, runtime.ResumeWorkflow(ctx, testTenant, instance.ID, "ops"))

	resumed, err := store.GetInstance(ctx, testTenant, instance.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, resumed.Status)
}

func TestRetryWorkflowFromFailed(t *testing.T) {
	ctx := context.Background()
	runtime, store := newTestRuntime(t)

	shouldFail := true
	runtime.RegisterActionHandler(NewActionHandlerFunc("sometimes",
		func(context.Context, *WorkflowInstance, map[string]any, map[string]any) (map[string]any, error) {
			if shouldFail {
				return nil, errors.New("transient failure")
			}

			return map[string]any{"done": true}, nil
		}))

	def, err := NewBuilder(testTenant, "retryable-flow", "Retryable").
		Start("start").
		Automatic("work", "sometimes").
		End("end").
		Build()
	require.NoError(t, err)
	mustRegister(t, runtime, def)

	instance, err := runtime.StartWorkflow(ctx, testTenant, "retryable-flow", nil, "alice")
	require.NoError(t, err)
	require.Equal(t, StatusFailed, instance.Status)

	// Retry is only valid from Failed.
	err = runtime.RetryWorkflow(ctx, testTenant, instance.ID, "", "ops")
	require.NoError(t, err)

	retried, err := store.GetInstance(ctx, testTenant, instance.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, retried.Status)

	shouldFail = false
	require.NoError(t, runtime.RetryWorkflow(ctx, testTenant, instance.ID, "work", "ops"))

	recovered, err := store.GetInstance(ctx, testTenant, instance.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, recovered.Status)
	assert.Nil(t, recovered.ErrorMessage)
	assert.Equal(t, true, recovered.Context.Business["done"])

	// Retrying a completed instance is rejected.
	err = runtime.RetryWorkflow(ctx, testTenant, instance.ID, "", "ops")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestSignalWorkflowRecordsEvent(t *testing.T) {
	ctx := context.Background()
	runtime, store := newTestRuntime(t)

	def, err := NewBuilder(testTenant, "signal-flow", "Signal").
		Start("start").
		HumanTask("wait").
		End("end").
		Build()
	require.NoError(t, err)
	mustRegister(t, runtime, def)

	instance, err := runtime.StartWorkflow(ctx, testTenant, "signal-flow", nil, "alice")
	require.NoError(t, err)

	err = runtime.SignalWorkflow(ctx, testTenant, instance.ID, "document-uploaded", map[string]any{"doc": "f-42"}, "bob")
	require.NoError(t, err)

	names := eventNames(t, store, instance.ID)
	assert.Contains(t, names, "Signal.Received")
}

func TestContinueWorkflowNonRunningIsNoOp(t *testing.T) {
	ctx := context.Background()
	runtime, store := newTestRuntime(t)

	def, err := NewBuilder(testTenant, "short-flow", "Short").
		Start("start").
		End("end").
		Build()
	require.NoError(t, err)
	mustRegister(t, runtime, def)

	instance, err := runtime.StartWorkflow(ctx, testTenant, "short-flow", nil, "alice")
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, instance.Status)

	before := len(eventNames(t, store, instance.ID))
	require.NoError(t, runtime.ContinueWorkflow(ctx, testTenant, instance.ID))
	assert.Equal(t, before, len(eventNames(t, store, instance.ID)))
}
