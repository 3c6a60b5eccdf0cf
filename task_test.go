package octoflow

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func claimAndComplete(t *testing.T, runtime *Runtime, task *WorkflowTask, user string, data map[string]any) {
	t.Helper()

	ctx := context.Background()
	require.NoError(t, runtime.ClaimTask(ctx, testTenant, task.ID, user))

	var raw json.RawMessage
	if data != nil {
		var err error
		raw, err = json.Marshal(data)
		require.NoError(t, err)
	}
	require.NoError(t, runtime.CompleteTask(ctx, testTenant, task.ID, raw, user))
}

func TestHumanTaskLifecycle(t *testing.T) {
	ctx := context.Background()
	runtime, store := newTestRuntime(t)

	def, err := NewBuilder(testTenant, "review-flow", "Review").
		Start("start").
		HumanTask("review").
		End("end").
		Build()
	require.NoError(t, err)
	mustRegister(t, runtime, def)

	instance, err := runtime.StartWorkflow(ctx, testTenant, "review-flow", map[string]any{"doc": "d-1"}, "alice")
	require.NoError(t, err)
	require.Equal(t, StatusRunning, instance.Status)
	assert.Equal(t, []string{"review"}, instance.CurrentNodeIDs)

	task, err := store.GetOpenTaskByNode(ctx, instance.ID, "review")
	require.NoError(t, err)
	assert.Equal(t, TaskStatusCreated, task.Status)

	// Created tasks cannot be completed before a claim.
	err = runtime.CompleteTask(ctx, testTenant, task.ID, nil, "bob")
	assert.ErrorIs(t, err, ErrTaskNotCompletable)

	require.NoError(t, runtime.AssignTask(ctx, testTenant, task.ID, "bob", "manager"))
	task, err = store.GetTask(ctx, testTenant, task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskStatusAssigned, task.Status)
	require.NotNil(t, task.AssignedTo)
	assert.Equal(t, "bob", *task.AssignedTo)

	require.NoError(t, runtime.ClaimTask(ctx, testTenant, task.ID, "bob"))
	require.NoError(t, runtime.StartTask(ctx, testTenant, task.ID, "bob"))

	// StartTask requires Claimed; a second start is rejected.
	err = runtime.StartTask(ctx, testTenant, task.ID, "bob")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	completion := json.RawMessage(`{"approved": true}`)
	require.NoError(t, runtime.CompleteTask(ctx, testTenant, task.ID, completion, "bob"))

	done, err := store.GetInstance(ctx, testTenant, instance.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)

	// The completion payload lands under the task result key, the
	// business fields stay untouched.
	result, ok := done.Context.Business["task_review"]
	require.True(t, ok)
	resultMap, ok := result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, resultMap["approved"])
	assert.Equal(t, "d-1", done.Context.Business["doc"])
}

func TestCompleteTaskIdempotent(t *testing.T) {
	ctx := context.Background()
	runtime, store := newTestRuntime(t)

	def, err := NewBuilder(testTenant, "double-complete", "Double Complete").
		Start("start").
		HumanTask("check").
		HumanTask("final").
		End("end").
		Build()
	require.NoError(t, err)
	mustRegister(t, runtime, def)

	instance, err := runtime.StartWorkflow(ctx, testTenant, "double-complete", nil, "alice")
	require.NoError(t, err)

	task, err := store.GetOpenTaskByNode(ctx, instance.ID, "check")
	require.NoError(t, err)
	claimAndComplete(t, runtime, task, "bob", nil)

	eventsAfterFirst := len(eventNames(t, store, instance.ID))

	// A replayed completion of the same task must not advance again.
	require.NoError(t, runtime.CompleteTask(ctx, testTenant, task.ID, nil, "bob"))
	assert.Equal(t, eventsAfterFirst, len(eventNames(t, store, instance.ID)))

	open, err := store.GetOpenTasksByInstance(ctx, instance.ID)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "final", open[0].NodeID)
}

func TestOpenTaskDedupe(t *testing.T) {
	ctx := context.Background()
	runtime, store := newTestRuntime(t)

	def, err := NewBuilder(testTenant, "dedupe-flow", "Dedupe").
		Start("start").
		HumanTask("review").
		End("end").
		Build()
	require.NoError(t, err)
	mustRegister(t, runtime, def)

	instance, err := runtime.StartWorkflow(ctx, testTenant, "dedupe-flow", nil, "alice")
	require.NoError(t, err)

	// Additional continuations must not create a second open task for the
	// same node.
	require.NoError(t, runtime.ContinueWorkflow(ctx, testTenant, instance.ID))
	require.NoError(t, runtime.ContinueWorkflow(ctx, testTenant, instance.ID))

	tasks, err := store.ListTasksByInstance(ctx, instance.ID)
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}

func TestLateTaskCompletionAbsorbed(t *testing.T) {
	ctx := context.Background()
	runtime, store := newTestRuntime(t)

	def, err := NewBuilder(testTenant, "race-flow", "Race").
		Start("start").
		HumanTask("review").
		End("end").
		Build()
	require.NoError(t, err)
	mustRegister(t, runtime, def)

	instance, err := runtime.StartWorkflow(ctx, testTenant, "race-flow", nil, "alice")
	require.NoError(t, err)

	task, err := store.GetOpenTaskByNode(ctx, instance.ID, "review")
	require.NoError(t, err)
	require.NoError(t, runtime.ClaimTask(ctx, testTenant, task.ID, "bob"))

	require.NoError(t, runtime.CancelWorkflow(ctx, testTenant, instance.ID, "ops", "timeout"))

	// The task was cancelled with the instance; a racing completion that
	// arrives afterwards is absorbed without an error.
	require.NoError(t, runtime.CompleteTask(ctx, testTenant, task.ID, nil, "bob"))

	final, err := store.GetTask(ctx, testTenant, task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskStatusCancelled, final.Status)
}

func TestTimerTaskCompletableWithoutClaim(t *testing.T) {
	ctx := context.Background()
	runtime, store := newTestRuntime(t)

	def, err := NewBuilder(testTenant, "timer-flow", "Timer").
		Start("start").
		Timer("wait-24h").
		End("end").
		Build()
	require.NoError(t, err)
	mustRegister(t, runtime, def)

	instance, err := runtime.StartWorkflow(ctx, testTenant, "timer-flow", nil, "alice")
	require.NoError(t, err)
	require.Equal(t, StatusRunning, instance.Status)

	task, err := store.GetOpenTaskByNode(ctx, instance.ID, "wait-24h")
	require.NoError(t, err)
	assert.Equal(t, TaskKindTimer, task.Kind)
	assert.Equal(t, TaskStatusCreated, task.Status)

	// The scheduler completes timer tasks directly, with no claim step.
	require.NoError(t, runtime.CompleteTask(ctx, testTenant, task.ID, nil, "scheduler"))

	done, err := store.GetInstance(ctx, testTenant, instance.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
}

func TestAssignedTaskFromNodeProperty(t *testing.T) {
	ctx := context.Background()
	runtime, store := newTestRuntime(t)

	def, err := NewBuilder(testTenant, "assigned-flow", "Assigned").
		Start("start").
		HumanTask("sign-off").WithAssignee("carol").
		End("end").
		Build()
	require.NoError(t, err)
	mustRegister(t, runtime, def)

	instance, err := runtime.StartWorkflow(ctx, testTenant, "assigned-flow", nil, "alice")
	require.NoError(t, err)

	task, err := store.GetOpenTaskByNode(ctx, instance.ID, "sign-off")
	require.NoError(t, err)
	assert.Equal(t, TaskStatusAssigned, task.Status)
	require.NotNil(t, task.AssignedTo)
	assert.Equal(t, "carol", *task.AssignedTo)
}
