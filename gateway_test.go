package octoflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func approvalGatewayDefinition(t *testing.T) *WorkflowDefinition {
	t.Helper()

	def, err := NewBuilder(testTenant, "routing-flow", "Routing").
		Start("start").
		ExclusiveGateway("route").
		Detach().
		HumanTask("manual-review").
		Detach().
		End("auto-approved").
		ConditionalEdge("route", "manual-review", "amount > 1000").
		ConditionalEdge("route", "auto-approved", "amount <= 1000").
		Edge("manual-review", "auto-approved").
		Build()
	require.NoError(t, err)

	return def
}

func TestExclusiveGatewayRoutesByCondition(t *testing.T) {
	ctx := context.Background()
	runtime, store := newTestRuntime(t)
	mustRegister(t, runtime, approvalGatewayDefinition(t))

	// Small amount takes the auto path straight to completion.
	small, err := runtime.StartWorkflow(ctx, testTenant, "routing-flow", map[string]any{"amount": 250}, "alice")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, small.Status)

	tasks, err := store.ListTasksByInstance(ctx, small.ID)
	require.NoError(t, err)
	assert.Empty(t, tasks)

	// Large amount routes through manual review.
	large, err := runtime.StartWorkflow(ctx, testTenant, "routing-flow", map[string]any{"amount": 5000}, "alice")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, large.Status)
	assert.Equal(t, []string{"manual-review"}, large.CurrentNodeIDs)
}

func TestExclusiveGatewayFallsBackToFirstEdge(t *testing.T) {
	ctx := context.Background()
	runtime, _ := newTestRuntime(t)
	mustRegister(t, runtime, approvalGatewayDefinition(t))

	// No condition matches when the variable is absent; the first edge in
	// declaration order wins.
	instance, err := runtime.StartWorkflow(ctx, testTenant, "routing-flow", nil, "alice")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, instance.Status)
	assert.Equal(t, []string{"manual-review"}, instance.CurrentNodeIDs)
}

func TestGatewayRecordedDecisionWins(t *testing.T) {
	ctx := context.Background()
	runtime, _ := newTestRuntime(t)

	// The decision executor routes out-of-band; the gateway consults the
	// recorded decision before evaluating edge conditions.
	runtime.RegisterExecutor(&decisionExecutor{target: "auto-approved"})

	def, err := NewBuilder(testTenant, "decided-flow", "Decided").
		Start("start").
		Node("decide-route", "decision").
		ExclusiveGateway("route").
		Detach().
		HumanTask("manual-review").
		Detach().
		End("auto-approved").
		ConditionalEdge("route", "manual-review", "amount > 1000").
		ConditionalEdge("route", "auto-approved", "amount <= 1000").
		Edge("manual-review", "auto-approved").
		Build()
	require.NoError(t, err)
	mustRegister(t, runtime, def)

	// amount would route to manual review, but the recorded decision
	// overrides the conditions.
	instance, err := runtime.StartWorkflow(ctx, testTenant, "decided-flow", map[string]any{"amount": 5000}, "alice")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, instance.Status)
}

// decisionExecutor records a gateway decision for the downstream "route"
// gateway before control reaches it.
type decisionExecutor struct {
	target string
}

func (d *decisionExecutor) Matches(nodeType string) bool {
	return nodeType == "decision"
}

func (d *decisionExecutor) Execute(_ context.Context, _ *Node, _ *WorkflowInstance, ictx *InstanceContext) (*ExecutionResult, error) {
	ictx.RecordGatewayDecision("route", &GatewayDecision{
		Strategy: GatewayStrategyExclusive,
		Targets:  []string{d.target},
	})

	return SuccessResult(), nil
}

func TestParallelGatewayCreatesGroup(t *testing.T) {
	ctx := context.Background()
	runtime, store := newTestRuntime(t)

	def, err := NewBuilder(testTenant, "fanout-flow", "Fanout").
		Start("start").
		ParallelGateway("split").
		Detach().
		HumanTask("branch-a").
		Detach().
		HumanTask("branch-b").
		Detach().
		HumanTask("branch-c").
		Edge("split", "branch-a").
		Edge("split", "branch-b").
		Edge("split", "branch-c").
		Build()
	require.NoError(t, err)
	mustRegister(t, runtime, def)

	instance, err := runtime.StartWorkflow(ctx, testTenant, "fanout-flow", nil, "alice")
	require.NoError(t, err)
	require.Equal(t, StatusRunning, instance.Status)

	assert.ElementsMatch(t, []string{"branch-a", "branch-b", "branch-c"}, instance.CurrentNodeIDs)

	group, ok := instance.Context.ParallelGroup("split")
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"branch-a", "branch-b", "branch-c"}, group.Branches)
	assert.Len(t, group.Remaining, 3)
	assert.Empty(t, group.Completed)

	names := eventNames(t, store, instance.ID)
	assert.Contains(t, names, "Gateway.ParallelGroupCreated")

	// One open task per branch.
	open, err := store.GetOpenTasksByInstance(ctx, instance.ID)
	require.NoError(t, err)
	assert.Len(t, open, 3)
}
