package octoflow

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstanceContextSerializationRoundTrip(t *testing.T) {
	ictx := InstanceContextFrom(map[string]any{"amount": 99.5, "customer": "c-1"})
	ictx.RecordGatewayDecision("Route", &GatewayDecision{
		Strategy: GatewayStrategyExclusive,
		Targets:  []string{"approve"},
	})
	ictx.PutParallelGroup("split", newParallelGroup([]string{"a", "b"}))

	raw, err := json.Marshal(ictx)
	require.NoError(t, err)

	// Engine state serializes flat next to the business fields, under
	// reserved keys.
	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Contains(t, doc, "amount")
	assert.Contains(t, doc, "customer")
	assert.Contains(t, doc, "_gatewayDecisions")
	assert.Contains(t, doc, "_parallelGroups")

	var restored InstanceContext
	require.NoError(t, json.Unmarshal(raw, &restored))

	assert.Equal(t, 99.5, restored.Business["amount"])
	assert.NotContains(t, restored.Business, "_gatewayDecisions")
	assert.NotContains(t, restored.Business, "_parallelGroups")

	decision, ok := restored.GatewayDecision("route")
	require.True(t, ok)
	assert.Equal(t, []string{"approve"}, decision.Targets)

	group, ok := restored.ParallelGroup("split")
	require.True(t, ok)
	assert.Equal(t, []string{"a", "b"}, group.Branches)
}

func TestInstanceContextMergeSkipsEngineKeys(t *testing.T) {
	ictx := NewInstanceContext()
	ictx.Merge(map[string]any{
		"status":            "ok",
		"_gatewayDecisions": "poison",
		"_parallelGroups":   "poison",
	})

	assert.Equal(t, "ok", ictx.Business["status"])
	assert.NotContains(t, ictx.Business, "_gatewayDecisions")
	assert.NotContains(t, ictx.Business, "_parallelGroups")
	assert.Empty(t, ictx.GatewayDecisions)
	assert.Empty(t, ictx.ParallelGroups)
}

func TestInstanceContextSetTaskResult(t *testing.T) {
	ictx := NewInstanceContext()

	ictx.SetTaskResult("approve", json.RawMessage(`{"approved": true}`))
	result, ok := ictx.Business["task_approve"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, result["approved"])

	// Non-JSON payloads are preserved as strings.
	ictx.SetTaskResult("raw", json.RawMessage(`not-json`))
	assert.Equal(t, "not-json", ictx.Business["task_raw"])
}

func TestInstanceContextClone(t *testing.T) {
	ictx := InstanceContextFrom(map[string]any{"n": 1.0})
	ictx.PutParallelGroup("split", newParallelGroup([]string{"a"}))

	clone := ictx.Clone()
	clone.Business["n"] = 2.0
	group, ok := clone.ParallelGroup("split")
	require.True(t, ok)
	group.Completed = append(group.Completed, "a")

	assert.Equal(t, 1.0, ictx.Business["n"])
	original, _ := ictx.ParallelGroup("split")
	assert.Empty(t, original.Completed)
}

func TestPutParallelGroupPreservesPriorGenerations(t *testing.T) {
	ictx := NewInstanceContext()

	first := newParallelGroup([]string{"a", "b"})
	ictx.PutParallelGroup("split", first)
	first.Join = &JoinState{Mode: JoinModeAll, Arrivals: []string{"a"}}

	second := newParallelGroup([]string{"a", "b"})
	ictx.PutParallelGroup("split", second)
	third := newParallelGroup([]string{"a", "b"})
	ictx.PutParallelGroup("split", third)

	live, ok := ictx.ParallelGroup("split")
	require.True(t, ok)
	assert.Same(t, third, live)

	// Superseded generations keep their arrival history.
	archived, ok := ictx.ParallelGroups["split"+archivedGroupSep+"1"]
	require.True(t, ok)
	assert.Same(t, first, archived)
	assert.Equal(t, []string{"a"}, archived.Join.Arrivals)

	_, ok = ictx.ParallelGroups["split"+archivedGroupSep+"2"]
	assert.True(t, ok)
}
