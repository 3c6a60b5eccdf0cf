package octoflow

import (
	"context"
	"math"
	"sort"
	"strings"
)

// joinSynchronizer tracks arrivals into join nodes against the parallel
// group created at fan-out and decides satisfaction per the configured mode.
type joinSynchronizer struct {
	evaluator ConditionEvaluator
}

func newJoinSynchronizer(evaluator ConditionEvaluator) *joinSynchronizer {
	return &joinSynchronizer{evaluator: evaluator}
}

// joinStateFromNode captures the join configuration off the node's property
// bag. Timeout fields are carried as metadata only; nothing in this core
// triggers them.
func joinStateFromNode(node *Node) *JoinState {
	mode := JoinMode(strings.ToLower(node.StringProp(PropJoinMode)))
	switch mode {
	case JoinModeAll, JoinModeAny, JoinModeCount, JoinModeQuorum, JoinModeExpression:
	default:
		mode = JoinModeAll
	}

	return &JoinState{
		Mode:             mode,
		CancelRemaining:  boolProp(node.Properties, PropCancelRemaining),
		Count:            intProp(node.Properties, PropCount),
		ThresholdCount:   intProp(node.Properties, PropThresholdCount),
		ThresholdPercent: floatProp(node.Properties, PropThresholdPercent),
		Expression:       node.StringProp(PropExpression),
		Arrivals:         []string{},
		TimeoutSeconds:   intProp(node.Properties, PropTimeoutSeconds),
		OnTimeout:        node.StringProp(PropOnTimeout),
		TimeoutTarget:    node.StringProp(PropTimeoutTarget),
	}
}

// groupForJoin locates the parallel group an arrival belongs to. An arrival
// coming straight from the gateway that owns a group is a zero-length branch
// whose entry point is the join itself; otherwise the arrival belongs to the
// group with a branch whose subtree contains the arriving node. Groups are
// scanned in sorted gateway-ID order for determinism. A missing group is the
// caller's fail-open case.
func (j *joinSynchronizer) groupForJoin(
	graph *Graph,
	ictx *InstanceContext,
	joinNodeID string,
	arrivingFrom string,
) (string, *ParallelGroup) {
	gatewayIDs := make([]string, 0, len(ictx.ParallelGroups))
	for id := range ictx.ParallelGroups {
		if strings.Contains(id, archivedGroupSep) {
			// Superseded generations are audit records only.
			continue
		}
		gatewayIDs = append(gatewayIDs, id)
	}
	sort.Strings(gatewayIDs)

	// The gateway that owns a group wins over any subtree containment, so a
	// nested fan-out's direct edge credits its own group.
	for _, gatewayID := range gatewayIDs {
		group := ictx.ParallelGroups[gatewayID]
		if strings.EqualFold(arrivingFrom, gatewayID) && containsBranch(group.Branches, joinNodeID) {
			return gatewayID, group
		}
	}

	for _, gatewayID := range gatewayIDs {
		group := ictx.ParallelGroups[gatewayID]
		for _, branch := range group.Branches {
			if graph.Reachable(branch, arrivingFrom) {
				return gatewayID, group
			}
		}
	}

	return "", nil
}

// branchForArrival credits an arrival to the fan-out branch whose subtree
// contains the arriving node. An arrival from the owning gateway itself is
// credited to the join's own zero-length branch. When no branch matches, the
// arriving node ID itself is used; count/any modes still make progress that
// way.
func (j *joinSynchronizer) branchForArrival(
	graph *Graph,
	gatewayID string,
	group *ParallelGroup,
	joinNodeID string,
	arrivingFrom string,
) string {
	if strings.EqualFold(arrivingFrom, gatewayID) && containsBranch(group.Branches, joinNodeID) {
		return joinNodeID
	}

	for _, branch := range group.Branches {
		if graph.Reachable(branch, arrivingFrom) {
			return branch
		}
	}

	return arrivingFrom
}

func containsBranch(branches []string, nodeID string) bool {
	for _, branch := range branches {
		if strings.EqualFold(branch, nodeID) {
			return true
		}
	}

	return false
}

// recordArrival marks a branch as arrived, idempotently. It reports whether
// the arrival was new.
func (j *joinSynchronizer) recordArrival(group *ParallelGroup, joinNode *Node, branch string) bool {
	if group.Join == nil {
		group.Join = joinStateFromNode(joinNode)
	}

	for _, arrived := range group.Join.Arrivals {
		if strings.EqualFold(arrived, branch) {
			return false
		}
	}
	group.Join.Arrivals = append(group.Join.Arrivals, branch)

	for i, remaining := range group.Remaining {
		if strings.EqualFold(remaining, branch) {
			group.Remaining = append(group.Remaining[:i], group.Remaining[i+1:]...)

			break
		}
	}
	group.Completed = append(group.Completed, branch)

	return true
}

// satisfied evaluates the join's satisfaction policy against the current
// arrival set. A join already satisfied stays satisfied.
func (j *joinSynchronizer) satisfied(ctx context.Context, group *ParallelGroup) (bool, error) {
	js := group.Join
	if js == nil {
		return false, nil
	}
	if js.Satisfied {
		return true, nil
	}

	total := len(group.Branches)
	arrived := len(js.Arrivals)

	switch js.Mode {
	case JoinModeAll:
		return j.allArrived(group), nil
	case JoinModeAny:
		return arrived >= 1, nil
	case JoinModeCount:
		return js.Count > 0 && arrived >= js.Count, nil
	case JoinModeQuorum:
		return arrived >= effectiveQuorum(js, total), nil
	case JoinModeExpression:
		env := map[string]any{
			"mode":       string(js.Mode),
			"total":      total,
			"arrived":    arrived,
			"remaining":  total - arrived,
			"arrivedIds": append([]string(nil), js.Arrivals...),
			"branchIds":  append([]string(nil), group.Branches...),
		}

		return j.evaluator.Evaluate(ctx, js.Expression, env)
	default:
		return j.allArrived(group), nil
	}
}

func (j *joinSynchronizer) allArrived(group *ParallelGroup) bool {
	for _, branch := range group.Branches {
		found := false
		for _, arrived := range group.Join.Arrivals {
			if strings.EqualFold(arrived, branch) {
				found = true

				break
			}
		}
		if !found {
			return false
		}
	}

	return true
}

// effectiveQuorum computes the arrival threshold for quorum mode: a positive
// thresholdCount wins, else ceil(total * thresholdPercent / 100), else all
// branches.
func effectiveQuorum(js *JoinState, total int) int {
	if js.ThresholdCount > 0 {
		return js.ThresholdCount
	}
	if js.ThresholdPercent > 0 {
		return int(math.Ceil(float64(total) * js.ThresholdPercent / 100))
	}

	return total
}

// unarrivedBranches lists the branches that never arrived, used for
// cancel-remaining sweeps.
func (j *joinSynchronizer) unarrivedBranches(group *ParallelGroup) []string {
	var out []string
	for _, branch := range group.Branches {
		arrived := false
		for _, a := range group.Join.Arrivals {
			if strings.EqualFold(a, branch) {
				arrived = true

				break
			}
		}
		if !arrived {
			out = append(out, branch)
		}
	}

	return out
}
