package octoflow

import (
	"context"
	"log/slog"
	"strings"
)

const (
	GatewayStrategyExclusive = "exclusive"
	GatewayStrategyParallel  = "parallel"
)

// gatewayResolution is the outcome of resolving a gateway node's outgoing
// routing.
type gatewayResolution struct {
	Strategy      string
	Targets       []string
	OutgoingCount int
	Parallel      bool
	// Recorded is true when a pre-computed decision from the instance
	// context was used instead of the declared strategy.
	Recorded bool
}

// gatewayResolver determines outgoing targets for gateway nodes. A decision
// recorded in the instance context wins; otherwise the node's declared
// strategy is applied to the structural edges.
type gatewayResolver struct {
	evaluator ConditionEvaluator
	logger    *slog.Logger
}

func newGatewayResolver(evaluator ConditionEvaluator, logger *slog.Logger) *gatewayResolver {
	return &gatewayResolver{evaluator: evaluator, logger: logger}
}

func (r *gatewayResolver) Resolve(
	ctx context.Context,
	graph *Graph,
	node *Node,
	ictx *InstanceContext,
) (*gatewayResolution, error) {
	edges := graph.OutgoingEdges(node.ID)

	if decision, ok := ictx.GatewayDecision(node.ID); ok {
		return &gatewayResolution{
			Strategy:      decision.Strategy,
			Targets:       append([]string(nil), decision.Targets...),
			OutgoingCount: len(edges),
			Parallel:      strings.EqualFold(decision.Strategy, GatewayStrategyParallel),
			Recorded:      true,
		}, nil
	}

	strategy := declaredStrategy(node)

	if strings.EqualFold(strategy, GatewayStrategyParallel) {
		targets := make([]string, 0, len(edges))
		for _, edge := range edges {
			targets = append(targets, edge.Target)
		}

		return &gatewayResolution{
			Strategy:      GatewayStrategyParallel,
			Targets:       targets,
			OutgoingCount: len(edges),
			Parallel:      true,
		}, nil
	}

	if len(edges) == 0 {
		return &gatewayResolution{Strategy: strategy, OutgoingCount: 0}, nil
	}

	// Conditional edges are consulted in definition order; an edge with no
	// condition matches unconditionally. When nothing matches, the first
	// structural edge is the fall-open default.
	target := edges[0].Target
	matched := false
	for _, edge := range edges {
		if edge.Condition == "" {
			target = edge.Target
			matched = true

			break
		}

		ok, err := r.evaluator.Evaluate(ctx, edge.Condition, ictx.Env())
		if err != nil {
			r.logger.Warn("gateway edge condition failed, skipping edge",
				"node_id", node.ID, "edge_id", edge.ID, "error", err)

			continue
		}
		if ok {
			target = edge.Target
			matched = true

			break
		}
	}

	if !matched {
		r.logger.Debug("gateway had no matching edge, falling back to first structural edge",
			"node_id", node.ID, "strategy", strategy)
	}

	return &gatewayResolution{
		Strategy:      strategy,
		Targets:       []string{target},
		OutgoingCount: len(edges),
	}, nil
}

// declaredStrategy reads the routing strategy off the node: the "strategy"
// property, else a property-bag scan for "kind", else "gatewayType",
// defaulting to exclusive.
func declaredStrategy(node *Node) string {
	if s := node.StringProp(PropStrategy); s != "" {
		return s
	}
	if s := node.StringProp(PropKind); s != "" {
		return s
	}
	if s := node.StringProp(PropGatewayType); s != "" {
		return s
	}

	return GatewayStrategyExclusive
}

// newParallelGroup registers the bookkeeping for a parallel fan-out.
func newParallelGroup(targets []string) *ParallelGroup {
	return &ParallelGroup{
		Branches:  append([]string(nil), targets...),
		Remaining: append([]string(nil), targets...),
		Completed: []string{},
	}
}
