package octoflow

import (
	"fmt"
	"strings"
)

// Node type tags honored by the runtime and the built-in executors. The
// definition adapter is free to emit other types; they are matched against
// registered executors.
const (
	NodeTypeStart     = "start"
	NodeTypeEnd       = "end"
	NodeTypeHumanTask = "humanTask"
	NodeTypeAutomatic = "automatic"
	NodeTypeGateway   = "gateway"
	NodeTypeJoin      = "join"
	NodeTypeTimer     = "timer"
)

// Well-known node property keys.
const (
	PropIsStart          = "isStart"
	PropStrategy         = "strategy"
	PropKind             = "kind"
	PropGatewayType      = "gatewayType"
	PropHandler          = "handler"
	PropAssignee         = "assignee"
	PropJoinMode         = "mode"
	PropCancelRemaining  = "cancelRemaining"
	PropCount            = "count"
	PropThresholdCount   = "thresholdCount"
	PropThresholdPercent = "thresholdPercent"
	PropExpression       = "expression"
	PropTimeoutSeconds   = "timeoutSeconds"
	PropOnTimeout        = "onTimeout"
	PropTimeoutTarget    = "timeoutTarget"
)

// IsStart reports whether the node is an explicit start node.
func (n *Node) IsStart() bool {
	return boolProp(n.Properties, PropIsStart)
}

// StringProp reads a string-typed property, empty when absent or mistyped.
func (n *Node) StringProp(key string) string {
	return stringProp(n.Properties, key)
}

func stringProp(props map[string]any, key string) string {
	if props == nil {
		return ""
	}
	if v, ok := props[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}

	return ""
}

func boolProp(props map[string]any, key string) bool {
	if props == nil {
		return false
	}
	if v, ok := props[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}

	return false
}

func intProp(props map[string]any, key string) int {
	if props == nil {
		return 0
	}
	switch v := props[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}

	return 0
}

func floatProp(props map[string]any, key string) float64 {
	if props == nil {
		return 0
	}
	switch v := props[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}

	return 0
}

// Graph is the indexed in-memory form of a workflow definition, built once
// per operation from the adapter output. Node lookup is case-insensitive to
// match the active-set semantics.
type Graph struct {
	def      *WorkflowDefinition
	nodes    map[string]*Node
	outgoing map[string][]Edge
}

func NewGraph(def *WorkflowDefinition) *Graph {
	g := &Graph{
		def:      def,
		nodes:    make(map[string]*Node, len(def.Nodes)),
		outgoing: make(map[string][]Edge, len(def.Nodes)),
	}

	for i := range def.Nodes {
		node := &def.Nodes[i]
		g.nodes[strings.ToLower(node.ID)] = node
	}
	for _, edge := range def.Edges {
		key := strings.ToLower(edge.Source)
		g.outgoing[key] = append(g.outgoing[key], edge)
	}

	return g
}

func (g *Graph) Definition() *WorkflowDefinition {
	return g.def
}

func (g *Graph) Node(id string) *Node {
	return g.nodes[strings.ToLower(id)]
}

// OutgoingEdges returns the structural outgoing edges of a node in
// definition order.
func (g *Graph) OutgoingEdges(nodeID string) []Edge {
	return g.outgoing[strings.ToLower(nodeID)]
}

// StartNode locates the start node: an explicit IsStart property wins, then
// a node whose type or ID is literally "start". The bool result reports
// whether the fallback path was taken, so callers can log it.
func (g *Graph) StartNode() (*Node, bool, error) {
	for i := range g.def.Nodes {
		node := &g.def.Nodes[i]
		if node.IsStart() {
			return node, false, nil
		}
	}

	for i := range g.def.Nodes {
		node := &g.def.Nodes[i]
		if strings.EqualFold(node.Type, NodeTypeStart) || strings.EqualFold(node.ID, NodeTypeStart) {
			return node, true, nil
		}
	}

	return nil, false, fmt.Errorf("definition %q: no start node found", g.def.ID)
}

// Reachable reports whether target can be reached from origin by following
// structural edges forward. Cycles are tolerated.
func (g *Graph) Reachable(origin, target string) bool {
	if strings.EqualFold(origin, target) {
		return true
	}

	visited := make(map[string]bool)
	queue := []string{origin}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		key := strings.ToLower(current)
		if visited[key] {
			continue
		}
		visited[key] = true

		for _, edge := range g.OutgoingEdges(current) {
			if strings.EqualFold(edge.Target, target) {
				return true
			}
			queue = append(queue, edge.Target)
		}
	}

	return false
}

// ValidateDefinition checks structural integrity before a definition may be
// saved: every edge endpoint must resolve to a node and at least one start
// node must exist.
func ValidateDefinition(def *WorkflowDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("workflow name is required")
	}

	if len(def.Nodes) == 0 {
		return fmt.Errorf("at least one node is required")
	}

	g := NewGraph(def)
	for _, edge := range def.Edges {
		if g.Node(edge.Source) == nil {
			return fmt.Errorf("edge %q references unknown source node: %s", edge.ID, edge.Source)
		}
		if g.Node(edge.Target) == nil {
			return fmt.Errorf("edge %q references unknown target node: %s", edge.ID, edge.Target)
		}
	}

	if _, _, err := g.StartNode(); err != nil {
		return err
	}

	return nil
}
