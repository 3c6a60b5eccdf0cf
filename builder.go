package octoflow

import (
	"fmt"
	"strings"
)

// Builder assembles a workflow definition graph fluently. Adding a node links
// it from the previous one automatically; fan-out and fan-in edges are added
// explicitly with Edge/ConditionalEdge. Structural mistakes (duplicate node
// IDs, edges from nowhere) panic, matching how definitions are declared at
// program start; Build runs full validation and returns its error.
type Builder struct {
	tenantID string
	id       string
	name     string
	nodes    []Node
	edges    []Edge
	seen     map[string]bool
	current  string
	autoLink bool
	nextEdge int
}

func NewBuilder(tenantID, id, name string) *Builder {
	return &Builder{
		tenantID: tenantID,
		id:       id,
		name:     name,
		seen:     make(map[string]bool),
		autoLink: true,
	}
}

func (builder *Builder) addNode(id, nodeType string, props map[string]any) *Builder {
	key := strings.ToLower(id)
	if builder.seen[key] {
		panic(fmt.Sprintf("duplicate node %q", id))
	}
	builder.seen[key] = true

	builder.nodes = append(builder.nodes, Node{
		ID:         id,
		Type:       nodeType,
		Name:       id,
		Properties: props,
	})

	if builder.autoLink && builder.current != "" {
		builder.link(builder.current, id, "", "")
	}
	builder.current = id
	builder.autoLink = true

	return builder
}

func (builder *Builder) link(source, target, label, condition string) {
	builder.nextEdge++
	builder.edges = append(builder.edges, Edge{
		ID:        fmt.Sprintf("e%d", builder.nextEdge),
		Source:    source,
		Target:    target,
		Label:     label,
		Condition: condition,
	})
}

// Node adds a node of an arbitrary type, for custom executors.
func (builder *Builder) Node(id, nodeType string) *Builder {
	return builder.addNode(id, nodeType, map[string]any{})
}

func (builder *Builder) Start(id string) *Builder {
	return builder.addNode(id, NodeTypeStart, map[string]any{PropIsStart: true})
}

func (builder *Builder) End(id string) *Builder {
	return builder.addNode(id, NodeTypeEnd, nil)
}

func (builder *Builder) HumanTask(id string) *Builder {
	return builder.addNode(id, NodeTypeHumanTask, map[string]any{})
}

func (builder *Builder) Automatic(id, handler string) *Builder {
	return builder.addNode(id, NodeTypeAutomatic, map[string]any{PropHandler: handler})
}

func (builder *Builder) Timer(id string) *Builder {
	return builder.addNode(id, NodeTypeTimer, map[string]any{})
}

func (builder *Builder) ExclusiveGateway(id string) *Builder {
	return builder.addNode(id, NodeTypeGateway, map[string]any{PropStrategy: GatewayStrategyExclusive})
}

func (builder *Builder) ParallelGateway(id string) *Builder {
	return builder.addNode(id, NodeTypeGateway, map[string]any{PropStrategy: GatewayStrategyParallel})
}

func (builder *Builder) Join(id string, mode JoinMode) *Builder {
	return builder.addNode(id, NodeTypeJoin, map[string]any{PropJoinMode: string(mode)})
}

// WithProp sets a property on the most recently added node.
func (builder *Builder) WithProp(key string, value any) *Builder {
	if builder.current == "" {
		panic("WithProp called before any node")
	}

	node := &builder.nodes[len(builder.nodes)-1]
	if node.Properties == nil {
		node.Properties = make(map[string]any)
	}
	node.Properties[key] = value

	return builder
}

func (builder *Builder) WithAssignee(assignee string) *Builder {
	return builder.WithProp(PropAssignee, assignee)
}

func (builder *Builder) WithCancelRemaining() *Builder {
	return builder.WithProp(PropCancelRemaining, true)
}

// From repositions the implicit-link cursor so the next node chains from an
// earlier one; used when declaring branches.
func (builder *Builder) From(nodeID string) *Builder {
	if !builder.seen[strings.ToLower(nodeID)] {
		panic(fmt.Sprintf("From(%q): unknown node", nodeID))
	}
	builder.current = nodeID

	return builder
}

// Detach suppresses the automatic edge to the next added node.
func (builder *Builder) Detach() *Builder {
	builder.autoLink = false

	return builder
}

func (builder *Builder) Edge(source, target string) *Builder {
	builder.link(source, target, "", "")

	return builder
}

func (builder *Builder) ConditionalEdge(source, target, condition string) *Builder {
	builder.link(source, target, "", condition)

	return builder
}

func (builder *Builder) LabeledEdge(source, target, label string) *Builder {
	builder.link(source, target, label, "")

	return builder
}

func (builder *Builder) Build() (*WorkflowDefinition, error) {
	def := &WorkflowDefinition{
		ID:       builder.id,
		TenantID: builder.tenantID,
		Name:     builder.name,
		Version:  1,
		Nodes:    builder.nodes,
		Edges:    builder.edges,
	}

	if err := ValidateDefinition(def); err != nil {
		return nil, err
	}

	return def, nil
}
