package octoflow

import (
	"fmt"
	"sort"
	"strings"
)

// Visualizer renders workflow definitions and instance progress for humans:
// Mermaid flowcharts for dashboards and a plain-text form for terminals.
type Visualizer struct{}

func NewVisualizer() *Visualizer {
	return &Visualizer{}
}

// RenderMermaid produces a Mermaid flowchart of the definition graph.
func (v *Visualizer) RenderMermaid(def *WorkflowDefinition) string {
	var b strings.Builder
	b.WriteString("flowchart TD\n")

	for _, node := range def.Nodes {
		b.WriteString("    " + v.mermaidNode(node) + "\n")
	}

	for _, edge := range def.Edges {
		label := edge.Label
		if label == "" && edge.Condition != "" {
			label = edge.Condition
		}

		if label != "" {
			fmt.Fprintf(&b, "    %s -->|%s| %s\n", mermaidID(edge.Source), label, mermaidID(edge.Target))
		} else {
			fmt.Fprintf(&b, "    %s --> %s\n", mermaidID(edge.Source), mermaidID(edge.Target))
		}
	}

	return b.String()
}

func (v *Visualizer) mermaidNode(node Node) string {
	id := mermaidID(node.ID)
	label := node.Name
	if label == "" {
		label = node.ID
	}

	switch strings.ToLower(node.Type) {
	case NodeTypeStart, NodeTypeEnd:
		return fmt.Sprintf("%s([%s])", id, label)
	case NodeTypeGateway:
		return fmt.Sprintf("%s{%s}", id, label)
	case NodeTypeJoin:
		return fmt.Sprintf("%s{{%s}}", id, label)
	case NodeTypeHumanTask:
		return fmt.Sprintf("%s[/%s/]", id, label)
	default:
		return fmt.Sprintf("%s[%s]", id, label)
	}
}

func mermaidID(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, id)
}

// RenderInstanceStatus is the terminal view: one line per node with its
// current disposition within the instance.
func (v *Visualizer) RenderInstanceStatus(def *WorkflowDefinition, instance *WorkflowInstance, tasks []*WorkflowTask) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Instance %d (%s) [%s]\n", instance.ID, def.Name, instance.Status)
	b.WriteString("======================================\n")

	active := make(map[string]bool, len(instance.CurrentNodeIDs))
	for _, id := range instance.CurrentNodeIDs {
		active[strings.ToLower(id)] = true
	}

	taskByNode := make(map[string]*WorkflowTask, len(tasks))
	for _, task := range tasks {
		taskByNode[strings.ToLower(task.NodeID)] = task
	}

	nodes := append([]Node(nil), def.Nodes...)
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })

	for _, node := range nodes {
		marker := " "
		if active[strings.ToLower(node.ID)] {
			marker = "*"
		}

		fmt.Fprintf(&b, "%s %-20s [%s]", marker, node.ID, node.Type)
		if task, ok := taskByNode[strings.ToLower(node.ID)]; ok {
			fmt.Fprintf(&b, " task=%d status=%s", task.ID, task.Status)
		}
		b.WriteString("\n")
	}

	if instance.ErrorMessage != nil {
		fmt.Fprintf(&b, "\nerror: %s\n", *instance.ErrorMessage)
	}

	return b.String()
}
