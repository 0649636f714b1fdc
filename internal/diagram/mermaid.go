package diagram

import (
	"fmt"
	"strings"

	"github.com/senthilnathang/flowcore/pkg/schema"
)

// RenderMermaid renders the model as a Mermaid flowchart.
func RenderMermaid(m *Model) string {
	var b strings.Builder

	b.WriteString("graph TD\n")
	if m.Title != "" {
		b.WriteString(fmt.Sprintf("    %%%% %s\n", m.Title))
	}

	for _, node := range m.Nodes {
		b.WriteString(fmt.Sprintf("    %s\n", mermaidNodeDef(node)))
	}

	for _, edge := range m.Edges {
		label := ""
		if edge.Label != "" {
			label = fmt.Sprintf("|%s|", mermaidLabel(edge.Label))
		}
		b.WriteString(fmt.Sprintf("    %s -->%s %s\n",
			mermaidSafeID(edge.From), label, mermaidSafeID(edge.To)))
	}

	b.WriteString("\n")
	b.WriteString("    classDef completed fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")
	b.WriteString("    classDef failed fill:#8b1a1a,stroke:#5c0e0e,color:#fff\n")
	b.WriteString("    classDef running fill:#1a5276,stroke:#0e3a52,color:#fff\n")
	b.WriteString("    classDef suspended fill:#b7791a,stroke:#8a5c14,color:#fff\n")

	for _, node := range m.Nodes {
		if node.Status != nil && node.Status.Status != "" {
			b.WriteString(fmt.Sprintf("    class %s %s\n",
				mermaidSafeID(node.ID), node.Status.Status))
		}
	}

	return b.String()
}

// mermaidNodeDef picks a shape per node kind: diamonds for decisions,
// stadiums for waits, double brackets for gateways and loops.
func mermaidNodeDef(node *Node) string {
	id := mermaidSafeID(node.ID)
	label := mermaidLabel(firstLine(node.Label))

	switch schema.NodeKind(node.Kind) {
	case schema.NodeConditional:
		return fmt.Sprintf("%s{%q}", id, label)
	case schema.NodeParallelGateway, schema.NodeLoop:
		return fmt.Sprintf("%s[[%q]]", id, label)
	case schema.NodeTimer, schema.NodeUserTask:
		return fmt.Sprintf("%s([%q])", id, label)
	case schema.NodeSubWorkflow:
		return fmt.Sprintf("%s[/%q/]", id, label)
	default:
		return fmt.Sprintf("%s[%q]", id, label)
	}
}

// mermaidSafeID replaces characters Mermaid treats as syntax.
func mermaidSafeID(id string) string {
	r := strings.NewReplacer(".", "_", "-", "_", " ", "_")
	return r.Replace(id)
}

// mermaidLabel strips the pipe, which would end an edge label early.
func mermaidLabel(s string) string {
	return strings.ReplaceAll(s, "|", "/")
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
