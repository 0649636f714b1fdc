// Package diagram renders workflow templates as text diagrams. A Model is
// built from a template (optionally overlaid with one instance's runtime
// state) and handed to a renderer; Mermaid and Graphviz are supported.
package diagram

// Model is the intermediate representation shared by all renderers.
type Model struct {
	Title string
	Nodes []*Node
	Edges []Edge
}

// Node is a single workflow node in the diagram.
type Node struct {
	ID     string
	Label  string
	Kind   string // schema.NodeKind as a string
	Status *StatusOverlay
}

// StatusOverlay carries one instance's runtime state for a node, derived
// from its history.
type StatusOverlay struct {
	Status string // running, completed, suspended, failed
	Visits int
}

// Edge is a directed connection between two nodes. Label carries the
// handle and, when present, a truncated guard expression.
type Edge struct {
	From  string
	To    string
	Label string
}
