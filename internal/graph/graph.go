// Package graph validates workflow templates and compiles them into an
// immutable, integer-indexed form the engine walks without map lookups in
// the hot path.
package graph

import (
	"sort"

	"github.com/senthilnathang/flowcore/pkg/schema"
)

// CompiledGraph is the executable form of a template. Nodes and edges live
// in arenas addressed by index; adjacency is precomputed. A compiled graph
// is never mutated after Compile returns, so concurrent branches share it
// without locking.
type CompiledGraph struct {
	Template *schema.Template

	nodes   []schema.Node
	edges   []schema.Edge
	byID    map[string]int
	out     [][]int // node index -> outgoing edge indices, ordered by edge ID
	in      [][]int // node index -> incoming edge indices
	initial int
}

// Compile validates and compiles a template. Structural defects are
// reported together in a single VALIDATION_ERROR.
func Compile(t *schema.Template) (*CompiledGraph, error) {
	if errs := Validate(t); len(errs) > 0 {
		details := make([]string, len(errs))
		for i, e := range errs {
			details[i] = e.Error()
		}
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"template %s has %d structural errors", t.ID, len(errs)).
			WithDetails(map[string]any{"errors": details})
	}

	g := &CompiledGraph{
		Template: t,
		nodes:    make([]schema.Node, len(t.Nodes)),
		edges:    make([]schema.Edge, len(t.Edges)),
		byID:     make(map[string]int, len(t.Nodes)),
		out:      make([][]int, len(t.Nodes)),
		in:       make([][]int, len(t.Nodes)),
		initial:  -1,
	}
	copy(g.nodes, t.Nodes)
	copy(g.edges, t.Edges)

	for i, n := range g.nodes {
		g.byID[n.ID] = i
		if n.Kind == schema.NodeState && n.State.IsInitial {
			g.initial = i
		}
	}
	for ei, e := range g.edges {
		src := g.byID[e.Source]
		dst := g.byID[e.Target]
		g.out[src] = append(g.out[src], ei)
		g.in[dst] = append(g.in[dst], ei)
	}
	// Deterministic edge order: ties between otherwise equivalent edges
	// resolve to the lowest edge ID.
	for _, adj := range [][][]int{g.out, g.in} {
		for _, idxs := range adj {
			sort.Slice(idxs, func(a, b int) bool {
				return g.edges[idxs[a]].ID < g.edges[idxs[b]].ID
			})
		}
	}
	return g, nil
}

// Len returns the number of nodes.
func (g *CompiledGraph) Len() int { return len(g.nodes) }

// Initial returns the index of the initial state node.
func (g *CompiledGraph) Initial() int { return g.initial }

// Node returns the node at index i.
func (g *CompiledGraph) Node(i int) *schema.Node { return &g.nodes[i] }

// Edge returns the edge at index i.
func (g *CompiledGraph) Edge(i int) *schema.Edge { return &g.edges[i] }

// Index returns the index of the node with the given ID.
func (g *CompiledGraph) Index(id string) (int, bool) {
	i, ok := g.byID[id]
	return i, ok
}

// Out returns the outgoing edge indices of node i, ordered by edge ID.
func (g *CompiledGraph) Out(i int) []int { return g.out[i] }

// In returns the incoming edge indices of node i, ordered by edge ID.
func (g *CompiledGraph) In(i int) []int { return g.in[i] }

// Target returns the node index an edge points to.
func (g *CompiledGraph) Target(edgeIdx int) int { return g.byID[g.edges[edgeIdx].Target] }

// OutByHandle returns the first outgoing edge of node i with the given
// handle, by edge ID order.
func (g *CompiledGraph) OutByHandle(i int, handle string) (int, bool) {
	for _, ei := range g.out[i] {
		if g.edges[ei].Handle == handle {
			return ei, true
		}
	}
	return -1, false
}
