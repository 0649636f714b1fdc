package diagram

import (
	"fmt"

	"github.com/senthilnathang/flowcore/pkg/schema"
)

// Build constructs a Model from a template. overlay may be nil; when
// present it is applied per node ID.
func Build(t *schema.Template, overlay map[string]*StatusOverlay) *Model {
	m := &Model{Title: titleFor(t)}

	for i := range t.Nodes {
		n := &t.Nodes[i]
		node := &Node{
			ID:    n.ID,
			Label: nodeLabel(n),
			Kind:  string(n.Kind),
		}
		if overlay != nil {
			node.Status = overlay[n.ID]
		}
		m.Nodes = append(m.Nodes, node)
	}

	for _, e := range t.Edges {
		m.Edges = append(m.Edges, Edge{
			From:  e.Source,
			To:    e.Target,
			Label: edgeLabel(e),
		})
	}

	return m
}

// OverlayFromHistory derives per-node runtime status from an instance's
// history. Later entries win, so the overlay reflects the most recent
// thing known about each node.
func OverlayFromHistory(entries []*schema.HistoryEntry) map[string]*StatusOverlay {
	overlay := make(map[string]*StatusOverlay)
	get := func(id string) *StatusOverlay {
		if id == "" {
			return nil
		}
		o, ok := overlay[id]
		if !ok {
			o = &StatusOverlay{}
			overlay[id] = o
		}
		return o
	}

	for _, e := range entries {
		switch e.Action {
		case schema.ActionNodeEntered:
			if o := get(e.ToNode); o != nil {
				o.Status = "running"
				o.Visits++
			}
		case schema.ActionNodeExited, schema.ActionJoinCompleted, schema.ActionTimerFired, schema.ActionResumed:
			if o := get(e.FromNode); o != nil {
				o.Status = "completed"
			}
		case schema.ActionSuspended:
			if o := get(e.FromNode); o != nil {
				o.Status = "suspended"
			}
		case schema.ActionFault:
			if o := get(e.FromNode); o != nil {
				o.Status = "failed"
			}
		default:
			// User-task resumes carry the caller's action string.
			if e.FromNode != "" && e.ToNode != "" {
				get(e.FromNode).Status = "completed"
			}
		}
	}
	return overlay
}

func titleFor(t *schema.Template) string {
	if t.Name != "" {
		return fmt.Sprintf("%s (v%d)", t.Name, t.Version)
	}
	return fmt.Sprintf("%s (v%d)", t.ID, t.Version)
}

// nodeLabel prefers the display name and falls back to the ID.
func nodeLabel(n *schema.Node) string {
	if n.Name != "" && n.Name != n.ID {
		return fmt.Sprintf("%s\n%s", n.ID, n.Name)
	}
	return n.ID
}

// edgeLabel combines the handle and a truncated guard.
func edgeLabel(e schema.Edge) string {
	label := e.Handle
	if e.Guard != "" {
		guard := e.Guard
		if len(guard) > 24 {
			guard = guard[:21] + "..."
		}
		if label == "" {
			label = guard
		} else {
			label = label + ": " + guard
		}
	}
	return label
}
