package diagram

import (
	"bytes"
	"context"
	"fmt"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"

	"github.com/senthilnathang/flowcore/pkg/schema"
)

// RenderImage renders the model as a PNG via graphviz.
func RenderImage(ctx context.Context, m *Model) ([]byte, error) {
	gv, err := graphviz.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("diagram: create graphviz: %w", err)
	}
	defer gv.Close()

	gv.SetLayout(graphviz.DOT)

	graph, err := gv.Graph()
	if err != nil {
		return nil, fmt.Errorf("diagram: create graph: %w", err)
	}
	defer graph.Close()

	graph.SetRankDir(cgraph.TBRank)
	if m.Title != "" {
		graph.SetLabel(m.Title)
	}

	gvNodes := make(map[string]*cgraph.Node, len(m.Nodes))
	for _, node := range m.Nodes {
		gvNode, nErr := graph.CreateNodeByName(node.ID)
		if nErr != nil {
			return nil, fmt.Errorf("diagram: create node %s: %w", node.ID, nErr)
		}
		gvNode.SetLabel(firstLine(node.Label))
		applyNodeStyle(gvNode, node)
		gvNodes[node.ID] = gvNode
	}

	for _, edge := range m.Edges {
		fromGV, toGV := gvNodes[edge.From], gvNodes[edge.To]
		if fromGV == nil || toGV == nil {
			continue
		}
		e, eErr := graph.CreateEdgeByName("", fromGV, toGV)
		if eErr == nil && edge.Label != "" {
			e.SetLabel(edge.Label)
		}
	}

	var buf bytes.Buffer
	if err := gv.Render(ctx, graph, graphviz.PNG, &buf); err != nil {
		return nil, fmt.Errorf("diagram: render PNG: %w", err)
	}
	return buf.Bytes(), nil
}

// applyNodeStyle sets shape by kind and fill by runtime status.
func applyNodeStyle(gvNode *cgraph.Node, node *Node) {
	switch schema.NodeKind(node.Kind) {
	case schema.NodeConditional:
		gvNode.SetShape(cgraph.DiamondShape)
	case schema.NodeParallelGateway:
		gvNode.SetShape(cgraph.Box3DShape)
	case schema.NodeLoop:
		gvNode.SetShape(cgraph.BoxShape)
		gvNode.SetPeripheries(2)
	case schema.NodeTimer:
		gvNode.SetShape(cgraph.CircleShape)
	case schema.NodeUserTask:
		gvNode.SetShape(cgraph.EllipseShape)
	case schema.NodeSubWorkflow:
		gvNode.SetShape(cgraph.ParallelogramShape)
	default:
		gvNode.SetShape(cgraph.BoxShape)
	}

	if node.Status == nil || node.Status.Status == "" {
		return
	}
	gvNode.SetStyle(cgraph.FilledNodeStyle)
	gvNode.SetFontColor("white")
	switch node.Status.Status {
	case "completed":
		gvNode.SetFillColor("#2d6a2d")
	case "failed":
		gvNode.SetFillColor("#8b1a1a")
	case "running":
		gvNode.SetFillColor("#1a5276")
	case "suspended":
		gvNode.SetFillColor("#b7791a")
	}
}
