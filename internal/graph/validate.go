package graph

import (
	"fmt"

	"github.com/senthilnathang/flowcore/pkg/schema"
)

// StructuralError describes one defect found in a template graph. Validation
// never stops at the first defect: authors get the full list in one pass.
type StructuralError struct {
	NodeID  string `json:"node_id,omitempty"`
	EdgeID  string `json:"edge_id,omitempty"`
	Message string `json:"message"`
}

func (e StructuralError) Error() string {
	switch {
	case e.NodeID != "":
		return fmt.Sprintf("node %s: %s", e.NodeID, e.Message)
	case e.EdgeID != "":
		return fmt.Sprintf("edge %s: %s", e.EdgeID, e.Message)
	}
	return e.Message
}

func nodeErr(id, format string, args ...any) StructuralError {
	return StructuralError{NodeID: id, Message: fmt.Sprintf(format, args...)}
}

func edgeErr(id, format string, args ...any) StructuralError {
	return StructuralError{EdgeID: id, Message: fmt.Sprintf(format, args...)}
}

// Validate checks a template's structure and returns every defect found.
// An empty result means the template compiles.
func Validate(t *schema.Template) []StructuralError {
	var errs []StructuralError

	if len(t.Nodes) == 0 {
		errs = append(errs, StructuralError{Message: "template has no nodes"})
	}

	// Node identity and variant shape.
	nodeIdx := make(map[string]int, len(t.Nodes))
	var initials []string
	for i, n := range t.Nodes {
		if n.ID == "" {
			errs = append(errs, nodeErr(n.ID, "node %d has empty id", i))
			continue
		}
		if _, dup := nodeIdx[n.ID]; dup {
			errs = append(errs, nodeErr(n.ID, "duplicate node id"))
			continue
		}
		nodeIdx[n.ID] = i
		if err := (&t.Nodes[i]).CheckVariant(); err != nil {
			errs = append(errs, nodeErr(n.ID, "%s", err.(*schema.FlowError).Message))
			continue
		}
		if n.Kind == schema.NodeState && n.State.IsInitial {
			initials = append(initials, n.ID)
		}
		errs = append(errs, validateConfig(&t.Nodes[i])...)
	}

	switch len(initials) {
	case 0:
		errs = append(errs, StructuralError{Message: "template has no initial state"})
	case 1:
	default:
		errs = append(errs, StructuralError{Message: fmt.Sprintf("template has %d initial states, want 1", len(initials))})
	}

	// Variable declarations: unique per scope, no local declarations.
	seen := make(map[string]bool, len(t.Variables))
	for _, v := range t.Variables {
		if v.Name == "" {
			errs = append(errs, StructuralError{Message: "variable declaration with empty name"})
			continue
		}
		if v.Scope != schema.ScopeInstance && v.Scope != schema.ScopeGlobal {
			errs = append(errs, StructuralError{Message: fmt.Sprintf("variable %q declared in scope %q, want instance or global", v.Name, v.Scope)})
			continue
		}
		key := string(v.Scope) + "/" + v.Name
		if seen[key] {
			errs = append(errs, StructuralError{Message: fmt.Sprintf("duplicate variable %q in scope %s", v.Name, v.Scope)})
		}
		seen[key] = true
	}

	// Edge endpoints and identity.
	edgeIDs := make(map[string]bool, len(t.Edges))
	out := make(map[string][]schema.Edge)
	in := make(map[string]int)
	for _, e := range t.Edges {
		if e.ID == "" {
			errs = append(errs, edgeErr(e.ID, "edge %s -> %s has empty id", e.Source, e.Target))
			continue
		}
		if edgeIDs[e.ID] {
			errs = append(errs, edgeErr(e.ID, "duplicate edge id"))
			continue
		}
		edgeIDs[e.ID] = true
		dangling := false
		if _, ok := nodeIdx[e.Source]; !ok {
			errs = append(errs, edgeErr(e.ID, "source %q does not exist", e.Source))
			dangling = true
		}
		if _, ok := nodeIdx[e.Target]; !ok {
			errs = append(errs, edgeErr(e.ID, "target %q does not exist", e.Target))
			dangling = true
		}
		if dangling {
			continue
		}
		out[e.Source] = append(out[e.Source], e)
		in[e.Target]++
	}

	// Per-kind edge requirements.
	for _, n := range t.Nodes {
		if n.CheckVariant() != nil {
			continue
		}
		edges := out[n.ID]
		switch n.Kind {
		case schema.NodeConditional:
			if !hasHandle(edges, schema.HandleTrue) {
				errs = append(errs, nodeErr(n.ID, "conditional has no %q edge", schema.HandleTrue))
			}
			if !hasHandle(edges, schema.HandleFalse) {
				errs = append(errs, nodeErr(n.ID, "conditional has no %q edge", schema.HandleFalse))
			}
		case schema.NodeLoop:
			if !hasHandle(edges, schema.HandleLoopBody) {
				errs = append(errs, nodeErr(n.ID, "loop has no %q edge", schema.HandleLoopBody))
			}
			if !hasHandle(edges, schema.HandleContinue) && !hasHandle(edges, schema.HandleExit) {
				errs = append(errs, nodeErr(n.ID, "loop has no exit continuation (%q or %q edge)", schema.HandleContinue, schema.HandleExit))
			}
		case schema.NodeParallelGateway:
			switch n.Gateway.Mode {
			case schema.GatewaySplit:
				if len(edges) < 2 {
					errs = append(errs, nodeErr(n.ID, "split gateway has %d outgoing edges, want at least 2", len(edges)))
				}
			case schema.GatewayMerge:
				if in[n.ID] < 2 {
					errs = append(errs, nodeErr(n.ID, "merge gateway has %d incoming edges, want at least 2", in[n.ID]))
				}
				if n.Gateway.Expected > in[n.ID] {
					errs = append(errs, nodeErr(n.ID, "merge gateway expects %d arrivals but has %d incoming edges", n.Gateway.Expected, in[n.ID]))
				}
			}
		}
	}

	// Reachability from the initial state.
	if len(initials) == 1 {
		reached := make(map[string]bool, len(t.Nodes))
		queue := []string{initials[0]}
		reached[initials[0]] = true
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			for _, e := range out[cur] {
				if !reached[e.Target] {
					reached[e.Target] = true
					queue = append(queue, e.Target)
				}
			}
		}
		for _, n := range t.Nodes {
			if n.ID != "" && !reached[n.ID] {
				errs = append(errs, nodeErr(n.ID, "unreachable from the initial state"))
			}
		}
	}

	return errs
}

// validateConfig checks the kind-specific config fields. The variant shape
// is already known to be valid.
func validateConfig(n *schema.Node) []StructuralError {
	var errs []StructuralError
	switch n.Kind {
	case schema.NodeConditional:
		if n.Conditional.Expression == "" {
			errs = append(errs, nodeErr(n.ID, "conditional has empty expression"))
		}
	case schema.NodeParallelGateway:
		if n.Gateway.Mode != schema.GatewaySplit && n.Gateway.Mode != schema.GatewayMerge {
			errs = append(errs, nodeErr(n.ID, "gateway mode %q, want split or merge", n.Gateway.Mode))
		}
		if n.Gateway.Expected < 0 {
			errs = append(errs, nodeErr(n.ID, "gateway expected arrivals %d, want >= 0", n.Gateway.Expected))
		}
	case schema.NodeTimer:
		if n.Timer.Duration <= 0 {
			errs = append(errs, nodeErr(n.ID, "timer duration must be positive"))
		}
	case schema.NodeLoop:
		switch n.Loop.Policy {
		case schema.LoopFor:
			if n.Loop.Count <= 0 {
				errs = append(errs, nodeErr(n.ID, "for loop count must be positive"))
			}
		case schema.LoopWhile:
			if n.Loop.Condition == "" {
				errs = append(errs, nodeErr(n.ID, "while loop has empty condition"))
			}
		case schema.LoopForEach:
			if n.Loop.Collection == "" {
				errs = append(errs, nodeErr(n.ID, "for_each loop has empty collection"))
			}
			if n.Loop.ItemVar == "" {
				errs = append(errs, nodeErr(n.ID, "for_each loop has empty item_var"))
			}
		default:
			errs = append(errs, nodeErr(n.ID, "unknown loop policy %q", n.Loop.Policy))
		}
	case schema.NodeVariable:
		v := n.Variable
		if v.Name == "" {
			errs = append(errs, nodeErr(n.ID, "variable node has empty name"))
		}
		switch v.Op {
		case schema.VarSet:
			if len(v.Value) == 0 {
				errs = append(errs, nodeErr(n.ID, "set operation has no value"))
			}
		case schema.VarGet:
		case schema.VarCalculate:
			if v.Expression == "" {
				errs = append(errs, nodeErr(n.ID, "calculate operation has empty expression"))
			}
		case schema.VarTransform:
			if v.Program == "" {
				errs = append(errs, nodeErr(n.ID, "transform operation has empty program"))
			}
			if v.Engine != schema.TransformJQ && v.Engine != schema.TransformExpr {
				errs = append(errs, nodeErr(n.ID, "transform engine %q, want jq or expr", v.Engine))
			}
		default:
			errs = append(errs, nodeErr(n.ID, "unknown variable op %q", v.Op))
		}
	case schema.NodeSubWorkflow:
		if n.SubWorkflow.TemplateID == "" {
			errs = append(errs, nodeErr(n.ID, "sub-workflow has empty template id"))
		}
		switch n.SubWorkflow.OnError {
		case "", schema.OnErrorFail, schema.OnErrorContinue, schema.OnErrorRetry:
		default:
			errs = append(errs, nodeErr(n.ID, "unknown on_error policy %q", n.SubWorkflow.OnError))
		}
	case schema.NodeScript:
		if n.Script.Language == "" {
			errs = append(errs, nodeErr(n.ID, "script has empty language"))
		}
		if n.Script.Source == "" {
			errs = append(errs, nodeErr(n.ID, "script has empty source"))
		}
	}
	return errs
}

func hasHandle(edges []schema.Edge, handle string) bool {
	for _, e := range edges {
		if e.Handle == handle {
			return true
		}
	}
	return false
}
