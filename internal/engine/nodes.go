package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"reflect"
	"time"

	"github.com/google/uuid"

	"github.com/senthilnathang/flowcore/internal/store"
	"github.com/senthilnathang/flowcore/pkg/schema"
)

// execNode runs one node and reports how the branch proceeds. The switch is
// exhaustive over the closed node-kind set; validation guarantees the
// matching config is present.
func (e *Engine) execNode(ctx context.Context, r *run, br *branch, node *schema.Node) (outcome, error) {
	switch node.Kind {
	case schema.NodeState:
		return e.execState(ctx, r, br, node)
	case schema.NodeConditional:
		return e.execConditional(ctx, r, node)
	case schema.NodeParallelGateway:
		return e.execGateway(ctx, r, br, node)
	case schema.NodeTimer:
		return e.execTimer(ctx, r, br, node)
	case schema.NodeUserTask:
		return e.execUserTask(ctx, r, br, node)
	case schema.NodeLoop:
		return e.execLoop(ctx, r, br, node)
	case schema.NodeVariable:
		return e.execVariable(ctx, r, node)
	case schema.NodeSubWorkflow:
		return e.execSubWorkflow(ctx, r, br, node)
	case schema.NodeScript:
		return e.execScript(ctx, r, node)
	}
	return outcome{}, schema.NewErrorf(schema.ErrCodeValidation,
		"unknown node kind %q", node.Kind).WithNode(node.ID)
}

func (e *Engine) execState(ctx context.Context, r *run, br *branch, node *schema.Node) (outcome, error) {
	if node.State.IsFinal {
		return endBranch, nil
	}
	return e.selectNext(ctx, r, br.pos)
}

// execConditional routes through the "true" or "false" edge. Ambiguous
// routing (several edges with the decided handle) is a template defect
// surfaced at runtime as a fatal fault.
func (e *Engine) execConditional(ctx context.Context, r *run, node *schema.Node) (outcome, error) {
	frame := r.env.NewFrame()
	result, err := e.eval.EvaluateBool(ctx, node.Conditional.Expression, e.evalContext(frame))
	if err != nil {
		return outcome{}, err
	}
	handle := schema.HandleFalse
	if result {
		handle = schema.HandleTrue
	}

	nodeIdx, _ := r.g.Index(node.ID)
	chosen := -1
	for _, ei := range r.g.Out(nodeIdx) {
		if r.g.Edge(ei).Handle != handle {
			continue
		}
		if chosen >= 0 {
			return outcome{}, schema.NewErrorf(schema.ErrCodeTransitionNotAllowed,
				"conditional %s has multiple %q edges", node.ID, handle).WithNode(node.ID)
		}
		chosen = ei
	}
	if chosen < 0 {
		return outcome{}, schema.NewErrorf(schema.ErrCodeTransitionNotAllowed,
			"conditional %s has no %q edge", node.ID, handle).WithNode(node.ID)
	}
	return outcome{next: r.g.Target(chosen), nextVia: handle}, nil
}

func (e *Engine) execGateway(ctx context.Context, r *run, br *branch, node *schema.Node) (outcome, error) {
	cfg := node.Gateway
	nodeIdx := br.pos
	switch cfg.Mode {
	case schema.GatewaySplit:
		var spawn []int
		for _, ei := range r.g.Out(nodeIdx) {
			spawn = append(spawn, r.g.Target(ei))
		}
		detail, _ := json.Marshal(map[string]any{"branches": len(spawn)})
		if err := e.appendHistory(ctx, &schema.HistoryEntry{
			InstanceID: r.rec.ID,
			FromNode:   node.ID,
			Action:     schema.ActionParallelSplit,
			Detail:     detail,
		}); err != nil {
			return outcome{}, err
		}
		return outcome{next: -1, spawn: spawn}, nil

	case schema.GatewayMerge:
		expected := cfg.Expected
		if expected <= 0 {
			expected = len(r.g.In(nodeIdx))
		}

		r.mu.Lock()
		if r.joins == nil {
			r.joins = make(map[string]int)
		}
		r.joins[node.ID]++
		arrivals := r.joins[node.ID]
		done := arrivals >= expected
		if done {
			delete(r.joins, node.ID)
		}
		r.mu.Unlock()

		detail, _ := json.Marshal(map[string]any{"arrivals": arrivals, "expected": expected})
		if err := e.appendHistory(ctx, &schema.HistoryEntry{
			InstanceID: r.rec.ID,
			ToNode:     node.ID,
			Action:     schema.ActionBranchJoined,
			Detail:     detail,
		}); err != nil {
			return outcome{}, err
		}

		if !done {
			// The first arrival arms the join timeout; later arrivals
			// just count.
			if arrivals == 1 && cfg.Timeout > 0 {
				if err := e.scheduleTimer(ctx, r, node.ID, store.TimerKindJoin, cfg.Timeout.Std()); err != nil {
					return outcome{}, err
				}
			}
			return endBranch, nil
		}

		if err := e.store.DeleteTimers(ctx, r.rec.ID, node.ID); err != nil {
			e.logger.WarnContext(ctx, "delete join timer failed", slog.String("error", err.Error()))
		}
		if err := e.appendHistory(ctx, &schema.HistoryEntry{
			InstanceID: r.rec.ID,
			ToNode:     node.ID,
			Action:     schema.ActionJoinCompleted,
			Detail:     detail,
		}); err != nil {
			return outcome{}, err
		}
		return e.selectNext(ctx, r, nodeIdx)
	}
	return outcome{}, schema.NewErrorf(schema.ErrCodeValidation,
		"unknown gateway mode %q", cfg.Mode).WithNode(node.ID)
}

func (e *Engine) execTimer(ctx context.Context, r *run, br *branch, node *schema.Node) (outcome, error) {
	if err := e.scheduleTimer(ctx, r, node.ID, store.TimerKindTimer, node.Timer.Duration.Std()); err != nil {
		return outcome{}, err
	}
	return outcome{park: br.snapshot(node.ID, parkTimer)}, nil
}

func (e *Engine) execUserTask(ctx context.Context, r *run, br *branch, node *schema.Node) (outcome, error) {
	cfg := node.UserTask
	detail, _ := json.Marshal(map[string]any{"assignee": cfg.Assignee})
	if err := e.appendHistory(ctx, &schema.HistoryEntry{
		InstanceID: r.rec.ID,
		ToNode:     node.ID,
		Action:     schema.ActionSuspended,
		Detail:     detail,
	}); err != nil {
		return outcome{}, err
	}
	if cfg.Deadline > 0 {
		if err := e.scheduleTimer(ctx, r, node.ID, store.TimerKindDeadline, cfg.Deadline.Std()); err != nil {
			return outcome{}, err
		}
	}
	return outcome{park: br.snapshot(node.ID, parkUserTask)}, nil
}

// execLoop makes one loop decision. Arriving over a "break" edge exits
// immediately; otherwise the policy decides between another body iteration
// and completion. Every policy is bounded by the engine's iteration cap.
func (e *Engine) execLoop(ctx context.Context, r *run, br *branch, node *schema.Node) (outcome, error) {
	cfg := node.Loop
	if br.via == schema.HandleBreak {
		delete(br.loops, node.ID)
		return e.exitLoop(ctx, r, br, node, schema.ActionLoopExit)
	}

	st := br.loops[node.ID]
	if st == nil {
		st = &loopState{}
		br.loops[node.ID] = st
	}

	if st.Iteration >= e.cfg.MaxLoopIterations {
		e.logger.WarnContext(ctx, "loop iteration cap reached",
			slog.Int("iterations", st.Iteration))
		delete(br.loops, node.ID)
		return e.exitLoop(ctx, r, br, node, schema.ActionLoopExit)
	}

	iterate := false
	switch cfg.Policy {
	case schema.LoopFor:
		iterate = st.Iteration < cfg.Count
	case schema.LoopWhile:
		frame := r.env.NewFrame()
		ok, err := e.eval.EvaluateBool(ctx, cfg.Condition, e.evalContext(frame))
		if err != nil {
			return outcome{}, err
		}
		iterate = ok
	case schema.LoopForEach:
		if st.Items == nil {
			// Snapshot at first decision: later writes to the source
			// variable do not change the iteration set.
			value, err := r.env.Get(ctx, schema.ScopeInstance, cfg.Collection)
			if err != nil {
				return outcome{}, err
			}
			items, err := toSlice(value)
			if err != nil {
				return outcome{}, toFlowError(err, node.ID)
			}
			st.Items = items
		}
		if st.Index < len(st.Items) {
			if err := r.env.Set(ctx, schema.ScopeInstance, cfg.ItemVar, st.Items[st.Index]); err != nil {
				return outcome{}, err
			}
			st.Index++
			iterate = true
		}
	default:
		return outcome{}, schema.NewErrorf(schema.ErrCodeValidation,
			"unknown loop policy %q", cfg.Policy).WithNode(node.ID)
	}

	if !iterate {
		delete(br.loops, node.ID)
		return e.exitLoop(ctx, r, br, node, schema.ActionLoopContinue)
	}

	st.Iteration++
	detail, _ := json.Marshal(map[string]any{"iteration": st.Iteration})
	if err := e.appendHistory(ctx, &schema.HistoryEntry{
		InstanceID: r.rec.ID,
		FromNode:   node.ID,
		Action:     schema.ActionLoopBody,
		Detail:     detail,
	}); err != nil {
		return outcome{}, err
	}
	ei, ok := r.g.OutByHandle(br.pos, schema.HandleLoopBody)
	if !ok {
		return outcome{}, schema.NewErrorf(schema.ErrCodeTransitionNotAllowed,
			"loop %s has no %q edge", node.ID, schema.HandleLoopBody).WithNode(node.ID)
	}
	return outcome{next: r.g.Target(ei), nextVia: schema.HandleLoopBody}, nil
}

// exitLoop records the loop decision and takes the post-loop edge. Natural
// completion prefers "continue"; break and the iteration cap prefer "exit".
// Either handle serves when only one is present.
func (e *Engine) exitLoop(ctx context.Context, r *run, br *branch, node *schema.Node, action string) (outcome, error) {
	if err := e.appendHistory(ctx, &schema.HistoryEntry{
		InstanceID: r.rec.ID,
		FromNode:   node.ID,
		Action:     action,
	}); err != nil {
		return outcome{}, err
	}
	preferred, fallback := schema.HandleContinue, schema.HandleExit
	if action == schema.ActionLoopExit {
		preferred, fallback = schema.HandleExit, schema.HandleContinue
	}
	if ei, ok := r.g.OutByHandle(br.pos, preferred); ok {
		return outcome{next: r.g.Target(ei), nextVia: preferred}, nil
	}
	if ei, ok := r.g.OutByHandle(br.pos, fallback); ok {
		return outcome{next: r.g.Target(ei), nextVia: fallback}, nil
	}
	return outcome{}, schema.NewErrorf(schema.ErrCodeTransitionNotAllowed,
		"loop %s has no post-loop edge", node.ID).WithNode(node.ID)
}

func (e *Engine) execVariable(ctx context.Context, r *run, node *schema.Node) (outcome, error) {
	cfg := node.Variable
	frame := r.env.NewFrame()
	scope := cfg.Scope
	if scope == "" {
		scope = schema.ScopeInstance
	}

	nodeIdx, _ := r.g.Index(node.ID)
	switch cfg.Op {
	case schema.VarSet:
		var value any
		if len(cfg.Value) > 0 {
			if err := json.Unmarshal(cfg.Value, &value); err != nil {
				return outcome{}, schema.NewErrorf(schema.ErrCodeValidation,
					"value of variable node %s is not valid JSON", node.ID).WithNode(node.ID).WithCause(err)
			}
		}
		if err := frame.Set(ctx, scope, cfg.Name, value); err != nil {
			return outcome{}, err
		}

	case schema.VarGet:
		value, err := frame.Get(ctx, scope, cfg.Name)
		if err != nil {
			if !schema.IsCode(err, schema.ErrCodeVariableNotFound) || len(cfg.Default) == 0 {
				return outcome{}, err
			}
			if derr := json.Unmarshal(cfg.Default, &value); derr != nil {
				return outcome{}, schema.NewErrorf(schema.ErrCodeValidation,
					"default of variable node %s is not valid JSON", node.ID).WithNode(node.ID).WithCause(derr)
			}
		}
		if cfg.Target != "" {
			if err := r.env.Set(ctx, schema.ScopeInstance, cfg.Target, value); err != nil {
				return outcome{}, err
			}
		}

	case schema.VarCalculate:
		result, err := e.eval.Calculate(ctx, cfg.Expression, frame.View())
		if err != nil {
			return outcome{}, err
		}
		if err := frame.Set(ctx, scope, cfg.Name, result); err != nil {
			return outcome{}, err
		}

	case schema.VarTransform:
		input, err := frame.Get(ctx, scope, cfg.Name)
		if err != nil {
			return outcome{}, err
		}
		result, err := e.eval.Transform(ctx, cfg.Engine, cfg.Program, input)
		if err != nil {
			return outcome{}, err
		}
		target := cfg.Target
		if target == "" {
			target = cfg.Name
		}
		if err := frame.Set(ctx, scope, target, result); err != nil {
			return outcome{}, err
		}

	default:
		return outcome{}, schema.NewErrorf(schema.ErrCodeValidation,
			"unknown variable op %q", cfg.Op).WithNode(node.ID)
	}
	return e.selectNext(ctx, r, nodeIdx)
}

// scheduleTimer creates a durable timer row for a node and records the
// scheduling in history.
func (e *Engine) scheduleTimer(ctx context.Context, r *run, nodeID, kind string, d time.Duration) error {
	due := time.Now().UTC().Add(d)
	if err := e.store.CreateTimer(ctx, &store.TimerRecord{
		ID:         uuid.NewString(),
		InstanceID: r.rec.ID,
		NodeID:     nodeID,
		Kind:       kind,
		DueAt:      due,
	}); err != nil {
		return schema.NewError(schema.ErrCodeStore, "schedule timer").WithCause(err)
	}
	detail, _ := json.Marshal(map[string]any{"kind": kind, "due_at": due.Format(time.RFC3339Nano)})
	return e.appendHistory(ctx, &schema.HistoryEntry{
		InstanceID: r.rec.ID,
		ToNode:     nodeID,
		Action:     schema.ActionTimerScheduled,
		Detail:     detail,
	})
}

// toSlice coerces any slice value into []any for iteration.
func toSlice(value any) ([]any, error) {
	if items, ok := value.([]any); ok {
		return items, nil
	}
	rv := reflect.ValueOf(value)
	if !rv.IsValid() || rv.Kind() != reflect.Slice {
		return nil, schema.NewErrorf(schema.ErrCodeEvaluation,
			"for_each collection is %T, want a slice", value)
	}
	items := make([]any, rv.Len())
	for i := range items {
		items[i] = rv.Index(i).Interface()
	}
	return items, nil
}
