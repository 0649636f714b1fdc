package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/senthilnathang/flowcore/internal/logging"
	"github.com/senthilnathang/flowcore/internal/store"
	"github.com/senthilnathang/flowcore/pkg/schema"
)

const subWorkflowRetryCap = 3

// execScript collects the declared inputs, runs the script under its
// timeout, and commits the declared outputs to the instance scope in one
// step. A failed script publishes nothing.
func (e *Engine) execScript(ctx context.Context, r *run, node *schema.Node) (outcome, error) {
	cfg := node.Script
	frame := r.env.NewFrame()
	inputs := make(map[string]any, len(cfg.Inputs))
	for _, name := range cfg.Inputs {
		v, ok, err := frame.Lookup(ctx, name)
		if err != nil {
			return outcome{}, err
		}
		if !ok {
			return outcome{}, schema.NewErrorf(schema.ErrCodeVariableNotFound,
				"script input %q not found", name).WithNode(node.ID)
		}
		inputs[name] = v
	}

	outputs, err := e.scripts.Execute(ctx, cfg, inputs)
	if err != nil {
		return outcome{}, err
	}
	r.env.SetAll(outputs)

	nodeIdx, _ := r.g.Index(node.ID)
	return e.selectNext(ctx, r, nodeIdx)
}

// execSubWorkflow creates a child instance from the node's input map. Sync
// mode parks the branch until the child terminates; async mode continues
// immediately and never sees the child's result. Children start only after
// the parent's parked state is durable.
func (e *Engine) execSubWorkflow(ctx context.Context, r *run, br *branch, node *schema.Node) (outcome, error) {
	cfg := node.SubWorkflow
	child, err := e.createChild(ctx, r, node)
	if err != nil {
		return outcome{}, err
	}
	r.addChild(child.ID)

	if cfg.Mode == schema.SubWorkflowAsync {
		e.logger.InfoContext(ctx, "async sub-workflow created",
			slog.String("child_id", child.ID),
			slog.String("child_template", cfg.TemplateID))
		return e.selectNext(ctx, r, br.pos)
	}

	detail, _ := json.Marshal(map[string]any{"child_id": child.ID})
	if err := e.appendHistory(ctx, &schema.HistoryEntry{
		InstanceID: r.rec.ID,
		ToNode:     node.ID,
		Action:     schema.ActionSuspended,
		Detail:     detail,
	}); err != nil {
		return outcome{}, err
	}
	snap := br.snapshot(node.ID, parkSubWorkflow)
	snap.ChildID = child.ID
	return outcome{park: snap}, nil
}

// createChild instantiates the sub-workflow template with the input map
// resolved against the parent's variables.
func (e *Engine) createChild(ctx context.Context, r *run, node *schema.Node) (*schema.Instance, error) {
	cfg := node.SubWorkflow
	frame := r.env.NewFrame()
	initial := make(map[string]any, len(cfg.InputMap))
	for childVar, parentVar := range cfg.InputMap {
		v, ok, err := frame.Lookup(ctx, parentVar)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeVariableNotFound,
				"sub-workflow input %q not found", parentVar).WithNode(node.ID)
		}
		initial[childVar] = v
	}
	child, err := e.CreateInstance(ctx, CreateRequest{
		TemplateID:  cfg.TemplateID,
		Version:     cfg.Version,
		InitialData: initial,
		Actor:       r.rec.CreatedBy,
		parentID:    r.rec.ID,
		parentNode:  node.ID,
	})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeSubWorkflow,
			"create sub-workflow of template %s", cfg.TemplateID).WithNode(node.ID).WithCause(err)
	}
	return child, nil
}

// applyChildResult resumes a parent whose sync child reached a terminal
// status. Async children and stale notifications fall through without
// effect.
func (e *Engine) applyChildResult(ctx context.Context, child *store.InstanceRecord) (followup, error) {
	unlock := e.lockInstance(child.ParentID)
	defer unlock()

	rec, err := e.store.GetInstance(ctx, child.ParentID)
	if err != nil {
		return followup{}, err
	}
	if rec.Status != string(schema.InstanceRunning) {
		return followup{}, nil
	}

	ctx = logging.WithInstanceID(ctx, rec.ID)
	r, err := e.loadRun(ctx, rec)
	if err != nil {
		return followup{}, err
	}
	snap, ok := r.popParkedChild(child.ID)
	if !ok {
		return followup{}, nil
	}
	nodeIdx, ok := r.g.Index(snap.NodeID)
	if !ok {
		return followup{}, schema.NewErrorf(schema.ErrCodeNotFound,
			"node %q not found in template", snap.NodeID)
	}
	node := r.g.Node(nodeIdx)
	cfg := node.SubWorkflow

	switch schema.InstanceStatus(child.Status) {
	case schema.InstanceCompleted:
		if err := e.copyChildOutputs(ctx, r, node, child); err != nil {
			r.fail(toFlowError(err, node.ID))
			return e.settle(ctx, r)
		}
		return e.resumeAfterChild(ctx, r, snap, nodeIdx, map[string]any{"child_id": child.ID})

	default:
		// Failed or cancelled child: the node's error policy decides.
		switch cfg.OnError {
		case schema.OnErrorContinue:
			e.logger.WarnContext(ctx, "sub-workflow failed, continuing",
				slog.String("child_id", child.ID))
			return e.resumeAfterChild(ctx, r, snap, nodeIdx, map[string]any{
				"child_id":     child.ID,
				"child_status": child.Status,
			})

		case schema.OnErrorRetry:
			if snap.Retries < retryLimit(cfg) {
				return e.retryChild(ctx, r, node, snap)
			}
			e.logger.WarnContext(ctx, "sub-workflow retries exhausted",
				slog.String("child_id", child.ID),
				slog.Int("retries", snap.Retries))
		}
		fe := schema.NewErrorf(schema.ErrCodeSubWorkflow,
			"sub-workflow instance %s is %s", child.ID, child.Status).WithNode(node.ID)

		// A recoverable fault at the node may still divert to its error
		// edge before failing the instance.
		out, rerr := e.routeFault(logging.WithNodeID(ctx, node.ID), r, branchFromSnapshot(snap, nodeIdx), node, fe)
		if rerr != nil {
			r.fail(toFlowError(rerr, node.ID))
			return e.settle(ctx, r)
		}
		br := branchFromSnapshot(snap, out.next)
		br.from = node.ID
		br.via = out.nextVia
		return e.resumeRun(ctx, r, br)
	}
}

// resumeAfterChild records the resume and continues the parked branch past
// the sub-workflow node.
func (e *Engine) resumeAfterChild(ctx context.Context, r *run, snap *branchSnapshot, nodeIdx int, detailFields map[string]any) (followup, error) {
	nodeID := r.g.Node(nodeIdx).ID
	detail, _ := json.Marshal(detailFields)
	if err := e.appendHistory(ctx, &schema.HistoryEntry{
		InstanceID: r.rec.ID,
		FromNode:   nodeID,
		Action:     schema.ActionResumed,
		Detail:     detail,
	}); err != nil {
		return followup{}, err
	}
	out, err := e.selectNext(ctx, r, nodeIdx)
	if err != nil {
		r.fail(toFlowError(err, nodeID))
		return e.settle(ctx, r)
	}
	br := branchFromSnapshot(snap, out.next)
	br.from = nodeID
	br.via = out.nextVia
	return e.resumeRun(ctx, r, br)
}

// retryChild creates a fresh child instance, re-parks the branch against it
// with the retry count bumped, and schedules the start with exponential
// backoff.
func (e *Engine) retryChild(ctx context.Context, r *run, node *schema.Node, snap *branchSnapshot) (followup, error) {
	child, err := e.createChild(ctx, r, node)
	if err != nil {
		r.fail(toFlowError(err, node.ID))
		return e.settle(ctx, r)
	}
	snap.ChildID = child.ID
	snap.Retries++
	r.park(snap)
	if err := e.persistRun(ctx, r, store.InstanceUpdate{}); err != nil {
		return followup{}, err
	}
	delay := ComputeBackoff(snap.Retries-1, time.Second, 30*time.Second)
	e.logger.InfoContext(ctx, "sub-workflow retry scheduled",
		slog.String("child_id", child.ID),
		slog.Int("attempt", snap.Retries),
		slog.Duration("backoff", delay))
	return followup{startChildren: []string{child.ID}, delay: delay}, nil
}

// copyChildOutputs maps the completed child's variables back into the
// parent per the node's output map. Unset child variables copy as null.
func (e *Engine) copyChildOutputs(ctx context.Context, r *run, node *schema.Node, child *store.InstanceRecord) error {
	cfg := node.SubWorkflow
	if len(cfg.OutputMap) == 0 {
		return nil
	}
	childVars := make(map[string]any)
	if len(child.Variables) > 0 {
		if err := json.Unmarshal(child.Variables, &childVars); err != nil {
			return schema.NewError(schema.ErrCodeStore, "unmarshal sub-workflow variables").WithCause(err)
		}
	}
	for parentVar, childVar := range cfg.OutputMap {
		if err := r.env.Set(ctx, schema.ScopeInstance, parentVar, childVars[childVar]); err != nil {
			return err
		}
	}
	return nil
}

func retryLimit(cfg *schema.SubWorkflowConfig) int {
	if cfg.MaxRetries <= 0 || cfg.MaxRetries > subWorkflowRetryCap {
		return subWorkflowRetryCap
	}
	return cfg.MaxRetries
}

// CreateAndStart creates and immediately starts an instance. Cron schedules
// instantiate through here.
func (e *Engine) CreateAndStart(ctx context.Context, templateID string, version int, data map[string]any, actor string) (*schema.Instance, error) {
	inst, err := e.CreateInstance(ctx, CreateRequest{
		TemplateID:  templateID,
		Version:     version,
		InitialData: data,
		Actor:       actor,
	})
	if err != nil {
		return nil, err
	}
	if err := e.Start(ctx, inst.ID); err != nil {
		return nil, err
	}
	return e.Get(ctx, inst.ID)
}
