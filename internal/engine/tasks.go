package engine

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/senthilnathang/flowcore/internal/logging"
	"github.com/senthilnathang/flowcore/internal/store"
	"github.com/senthilnathang/flowcore/pkg/schema"
)

// Resume completes a suspended user task. The action selects the outgoing
// edge whose handle matches it; payload merges into the instance scope
// before the branch continues. When no edge accepts the action the task
// stays suspended and the call fails with TRANSITION_NOT_ALLOWED.
func (e *Engine) Resume(ctx context.Context, instanceID, nodeID, action string, payload map[string]any, actor string) error {
	unlock := e.lockInstance(instanceID)
	f, err := e.resumeLocked(ctx, instanceID, nodeID, action, payload, actor)
	unlock()
	e.runFollowups(ctx, f)
	return err
}

func (e *Engine) resumeLocked(ctx context.Context, instanceID, nodeID, action string, payload map[string]any, actor string) (followup, error) {
	rec, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return followup{}, err
	}
	if rec.Status != string(schema.InstanceRunning) {
		return followup{}, schema.NewErrorf(schema.ErrCodeConflict,
			"instance %s is %s, not running", instanceID, rec.Status)
	}

	ctx = logging.WithInstanceID(logging.WithActor(ctx, actor), instanceID)
	r, err := e.loadRun(ctx, rec)
	if err != nil {
		return followup{}, err
	}
	snap, ok := r.popParked(nodeID, parkUserTask)
	if !ok {
		return followup{}, schema.NewErrorf(schema.ErrCodeConflict,
			"instance %s has no suspended user task at node %s", instanceID, nodeID)
	}
	nodeIdx, ok := r.g.Index(nodeID)
	if !ok {
		return followup{}, schema.NewErrorf(schema.ErrCodeNotFound,
			"node %q not found in template", nodeID)
	}

	ei, err := e.resolveAction(r, nodeIdx, action)
	if err != nil {
		// The task stays suspended; nothing was persisted.
		r.park(snap)
		return followup{}, err
	}

	for name, value := range payload {
		if err := r.env.Set(ctx, schema.ScopeInstance, name, value); err != nil {
			r.park(snap)
			return followup{}, err
		}
	}
	if err := e.store.DeleteTimers(ctx, instanceID, nodeID); err != nil {
		e.logger.WarnContext(ctx, "delete task deadline failed", slog.String("error", err.Error()))
	}
	if err := e.appendHistory(ctx, &schema.HistoryEntry{
		InstanceID: instanceID,
		FromNode:   nodeID,
		Action:     action,
		Actor:      actor,
	}); err != nil {
		return followup{}, err
	}
	e.logger.InfoContext(ctx, "user task resumed", slog.String("action", action))

	br := branchFromSnapshot(snap, r.g.Target(ei))
	br.from = nodeID
	br.via = r.g.Edge(ei).Handle
	return e.resumeRun(ctx, r, br)
}

// resolveAction finds the outgoing edge a resume action selects: the edge
// whose handle equals the action, else the first unlabelled edge.
func (e *Engine) resolveAction(r *run, nodeIdx int, action string) (int, error) {
	if ei, ok := r.g.OutByHandle(nodeIdx, action); ok {
		return ei, nil
	}
	for _, ei := range r.g.Out(nodeIdx) {
		switch r.g.Edge(ei).Handle {
		case "", schema.HandleContinue:
			return ei, nil
		}
	}
	return -1, schema.NewErrorf(schema.ErrCodeTransitionNotAllowed,
		"action %q matches no outgoing edge of node %s", action, r.g.Node(nodeIdx).ID).
		WithNode(r.g.Node(nodeIdx).ID)
}

// FireTimer resumes a branch suspended on a timer node. Stale fires (the
// instance moved on or terminated) are ignored.
func (e *Engine) FireTimer(ctx context.Context, instanceID, nodeID string) error {
	unlock := e.lockInstance(instanceID)
	f, err := e.fireTimerLocked(ctx, instanceID, nodeID)
	unlock()
	e.runFollowups(ctx, f)
	return err
}

func (e *Engine) fireTimerLocked(ctx context.Context, instanceID, nodeID string) (followup, error) {
	rec, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return followup{}, err
	}
	if rec.Status != string(schema.InstanceRunning) {
		return followup{}, nil
	}

	ctx = logging.WithInstanceID(ctx, instanceID)
	r, err := e.loadRun(ctx, rec)
	if err != nil {
		return followup{}, err
	}
	snap, ok := r.popParked(nodeID, parkTimer)
	if !ok {
		return followup{}, nil
	}
	nodeIdx, _ := r.g.Index(nodeID)

	if err := e.appendHistory(ctx, &schema.HistoryEntry{
		InstanceID: instanceID,
		FromNode:   nodeID,
		Action:     schema.ActionTimerFired,
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

// FireDeadline escalates a user task whose deadline expired while it was
// still waiting. The branch takes the "escalate" edge; without one the
// instance faults.
func (e *Engine) FireDeadline(ctx context.Context, instanceID, nodeID string) error {
	unlock := e.lockInstance(instanceID)
	f, err := e.fireDeadlineLocked(ctx, instanceID, nodeID)
	unlock()
	e.runFollowups(ctx, f)
	return err
}

func (e *Engine) fireDeadlineLocked(ctx context.Context, instanceID, nodeID string) (followup, error) {
	rec, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return followup{}, err
	}
	if rec.Status != string(schema.InstanceRunning) {
		return followup{}, nil
	}

	ctx = logging.WithInstanceID(ctx, instanceID)
	r, err := e.loadRun(ctx, rec)
	if err != nil {
		return followup{}, err
	}
	snap, ok := r.popParked(nodeID, parkUserTask)
	if !ok {
		return followup{}, nil
	}
	nodeIdx, _ := r.g.Index(nodeID)

	detail, _ := json.Marshal(map[string]any{"kind": store.TimerKindDeadline})
	if err := e.appendHistory(ctx, &schema.HistoryEntry{
		InstanceID: instanceID,
		FromNode:   nodeID,
		Action:     schema.ActionEscalated,
		Detail:     detail,
	}); err != nil {
		return followup{}, err
	}
	e.logger.WarnContext(ctx, "user task deadline expired", slog.String("node_id", nodeID))

	ei, ok := r.g.OutByHandle(nodeIdx, schema.HandleEscalate)
	if !ok {
		r.fail(schema.NewErrorf(schema.ErrCodeTransitionNotAllowed,
			"task %s deadline expired with no escalate edge", nodeID).WithNode(nodeID))
		return e.settle(ctx, r)
	}
	br := branchFromSnapshot(snap, r.g.Target(ei))
	br.from = nodeID
	br.via = schema.HandleEscalate
	return e.resumeRun(ctx, r, br)
}

// FireJoinTimeout releases a merge gateway whose expected arrivals did not
// all show up in time. The waiting join continues through the "partial"
// edge; without one the instance faults.
func (e *Engine) FireJoinTimeout(ctx context.Context, instanceID, nodeID string) error {
	unlock := e.lockInstance(instanceID)
	f, err := e.fireJoinTimeoutLocked(ctx, instanceID, nodeID)
	unlock()
	e.runFollowups(ctx, f)
	return err
}

func (e *Engine) fireJoinTimeoutLocked(ctx context.Context, instanceID, nodeID string) (followup, error) {
	rec, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return followup{}, err
	}
	if rec.Status != string(schema.InstanceRunning) {
		return followup{}, nil
	}

	ctx = logging.WithInstanceID(ctx, instanceID)
	r, err := e.loadRun(ctx, rec)
	if err != nil {
		return followup{}, err
	}

	r.mu.Lock()
	arrivals, waiting := r.joins[nodeID]
	if waiting {
		delete(r.joins, nodeID)
	}
	r.mu.Unlock()
	if !waiting {
		return followup{}, nil
	}
	nodeIdx, _ := r.g.Index(nodeID)

	detail, _ := json.Marshal(map[string]any{"kind": store.TimerKindJoin, "arrivals": arrivals})
	if err := e.appendHistory(ctx, &schema.HistoryEntry{
		InstanceID: instanceID,
		ToNode:     nodeID,
		Action:     schema.ActionTimerFired,
		Detail:     detail,
	}); err != nil {
		return followup{}, err
	}
	e.logger.WarnContext(ctx, "join timed out",
		slog.String("node_id", nodeID), slog.Int("arrivals", arrivals))

	ei, ok := r.g.OutByHandle(nodeIdx, schema.HandlePartial)
	if !ok {
		r.fail(schema.NewErrorf(schema.ErrCodeTransitionNotAllowed,
			"join %s timed out with no partial edge", nodeID).WithNode(nodeID))
		return e.settle(ctx, r)
	}
	br := &branch{pos: r.g.Target(ei), from: nodeID, via: schema.HandlePartial, loops: make(map[string]*loopState)}
	return e.resumeRun(ctx, r, br)
}

// FireSLA records that an instance blew past its deadline. The instance
// keeps running; the escalation is visible in history and logs.
func (e *Engine) FireSLA(ctx context.Context, instanceID string) error {
	unlock := e.lockInstance(instanceID)
	defer unlock()

	rec, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if schema.InstanceStatus(rec.Status).Terminal() {
		return nil
	}

	ctx = logging.WithInstanceID(ctx, instanceID)
	detail, _ := json.Marshal(map[string]any{"kind": store.TimerKindSLA, "deadline": rec.Deadline})
	if err := e.appendHistory(ctx, &schema.HistoryEntry{
		InstanceID: instanceID,
		Action:     schema.ActionEscalated,
		Detail:     detail,
	}); err != nil {
		return err
	}
	e.logger.WarnContext(ctx, "instance deadline exceeded")
	return nil
}
