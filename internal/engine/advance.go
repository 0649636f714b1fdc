package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/senthilnathang/flowcore/internal/expressions"
	"github.com/senthilnathang/flowcore/internal/logging"
	"github.com/senthilnathang/flowcore/internal/store"
	"github.com/senthilnathang/flowcore/internal/vars"
	"github.com/senthilnathang/flowcore/pkg/schema"
)

// outcome is what executing one node tells the branch loop to do next.
type outcome struct {
	// next is the node index to advance to; -1 ends the branch.
	next int
	// nextVia is the handle of the edge taken to next.
	nextVia string
	// spawn holds node indices for new concurrent branches.
	spawn []int
	// park suspends the branch instead of advancing.
	park *branchSnapshot
}

// endBranch ends the current branch without spawning or parking.
var endBranch = outcome{next: -1}

// followup is deferred work that must run after an instance's lock has been
// released: starting child instances and telling a parent that a child
// reached a terminal status. Keeping this outside the lock is what makes
// parent/child interaction deadlock-free — at most one instance lock is
// ever held at a time.
type followup struct {
	startChildren []string
	notify        *store.InstanceRecord
	// delay postpones the child starts; sub-workflow retries back off here,
	// outside every instance lock.
	delay time.Duration
}

func (f followup) empty() bool {
	return len(f.startChildren) == 0 && f.notify == nil
}

// Start begins execution of a pending instance and drives it until it
// reaches a terminal status or every branch is suspended on an external
// wait. Sub-workflow children created along the way run before Start
// returns; faults that occur after a suspension are recorded on the
// instance rather than returned.
func (e *Engine) Start(ctx context.Context, instanceID string) error {
	unlock := e.lockInstance(instanceID)
	f, err := e.startLocked(ctx, instanceID)
	unlock()
	e.runFollowups(ctx, f)
	return err
}

func (e *Engine) startLocked(ctx context.Context, instanceID string) (followup, error) {
	rec, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return followup{}, err
	}
	if err := checkInstanceTransition(instanceID, schema.InstanceStatus(rec.Status), schema.InstanceRunning); err != nil {
		return followup{}, err
	}

	ctx = logging.WithInstanceID(ctx, instanceID)
	r, err := e.loadRun(ctx, rec)
	if err != nil {
		return followup{}, err
	}
	initialID := r.g.Node(r.g.Initial()).ID
	snap, ok := r.popParked(initialID, parkStart)
	if !ok {
		return followup{}, schema.NewErrorf(schema.ErrCodeConflict,
			"instance %s has no start branch", instanceID)
	}

	now := time.Now().UTC()
	status := string(schema.InstanceRunning)
	if err := e.store.UpdateInstance(ctx, instanceID, store.InstanceUpdate{
		Status:    &status,
		StartedAt: &now,
	}); err != nil {
		return followup{}, schema.NewError(schema.ErrCodeStore, "start instance").WithCause(err)
	}
	r.rec.Status = status
	if err := e.appendHistory(ctx, &schema.HistoryEntry{
		InstanceID: instanceID,
		ToNode:     initialID,
		Action:     schema.ActionInstanceStarted,
	}); err != nil {
		return followup{}, err
	}
	e.logger.InfoContext(ctx, "instance started")

	e.drive(ctx, r, branchFromSnapshot(snap, r.g.Initial()))
	return e.settle(ctx, r)
}

// runFollowups drains the deferred-work queue produced by settled runs.
// Starting a child can produce a notification for its parent; applying a
// notification can resume the parent, which can create more children. The
// queue flattens that recursion.
func (e *Engine) runFollowups(ctx context.Context, f followup) {
	queue := []followup{f}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur.delay > 0 {
			if err := WaitForBackoff(ctx, cur.delay); err != nil {
				return
			}
		}
		for _, childID := range cur.startChildren {
			unlock := e.lockInstance(childID)
			next, err := e.startLocked(ctx, childID)
			unlock()
			if err != nil {
				e.logger.WarnContext(ctx, "child instance failed",
					slog.String("instance_id", childID),
					slog.String("error", err.Error()))
			}
			if !next.empty() {
				queue = append(queue, next)
			}
		}
		if cur.notify != nil {
			next, err := e.applyChildResult(ctx, cur.notify)
			if err != nil {
				e.logger.ErrorContext(ctx, "parent resume failed",
					slog.String("instance_id", cur.notify.ParentID),
					slog.String("error", err.Error()))
			}
			if !next.empty() {
				queue = append(queue, next)
			}
		}
	}
}

// drive runs the given branches to quiescence: every branch either reached
// the end of its path, parked, or halted on the run's failure.
func (e *Engine) drive(ctx context.Context, r *run, branches ...*branch) {
	for _, br := range branches {
		e.spawnBranch(ctx, r, br)
	}
	r.wg.Wait()
}

// spawnBranch hands a branch to the worker pool, falling back to the
// calling goroutine when the pool is saturated so a split can never
// deadlock on its own siblings.
func (e *Engine) spawnBranch(ctx context.Context, r *run, br *branch) {
	r.wg.Add(1)
	body := func(ctx context.Context) {
		defer r.wg.Done()
		e.advanceBranch(ctx, r, br)
	}
	if !e.pool.TrySubmit(ctx, body) {
		body(ctx)
	}
}

// advanceBranch walks one branch through the graph node by node until it
// ends, parks, or the run stops.
func (e *Engine) advanceBranch(ctx context.Context, r *run, br *branch) {
	for {
		if r.stopped() {
			return
		}
		node := r.g.Node(br.pos)
		nctx := logging.WithNodeID(ctx, node.ID)

		if err := e.appendHistory(nctx, &schema.HistoryEntry{
			InstanceID: r.rec.ID,
			FromNode:   br.from,
			ToNode:     node.ID,
			Action:     schema.ActionNodeEntered,
		}); err != nil {
			r.fail(toFlowError(err, node.ID))
			return
		}

		out, err := e.execNode(nctx, r, br, node)
		if err != nil {
			out, err = e.routeFault(nctx, r, br, node, err)
			if err != nil {
				r.fail(toFlowError(err, node.ID))
				return
			}
		}

		if out.park != nil {
			r.park(out.park)
			return
		}
		if err := e.appendHistory(nctx, &schema.HistoryEntry{
			InstanceID: r.rec.ID,
			FromNode:   node.ID,
			Action:     schema.ActionNodeExited,
		}); err != nil {
			r.fail(toFlowError(err, node.ID))
			return
		}
		for _, pos := range out.spawn {
			e.spawnBranch(ctx, r, &branch{
				pos:   pos,
				from:  node.ID,
				loops: make(map[string]*loopState),
			})
		}
		if out.next < 0 {
			return
		}
		br.from = node.ID
		br.via = out.nextVia
		br.pos = out.next
	}
}

// selectNext picks the outgoing edge a branch follows after a node whose
// routing is data-driven: guards evaluate in edge ID order and the first
// edge whose guard is empty or true wins. Fault-routing handles never
// participate.
func (e *Engine) selectNext(ctx context.Context, r *run, nodeIdx int) (outcome, error) {
	node := r.g.Node(nodeIdx)
	frame := r.env.NewFrame()

	// More than one guard-less edge is an author error; the lowest edge ID
	// wins, but the template should be fixed.
	unconditional := 0
	for _, ei := range r.g.Out(nodeIdx) {
		edge := r.g.Edge(ei)
		switch edge.Handle {
		case schema.HandleError, schema.HandleEscalate, schema.HandlePartial:
			continue
		}
		if edge.Guard == "" {
			unconditional++
		}
	}
	if unconditional > 1 {
		e.logger.WarnContext(ctx, "multiple unconditional edges, lowest edge ID wins",
			slog.String("node_id", node.ID))
	}

	for _, ei := range r.g.Out(nodeIdx) {
		edge := r.g.Edge(ei)
		switch edge.Handle {
		case schema.HandleError, schema.HandleEscalate, schema.HandlePartial:
			continue
		}
		if edge.Guard == "" {
			return outcome{next: r.g.Target(ei), nextVia: edge.Handle}, nil
		}
		ok, err := e.eval.EvaluateBool(ctx, edge.Guard, e.evalContext(frame))
		if err != nil {
			return outcome{}, toFlowError(err, node.ID)
		}
		if ok {
			return outcome{next: r.g.Target(ei), nextVia: edge.Handle}, nil
		}
	}
	return outcome{}, schema.NewErrorf(schema.ErrCodeTransitionNotAllowed,
		"no outgoing edge of node %s is enabled", node.ID).WithNode(node.ID)
}

// evalContext builds the expression context for guard and condition
// evaluation: the branch's variable view plus the evaluation instant.
func (e *Engine) evalContext(frame *vars.Frame) expressions.Context {
	return expressions.Context{
		Vars: frame.View(),
		Now:  time.Now().UTC(),
	}
}

// routeFault handles a node execution error. Every fault is recorded in
// history; recoverable faults divert to the node's error edge when one
// exists, everything else fails the instance.
func (e *Engine) routeFault(ctx context.Context, r *run, br *branch, node *schema.Node, cause error) (outcome, error) {
	fe := toFlowError(cause, node.ID)
	detail, _ := json.Marshal(fe)
	if err := e.appendHistory(ctx, &schema.HistoryEntry{
		InstanceID: r.rec.ID,
		FromNode:   node.ID,
		Action:     schema.ActionFault,
		Detail:     detail,
	}); err != nil {
		return outcome{}, err
	}
	if recoverableFault(fe.Code) {
		if ei, ok := r.g.OutByHandle(br.pos, schema.HandleError); ok {
			e.logger.WarnContext(ctx, "fault routed to error edge",
				slog.String("code", fe.Code),
				slog.String("error", fe.Message))
			return outcome{next: r.g.Target(ei), nextVia: schema.HandleError}, nil
		}
	}
	return outcome{}, fe
}

// recoverableFault reports whether a fault code is node-local and may be
// absorbed by an error edge. Structural and infrastructure faults always
// fail the instance.
func recoverableFault(code string) bool {
	switch code {
	case schema.ErrCodeEvaluation,
		schema.ErrCodeEvaluationTimeout,
		schema.ErrCodeVariableNotFound,
		schema.ErrCodeScriptFailed,
		schema.ErrCodeScriptTimeout,
		schema.ErrCodeSubWorkflow:
		return true
	}
	return false
}

// settle persists the run's state after drive returns and closes out the
// instance when it reached a terminal condition. The returned followup
// carries child starts and, for a terminal child, the parent notification.
func (e *Engine) settle(ctx context.Context, r *run) (followup, error) {
	r.mu.Lock()
	failure := r.failure
	r.mu.Unlock()

	now := time.Now().UTC()
	var update store.InstanceUpdate
	terminal := false
	switch {
	case failure != nil:
		status := string(schema.InstanceFailed)
		detail, merr := json.Marshal(failure)
		if merr != nil {
			detail, _ = json.Marshal(map[string]any{"code": failure.Code, "message": failure.Message})
		}
		update.Status = &status
		update.Error = detail
		update.CompletedAt = &now
		terminal = true
		if err := e.store.DeleteTimers(ctx, r.rec.ID, ""); err != nil {
			e.logger.WarnContext(ctx, "delete timers failed", slog.String("error", err.Error()))
		}
		if err := e.appendHistory(ctx, &schema.HistoryEntry{
			InstanceID: r.rec.ID,
			Action:     schema.ActionInstanceFailed,
			Detail:     detail,
		}); err != nil {
			return followup{}, err
		}
		r.rec.Status = status
		r.rec.Error = detail
		e.logger.ErrorContext(ctx, "instance failed",
			slog.String("code", failure.Code),
			slog.String("error", failure.Message))
	case r.quiescent():
		status := string(schema.InstanceCompleted)
		update.Status = &status
		update.CompletedAt = &now
		terminal = true
		if err := e.store.DeleteTimers(ctx, r.rec.ID, ""); err != nil {
			e.logger.WarnContext(ctx, "delete timers failed", slog.String("error", err.Error()))
		}
		if err := e.appendHistory(ctx, &schema.HistoryEntry{
			InstanceID: r.rec.ID,
			Action:     schema.ActionInstanceCompleted,
		}); err != nil {
			return followup{}, err
		}
		r.rec.Status = status
		e.logger.InfoContext(ctx, "instance completed")
	default:
		e.logger.InfoContext(ctx, "instance suspended",
			slog.Any("waiting_on", r.parkedNodes()))
	}

	if err := e.persistRun(ctx, r, update); err != nil {
		return followup{}, err
	}

	f := followup{startChildren: r.takeChildren()}
	if terminal && r.rec.ParentID != "" {
		f.notify = r.rec
	}
	if failure != nil {
		return f, failure
	}
	return f, nil
}

// resumeRun continues a previously suspended instance from a resumed
// branch: it drives the branch (plus any it spawns) and settles. Callers
// hold the instance lock and have already popped the parked snapshot.
func (e *Engine) resumeRun(ctx context.Context, r *run, branches ...*branch) (followup, error) {
	e.drive(ctx, r, branches...)
	return e.settle(ctx, r)
}

// toFlowError normalizes any error into a FlowError attributed to a node.
func toFlowError(err error, nodeID string) *schema.FlowError {
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		if fe.NodeID == "" {
			fe.NodeID = nodeID
		}
		return fe
	}
	return schema.NewError(schema.ErrCodeExecution, err.Error()).WithNode(nodeID).WithCause(err)
}
