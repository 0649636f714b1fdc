package engine

import (
	"encoding/json"
	"sync"

	"github.com/senthilnathang/flowcore/internal/graph"
	"github.com/senthilnathang/flowcore/internal/store"
	"github.com/senthilnathang/flowcore/internal/vars"
	"github.com/senthilnathang/flowcore/pkg/schema"
)

// Park kinds: why a branch snapshot is waiting.
const (
	parkStart       = "start"
	parkUserTask    = "user_task"
	parkTimer       = "timer"
	parkSubWorkflow = "sub_workflow"
)

// loopState is the per-branch state of one loop node. For for_each loops,
// Items is the snapshot of the collection taken at loop entry: later
// mutation of the source variable does not affect remaining iterations.
type loopState struct {
	Iteration int   `json:"iteration"`
	Items     []any `json:"items,omitempty"`
	Index     int   `json:"index,omitempty"`
}

// branchSnapshot is the durable form of a parked branch: where it waits,
// why, and the loop state it must carry when it resumes. Together with the
// instance variables and join counters this is the complete resumable
// state of an instance.
type branchSnapshot struct {
	NodeID  string                `json:"node_id"`
	Kind    string                `json:"kind"`
	From    string                `json:"from,omitempty"`
	ChildID string                `json:"child_id,omitempty"`
	Retries int                   `json:"retries,omitempty"`
	Loops   map[string]*loopState `json:"loops,omitempty"`
}

// branch is one concurrent execution position walking the graph. A branch
// is owned by exactly one goroutine; everything shared lives on the run.
type branch struct {
	pos   int    // current node index
	from  string // previous node ID, for history
	via   string // handle of the edge that led here
	loops map[string]*loopState
}

func (b *branch) snapshot(nodeID, kind string) *branchSnapshot {
	return &branchSnapshot{
		NodeID: nodeID,
		Kind:   kind,
		From:   b.from,
		Loops:  b.loops,
	}
}

func branchFromSnapshot(snap *branchSnapshot, pos int) *branch {
	loops := snap.Loops
	if loops == nil {
		loops = make(map[string]*loopState)
	}
	return &branch{pos: pos, from: snap.From, loops: loops}
}

// run is the in-memory execution state of one instance while the engine
// drives it. Shared fields are guarded by mu; the variable environment has
// its own lock.
type run struct {
	rec *store.InstanceRecord
	g   *graph.CompiledGraph
	env *vars.Environment

	mu        sync.Mutex
	joins     map[string]int // merge gateway node ID -> arrivals
	parked    []*branchSnapshot
	children  []string // child instances to start once this run settles
	failure   *schema.FlowError
	cancelled bool

	wg sync.WaitGroup
}

// addChild queues a child instance to start after the run settles. Children
// never start while the parent's lock is held: the parent's parked state
// must be durable before the child can possibly complete.
func (r *run) addChild(id string) {
	r.mu.Lock()
	r.children = append(r.children, id)
	r.mu.Unlock()
}

func (r *run) takeChildren() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.children
	r.children = nil
	return out
}

// fail records the first fatal fault; later faults are dropped.
func (r *run) fail(err *schema.FlowError) {
	r.mu.Lock()
	if r.failure == nil {
		r.failure = err
	}
	r.mu.Unlock()
}

// stopped reports whether branch work should halt.
func (r *run) stopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failure != nil || r.cancelled
}

func (r *run) park(snap *branchSnapshot) {
	r.mu.Lock()
	r.parked = append(r.parked, snap)
	r.mu.Unlock()
}

// popParked removes and returns the first parked snapshot at nodeID with
// the given kind ("" matches any kind).
func (r *run) popParked(nodeID, kind string) (*branchSnapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, snap := range r.parked {
		if snap.NodeID == nodeID && (kind == "" || snap.Kind == kind) {
			r.parked = append(r.parked[:i], r.parked[i+1:]...)
			return snap, true
		}
	}
	return nil, false
}

// popParkedChild removes and returns the sub-workflow snapshot waiting on
// the given child instance.
func (r *run) popParkedChild(childID string) (*branchSnapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, snap := range r.parked {
		if snap.Kind == parkSubWorkflow && snap.ChildID == childID {
			r.parked = append(r.parked[:i], r.parked[i+1:]...)
			return snap, true
		}
	}
	return nil, false
}

func (r *run) parkedNodes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.parked))
	for i, snap := range r.parked {
		out[i] = snap.NodeID
	}
	return out
}

// quiescent reports whether the run has neither parked branches nor pending
// joins; combined with no failure this means the instance completed.
func (r *run) quiescent() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.parked) == 0 && len(r.joins) == 0
}

func (r *run) marshalState() (variables, branches, joins json.RawMessage, err error) {
	variables, err = r.env.Snapshot()
	if err != nil {
		return nil, nil, nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	branches, err = json.Marshal(r.parked)
	if err != nil {
		return nil, nil, nil, schema.NewError(schema.ErrCodeStore, "marshal branches").WithCause(err)
	}
	joins, err = json.Marshal(r.joins)
	if err != nil {
		return nil, nil, nil, schema.NewError(schema.ErrCodeStore, "marshal joins").WithCause(err)
	}
	return variables, branches, joins, nil
}

func (r *run) unmarshalState(rec *store.InstanceRecord) error {
	if err := r.env.Restore(rec.Variables); err != nil {
		return err
	}
	r.parked = nil
	if len(rec.Branches) > 0 {
		if err := json.Unmarshal(rec.Branches, &r.parked); err != nil {
			return schema.NewError(schema.ErrCodeStore, "unmarshal branches").WithCause(err)
		}
	}
	r.joins = make(map[string]int)
	if len(rec.Joins) > 0 {
		if err := json.Unmarshal(rec.Joins, &r.joins); err != nil {
			return schema.NewError(schema.ErrCodeStore, "unmarshal joins").WithCause(err)
		}
	}
	return nil
}
