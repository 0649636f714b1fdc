package schema

import (
	"encoding/json"
	"time"
)

// NodeKind identifies a node variant. The set is closed: the engine's
// dispatch switches exhaustively over these values and unknown kinds are
// rejected during validation.
type NodeKind string

const (
	NodeState           NodeKind = "state"
	NodeConditional     NodeKind = "conditional"
	NodeParallelGateway NodeKind = "parallel_gateway"
	NodeTimer           NodeKind = "timer"
	NodeUserTask        NodeKind = "user_task"
	NodeLoop            NodeKind = "loop"
	NodeVariable        NodeKind = "variable"
	NodeSubWorkflow     NodeKind = "sub_workflow"
	NodeScript          NodeKind = "script"
)

// NodeKinds lists every valid node kind.
var NodeKinds = []NodeKind{
	NodeState, NodeConditional, NodeParallelGateway, NodeTimer,
	NodeUserTask, NodeLoop, NodeVariable, NodeSubWorkflow, NodeScript,
}

// TemplateStatus is the lifecycle status of a workflow template.
type TemplateStatus string

const (
	TemplateDraft    TemplateStatus = "draft"
	TemplateActive   TemplateStatus = "active"
	TemplateInactive TemplateStatus = "inactive"
)

// Template is a versioned workflow definition: a directed graph of typed
// nodes connected by labelled edges. Templates are immutable once active;
// changes produce a new version.
type Template struct {
	ID          string         `json:"id"`
	Version     int            `json:"version"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Status      TemplateStatus `json:"status"`
	Nodes       []Node         `json:"nodes"`
	Edges       []Edge         `json:"edges"`
	Variables   []VariableDecl `json:"variables,omitempty"`
	CreatedBy   string         `json:"created_by,omitempty"`
	CreatedAt   time.Time      `json:"created_at,omitempty"`
	UpdatedAt   time.Time      `json:"updated_at,omitempty"`
}

// VariableDecl declares an instance- or global-scope variable with an
// optional initial value. Names must be unique within a scope.
type VariableDecl struct {
	Name    string          `json:"name"`
	Scope   Scope           `json:"scope"`
	Initial json.RawMessage `json:"initial,omitempty"`
}

// Scope identifies a variable scope.
type Scope string

const (
	ScopeLocal    Scope = "local"
	ScopeInstance Scope = "instance"
	ScopeGlobal   Scope = "global"
)

// Node is a closed tagged variant: Kind selects which config pointer is set,
// and exactly one must be set. Adding a kind means touching every switch
// that dispatches on it, which is intentional.
type Node struct {
	ID   string   `json:"id"`
	Kind NodeKind `json:"kind"`
	Name string   `json:"name,omitempty"`

	State       *StateConfig       `json:"state,omitempty"`
	Conditional *ConditionalConfig `json:"conditional,omitempty"`
	Gateway     *GatewayConfig     `json:"gateway,omitempty"`
	Timer       *TimerConfig       `json:"timer,omitempty"`
	UserTask    *UserTaskConfig    `json:"user_task,omitempty"`
	Loop        *LoopConfig        `json:"loop,omitempty"`
	Variable    *VariableConfig    `json:"variable,omitempty"`
	SubWorkflow *SubWorkflowConfig `json:"sub_workflow,omitempty"`
	Script      *ScriptConfig      `json:"script,omitempty"`
}

// ConfigForKind returns the config pointer matching the node's kind, or nil
// if the matching config is absent.
func (n *Node) ConfigForKind() any {
	switch n.Kind {
	case NodeState:
		if n.State != nil {
			return n.State
		}
	case NodeConditional:
		if n.Conditional != nil {
			return n.Conditional
		}
	case NodeParallelGateway:
		if n.Gateway != nil {
			return n.Gateway
		}
	case NodeTimer:
		if n.Timer != nil {
			return n.Timer
		}
	case NodeUserTask:
		if n.UserTask != nil {
			return n.UserTask
		}
	case NodeLoop:
		if n.Loop != nil {
			return n.Loop
		}
	case NodeVariable:
		if n.Variable != nil {
			return n.Variable
		}
	case NodeSubWorkflow:
		if n.SubWorkflow != nil {
			return n.SubWorkflow
		}
	case NodeScript:
		if n.Script != nil {
			return n.Script
		}
	}
	return nil
}

// configCount returns how many variant configs are set on the node.
func (n *Node) configCount() int {
	count := 0
	for _, set := range []bool{
		n.State != nil, n.Conditional != nil, n.Gateway != nil,
		n.Timer != nil, n.UserTask != nil, n.Loop != nil,
		n.Variable != nil, n.SubWorkflow != nil, n.Script != nil,
	} {
		if set {
			count++
		}
	}
	return count
}

// CheckVariant verifies the kind/config pairing: the kind must be known,
// its config present, and no other variant config set.
func (n *Node) CheckVariant() error {
	known := false
	for _, k := range NodeKinds {
		if n.Kind == k {
			known = true
			break
		}
	}
	if !known {
		return NewErrorf(ErrCodeValidation, "unknown node kind %q", n.Kind).WithNode(n.ID)
	}
	if n.ConfigForKind() == nil {
		return NewErrorf(ErrCodeValidation, "node kind %q has no matching config", n.Kind).WithNode(n.ID)
	}
	if n.configCount() != 1 {
		return NewErrorf(ErrCodeValidation, "node has %d variant configs, want exactly 1", n.configCount()).WithNode(n.ID)
	}
	return nil
}

// Edge connects two nodes. Handle labels the branch a multi-way node routes
// through ("true"/"false" for conditionals, "loop_body"/"continue"/"exit"
// for loops, user actions for tasks, "error" for fault recovery, "partial"
// for join timeouts). Guard is an optional condition that must evaluate
// true for the edge to be taken from a state node.
type Edge struct {
	ID     string `json:"id"`
	Source string `json:"source"`
	Target string `json:"target"`
	Handle string `json:"handle,omitempty"`
	Guard  string `json:"guard,omitempty"`
}

// Well-known edge handles.
const (
	HandleTrue     = "true"
	HandleFalse    = "false"
	HandleLoopBody = "loop_body"
	HandleContinue = "continue"
	HandleExit     = "exit"
	HandleBreak    = "break"
	HandleError    = "error"
	HandlePartial  = "partial"
	HandleEscalate = "escalate"
)

// StateConfig configures a state node. A final state terminates its branch.
type StateConfig struct {
	IsInitial bool `json:"is_initial,omitempty"`
	IsFinal   bool `json:"is_final,omitempty"`
}

// ConditionalConfig evaluates Expression and routes through the "true" or
// "false" edge. The expression must produce a boolean.
type ConditionalConfig struct {
	Expression string `json:"expression"`
}

// GatewayMode distinguishes fan-out from fan-in gateways.
type GatewayMode string

const (
	GatewaySplit GatewayMode = "split"
	GatewayMerge GatewayMode = "merge"
)

// GatewayConfig configures a parallel gateway. A split starts one branch per
// outgoing edge; a merge waits for Expected arrivals (0 = all incoming
// edges) before continuing. Timeout, when set, bounds the wait: on expiry
// the gateway takes its "partial" edge or faults the instance.
type GatewayConfig struct {
	Mode     GatewayMode `json:"mode"`
	Expected int         `json:"expected,omitempty"`
	Timeout  Duration    `json:"timeout,omitempty"`
}

// TimerConfig suspends the branch for Duration, resumed by the timer service.
type TimerConfig struct {
	Duration Duration `json:"duration"`
}

// UserTaskConfig suspends the branch until an external Resume call. The
// resume action selects the outgoing edge whose handle equals it. Deadline,
// when set, schedules an escalation: if the task is still waiting when it
// fires, the branch takes the "escalate" edge or the instance faults.
type UserTaskConfig struct {
	Assignee string   `json:"assignee,omitempty"`
	Deadline Duration `json:"deadline,omitempty"`
}

// LoopPolicy selects the iteration strategy of a loop node.
type LoopPolicy string

const (
	LoopFor     LoopPolicy = "for"
	LoopWhile   LoopPolicy = "while"
	LoopForEach LoopPolicy = "for_each"
)

// LoopConfig configures a loop node. The body is the subgraph reached
// through the "loop_body" edge, which must route back into the loop node.
// An incoming edge with handle "break" exits the loop early.
//
//   - for:      Count iterations.
//   - while:    iterate while Condition evaluates true.
//   - for_each: snapshot the collection variable named by Collection at loop
//     entry and bind each element to ItemVar per iteration.
//
// Every policy is bounded by a hard engine cap regardless of Count.
type LoopConfig struct {
	Policy     LoopPolicy `json:"policy"`
	Count      int        `json:"count,omitempty"`
	Condition  string     `json:"condition,omitempty"`
	Collection string     `json:"collection,omitempty"`
	ItemVar    string     `json:"item_var,omitempty"`
}

// VariableOp selects the operation of a variable node.
type VariableOp string

const (
	VarSet       VariableOp = "set"
	VarGet       VariableOp = "get"
	VarCalculate VariableOp = "calculate"
	VarTransform VariableOp = "transform"
)

// TransformEngine selects the program language of a transform operation.
type TransformEngine string

const (
	TransformJQ   TransformEngine = "jq"
	TransformExpr TransformEngine = "expr"
)

// VariableConfig configures a variable node.
//
//   - set:       write Value to Scope/Name.
//   - get:       read Scope/Name (Default if absent) and copy it to Target.
//   - calculate: evaluate Expression and write the typed result to Name.
//   - transform: run Program (jq or expr) over the variable named Name and
//     write the result to Target.
type VariableConfig struct {
	Op         VariableOp      `json:"op"`
	Scope      Scope           `json:"scope,omitempty"`
	Name       string          `json:"name"`
	Value      json.RawMessage `json:"value,omitempty"`
	Default    json.RawMessage `json:"default,omitempty"`
	Expression string          `json:"expression,omitempty"`
	Engine     TransformEngine `json:"engine,omitempty"`
	Program    string          `json:"program,omitempty"`
	Target     string          `json:"target,omitempty"`
}

// SubWorkflowMode distinguishes blocking from fire-and-forget invocation.
type SubWorkflowMode string

const (
	SubWorkflowSync  SubWorkflowMode = "sync"
	SubWorkflowAsync SubWorkflowMode = "async"
)

// SubWorkflowOnError selects the parent's reaction to a failed sync child.
type SubWorkflowOnError string

const (
	OnErrorFail     SubWorkflowOnError = "fail"
	OnErrorContinue SubWorkflowOnError = "continue"
	OnErrorRetry    SubWorkflowOnError = "retry"
)

// SubWorkflowConfig configures a sub-workflow node. InputMap maps child
// variable names to parent variable names snapshotted at invocation;
// OutputMap maps parent variable names to child variable names copied back
// on sync completion. Version 0 means the latest active version.
type SubWorkflowConfig struct {
	TemplateID string             `json:"template_id"`
	Version    int                `json:"version,omitempty"`
	Mode       SubWorkflowMode    `json:"mode,omitempty"`
	InputMap   map[string]string  `json:"input_map,omitempty"`
	OutputMap  map[string]string  `json:"output_map,omitempty"`
	OnError    SubWorkflowOnError `json:"on_error,omitempty"`
	MaxRetries int                `json:"max_retries,omitempty"`
}

// ScriptConfig configures a script node. Inputs name the variables passed to
// the script; Outputs name the variables the script may produce. Produced
// variables commit to instance scope all-or-nothing on success.
type ScriptConfig struct {
	Language string   `json:"language"`
	Source   string   `json:"source"`
	Timeout  Duration `json:"timeout,omitempty"`
	Inputs   []string `json:"inputs,omitempty"`
	Outputs  []string `json:"outputs,omitempty"`
}

// Duration is a time.Duration that marshals as a Go duration string
// (e.g. "30s", "5m") in JSON template payloads.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return NewErrorf(ErrCodeValidation, "invalid duration %q: %v", s, err)
	}
	*d = Duration(parsed)
	return nil
}
