package schema

import (
	"encoding/json"
	"time"
)

// InstanceStatus is the lifecycle status of a workflow instance. There is no
// distinct suspended status: an instance with parked branches stays running.
type InstanceStatus string

const (
	InstancePending   InstanceStatus = "pending"
	InstanceRunning   InstanceStatus = "running"
	InstanceCompleted InstanceStatus = "completed"
	InstanceFailed    InstanceStatus = "failed"
	InstanceCancelled InstanceStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s InstanceStatus) Terminal() bool {
	return s == InstanceCompleted || s == InstanceFailed || s == InstanceCancelled
}

// Instance is the externally visible state of a workflow instance.
type Instance struct {
	ID              string          `json:"id"`
	TemplateID      string          `json:"template_id"`
	TemplateVersion int             `json:"template_version"`
	Status          InstanceStatus  `json:"status"`
	ActiveNodes     []string        `json:"active_nodes,omitempty"`
	Variables       map[string]any  `json:"variables,omitempty"`
	Priority        int             `json:"priority,omitempty"`
	Deadline        *time.Time      `json:"deadline,omitempty"`
	ParentID        string          `json:"parent_id,omitempty"`
	ParentNode      string          `json:"parent_node,omitempty"`
	Error           json.RawMessage `json:"error,omitempty"`
	CreatedBy       string          `json:"created_by,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}

// History actions. Each node entry/exit, suspension, resume, fault, loop
// decision, and instance lifecycle change appends exactly one entry.
const (
	ActionInstanceCreated   = "instance_created"
	ActionInstanceStarted   = "instance_started"
	ActionInstanceCompleted = "instance_completed"
	ActionInstanceFailed    = "instance_failed"
	ActionInstanceCancelled = "instance_cancelled"

	ActionNodeEntered = "node_entered"
	ActionNodeExited  = "node_exited"
	ActionSuspended   = "suspended"
	ActionResumed     = "resumed"
	ActionFault       = "fault"

	ActionParallelSplit  = "parallel_split"
	ActionBranchJoined   = "branch_joined"
	ActionJoinCompleted  = "join_completed"
	ActionTimerScheduled = "timer_scheduled"
	ActionTimerFired     = "timer_fired"
	ActionEscalated      = "escalated"

	ActionLoopBody     = "loop_body"
	ActionLoopContinue = "continue"
	ActionLoopExit     = "exit"
)

// HistoryEntry is one immutable record in an instance's append-only history.
// Sequence is monotonic per instance with no gaps. For user-task resumes the
// action is the caller-supplied action string and Actor identifies who
// resumed.
type HistoryEntry struct {
	ID         int64           `json:"id,omitempty"`
	InstanceID string          `json:"instance_id"`
	FromNode   string          `json:"from_node,omitempty"`
	ToNode     string          `json:"to_node,omitempty"`
	Action     string          `json:"action"`
	Actor      string          `json:"actor,omitempty"`
	Detail     json.RawMessage `json:"detail,omitempty"`
	Sequence   int64           `json:"sequence"`
	Timestamp  time.Time       `json:"timestamp"`
}
