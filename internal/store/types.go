package store

import (
	"encoding/json"
	"time"

	"github.com/senthilnathang/flowcore/pkg/schema"
)

// TemplateRecord is a stored template version. Payload is the full template
// JSON; the engine decodes and compiles it on demand.
type TemplateRecord struct {
	ID          string          `json:"id"`
	Version     int             `json:"version"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Status      string          `json:"status"`
	Payload     json.RawMessage `json:"payload"`
	CreatedBy   string          `json:"created_by,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// TemplateFilter narrows template listings.
type TemplateFilter struct {
	ID     string
	Status string
	Limit  int
}

// InstanceRecord is the persisted state of a workflow instance. Variables
// holds the instance-scope snapshot; Branches holds the parked branch
// snapshots (suspensions); Joins holds the gateway arrival counters. The
// three travel together: they are the complete resumable state.
type InstanceRecord struct {
	ID              string          `json:"id"`
	TemplateID      string          `json:"template_id"`
	TemplateVersion int             `json:"template_version"`
	Status          string          `json:"status"`
	Variables       json.RawMessage `json:"variables,omitempty"`
	Branches        json.RawMessage `json:"branches,omitempty"`
	Joins           json.RawMessage `json:"joins,omitempty"`
	Error           json.RawMessage `json:"error,omitempty"`
	Priority        int             `json:"priority,omitempty"`
	Deadline        *time.Time      `json:"deadline,omitempty"`
	ParentID        string          `json:"parent_id,omitempty"`
	ParentNode      string          `json:"parent_node,omitempty"`
	CreatedBy       string          `json:"created_by,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// InstanceUpdate is a partial instance update; nil fields are left as-is.
type InstanceUpdate struct {
	Status      *string
	Variables   json.RawMessage
	Branches    json.RawMessage
	Joins       json.RawMessage
	Error       json.RawMessage
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// InstanceFilter narrows instance listings.
type InstanceFilter struct {
	TemplateID string
	Status     string
	ParentID   string
	Limit      int
}

// HistoryFilter narrows history listings. Since selects entries with
// sequence greater than the given value.
type HistoryFilter struct {
	Action string
	Since  int64
	Limit  int
}

// AccessRule is a stored ACL rule. Rules with a FieldName apply to
// field-level checks only; rules without apply to every check on the
// entity/operation pair. DeniedRoles and DeniedActors take precedence over
// the allow sets.
type AccessRule struct {
	ID                 string    `json:"id"`
	Name               string    `json:"name,omitempty"`
	EntityType         string    `json:"entity_type"`
	Operation          string    `json:"operation"`
	FieldName          string    `json:"field_name,omitempty"`
	Condition          string    `json:"condition,omitempty"`
	AllowedRoles       []string  `json:"allowed_roles,omitempty"`
	DeniedRoles        []string  `json:"denied_roles,omitempty"`
	AllowedActors      []string  `json:"allowed_actors,omitempty"`
	DeniedActors       []string  `json:"denied_actors,omitempty"`
	Priority           int       `json:"priority"`
	RequiresApproval   bool      `json:"requires_approval,omitempty"`
	ApprovalTemplateID string    `json:"approval_template_id,omitempty"`
	Active             bool      `json:"active"`
	CreatedAt          time.Time `json:"created_at"`
}

// RecordPermission is a direct grant on one record, addressed to an actor
// or to a role. A permission with ExpiresAt in the past no longer matches;
// a revoked permission keeps its row with RevokedBy/RevokedAt set.
type RecordPermission struct {
	ID         string     `json:"id"`
	EntityType string     `json:"entity_type"`
	EntityID   string     `json:"entity_id"`
	Actor      string     `json:"actor,omitempty"`
	Role       string     `json:"role,omitempty"`
	Operation  string     `json:"operation"`
	Condition  string     `json:"condition,omitempty"`
	GrantedBy  string     `json:"granted_by,omitempty"`
	GrantedAt  time.Time  `json:"granted_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	RevokedBy  string     `json:"revoked_by,omitempty"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
}

// Timer kinds.
const (
	TimerKindTimer    = "timer"
	TimerKindDeadline = "deadline"
	TimerKindJoin     = "join_timeout"
	TimerKindSLA      = "sla"
)

// TimerRecord is a durable timer row. The timer service fires due rows and
// routes them to the engine by Kind.
type TimerRecord struct {
	ID         string    `json:"id"`
	InstanceID string    `json:"instance_id"`
	NodeID     string    `json:"node_id,omitempty"`
	Kind       string    `json:"kind"`
	DueAt      time.Time `json:"due_at"`
	Fired      bool      `json:"fired"`
	CreatedAt  time.Time `json:"created_at"`
}

// Schedule is a cron-driven template instantiation.
type Schedule struct {
	ID              string          `json:"id"`
	TemplateID      string          `json:"template_id"`
	TemplateVersion int             `json:"template_version,omitempty"`
	Cron            string          `json:"cron"`
	InitialData     json.RawMessage `json:"initial_data,omitempty"`
	Actor           string          `json:"actor,omitempty"`
	Enabled         bool            `json:"enabled"`
	LastRunAt       *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt       *time.Time      `json:"next_run_at,omitempty"`
	LastRunStatus   string          `json:"last_run_status,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// ScheduleUpdate is a partial schedule update; nil fields are left as-is.
type ScheduleUpdate struct {
	Enabled       *bool
	LastRunAt     *time.Time
	NextRunAt     *time.Time
	LastRunStatus string
}

func storeNotFound(kind, id string) error {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", kind, id)
}
