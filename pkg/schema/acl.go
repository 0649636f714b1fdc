package schema

import "time"

// AccessRequest describes one access check: who (Actor, Roles) wants to do
// what (Operation, optionally narrowed to FieldName) on which entity.
// EntityData is the current record snapshot exposed to rule conditions.
// Now is the evaluation clock; callers pass a frozen time so a decision is
// reproducible.
type AccessRequest struct {
	Actor      string         `json:"actor"`
	Roles      []string       `json:"roles,omitempty"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id,omitempty"`
	Operation  string         `json:"operation"`
	FieldName  string         `json:"field_name,omitempty"`
	EntityData map[string]any `json:"entity_data,omitempty"`
	Now        time.Time      `json:"now,omitempty"`
}

// Decision is the outcome of an access check. Provisional grants carry the
// ID of the approval instance that must complete before the grant is final.
type Decision struct {
	Granted            bool   `json:"granted"`
	Reason             string `json:"reason,omitempty"`
	RuleID             string `json:"rule_id,omitempty"`
	Provisional        bool   `json:"provisional,omitempty"`
	ApprovalInstanceID string `json:"approval_instance_id,omitempty"`
}
