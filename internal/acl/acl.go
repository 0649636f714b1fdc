// Package acl authorizes operations on entities. Decisions come from two
// sources, checked in order: direct record permissions (grants on one
// record, addressed to an actor or role) and access rules (entity-wide
// policies with optional conditions). Absent a match the answer is deny.
//
// The evaluator is read-only: it never mutates what it authorizes, and a
// malformed rule condition fails closed rather than open.
package acl

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/senthilnathang/flowcore/internal/expressions"
	"github.com/senthilnathang/flowcore/internal/store"
	"github.com/senthilnathang/flowcore/pkg/schema"
)

// ApprovalStarter launches the approval workflow a requires-approval rule
// links to. The engine satisfies this.
type ApprovalStarter interface {
	CreateAndStart(ctx context.Context, templateID string, version int, data map[string]any, actor string) (*schema.Instance, error)
}

// Evaluator answers access checks against the rule and permission store.
type Evaluator struct {
	store     store.Store
	eval      *expressions.Evaluator
	approvals ApprovalStarter
	logger    *slog.Logger
}

// NewEvaluator creates an Evaluator. approvals may be nil; requires-approval
// rules then deny with an explanatory reason instead of spawning a workflow.
func NewEvaluator(s store.Store, eval *expressions.Evaluator, approvals ApprovalStarter, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{store: s, eval: eval, approvals: approvals, logger: logger}
}

// CheckAccess decides whether the request is allowed.
//
// Record permissions go first: an unexpired, unrevoked grant matching the
// entity, the actor or one of their roles, and the operation short-circuits
// to granted. Otherwise active rules matching entity type and operation
// apply in (priority desc, creation asc) order; the first rule whose
// condition holds and does not deny the actor decides. No match denies.
func (e *Evaluator) CheckAccess(ctx context.Context, req schema.AccessRequest) (*schema.Decision, error) {
	now := req.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	if req.EntityID != "" {
		perms, err := e.store.ListPermissions(ctx, req.EntityType, req.EntityID)
		if err != nil {
			return nil, err
		}
		for _, p := range perms {
			if !e.permissionMatches(ctx, p, req, now) {
				continue
			}
			e.audit(ctx, req, true, "record permission")
			return &schema.Decision{
				Granted: true,
				Reason:  fmt.Sprintf("record permission %s", p.ID),
				RuleID:  p.ID,
			}, nil
		}
	}

	rules, err := e.store.ListAccessRules(ctx, req.EntityType, req.Operation)
	if err != nil {
		return nil, err
	}
	for _, rule := range rules {
		if !rule.Active {
			continue
		}
		// Field-level rules bind only to checks naming their field;
		// entity-level rules bind to every check.
		if rule.FieldName != "" && rule.FieldName != req.FieldName {
			continue
		}
		if !e.conditionHolds(ctx, rule, req, now) {
			continue
		}
		if denied, who := matchDenied(rule, req); denied {
			e.audit(ctx, req, false, "denied by rule")
			return &schema.Decision{
				Granted: false,
				Reason:  fmt.Sprintf("rule %s denies %s", rule.ID, who),
				RuleID:  rule.ID,
			}, nil
		}
		if !matchAllowed(rule, req) {
			e.audit(ctx, req, false, "not in allow set")
			return &schema.Decision{
				Granted: false,
				Reason:  fmt.Sprintf("rule %s does not allow actor %s", rule.ID, req.Actor),
				RuleID:  rule.ID,
			}, nil
		}
		if rule.RequiresApproval {
			return e.provisionalGrant(ctx, rule, req)
		}
		e.audit(ctx, req, true, "allowed by rule")
		return &schema.Decision{
			Granted: true,
			Reason:  fmt.Sprintf("rule %s allows actor %s", rule.ID, req.Actor),
			RuleID:  rule.ID,
		}, nil
	}

	e.audit(ctx, req, false, "no matching rule")
	return &schema.Decision{Granted: false, Reason: "no rule or permission grants access"}, nil
}

func (e *Evaluator) permissionMatches(ctx context.Context, p *store.RecordPermission, req schema.AccessRequest, now time.Time) bool {
	if p.Operation != req.Operation {
		return false
	}
	if p.RevokedAt != nil {
		return false
	}
	// An expiry at or before now never grants.
	if p.ExpiresAt != nil && !now.Before(*p.ExpiresAt) {
		return false
	}
	addressed := p.Actor != "" && p.Actor == req.Actor
	if !addressed && p.Role != "" {
		for _, role := range req.Roles {
			if role == p.Role {
				addressed = true
				break
			}
		}
	}
	if !addressed {
		return false
	}
	if p.Condition == "" {
		return true
	}
	ok, err := e.eval.EvaluateBool(ctx, p.Condition, e.aclContext(req, now))
	if err != nil {
		// Fail closed: a broken condition grants nothing.
		e.logger.WarnContext(ctx, "permission condition failed",
			slog.String("permission_id", p.ID),
			slog.String("error", err.Error()))
		return false
	}
	return ok
}

// conditionHolds evaluates a rule's condition, treating an empty condition
// as true and an erroring one as false.
func (e *Evaluator) conditionHolds(ctx context.Context, rule *store.AccessRule, req schema.AccessRequest, now time.Time) bool {
	if rule.Condition == "" {
		return true
	}
	ok, err := e.eval.EvaluateBool(ctx, rule.Condition, e.aclContext(req, now))
	if err != nil {
		e.logger.WarnContext(ctx, "rule condition failed, skipping rule",
			slog.String("rule_id", rule.ID),
			slog.String("error", err.Error()))
		return false
	}
	return ok
}

func (e *Evaluator) aclContext(req schema.AccessRequest, now time.Time) expressions.Context {
	return expressions.Context{
		Actor: map[string]any{
			"id":    req.Actor,
			"roles": req.Roles,
		},
		Entity: req.EntityData,
		Now:    now,
	}
}

// provisionalGrant spawns the rule's approval workflow and returns a
// provisional decision carrying the approval instance ID.
func (e *Evaluator) provisionalGrant(ctx context.Context, rule *store.AccessRule, req schema.AccessRequest) (*schema.Decision, error) {
	if e.approvals == nil || rule.ApprovalTemplateID == "" {
		e.audit(ctx, req, false, "approval required but unavailable")
		return &schema.Decision{
			Granted: false,
			Reason:  fmt.Sprintf("rule %s requires approval but no approval workflow is configured", rule.ID),
			RuleID:  rule.ID,
		}, nil
	}
	inst, err := e.approvals.CreateAndStart(ctx, rule.ApprovalTemplateID, 0, map[string]any{
		"requested_by": req.Actor,
		"entity_type":  req.EntityType,
		"entity_id":    req.EntityID,
		"operation":    req.Operation,
		"rule_id":      rule.ID,
	}, req.Actor)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeSubWorkflow,
			"start approval workflow %s", rule.ApprovalTemplateID).WithCause(err)
	}
	e.audit(ctx, req, false, "provisional pending approval")
	return &schema.Decision{
		Granted:            false,
		Reason:             fmt.Sprintf("rule %s grants pending approval", rule.ID),
		RuleID:             rule.ID,
		Provisional:        true,
		ApprovalInstanceID: inst.ID,
	}, nil
}

func matchDenied(rule *store.AccessRule, req schema.AccessRequest) (bool, string) {
	for _, a := range rule.DeniedActors {
		if a == req.Actor {
			return true, "actor " + req.Actor
		}
	}
	for _, dr := range rule.DeniedRoles {
		for _, role := range req.Roles {
			if role == dr {
				return true, "role " + role
			}
		}
	}
	return false, ""
}

func matchAllowed(rule *store.AccessRule, req schema.AccessRequest) bool {
	for _, a := range rule.AllowedActors {
		if a == req.Actor {
			return true
		}
	}
	for _, ar := range rule.AllowedRoles {
		for _, role := range req.Roles {
			if role == ar {
				return true
			}
		}
	}
	return false
}

func (e *Evaluator) audit(ctx context.Context, req schema.AccessRequest, granted bool, reason string) {
	e.logger.InfoContext(ctx, "access check",
		slog.String("actor", req.Actor),
		slog.String("entity_type", req.EntityType),
		slog.String("entity_id", req.EntityID),
		slog.String("operation", req.Operation),
		slog.Bool("granted", granted),
		slog.String("reason", reason))
}

// Grant creates a record permission for an actor or role. Exactly one of
// actor and role must be set.
func (e *Evaluator) Grant(ctx context.Context, perm *store.RecordPermission) (*store.RecordPermission, error) {
	if (perm.Actor == "") == (perm.Role == "") {
		return nil, schema.NewError(schema.ErrCodeValidation,
			"permission must address exactly one of actor or role")
	}
	if perm.EntityType == "" || perm.EntityID == "" || perm.Operation == "" {
		return nil, schema.NewError(schema.ErrCodeValidation,
			"permission needs entity type, entity ID, and operation")
	}
	if perm.ID == "" {
		perm.ID = uuid.NewString()
	}
	if perm.GrantedAt.IsZero() {
		perm.GrantedAt = time.Now().UTC()
	}
	if err := e.store.GrantPermission(ctx, perm); err != nil {
		return nil, err
	}
	e.logger.InfoContext(ctx, "permission granted",
		slog.String("permission_id", perm.ID),
		slog.String("entity_type", perm.EntityType),
		slog.String("entity_id", perm.EntityID),
		slog.String("operation", perm.Operation))
	return perm, nil
}

// Revoke marks a permission revoked. Revoking an already revoked permission
// is a no-op that keeps the first revocation.
func (e *Evaluator) Revoke(ctx context.Context, id, revokedBy string) error {
	if err := e.store.RevokePermission(ctx, id, revokedBy, time.Now().UTC()); err != nil {
		return err
	}
	e.logger.InfoContext(ctx, "permission revoked",
		slog.String("permission_id", id),
		slog.String("revoked_by", revokedBy))
	return nil
}

// SaveRule validates and stores an access rule.
func (e *Evaluator) SaveRule(ctx context.Context, rule *store.AccessRule) (*store.AccessRule, error) {
	if rule.EntityType == "" || rule.Operation == "" {
		return nil, schema.NewError(schema.ErrCodeValidation,
			"rule needs entity type and operation")
	}
	if rule.RequiresApproval && rule.ApprovalTemplateID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation,
			"rule requires approval but names no approval template")
	}
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	if err := e.store.CreateAccessRule(ctx, rule); err != nil {
		return nil, err
	}
	return rule, nil
}
