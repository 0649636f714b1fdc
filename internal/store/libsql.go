package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/senthilnathang/flowcore/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

var _ Store = (*LibSQLStore)(nil)

// NewLibSQLStore opens a libSQL database at the given path.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Templates ---

func (s *LibSQLStore) PutTemplate(ctx context.Context, t *TemplateRecord) error {
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO templates (id, version, name, description, status, payload, created_by, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id, version) DO UPDATE SET
		   name=excluded.name, description=excluded.description,
		   payload=excluded.payload, updated_at=excluded.updated_at`,
		t.ID, t.Version, t.Name, nullStr(t.Description), t.Status,
		string(t.Payload), nullStr(t.CreatedBy), t.CreatedAt, t.UpdatedAt,
	)
	return err
}

func (s *LibSQLStore) GetTemplate(ctx context.Context, id string, version int) (*TemplateRecord, error) {
	return s.scanTemplate(s.db.QueryRowContext(ctx,
		`SELECT id, version, name, description, status, payload, created_by, created_at, updated_at
		 FROM templates WHERE id = ? AND version = ?`, id, version), id)
}

func (s *LibSQLStore) GetActiveTemplate(ctx context.Context, id string) (*TemplateRecord, error) {
	return s.scanTemplate(s.db.QueryRowContext(ctx,
		`SELECT id, version, name, description, status, payload, created_by, created_at, updated_at
		 FROM templates WHERE id = ? AND status = 'active'
		 ORDER BY version DESC LIMIT 1`, id), id)
}

func (s *LibSQLStore) scanTemplate(row *sql.Row, id string) (*TemplateRecord, error) {
	t := &TemplateRecord{}
	var desc, createdBy, payload sql.NullString
	err := row.Scan(&t.ID, &t.Version, &t.Name, &desc, &t.Status, &payload,
		&createdBy, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("template", id)
	}
	if err != nil {
		return nil, err
	}
	t.Description = desc.String
	t.CreatedBy = createdBy.String
	t.Payload = json.RawMessage(payload.String)
	return t, nil
}

func (s *LibSQLStore) SetTemplateStatus(ctx context.Context, id string, version int, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE templates SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ? AND version = ?`,
		status, id, version,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "template", id)
}

func (s *LibSQLStore) ListTemplates(ctx context.Context, filter TemplateFilter) ([]*TemplateRecord, error) {
	query := `SELECT id, version, name, description, status, payload, created_by, created_at, updated_at FROM templates`
	var conds []string
	var args []any
	if filter.ID != "" {
		conds = append(conds, "id = ?")
		args = append(args, filter.ID)
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, filter.Status)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY id, version DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*TemplateRecord
	for rows.Next() {
		t := &TemplateRecord{}
		var desc, createdBy, payload sql.NullString
		if err := rows.Scan(&t.ID, &t.Version, &t.Name, &desc, &t.Status, &payload,
			&createdBy, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		t.Description = desc.String
		t.CreatedBy = createdBy.String
		t.Payload = json.RawMessage(payload.String)
		out = append(out, t)
	}
	return out, rows.Err()
}

// --- Instances ---

func (s *LibSQLStore) CreateInstance(ctx context.Context, inst *InstanceRecord) error {
	now := time.Now().UTC()
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = now
	}
	inst.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO instances (id, template_id, template_version, status, variables, branches, joins, error,
		   priority, deadline, parent_id, parent_node, created_by, created_at, started_at, completed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.ID, inst.TemplateID, inst.TemplateVersion, inst.Status,
		nullRaw(inst.Variables), nullRaw(inst.Branches), nullRaw(inst.Joins), nullRaw(inst.Error),
		inst.Priority, nullTime(inst.Deadline), nullStr(inst.ParentID), nullStr(inst.ParentNode),
		nullStr(inst.CreatedBy), inst.CreatedAt, nullTime(inst.StartedAt), nullTime(inst.CompletedAt), inst.UpdatedAt,
	)
	return err
}

func (s *LibSQLStore) GetInstance(ctx context.Context, id string) (*InstanceRecord, error) {
	inst := &InstanceRecord{}
	var variables, branches, joins, errJSON sql.NullString
	var parentID, parentNode, createdBy sql.NullString
	var deadline, startedAt, completedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, template_id, template_version, status, variables, branches, joins, error,
		   priority, deadline, parent_id, parent_node, created_by, created_at, started_at, completed_at, updated_at
		 FROM instances WHERE id = ?`, id,
	).Scan(&inst.ID, &inst.TemplateID, &inst.TemplateVersion, &inst.Status,
		&variables, &branches, &joins, &errJSON,
		&inst.Priority, &deadline, &parentID, &parentNode, &createdBy,
		&inst.CreatedAt, &startedAt, &completedAt, &inst.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("instance", id)
	}
	if err != nil {
		return nil, err
	}
	inst.Variables = rawOrNil(variables)
	inst.Branches = rawOrNil(branches)
	inst.Joins = rawOrNil(joins)
	inst.Error = rawOrNil(errJSON)
	inst.ParentID = parentID.String
	inst.ParentNode = parentNode.String
	inst.CreatedBy = createdBy.String
	if deadline.Valid {
		inst.Deadline = &deadline.Time
	}
	if startedAt.Valid {
		inst.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		inst.CompletedAt = &completedAt.Time
	}
	return inst, nil
}

func (s *LibSQLStore) UpdateInstance(ctx context.Context, id string, update InstanceUpdate) error {
	sets := []string{"updated_at = CURRENT_TIMESTAMP"}
	var args []any
	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *update.Status)
	}
	if update.Variables != nil {
		sets = append(sets, "variables = ?")
		args = append(args, string(update.Variables))
	}
	if update.Branches != nil {
		sets = append(sets, "branches = ?")
		args = append(args, string(update.Branches))
	}
	if update.Joins != nil {
		sets = append(sets, "joins = ?")
		args = append(args, string(update.Joins))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, string(update.Error))
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		`UPDATE instances SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "instance", id)
}

func (s *LibSQLStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*InstanceRecord, error) {
	query := `SELECT id, template_id, template_version, status, variables, branches, joins, error,
	   priority, deadline, parent_id, parent_node, created_by, created_at, started_at, completed_at, updated_at
	 FROM instances`
	var conds []string
	var args []any
	if filter.TemplateID != "" {
		conds = append(conds, "template_id = ?")
		args = append(args, filter.TemplateID)
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.ParentID != "" {
		conds = append(conds, "parent_id = ?")
		args = append(args, filter.ParentID)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY priority DESC, created_at"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*InstanceRecord
	for rows.Next() {
		inst := &InstanceRecord{}
		var variables, branches, joins, errJSON sql.NullString
		var parentID, parentNode, createdBy sql.NullString
		var deadline, startedAt, completedAt sql.NullTime
		if err := rows.Scan(&inst.ID, &inst.TemplateID, &inst.TemplateVersion, &inst.Status,
			&variables, &branches, &joins, &errJSON,
			&inst.Priority, &deadline, &parentID, &parentNode, &createdBy,
			&inst.CreatedAt, &startedAt, &completedAt, &inst.UpdatedAt); err != nil {
			return nil, err
		}
		inst.Variables = rawOrNil(variables)
		inst.Branches = rawOrNil(branches)
		inst.Joins = rawOrNil(joins)
		inst.Error = rawOrNil(errJSON)
		inst.ParentID = parentID.String
		inst.ParentNode = parentNode.String
		inst.CreatedBy = createdBy.String
		if deadline.Valid {
			inst.Deadline = &deadline.Time
		}
		if startedAt.Valid {
			inst.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			inst.CompletedAt = &completedAt.Time
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// --- Access rules ---

func (s *LibSQLStore) CreateAccessRule(ctx context.Context, rule *AccessRule) error {
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now().UTC()
	}
	allowedRoles, err := marshalStrings(rule.AllowedRoles)
	if err != nil {
		return err
	}
	deniedRoles, err := marshalStrings(rule.DeniedRoles)
	if err != nil {
		return err
	}
	allowedActors, err := marshalStrings(rule.AllowedActors)
	if err != nil {
		return err
	}
	deniedActors, err := marshalStrings(rule.DeniedActors)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO access_rules (id, name, entity_type, operation, field_name, condition,
		   allowed_roles, denied_roles, allowed_actors, denied_actors,
		   priority, requires_approval, approval_template_id, active, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rule.ID, nullStr(rule.Name), rule.EntityType, rule.Operation, nullStr(rule.FieldName),
		nullStr(rule.Condition), allowedRoles, deniedRoles, allowedActors, deniedActors,
		rule.Priority, rule.RequiresApproval, nullStr(rule.ApprovalTemplateID), rule.Active, rule.CreatedAt,
	)
	return err
}

// ListAccessRules returns the active rules for an entity type and operation,
// highest priority first. Field-level filtering happens in the evaluator.
func (s *LibSQLStore) ListAccessRules(ctx context.Context, entityType, operation string) ([]*AccessRule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, entity_type, operation, field_name, condition,
		   allowed_roles, denied_roles, allowed_actors, denied_actors,
		   priority, requires_approval, approval_template_id, active, created_at
		 FROM access_rules
		 WHERE entity_type = ? AND operation = ? AND active = 1
		 ORDER BY priority DESC, created_at, id`, entityType, operation)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*AccessRule
	for rows.Next() {
		r := &AccessRule{}
		var name, fieldName, condition, approvalTmpl sql.NullString
		var allowedRoles, deniedRoles, allowedActors, deniedActors sql.NullString
		if err := rows.Scan(&r.ID, &name, &r.EntityType, &r.Operation, &fieldName, &condition,
			&allowedRoles, &deniedRoles, &allowedActors, &deniedActors,
			&r.Priority, &r.RequiresApproval, &approvalTmpl, &r.Active, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Name = name.String
		r.FieldName = fieldName.String
		r.Condition = condition.String
		r.ApprovalTemplateID = approvalTmpl.String
		if r.AllowedRoles, err = unmarshalStrings(allowedRoles); err != nil {
			return nil, err
		}
		if r.DeniedRoles, err = unmarshalStrings(deniedRoles); err != nil {
			return nil, err
		}
		if r.AllowedActors, err = unmarshalStrings(allowedActors); err != nil {
			return nil, err
		}
		if r.DeniedActors, err = unmarshalStrings(deniedActors); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- Record permissions ---

func (s *LibSQLStore) GrantPermission(ctx context.Context, perm *RecordPermission) error {
	if perm.GrantedAt.IsZero() {
		perm.GrantedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO record_permissions (id, entity_type, entity_id, actor, role, operation, condition,
		   granted_by, granted_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		perm.ID, perm.EntityType, perm.EntityID, nullStr(perm.Actor), nullStr(perm.Role), perm.Operation,
		nullStr(perm.Condition), nullStr(perm.GrantedBy), perm.GrantedAt, nullTime(perm.ExpiresAt),
	)
	return err
}

func (s *LibSQLStore) RevokePermission(ctx context.Context, id, revokedBy string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE record_permissions SET revoked_by = ?, revoked_at = ?
		 WHERE id = ? AND revoked_at IS NULL`, revokedBy, at, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "permission", id)
}

// ListPermissions returns the unrevoked permissions on a record. Actor,
// role, and expiry matching happens in the evaluator against its frozen
// clock.
func (s *LibSQLStore) ListPermissions(ctx context.Context, entityType, entityID string) ([]*RecordPermission, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, entity_type, entity_id, actor, role, operation, condition,
		   granted_by, granted_at, expires_at, revoked_by, revoked_at
		 FROM record_permissions
		 WHERE entity_type = ? AND entity_id = ? AND revoked_at IS NULL
		 ORDER BY granted_at`, entityType, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*RecordPermission
	for rows.Next() {
		p := &RecordPermission{}
		var actor, role, condition, grantedBy, revokedBy sql.NullString
		var expiresAt, revokedAt sql.NullTime
		if err := rows.Scan(&p.ID, &p.EntityType, &p.EntityID, &actor, &role, &p.Operation,
			&condition, &grantedBy, &p.GrantedAt, &expiresAt, &revokedBy, &revokedAt); err != nil {
			return nil, err
		}
		p.Actor = actor.String
		p.Role = role.String
		p.Condition = condition.String
		p.GrantedBy = grantedBy.String
		p.RevokedBy = revokedBy.String
		if expiresAt.Valid {
			p.ExpiresAt = &expiresAt.Time
		}
		if revokedAt.Valid {
			p.RevokedAt = &revokedAt.Time
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- Timers ---

func (s *LibSQLStore) CreateTimer(ctx context.Context, timer *TimerRecord) error {
	if timer.CreatedAt.IsZero() {
		timer.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO timers (id, instance_id, node_id, kind, due_at, fired, created_at)
		 VALUES (?, ?, ?, ?, ?, 0, ?)`,
		timer.ID, timer.InstanceID, nullStr(timer.NodeID), timer.Kind, timer.DueAt, timer.CreatedAt,
	)
	return err
}

func (s *LibSQLStore) DueTimers(ctx context.Context, now time.Time, limit int) ([]*TimerRecord, error) {
	query := `SELECT id, instance_id, node_id, kind, due_at, fired, created_at
	 FROM timers WHERE fired = 0 AND due_at <= ? ORDER BY due_at`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*TimerRecord
	for rows.Next() {
		t := &TimerRecord{}
		var nodeID sql.NullString
		if err := rows.Scan(&t.ID, &t.InstanceID, &nodeID, &t.Kind, &t.DueAt, &t.Fired, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.NodeID = nodeID.String
		out = append(out, t)
	}
	return out, rows.Err()
}

// MarkTimerFired claims a timer. A CONCURRENCY_CONFLICT means another
// firing path got there first and the caller must skip the timer.
func (s *LibSQLStore) MarkTimerFired(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE timers SET fired = 1 WHERE id = ? AND fired = 0`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return schema.NewErrorf(schema.ErrCodeConcurrency, "timer %q already fired", id)
	}
	return nil
}

func (s *LibSQLStore) DeleteTimers(ctx context.Context, instanceID, nodeID string) error {
	if nodeID == "" {
		_, err := s.db.ExecContext(ctx,
			`DELETE FROM timers WHERE instance_id = ? AND fired = 0`, instanceID)
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM timers WHERE instance_id = ? AND node_id = ? AND fired = 0`, instanceID, nodeID)
	return err
}

// --- Globals ---

func (s *LibSQLStore) SetGlobal(ctx context.Context, name string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO globals (name, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		name, value, time.Now().UTC(),
	)
	return err
}

func (s *LibSQLStore) GetGlobal(ctx context.Context, name string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM globals WHERE name = ?`, name).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// --- Schedules ---

func (s *LibSQLStore) CreateSchedule(ctx context.Context, sched *Schedule) error {
	if sched.CreatedAt.IsZero() {
		sched.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedules (id, template_id, template_version, cron, initial_data, actor,
		   enabled, last_run_at, next_run_at, last_run_status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sched.ID, sched.TemplateID, sched.TemplateVersion, sched.Cron,
		nullRaw(sched.InitialData), nullStr(sched.Actor), sched.Enabled,
		nullTime(sched.LastRunAt), nullTime(sched.NextRunAt), nullStr(sched.LastRunStatus), sched.CreatedAt,
	)
	return err
}

func (s *LibSQLStore) ListSchedules(ctx context.Context, enabledOnly bool) ([]*Schedule, error) {
	query := `SELECT id, template_id, template_version, cron, initial_data, actor,
	   enabled, last_run_at, next_run_at, last_run_status, created_at FROM schedules`
	if enabledOnly {
		query += " WHERE enabled = 1"
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Schedule
	for rows.Next() {
		sc := &Schedule{}
		var initialData, actor, lastStatus sql.NullString
		var lastRunAt, nextRunAt sql.NullTime
		if err := rows.Scan(&sc.ID, &sc.TemplateID, &sc.TemplateVersion, &sc.Cron,
			&initialData, &actor, &sc.Enabled, &lastRunAt, &nextRunAt, &lastStatus, &sc.CreatedAt); err != nil {
			return nil, err
		}
		sc.InitialData = rawOrNil(initialData)
		sc.Actor = actor.String
		sc.LastRunStatus = lastStatus.String
		if lastRunAt.Valid {
			sc.LastRunAt = &lastRunAt.Time
		}
		if nextRunAt.Valid {
			sc.NextRunAt = &nextRunAt.Time
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) UpdateSchedule(ctx context.Context, id string, update ScheduleUpdate) error {
	var sets []string
	var args []any
	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, *update.Enabled)
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "schedule", id)
}

// --- Helpers ---

func checkRowsAffected(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(kind, id)
	}
	return nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func marshalStrings(vals []string) (any, error) {
	if len(vals) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(vals)
	if err != nil {
		return nil, fmt.Errorf("marshal string list: %w", err)
	}
	return string(raw), nil
}

func unmarshalStrings(ns sql.NullString) ([]string, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(ns.String), &out); err != nil {
		return nil, fmt.Errorf("unmarshal string list: %w", err)
	}
	return out, nil
}
