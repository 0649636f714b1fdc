// Package store persists templates, instances, history, ACL data, timers,
// and schedules in an embedded libSQL database.
package store

import (
	"context"
	"time"

	"github.com/senthilnathang/flowcore/pkg/schema"
)

// Store is the persistence interface for all flowcore components.
type Store interface {
	// Templates.
	PutTemplate(ctx context.Context, t *TemplateRecord) error
	GetTemplate(ctx context.Context, id string, version int) (*TemplateRecord, error)
	GetActiveTemplate(ctx context.Context, id string) (*TemplateRecord, error)
	SetTemplateStatus(ctx context.Context, id string, version int, status string) error
	ListTemplates(ctx context.Context, filter TemplateFilter) ([]*TemplateRecord, error)

	// Instances.
	CreateInstance(ctx context.Context, inst *InstanceRecord) error
	GetInstance(ctx context.Context, id string) (*InstanceRecord, error)
	UpdateInstance(ctx context.Context, id string, update InstanceUpdate) error
	ListInstances(ctx context.Context, filter InstanceFilter) ([]*InstanceRecord, error)

	// History: append-only, per-instance monotonic sequence.
	AppendHistory(ctx context.Context, entry *schema.HistoryEntry) error
	ListHistory(ctx context.Context, instanceID string, filter HistoryFilter) ([]*schema.HistoryEntry, error)

	// Access rules and record permissions.
	CreateAccessRule(ctx context.Context, rule *AccessRule) error
	ListAccessRules(ctx context.Context, entityType, operation string) ([]*AccessRule, error)
	GrantPermission(ctx context.Context, perm *RecordPermission) error
	RevokePermission(ctx context.Context, id, revokedBy string, at time.Time) error
	ListPermissions(ctx context.Context, entityType, entityID string) ([]*RecordPermission, error)

	// Durable timers.
	CreateTimer(ctx context.Context, timer *TimerRecord) error
	DueTimers(ctx context.Context, now time.Time, limit int) ([]*TimerRecord, error)
	MarkTimerFired(ctx context.Context, id string) error
	DeleteTimers(ctx context.Context, instanceID, nodeID string) error

	// Durable global variables. Values are opaque bytes; encryption, when
	// wanted, happens above this layer.
	SetGlobal(ctx context.Context, name string, value []byte) error
	GetGlobal(ctx context.Context, name string) ([]byte, bool, error)

	// Cron schedules.
	CreateSchedule(ctx context.Context, s *Schedule) error
	ListSchedules(ctx context.Context, enabledOnly bool) ([]*Schedule, error)
	UpdateSchedule(ctx context.Context, id string, update ScheduleUpdate) error

	Migrate(ctx context.Context) error
	Close() error
}
