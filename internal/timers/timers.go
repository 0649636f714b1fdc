// Package timers turns durable timer rows and cron schedules into engine
// calls. A single polling loop claims due timers (claim-first, so several
// service replicas can share one store) and dispatches them by kind, and
// instantiates templates whose cron schedules are due.
package timers

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/senthilnathang/flowcore/internal/store"
	"github.com/senthilnathang/flowcore/pkg/schema"
)

// Firer receives due timers. The engine satisfies this; every method must
// tolerate stale fires.
type Firer interface {
	FireTimer(ctx context.Context, instanceID, nodeID string) error
	FireDeadline(ctx context.Context, instanceID, nodeID string) error
	FireJoinTimeout(ctx context.Context, instanceID, nodeID string) error
	FireSLA(ctx context.Context, instanceID string) error
}

// Creator instantiates templates for due cron schedules.
type Creator interface {
	CreateAndStart(ctx context.Context, templateID string, version int, data map[string]any, actor string) (*schema.Instance, error)
}

// Config tunes the polling service.
type Config struct {
	// Interval between polls, clamped to [1s, 60s].
	Interval time.Duration
	// BatchSize bounds timers claimed per poll.
	BatchSize int
}

// DefaultConfig returns the standard polling tuning.
func DefaultConfig() Config {
	return Config{Interval: time.Second, BatchSize: 100}
}

// Service polls the store for due timers and schedules.
type Service struct {
	store   store.Store
	firer   Firer
	creator Creator
	logger  *slog.Logger
	cfg     Config

	stop chan struct{}
	done chan struct{}
}

// NewService creates a Service. creator may be nil when cron schedules are
// not used.
func NewService(s store.Store, firer Firer, creator Creator, logger *slog.Logger, cfg Config) *Service {
	def := DefaultConfig()
	if cfg.Interval < time.Second {
		cfg.Interval = def.Interval
	}
	if cfg.Interval > time.Minute {
		cfg.Interval = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   s,
		firer:   firer,
		creator: creator,
		logger:  logger,
		cfg:     cfg,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start recovers timers that came due while the service was down, then
// polls until Stop.
func (s *Service) Start(ctx context.Context) {
	s.RecoverMissed(ctx)
	go s.loop(ctx)
}

// Stop halts polling and waits for the loop to exit.
func (s *Service) Stop() {
	close(s.stop)
	<-s.done
}

func (s *Service) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.pollTimers(ctx)
			s.pollSchedules(ctx)
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// RecoverMissed fires everything already due. Idempotent: claimed timers
// never fire twice.
func (s *Service) RecoverMissed(ctx context.Context) {
	s.pollTimers(ctx)
	s.pollSchedules(ctx)
}

func (s *Service) pollTimers(ctx context.Context) {
	due, err := s.store.DueTimers(ctx, time.Now().UTC(), s.cfg.BatchSize)
	if err != nil {
		s.logger.ErrorContext(ctx, "poll timers failed", slog.String("error", err.Error()))
		return
	}
	for _, t := range due {
		// Claim before firing: losing the claim means another replica
		// owns this timer.
		if err := s.store.MarkTimerFired(ctx, t.ID); err != nil {
			if !schema.IsCode(err, schema.ErrCodeConcurrency) {
				s.logger.WarnContext(ctx, "claim timer failed",
					slog.String("timer_id", t.ID),
					slog.String("error", err.Error()))
			}
			continue
		}
		if err := s.dispatch(ctx, t); err != nil {
			s.logger.ErrorContext(ctx, "timer dispatch failed",
				slog.String("timer_id", t.ID),
				slog.String("kind", t.Kind),
				slog.String("instance_id", t.InstanceID),
				slog.String("error", err.Error()))
		}
	}
}

func (s *Service) dispatch(ctx context.Context, t *store.TimerRecord) error {
	switch t.Kind {
	case store.TimerKindTimer:
		return s.firer.FireTimer(ctx, t.InstanceID, t.NodeID)
	case store.TimerKindDeadline:
		return s.firer.FireDeadline(ctx, t.InstanceID, t.NodeID)
	case store.TimerKindJoin:
		return s.firer.FireJoinTimeout(ctx, t.InstanceID, t.NodeID)
	case store.TimerKindSLA:
		return s.firer.FireSLA(ctx, t.InstanceID)
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "unknown timer kind %q", t.Kind)
}

func (s *Service) pollSchedules(ctx context.Context) {
	if s.creator == nil {
		return
	}
	schedules, err := s.store.ListSchedules(ctx, true)
	if err != nil {
		s.logger.ErrorContext(ctx, "poll schedules failed", slog.String("error", err.Error()))
		return
	}
	now := time.Now().UTC()
	for _, sched := range schedules {
		spec, err := cron.ParseStandard(sched.Cron)
		if err != nil {
			s.logger.WarnContext(ctx, "invalid cron expression",
				slog.String("schedule_id", sched.ID),
				slog.String("cron", sched.Cron),
				slog.String("error", err.Error()))
			continue
		}
		if sched.NextRunAt == nil {
			next := spec.Next(now)
			if uerr := s.store.UpdateSchedule(ctx, sched.ID, store.ScheduleUpdate{NextRunAt: &next}); uerr != nil {
				s.logger.WarnContext(ctx, "seed schedule failed",
					slog.String("schedule_id", sched.ID),
					slog.String("error", uerr.Error()))
			}
			continue
		}
		if sched.NextRunAt.After(now) {
			continue
		}
		s.runSchedule(ctx, sched, spec.Next(now))
	}
}

func (s *Service) runSchedule(ctx context.Context, sched *store.Schedule, next time.Time) {
	var data map[string]any
	if len(sched.InitialData) > 0 {
		if err := json.Unmarshal(sched.InitialData, &data); err != nil {
			s.logger.WarnContext(ctx, "schedule initial data is corrupt",
				slog.String("schedule_id", sched.ID),
				slog.String("error", err.Error()))
		}
	}

	status := "ok"
	inst, err := s.creator.CreateAndStart(ctx, sched.TemplateID, sched.TemplateVersion, data, sched.Actor)
	if err != nil {
		status = "error: " + err.Error()
		s.logger.ErrorContext(ctx, "scheduled instantiation failed",
			slog.String("schedule_id", sched.ID),
			slog.String("template_id", sched.TemplateID),
			slog.String("error", err.Error()))
	} else {
		s.logger.InfoContext(ctx, "scheduled instance created",
			slog.String("schedule_id", sched.ID),
			slog.String("instance_id", inst.ID))
	}

	now := time.Now().UTC()
	if err := s.store.UpdateSchedule(ctx, sched.ID, store.ScheduleUpdate{
		LastRunAt:     &now,
		NextRunAt:     &next,
		LastRunStatus: status,
	}); err != nil {
		s.logger.WarnContext(ctx, "update schedule failed",
			slog.String("schedule_id", sched.ID),
			slog.String("error", err.Error()))
	}
}
