// Package engine executes workflow instances: it compiles templates, walks
// their graphs with concurrent branches, suspends on external waits, and
// records every transition in the append-only history.
package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/senthilnathang/flowcore/internal/events"
	"github.com/senthilnathang/flowcore/internal/expressions"
	"github.com/senthilnathang/flowcore/internal/graph"
	"github.com/senthilnathang/flowcore/internal/logging"
	"github.com/senthilnathang/flowcore/internal/script"
	"github.com/senthilnathang/flowcore/internal/store"
	"github.com/senthilnathang/flowcore/internal/validation"
	"github.com/senthilnathang/flowcore/internal/vars"
	"github.com/senthilnathang/flowcore/pkg/schema"
)

// EngineConfig tunes the engine. Zero values fall back to defaults.
type EngineConfig struct {
	// MaxConcurrentBranches bounds the branch worker pool.
	MaxConcurrentBranches int
	// MaxLoopIterations is the hard cap applied to every loop policy.
	MaxLoopIterations int
	// StoreRetryAttempts bounds retries of transient store failures.
	StoreRetryAttempts int
	// StoreRetryBase is the initial backoff for transient store failures.
	StoreRetryBase time.Duration
}

// DefaultEngineConfig returns the standard engine tuning.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxConcurrentBranches: 16,
		MaxLoopIterations:     1000,
		StoreRetryAttempts:    3,
		StoreRetryBase:        100 * time.Millisecond,
	}
}

// CreateRequest describes a new instance.
type CreateRequest struct {
	TemplateID string
	// Version selects a template version; 0 means the latest active one.
	Version     int
	InitialData map[string]any
	Actor       string
	Priority    int
	Deadline    *time.Time

	// Set internally for sub-workflow children.
	parentID   string
	parentNode string
}

// Engine drives workflow instances. All external operations on one
// instance serialize through a per-instance lock: the engine is the single
// writer of an instance's state.
type Engine struct {
	store    store.Store
	eval     *expressions.Evaluator
	scripts  *script.Executor
	globals  vars.GlobalStore
	pool     *WorkerPool
	payloads *validation.TemplateValidator
	hub      events.Hub
	logger   *slog.Logger
	cfg      EngineConfig

	tmplMu    sync.RWMutex
	tmplCache map[string]*graph.CompiledGraph

	locks sync.Map // instance ID -> *sync.Mutex
}

// NewEngine creates an Engine. The globals store may be nil when no
// template uses global variables.
func NewEngine(s store.Store, eval *expressions.Evaluator, scripts *script.Executor, globals vars.GlobalStore, logger *slog.Logger, cfg EngineConfig) (*Engine, error) {
	def := DefaultEngineConfig()
	if cfg.MaxConcurrentBranches <= 0 {
		cfg.MaxConcurrentBranches = def.MaxConcurrentBranches
	}
	if cfg.MaxLoopIterations <= 0 {
		cfg.MaxLoopIterations = def.MaxLoopIterations
	}
	if cfg.StoreRetryAttempts <= 0 {
		cfg.StoreRetryAttempts = def.StoreRetryAttempts
	}
	if cfg.StoreRetryBase <= 0 {
		cfg.StoreRetryBase = def.StoreRetryBase
	}
	if logger == nil {
		logger = slog.Default()
	}
	payloads, err := validation.NewTemplateValidator()
	if err != nil {
		return nil, err
	}
	return &Engine{
		store:     s,
		eval:      eval,
		scripts:   scripts,
		globals:   globals,
		pool:      NewWorkerPool(cfg.MaxConcurrentBranches),
		payloads:  payloads,
		logger:    logger,
		cfg:       cfg,
		tmplCache: make(map[string]*graph.CompiledGraph),
	}, nil
}

// SetEventHub attaches a hub that receives every history entry as a live
// event. Attach before starting instances; delivery is best-effort.
func (e *Engine) SetEventHub(hub events.Hub) {
	e.hub = hub
}

// Shutdown waits for in-flight branch work to finish.
func (e *Engine) Shutdown() {
	e.pool.Shutdown()
}

// lockInstance acquires the per-instance lock and returns the unlock func.
func (e *Engine) lockInstance(id string) func() {
	v, _ := e.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// --- Templates ---

// SaveTemplate validates a template and stores it as a draft. Version
// defaults to 1 when unset.
func (e *Engine) SaveTemplate(ctx context.Context, t *schema.Template) error {
	if t.Version <= 0 {
		t.Version = 1
	}
	if errs := graph.Validate(t); len(errs) > 0 {
		details := make([]string, len(errs))
		for i, verr := range errs {
			details[i] = verr.Error()
		}
		return schema.NewErrorf(schema.ErrCodeValidation,
			"template %s has %d structural errors", t.ID, len(errs)).
			WithDetails(map[string]any{"errors": details})
	}
	t.Status = schema.TemplateDraft
	payload, err := json.Marshal(t)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "marshal template").WithCause(err)
	}
	if err := e.payloads.ValidatePayload(payload); err != nil {
		return err
	}
	return e.store.PutTemplate(ctx, &store.TemplateRecord{
		ID:          t.ID,
		Version:     t.Version,
		Name:        t.Name,
		Description: t.Description,
		Status:      string(schema.TemplateDraft),
		Payload:     payload,
		CreatedBy:   t.CreatedBy,
	})
}

// SetTemplateStatus moves a template through its lifecycle
// (draft -> active -> inactive -> active).
func (e *Engine) SetTemplateStatus(ctx context.Context, id string, version int, to schema.TemplateStatus) error {
	rec, err := e.store.GetTemplate(ctx, id, version)
	if err != nil {
		return err
	}
	if err := checkTemplateTransition(id, schema.TemplateStatus(rec.Status), to); err != nil {
		return err
	}
	if err := e.store.SetTemplateStatus(ctx, id, version, string(to)); err != nil {
		return err
	}
	e.dropCachedTemplate(id, version)
	return nil
}

func templateKey(id string, version int) string {
	return id + "@" + strconv.Itoa(version)
}

func (e *Engine) dropCachedTemplate(id string, version int) {
	e.tmplMu.Lock()
	delete(e.tmplCache, templateKey(id, version))
	e.tmplMu.Unlock()
}

// loadGraph returns the compiled graph for a template version, compiling
// and caching on first use.
func (e *Engine) loadGraph(ctx context.Context, id string, version int) (*graph.CompiledGraph, error) {
	key := templateKey(id, version)
	e.tmplMu.RLock()
	g, ok := e.tmplCache[key]
	e.tmplMu.RUnlock()
	if ok {
		return g, nil
	}

	rec, err := e.store.GetTemplate(ctx, id, version)
	if err != nil {
		return nil, err
	}
	var t schema.Template
	if err := json.Unmarshal(rec.Payload, &t); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore,
			"template %s@%d payload is corrupt", id, version).WithCause(err)
	}
	t.Status = schema.TemplateStatus(rec.Status)
	g, err = graph.Compile(&t)
	if err != nil {
		return nil, err
	}

	e.tmplMu.Lock()
	e.tmplCache[key] = g
	e.tmplMu.Unlock()
	return g, nil
}

// --- Instances ---

// CreateInstance creates a Pending instance of an active template. The
// instance's active node set is exactly the template's initial node; Start
// begins execution.
func (e *Engine) CreateInstance(ctx context.Context, req CreateRequest) (*schema.Instance, error) {
	version := req.Version
	if version == 0 {
		active, err := e.store.GetActiveTemplate(ctx, req.TemplateID)
		if err != nil {
			return nil, err
		}
		version = active.Version
	}
	g, err := e.loadGraph(ctx, req.TemplateID, version)
	if err != nil {
		return nil, err
	}
	if g.Template.Status != schema.TemplateActive {
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"template %s@%d is %s, not active", req.TemplateID, version, g.Template.Status)
	}

	env, err := vars.NewEnvironment(ctx, g.Template.Variables, req.InitialData, e.globals)
	if err != nil {
		return nil, err
	}
	variables, err := env.Snapshot()
	if err != nil {
		return nil, err
	}

	initialID := g.Node(g.Initial()).ID
	branches, err := json.Marshal([]*branchSnapshot{{NodeID: initialID, Kind: parkStart}})
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "marshal branches").WithCause(err)
	}

	rec := &store.InstanceRecord{
		ID:              uuid.NewString(),
		TemplateID:      req.TemplateID,
		TemplateVersion: version,
		Status:          string(schema.InstancePending),
		Variables:       variables,
		Branches:        branches,
		Priority:        req.Priority,
		Deadline:        req.Deadline,
		ParentID:        req.parentID,
		ParentNode:      req.parentNode,
		CreatedBy:       req.Actor,
	}
	if err := e.store.CreateInstance(ctx, rec); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "create instance").WithCause(err)
	}

	ctx = logging.WithInstanceID(ctx, rec.ID)
	if err := e.appendHistory(ctx, &schema.HistoryEntry{
		InstanceID: rec.ID,
		ToNode:     initialID,
		Action:     schema.ActionInstanceCreated,
		Actor:      req.Actor,
	}); err != nil {
		return nil, err
	}

	if req.Deadline != nil {
		if err := e.store.CreateTimer(ctx, &store.TimerRecord{
			ID:         uuid.NewString(),
			InstanceID: rec.ID,
			Kind:       store.TimerKindSLA,
			DueAt:      req.Deadline.UTC(),
		}); err != nil {
			return nil, schema.NewError(schema.ErrCodeStore, "schedule instance deadline").WithCause(err)
		}
	}

	e.logger.InfoContext(ctx, "instance created",
		slog.String("template_id", req.TemplateID),
		slog.Int("template_version", version))
	return e.toInstance(rec)
}

// Get returns the current state of an instance.
func (e *Engine) Get(ctx context.Context, instanceID string) (*schema.Instance, error) {
	rec, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	return e.toInstance(rec)
}

// History returns an instance's transition history ordered by sequence.
func (e *Engine) History(ctx context.Context, instanceID string) ([]*schema.HistoryEntry, error) {
	if _, err := e.store.GetInstance(ctx, instanceID); err != nil {
		return nil, err
	}
	return e.store.ListHistory(ctx, instanceID, store.HistoryFilter{})
}

// HistoryByAction returns an instance's history filtered to one action.
func (e *Engine) HistoryByAction(ctx context.Context, instanceID, action string) ([]*schema.HistoryEntry, error) {
	return e.store.ListHistory(ctx, instanceID, store.HistoryFilter{Action: action})
}

// Cancel terminates a pending or running instance and cascades to its
// running children.
func (e *Engine) Cancel(ctx context.Context, instanceID, actor, reason string) error {
	unlock := e.lockInstance(instanceID)
	children, err := e.cancelLocked(ctx, instanceID, actor, reason)
	unlock()
	if err != nil {
		return err
	}
	for _, childID := range children {
		if cerr := e.Cancel(ctx, childID, actor, "parent cancelled"); cerr != nil {
			e.logger.WarnContext(ctx, "cascade cancel failed",
				slog.String("instance_id", childID),
				slog.String("error", cerr.Error()))
		}
	}
	return nil
}

func (e *Engine) cancelLocked(ctx context.Context, instanceID, actor, reason string) ([]string, error) {
	rec, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	from := schema.InstanceStatus(rec.Status)
	if err := checkInstanceTransition(instanceID, from, schema.InstanceCancelled); err != nil {
		return nil, err
	}

	ctx = logging.WithInstanceID(ctx, instanceID)
	now := time.Now().UTC()
	status := string(schema.InstanceCancelled)
	if err := e.store.UpdateInstance(ctx, instanceID, store.InstanceUpdate{
		Status:      &status,
		CompletedAt: &now,
	}); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "cancel instance").WithCause(err)
	}
	if err := e.store.DeleteTimers(ctx, instanceID, ""); err != nil {
		e.logger.WarnContext(ctx, "delete timers on cancel failed", slog.String("error", err.Error()))
	}

	detail, _ := json.Marshal(map[string]any{"reason": reason})
	if err := e.appendHistory(ctx, &schema.HistoryEntry{
		InstanceID: instanceID,
		Action:     schema.ActionInstanceCancelled,
		Actor:      actor,
		Detail:     detail,
	}); err != nil {
		return nil, err
	}

	running, err := e.store.ListInstances(ctx, store.InstanceFilter{ParentID: instanceID})
	if err != nil {
		return nil, err
	}
	var children []string
	for _, child := range running {
		if !schema.InstanceStatus(child.Status).Terminal() {
			children = append(children, child.ID)
		}
	}
	e.logger.InfoContext(ctx, "instance cancelled", slog.String("reason", reason))
	return children, nil
}

// --- Shared plumbing ---

// appendHistory writes one history entry, retrying transient store faults.
func (e *Engine) appendHistory(ctx context.Context, entry *schema.HistoryEntry) error {
	err := withRetry(ctx, e.cfg.StoreRetryAttempts, e.cfg.StoreRetryBase, func() error {
		return e.store.AppendHistory(ctx, entry)
	})
	if err != nil {
		e.logger.ErrorContext(ctx, "history append failed",
			slog.String("action", entry.Action),
			slog.String("error", err.Error()))
		return schema.NewError(schema.ErrCodeStore, "append history").WithCause(err)
	}
	if e.hub != nil {
		if perr := e.hub.Publish(ctx, events.FromHistory(entry)); perr != nil {
			e.logger.WarnContext(ctx, "event publish failed", slog.String("error", perr.Error()))
		}
	}
	return nil
}

// loadRun reconstructs the in-memory run for a persisted instance.
func (e *Engine) loadRun(ctx context.Context, rec *store.InstanceRecord) (*run, error) {
	g, err := e.loadGraph(ctx, rec.TemplateID, rec.TemplateVersion)
	if err != nil {
		return nil, err
	}
	env, err := vars.NewEnvironment(ctx, nil, nil, e.globals)
	if err != nil {
		return nil, err
	}
	r := &run{rec: rec, g: g, env: env}
	if err := r.unmarshalState(rec); err != nil {
		return nil, err
	}
	return r, nil
}

// persistRun writes the run's resumable state, optionally with a status
// change.
func (e *Engine) persistRun(ctx context.Context, r *run, update store.InstanceUpdate) error {
	variables, branches, joins, err := r.marshalState()
	if err != nil {
		return err
	}
	update.Variables = variables
	update.Branches = branches
	update.Joins = joins
	err = withRetry(ctx, e.cfg.StoreRetryAttempts, e.cfg.StoreRetryBase, func() error {
		return e.store.UpdateInstance(ctx, r.rec.ID, update)
	})
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "persist instance").WithCause(err)
	}
	// Keep the in-memory record in step with what was written: a terminal
	// child's record travels to its parent, which reads these fields.
	r.rec.Variables = variables
	r.rec.Branches = branches
	r.rec.Joins = joins
	return nil
}

func (e *Engine) toInstance(rec *store.InstanceRecord) (*schema.Instance, error) {
	inst := &schema.Instance{
		ID:              rec.ID,
		TemplateID:      rec.TemplateID,
		TemplateVersion: rec.TemplateVersion,
		Status:          schema.InstanceStatus(rec.Status),
		Priority:        rec.Priority,
		Deadline:        rec.Deadline,
		ParentID:        rec.ParentID,
		ParentNode:      rec.ParentNode,
		Error:           rec.Error,
		CreatedBy:       rec.CreatedBy,
		CreatedAt:       rec.CreatedAt,
		StartedAt:       rec.StartedAt,
		CompletedAt:     rec.CompletedAt,
	}
	if len(rec.Variables) > 0 {
		if err := json.Unmarshal(rec.Variables, &inst.Variables); err != nil {
			return nil, schema.NewError(schema.ErrCodeStore, "unmarshal instance variables").WithCause(err)
		}
	}
	if len(rec.Branches) > 0 {
		var snaps []*branchSnapshot
		if err := json.Unmarshal(rec.Branches, &snaps); err != nil {
			return nil, schema.NewError(schema.ErrCodeStore, "unmarshal instance branches").WithCause(err)
		}
		for _, snap := range snaps {
			inst.ActiveNodes = append(inst.ActiveNodes, snap.NodeID)
		}
	}
	return inst, nil
}
