package timers

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/senthilnathang/flowcore/internal/store"
	"github.com/senthilnathang/flowcore/pkg/schema"
)

// recordingFirer collects fired timers per kind.
type recordingFirer struct {
	mu        sync.Mutex
	timers    []string
	deadlines []string
	joins     []string
	slas      []string
}

func (f *recordingFirer) FireTimer(_ context.Context, instanceID, nodeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.timers = append(f.timers, instanceID+"/"+nodeID)
	return nil
}

func (f *recordingFirer) FireDeadline(_ context.Context, instanceID, nodeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deadlines = append(f.deadlines, instanceID+"/"+nodeID)
	return nil
}

func (f *recordingFirer) FireJoinTimeout(_ context.Context, instanceID, nodeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joins = append(f.joins, instanceID+"/"+nodeID)
	return nil
}

func (f *recordingFirer) FireSLA(_ context.Context, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.slas = append(f.slas, instanceID)
	return nil
}

// recordingCreator collects scheduled instantiations.
type recordingCreator struct {
	mu      sync.Mutex
	started []string
	gotData map[string]any
	err     error
}

func (c *recordingCreator) CreateAndStart(_ context.Context, templateID string, _ int, data map[string]any, _ string) (*schema.Instance, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = append(c.started, templateID)
	c.gotData = data
	if c.err != nil {
		return nil, c.err
	}
	return &schema.Instance{ID: "inst-1", TemplateID: templateID}, nil
}

func newTestStore(t *testing.T) *store.LibSQLStore {
	t.Helper()
	st, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "timers.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- Timer dispatch ---

func TestPollTimers_DispatchesByKind(t *testing.T) {
	st := newTestStore(t)
	firer := &recordingFirer{}
	svc := NewService(st, firer, nil, discard(), Config{})
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Minute)
	for _, rec := range []*store.TimerRecord{
		{ID: "t1", InstanceID: "i1", NodeID: "pause", Kind: store.TimerKindTimer, DueAt: past},
		{ID: "t2", InstanceID: "i1", NodeID: "task", Kind: store.TimerKindDeadline, DueAt: past},
		{ID: "t3", InstanceID: "i2", NodeID: "join", Kind: store.TimerKindJoin, DueAt: past},
		{ID: "t4", InstanceID: "i3", Kind: store.TimerKindSLA, DueAt: past},
		{ID: "t5", InstanceID: "i4", NodeID: "later", Kind: store.TimerKindTimer, DueAt: time.Now().UTC().Add(time.Hour)},
	} {
		require.NoError(t, st.CreateTimer(ctx, rec))
	}

	svc.pollTimers(ctx)

	assert.Equal(t, []string{"i1/pause"}, firer.timers)
	assert.Equal(t, []string{"i1/task"}, firer.deadlines)
	assert.Equal(t, []string{"i2/join"}, firer.joins)
	assert.Equal(t, []string{"i3"}, firer.slas)
}

func TestPollTimers_ClaimedTimersNeverFireTwice(t *testing.T) {
	st := newTestStore(t)
	firer := &recordingFirer{}
	svc := NewService(st, firer, nil, discard(), Config{})
	ctx := context.Background()

	require.NoError(t, st.CreateTimer(ctx, &store.TimerRecord{
		ID: "t1", InstanceID: "i1", NodeID: "pause",
		Kind: store.TimerKindTimer, DueAt: time.Now().UTC().Add(-time.Minute),
	}))

	svc.pollTimers(ctx)
	svc.pollTimers(ctx)

	assert.Len(t, firer.timers, 1)
}

func TestConfig_Clamping(t *testing.T) {
	st := newTestStore(t)
	svc := NewService(st, &recordingFirer{}, nil, discard(), Config{Interval: time.Millisecond})
	assert.Equal(t, time.Second, svc.cfg.Interval)

	svc = NewService(st, &recordingFirer{}, nil, discard(), Config{Interval: time.Hour})
	assert.Equal(t, time.Minute, svc.cfg.Interval)

	svc = NewService(st, &recordingFirer{}, nil, discard(), Config{})
	assert.Equal(t, 100, svc.cfg.BatchSize)
}

func TestStartStop(t *testing.T) {
	st := newTestStore(t)
	firer := &recordingFirer{}
	svc := NewService(st, firer, nil, discard(), Config{})
	ctx := context.Background()

	require.NoError(t, st.CreateTimer(ctx, &store.TimerRecord{
		ID: "t1", InstanceID: "i1", NodeID: "pause",
		Kind: store.TimerKindTimer, DueAt: time.Now().UTC().Add(-time.Minute),
	}))

	// Start recovers already-due timers before the first tick.
	svc.Start(ctx)
	svc.Stop()

	assert.Equal(t, []string{"i1/pause"}, firer.timers)
}

// --- Cron schedules ---

func TestPollSchedules_SeedsNextRunWithoutFiring(t *testing.T) {
	st := newTestStore(t)
	creator := &recordingCreator{}
	svc := NewService(st, &recordingFirer{}, creator, discard(), Config{})
	ctx := context.Background()

	require.NoError(t, st.CreateSchedule(ctx, &store.Schedule{
		ID: "s1", TemplateID: "report", Cron: "0 9 * * *", Enabled: true,
	}))

	svc.pollSchedules(ctx)

	// First sight of a schedule seeds NextRunAt; nothing runs yet.
	assert.Empty(t, creator.started)
	scheds, err := st.ListSchedules(ctx, true)
	require.NoError(t, err)
	require.Len(t, scheds, 1)
	require.NotNil(t, scheds[0].NextRunAt)
	assert.True(t, scheds[0].NextRunAt.After(time.Now().UTC()))
}

func TestPollSchedules_RunsDueSchedule(t *testing.T) {
	st := newTestStore(t)
	creator := &recordingCreator{}
	svc := NewService(st, &recordingFirer{}, creator, discard(), Config{})
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, st.CreateSchedule(ctx, &store.Schedule{
		ID: "s1", TemplateID: "report", Cron: "* * * * *", Enabled: true,
		NextRunAt:   &past,
		InitialData: []byte(`{"source":"cron"}`),
		Actor:       "scheduler",
	}))

	svc.pollSchedules(ctx)

	assert.Equal(t, []string{"report"}, creator.started)
	assert.Equal(t, map[string]any{"source": "cron"}, creator.gotData)

	scheds, err := st.ListSchedules(ctx, true)
	require.NoError(t, err)
	require.Len(t, scheds, 1)
	assert.Equal(t, "ok", scheds[0].LastRunStatus)
	require.NotNil(t, scheds[0].LastRunAt)
	require.NotNil(t, scheds[0].NextRunAt)
	assert.True(t, scheds[0].NextRunAt.After(time.Now().UTC().Add(-time.Second)))
}

func TestPollSchedules_RecordsFailure(t *testing.T) {
	st := newTestStore(t)
	creator := &recordingCreator{err: schema.NewError(schema.ErrCodeNotFound, "template gone")}
	svc := NewService(st, &recordingFirer{}, creator, discard(), Config{})
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, st.CreateSchedule(ctx, &store.Schedule{
		ID: "s1", TemplateID: "gone", Cron: "* * * * *", Enabled: true,
		NextRunAt: &past,
	}))

	svc.pollSchedules(ctx)

	scheds, err := st.ListSchedules(ctx, true)
	require.NoError(t, err)
	require.Len(t, scheds, 1)
	assert.Contains(t, scheds[0].LastRunStatus, "error")
}

func TestPollSchedules_SkipsDisabledAndInvalidCron(t *testing.T) {
	st := newTestStore(t)
	creator := &recordingCreator{}
	svc := NewService(st, &recordingFirer{}, creator, discard(), Config{})
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, st.CreateSchedule(ctx, &store.Schedule{
		ID: "off", TemplateID: "a", Cron: "* * * * *", Enabled: false, NextRunAt: &past,
	}))
	require.NoError(t, st.CreateSchedule(ctx, &store.Schedule{
		ID: "bad", TemplateID: "b", Cron: "not a cron", Enabled: true, NextRunAt: &past,
	}))

	svc.pollSchedules(ctx)
	assert.Empty(t, creator.started)
}
