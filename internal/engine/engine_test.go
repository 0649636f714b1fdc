package engine

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/senthilnathang/flowcore/internal/expressions"
	"github.com/senthilnathang/flowcore/internal/script"
	"github.com/senthilnathang/flowcore/internal/store"
	"github.com/senthilnathang/flowcore/internal/vars"
	"github.com/senthilnathang/flowcore/pkg/schema"
)

// stubRunner is a script.Runner double with canned outputs.
type stubRunner struct {
	outputs   map[string]any
	err       error
	gotInputs map[string]any
}

func (s *stubRunner) Run(_ context.Context, req script.Request) (map[string]any, error) {
	s.gotInputs = req.Inputs
	if s.err != nil {
		return nil, s.err
	}
	if s.outputs == nil {
		return map[string]any{}, nil
	}
	return s.outputs, nil
}

type testEngine struct {
	*Engine
	store  *store.LibSQLStore
	runner *stubRunner
}

func newTestEngine(t *testing.T, cfg EngineConfig) *testEngine {
	t.Helper()
	st, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(context.Background()))

	eval, err := expressions.NewEvaluator(expressions.EvaluatorConfig{})
	require.NoError(t, err)

	runner := &stubRunner{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng, err := NewEngine(st, eval, script.NewExecutor(runner, time.Second, logger),
		vars.NewMemoryGlobals(), logger, cfg)
	require.NoError(t, err)
	t.Cleanup(eng.Shutdown)
	return &testEngine{Engine: eng, store: st, runner: runner}
}

func mustActivate(t *testing.T, eng *Engine, tpl *schema.Template) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, eng.SaveTemplate(ctx, tpl))
	require.NoError(t, eng.SetTemplateStatus(ctx, tpl.ID, tpl.Version, schema.TemplateActive))
}

func historyActions(t *testing.T, eng *Engine, instanceID string) []string {
	t.Helper()
	entries, err := eng.History(context.Background(), instanceID)
	require.NoError(t, err)
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Action
	}
	return out
}

func countAction(actions []string, action string) int {
	n := 0
	for _, a := range actions {
		if a == action {
			n++
		}
	}
	return n
}

func linearTemplate(id string) *schema.Template {
	return &schema.Template{
		ID: id, Version: 1, Name: "Linear",
		Nodes: []schema.Node{
			{ID: "start", Kind: schema.NodeState, State: &schema.StateConfig{IsInitial: true}},
			{ID: "work", Kind: schema.NodeVariable, Variable: &schema.VariableConfig{
				Op: schema.VarSet, Name: "done", Value: []byte(`true`),
			}},
			{ID: "end", Kind: schema.NodeState, State: &schema.StateConfig{IsFinal: true}},
		},
		Edges: []schema.Edge{
			{ID: "e1", Source: "start", Target: "work"},
			{ID: "e2", Source: "work", Target: "end"},
		},
	}
}

func userTaskTemplate(id string, deadline schema.Duration) *schema.Template {
	return &schema.Template{
		ID: id, Version: 1, Name: "Review",
		Nodes: []schema.Node{
			{ID: "start", Kind: schema.NodeState, State: &schema.StateConfig{IsInitial: true}},
			{ID: "task", Kind: schema.NodeUserTask, UserTask: &schema.UserTaskConfig{
				Assignee: "manager", Deadline: deadline,
			}},
			{ID: "approved", Kind: schema.NodeState, State: &schema.StateConfig{IsFinal: true}},
			{ID: "rejected", Kind: schema.NodeState, State: &schema.StateConfig{IsFinal: true}},
		},
		Edges: []schema.Edge{
			{ID: "e1", Source: "start", Target: "task"},
			{ID: "e2", Source: "task", Target: "approved", Handle: "approve"},
			{ID: "e3", Source: "task", Target: "rejected", Handle: "reject"},
		},
	}
}

// --- Lifecycle ---

func TestLinearWorkflow_RunsToCompletion(t *testing.T) {
	te := newTestEngine(t, EngineConfig{})
	ctx := context.Background()
	mustActivate(t, te.Engine, linearTemplate("wf"))

	inst, err := te.CreateInstance(ctx, CreateRequest{TemplateID: "wf", Actor: "alice"})
	require.NoError(t, err)
	assert.Equal(t, schema.InstancePending, inst.Status)
	assert.Equal(t, []string{"start"}, inst.ActiveNodes)
	assert.Equal(t, "alice", inst.CreatedBy)

	require.NoError(t, te.Start(ctx, inst.ID))

	got, err := te.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceCompleted, got.Status)
	assert.Equal(t, true, got.Variables["done"])
	assert.Empty(t, got.ActiveNodes)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.CompletedAt)

	actions := historyActions(t, te.Engine, inst.ID)
	assert.Equal(t, []string{
		schema.ActionInstanceCreated,
		schema.ActionInstanceStarted,
		schema.ActionNodeEntered, schema.ActionNodeExited, // start
		schema.ActionNodeEntered, schema.ActionNodeExited, // work
		schema.ActionNodeEntered, schema.ActionNodeExited, // end
		schema.ActionInstanceCompleted,
	}, actions)
}

func TestCreateInstance_RequiresActiveTemplate(t *testing.T) {
	te := newTestEngine(t, EngineConfig{})
	ctx := context.Background()
	require.NoError(t, te.SaveTemplate(ctx, linearTemplate("draft-wf")))

	_, err := te.CreateInstance(ctx, CreateRequest{TemplateID: "draft-wf", Version: 1})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeConflict, schema.ErrorCode(err))
}

func TestSaveTemplate_RejectsInvalidGraph(t *testing.T) {
	te := newTestEngine(t, EngineConfig{})
	tpl := linearTemplate("broken")
	tpl.Nodes[0].State.IsInitial = false

	err := te.SaveTemplate(context.Background(), tpl)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
}

func TestTemplateLifecycle_InvalidTransitions(t *testing.T) {
	te := newTestEngine(t, EngineConfig{})
	ctx := context.Background()
	require.NoError(t, te.SaveTemplate(ctx, linearTemplate("wf")))

	err := te.SetTemplateStatus(ctx, "wf", 1, schema.TemplateInactive)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeConflict, schema.ErrorCode(err))

	require.NoError(t, te.SetTemplateStatus(ctx, "wf", 1, schema.TemplateActive))
	require.NoError(t, te.SetTemplateStatus(ctx, "wf", 1, schema.TemplateInactive))
	require.NoError(t, te.SetTemplateStatus(ctx, "wf", 1, schema.TemplateActive))

	err = te.SetTemplateStatus(ctx, "wf", 1, schema.TemplateDraft)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeConflict, schema.ErrorCode(err))
}

func TestStart_Twice(t *testing.T) {
	te := newTestEngine(t, EngineConfig{})
	ctx := context.Background()
	mustActivate(t, te.Engine, linearTemplate("wf"))

	inst, err := te.CreateInstance(ctx, CreateRequest{TemplateID: "wf"})
	require.NoError(t, err)
	require.NoError(t, te.Start(ctx, inst.ID))

	err = te.Start(ctx, inst.ID)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeConflict, schema.ErrorCode(err))
}

// --- Routing ---

func TestGuardedEdges_RouteByData(t *testing.T) {
	te := newTestEngine(t, EngineConfig{})
	ctx := context.Background()
	mustActivate(t, te.Engine, &schema.Template{
		ID: "route", Version: 1, Name: "Route",
		Nodes: []schema.Node{
			{ID: "start", Kind: schema.NodeState, State: &schema.StateConfig{IsInitial: true}},
			{ID: "big", Kind: schema.NodeState, State: &schema.StateConfig{IsFinal: true}},
			{ID: "small", Kind: schema.NodeState, State: &schema.StateConfig{IsFinal: true}},
		},
		Edges: []schema.Edge{
			{ID: "e1", Source: "start", Target: "big", Guard: "vars.amount > 100.0"},
			{ID: "e2", Source: "start", Target: "small"},
		},
	})

	for _, tc := range []struct {
		amount float64
		want   string
	}{
		{amount: 500, want: "big"},
		{amount: 50, want: "small"},
	} {
		inst, err := te.CreateInstance(ctx, CreateRequest{
			TemplateID:  "route",
			InitialData: map[string]any{"amount": tc.amount},
		})
		require.NoError(t, err)
		require.NoError(t, te.Start(ctx, inst.ID))

		entries, err := te.HistoryByAction(ctx, inst.ID, schema.ActionNodeEntered)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, tc.want, entries[1].ToNode)
	}
}

func TestConditional_RoutesTrueAndFalse(t *testing.T) {
	te := newTestEngine(t, EngineConfig{})
	ctx := context.Background()
	mustActivate(t, te.Engine, &schema.Template{
		ID: "cond", Version: 1, Name: "Cond",
		Nodes: []schema.Node{
			{ID: "start", Kind: schema.NodeState, State: &schema.StateConfig{IsInitial: true}},
			{ID: "check", Kind: schema.NodeConditional, Conditional: &schema.ConditionalConfig{
				Expression: "vars.amount > 100.0",
			}},
			{ID: "yes", Kind: schema.NodeState, State: &schema.StateConfig{IsFinal: true}},
			{ID: "no", Kind: schema.NodeState, State: &schema.StateConfig{IsFinal: true}},
		},
		Edges: []schema.Edge{
			{ID: "e1", Source: "start", Target: "check"},
			{ID: "e2", Source: "check", Target: "yes", Handle: schema.HandleTrue},
			{ID: "e3", Source: "check", Target: "no", Handle: schema.HandleFalse},
		},
	})

	t.Run("true branch", func(t *testing.T) {
		inst, err := te.CreateInstance(ctx, CreateRequest{
			TemplateID: "cond", InitialData: map[string]any{"amount": 500},
		})
		require.NoError(t, err)
		require.NoError(t, te.Start(ctx, inst.ID))
		entries, err := te.HistoryByAction(ctx, inst.ID, schema.ActionNodeEntered)
		require.NoError(t, err)
		assert.Equal(t, "yes", entries[len(entries)-1].ToNode)
	})

	t.Run("false branch", func(t *testing.T) {
		inst, err := te.CreateInstance(ctx, CreateRequest{
			TemplateID: "cond", InitialData: map[string]any{"amount": 50},
		})
		require.NoError(t, err)
		require.NoError(t, te.Start(ctx, inst.ID))
		entries, err := te.HistoryByAction(ctx, inst.ID, schema.ActionNodeEntered)
		require.NoError(t, err)
		assert.Equal(t, "no", entries[len(entries)-1].ToNode)
	})
}

func TestRecoverableFault_RoutesToErrorEdge(t *testing.T) {
	te := newTestEngine(t, EngineConfig{})
	ctx := context.Background()
	mustActivate(t, te.Engine, &schema.Template{
		ID: "faulty", Version: 1, Name: "Faulty",
		Nodes: []schema.Node{
			{ID: "start", Kind: schema.NodeState, State: &schema.StateConfig{IsInitial: true}},
			{ID: "check", Kind: schema.NodeConditional, Conditional: &schema.ConditionalConfig{
				Expression: "vars.missing > 1.0",
			}},
			{ID: "yes", Kind: schema.NodeState, State: &schema.StateConfig{IsFinal: true}},
			{ID: "no", Kind: schema.NodeState, State: &schema.StateConfig{IsFinal: true}},
			{ID: "fallback", Kind: schema.NodeState, State: &schema.StateConfig{IsFinal: true}},
		},
		Edges: []schema.Edge{
			{ID: "e1", Source: "start", Target: "check"},
			{ID: "e2", Source: "check", Target: "yes", Handle: schema.HandleTrue},
			{ID: "e3", Source: "check", Target: "no", Handle: schema.HandleFalse},
			{ID: "e4", Source: "check", Target: "fallback", Handle: schema.HandleError},
		},
	})

	inst, err := te.CreateInstance(ctx, CreateRequest{TemplateID: "faulty"})
	require.NoError(t, err)
	require.NoError(t, te.Start(ctx, inst.ID))

	got, err := te.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceCompleted, got.Status)

	actions := historyActions(t, te.Engine, inst.ID)
	assert.Equal(t, 1, countAction(actions, schema.ActionFault))

	entries, err := te.HistoryByAction(ctx, inst.ID, schema.ActionNodeEntered)
	require.NoError(t, err)
	assert.Equal(t, "fallback", entries[len(entries)-1].ToNode)
}

func TestUnrecoverableFault_FailsInstance(t *testing.T) {
	te := newTestEngine(t, EngineConfig{})
	ctx := context.Background()
	mustActivate(t, te.Engine, &schema.Template{
		ID: "doomed", Version: 1, Name: "Doomed",
		Nodes: []schema.Node{
			{ID: "start", Kind: schema.NodeState, State: &schema.StateConfig{IsInitial: true}},
			{ID: "check", Kind: schema.NodeConditional, Conditional: &schema.ConditionalConfig{
				Expression: "vars.missing > 1.0",
			}},
			{ID: "yes", Kind: schema.NodeState, State: &schema.StateConfig{IsFinal: true}},
			{ID: "no", Kind: schema.NodeState, State: &schema.StateConfig{IsFinal: true}},
		},
		Edges: []schema.Edge{
			{ID: "e1", Source: "start", Target: "check"},
			{ID: "e2", Source: "check", Target: "yes", Handle: schema.HandleTrue},
			{ID: "e3", Source: "check", Target: "no", Handle: schema.HandleFalse},
		},
	})

	inst, err := te.CreateInstance(ctx, CreateRequest{TemplateID: "doomed"})
	require.NoError(t, err)
	err = te.Start(ctx, inst.ID)
	require.Error(t, err)

	got, gerr := te.Get(ctx, inst.ID)
	require.NoError(t, gerr)
	assert.Equal(t, schema.InstanceFailed, got.Status)
	assert.NotEmpty(t, got.Error)

	actions := historyActions(t, te.Engine, inst.ID)
	assert.Equal(t, 1, countAction(actions, schema.ActionInstanceFailed))
}

// --- User tasks ---

func TestUserTask_SuspendAndResume(t *testing.T) {
	te := newTestEngine(t, EngineConfig{})
	ctx := context.Background()
	mustActivate(t, te.Engine, userTaskTemplate("review", 0))

	inst, err := te.CreateInstance(ctx, CreateRequest{TemplateID: "review"})
	require.NoError(t, err)
	require.NoError(t, te.Start(ctx, inst.ID))

	got, err := te.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceRunning, got.Status)
	assert.Equal(t, []string{"task"}, got.ActiveNodes)
	actions := historyActions(t, te.Engine, inst.ID)
	assert.Equal(t, 1, countAction(actions, schema.ActionSuspended))

	require.NoError(t, te.Resume(ctx, inst.ID, "task", "approve",
		map[string]any{"note": "looks good"}, "manager"))

	got, err = te.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceCompleted, got.Status)
	assert.Equal(t, "looks good", got.Variables["note"])

	// The resume appends exactly four entries: the action itself, then the
	// final node's entry/exit, then the completion.
	entries, err := te.History(ctx, inst.ID)
	require.NoError(t, err)
	var resumeIdx int
	for i, e := range entries {
		if e.Action == "approve" {
			resumeIdx = i
			break
		}
	}
	require.Len(t, entries[resumeIdx:], 4)
	assert.Equal(t, "manager", entries[resumeIdx].Actor)
	assert.Equal(t, schema.ActionNodeEntered, entries[resumeIdx+1].Action)
	assert.Equal(t, "approved", entries[resumeIdx+1].ToNode)
	assert.Equal(t, schema.ActionNodeExited, entries[resumeIdx+2].Action)
	assert.Equal(t, schema.ActionInstanceCompleted, entries[resumeIdx+3].Action)
}

func TestUserTask_BadActionKeepsTaskSuspended(t *testing.T) {
	te := newTestEngine(t, EngineConfig{})
	ctx := context.Background()
	mustActivate(t, te.Engine, userTaskTemplate("review", 0))

	inst, err := te.CreateInstance(ctx, CreateRequest{TemplateID: "review"})
	require.NoError(t, err)
	require.NoError(t, te.Start(ctx, inst.ID))

	err = te.Resume(ctx, inst.ID, "task", "defer", nil, "manager")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeTransitionNotAllowed, schema.ErrorCode(err))

	got, err := te.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceRunning, got.Status)
	assert.Equal(t, []string{"task"}, got.ActiveNodes)

	// The task is still resumable.
	require.NoError(t, te.Resume(ctx, inst.ID, "task", "reject", nil, "manager"))
	got, err = te.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceCompleted, got.Status)
}

func TestUserTask_DeadlineEscalates(t *testing.T) {
	te := newTestEngine(t, EngineConfig{})
	ctx := context.Background()
	tpl := userTaskTemplate("review", schema.Duration(time.Hour))
	tpl.Nodes = append(tpl.Nodes, schema.Node{
		ID: "escalated", Kind: schema.NodeState, State: &schema.StateConfig{IsFinal: true},
	})
	tpl.Edges = append(tpl.Edges, schema.Edge{
		ID: "e4", Source: "task", Target: "escalated", Handle: schema.HandleEscalate,
	})
	mustActivate(t, te.Engine, tpl)

	inst, err := te.CreateInstance(ctx, CreateRequest{TemplateID: "review"})
	require.NoError(t, err)
	require.NoError(t, te.Start(ctx, inst.ID))

	// The suspension armed a durable deadline timer.
	timers, err := te.store.DueTimers(ctx, time.Now().UTC().Add(2*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, timers, 1)
	assert.Equal(t, store.TimerKindDeadline, timers[0].Kind)

	require.NoError(t, te.FireDeadline(ctx, inst.ID, "task"))

	got, err := te.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceCompleted, got.Status)
	actions := historyActions(t, te.Engine, inst.ID)
	assert.Equal(t, 1, countAction(actions, schema.ActionEscalated))
}

func TestUserTask_DeadlineWithoutEscalateEdgeFails(t *testing.T) {
	te := newTestEngine(t, EngineConfig{})
	ctx := context.Background()
	mustActivate(t, te.Engine, userTaskTemplate("review", schema.Duration(time.Hour)))

	inst, err := te.CreateInstance(ctx, CreateRequest{TemplateID: "review"})
	require.NoError(t, err)
	require.NoError(t, te.Start(ctx, inst.ID))

	err = te.FireDeadline(ctx, inst.ID, "task")
	require.Error(t, err)

	got, gerr := te.Get(ctx, inst.ID)
	require.NoError(t, gerr)
	assert.Equal(t, schema.InstanceFailed, got.Status)
}

// --- Timers ---

func TestTimerNode_SuspendsAndFires(t *testing.T) {
	te := newTestEngine(t, EngineConfig{})
	ctx := context.Background()
	mustActivate(t, te.Engine, &schema.Template{
		ID: "wait", Version: 1, Name: "Wait",
		Nodes: []schema.Node{
			{ID: "start", Kind: schema.NodeState, State: &schema.StateConfig{IsInitial: true}},
			{ID: "pause", Kind: schema.NodeTimer, Timer: &schema.TimerConfig{
				Duration: schema.Duration(time.Hour),
			}},
			{ID: "end", Kind: schema.NodeState, State: &schema.StateConfig{IsFinal: true}},
		},
		Edges: []schema.Edge{
			{ID: "e1", Source: "start", Target: "pause"},
			{ID: "e2", Source: "pause", Target: "end"},
		},
	})

	inst, err := te.CreateInstance(ctx, CreateRequest{TemplateID: "wait"})
	require.NoError(t, err)
	require.NoError(t, te.Start(ctx, inst.ID))

	got, err := te.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceRunning, got.Status)
	assert.Equal(t, []string{"pause"}, got.ActiveNodes)
	actions := historyActions(t, te.Engine, inst.ID)
	assert.Equal(t, 1, countAction(actions, schema.ActionTimerScheduled))

	// A fire for the wrong node is stale and ignored.
	require.NoError(t, te.FireTimer(ctx, inst.ID, "end"))
	got, err = te.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceRunning, got.Status)

	require.NoError(t, te.FireTimer(ctx, inst.ID, "pause"))
	got, err = te.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceCompleted, got.Status)
	actions = historyActions(t, te.Engine, inst.ID)
	assert.Equal(t, 1, countAction(actions, schema.ActionTimerFired))

	// A fire after termination is a no-op.
	require.NoError(t, te.FireTimer(ctx, inst.ID, "pause"))
}

func TestFireSLA_RecordsEscalation(t *testing.T) {
	te := newTestEngine(t, EngineConfig{})
	ctx := context.Background()
	mustActivate(t, te.Engine, userTaskTemplate("review", 0))

	deadline := time.Now().UTC().Add(time.Hour)
	inst, err := te.CreateInstance(ctx, CreateRequest{TemplateID: "review", Deadline: &deadline})
	require.NoError(t, err)
	require.NoError(t, te.Start(ctx, inst.ID))

	require.NoError(t, te.FireSLA(ctx, inst.ID))

	got, err := te.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceRunning, got.Status)
	actions := historyActions(t, te.Engine, inst.ID)
	assert.Equal(t, 1, countAction(actions, schema.ActionEscalated))
}

// --- Parallel gateways ---

func TestParallelSplitJoin(t *testing.T) {
	te := newTestEngine(t, EngineConfig{})
	ctx := context.Background()
	mustActivate(t, te.Engine, &schema.Template{
		ID: "fan", Version: 1, Name: "Fan",
		Nodes: []schema.Node{
			{ID: "start", Kind: schema.NodeState, State: &schema.StateConfig{IsInitial: true}},
			{ID: "split", Kind: schema.NodeParallelGateway, Gateway: &schema.GatewayConfig{Mode: schema.GatewaySplit}},
			{ID: "a", Kind: schema.NodeVariable, Variable: &schema.VariableConfig{
				Op: schema.VarSet, Name: "a", Value: []byte(`1`),
			}},
			{ID: "b", Kind: schema.NodeVariable, Variable: &schema.VariableConfig{
				Op: schema.VarSet, Name: "b", Value: []byte(`2`),
			}},
			{ID: "join", Kind: schema.NodeParallelGateway, Gateway: &schema.GatewayConfig{Mode: schema.GatewayMerge}},
			{ID: "end", Kind: schema.NodeState, State: &schema.StateConfig{IsFinal: true}},
		},
		Edges: []schema.Edge{
			{ID: "e1", Source: "start", Target: "split"},
			{ID: "e2", Source: "split", Target: "a"},
			{ID: "e3", Source: "split", Target: "b"},
			{ID: "e4", Source: "a", Target: "join"},
			{ID: "e5", Source: "b", Target: "join"},
			{ID: "e6", Source: "join", Target: "end"},
		},
	})

	inst, err := te.CreateInstance(ctx, CreateRequest{TemplateID: "fan"})
	require.NoError(t, err)
	require.NoError(t, te.Start(ctx, inst.ID))

	got, err := te.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceCompleted, got.Status)
	assert.Equal(t, float64(1), got.Variables["a"])
	assert.Equal(t, float64(2), got.Variables["b"])

	actions := historyActions(t, te.Engine, inst.ID)
	assert.Equal(t, 1, countAction(actions, schema.ActionParallelSplit))
	assert.Equal(t, 2, countAction(actions, schema.ActionBranchJoined))
	assert.Equal(t, 1, countAction(actions, schema.ActionJoinCompleted))
}

func TestJoinTimeout_TakesPartialEdge(t *testing.T) {
	te := newTestEngine(t, EngineConfig{})
	ctx := context.Background()
	mustActivate(t, te.Engine, &schema.Template{
		ID: "slowfan", Version: 1, Name: "Slow fan",
		Nodes: []schema.Node{
			{ID: "start", Kind: schema.NodeState, State: &schema.StateConfig{IsInitial: true}},
			{ID: "split", Kind: schema.NodeParallelGateway, Gateway: &schema.GatewayConfig{Mode: schema.GatewaySplit}},
			{ID: "task", Kind: schema.NodeUserTask, UserTask: &schema.UserTaskConfig{Assignee: "ops"}},
			{ID: "fast", Kind: schema.NodeVariable, Variable: &schema.VariableConfig{
				Op: schema.VarSet, Name: "fast", Value: []byte(`true`),
			}},
			{ID: "join", Kind: schema.NodeParallelGateway, Gateway: &schema.GatewayConfig{
				Mode: schema.GatewayMerge, Expected: 2, Timeout: schema.Duration(time.Hour),
			}},
			{ID: "end", Kind: schema.NodeState, State: &schema.StateConfig{IsFinal: true}},
			{ID: "partial", Kind: schema.NodeState, State: &schema.StateConfig{IsFinal: true}},
		},
		Edges: []schema.Edge{
			{ID: "e1", Source: "start", Target: "split"},
			{ID: "e2", Source: "split", Target: "task"},
			{ID: "e3", Source: "split", Target: "fast"},
			{ID: "e4", Source: "task", Target: "join", Handle: "done"},
			{ID: "e5", Source: "fast", Target: "join"},
			{ID: "e6", Source: "join", Target: "end"},
			{ID: "e7", Source: "join", Target: "partial", Handle: schema.HandlePartial},
		},
	})

	inst, err := te.CreateInstance(ctx, CreateRequest{TemplateID: "slowfan"})
	require.NoError(t, err)
	require.NoError(t, te.Start(ctx, inst.ID))

	got, err := te.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceRunning, got.Status)

	require.NoError(t, te.FireJoinTimeout(ctx, inst.ID, "join"))

	// The join released through the partial edge; the slow task stays parked
	// so the instance keeps running.
	got, err = te.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceRunning, got.Status)
	assert.Equal(t, []string{"task"}, got.ActiveNodes)

	entries, err := te.HistoryByAction(ctx, inst.ID, schema.ActionNodeEntered)
	require.NoError(t, err)
	assert.Equal(t, "partial", entries[len(entries)-1].ToNode)

	// A second fire finds no waiting join and is a no-op.
	require.NoError(t, te.FireJoinTimeout(ctx, inst.ID, "join"))
}

// --- Loops ---

func TestForEachLoop_IteratesCollection(t *testing.T) {
	te := newTestEngine(t, EngineConfig{})
	ctx := context.Background()
	mustActivate(t, te.Engine, &schema.Template{
		ID: "batch", Version: 1, Name: "Batch",
		Variables: []schema.VariableDecl{
			{Name: "count", Scope: schema.ScopeInstance, Initial: []byte(`0`)},
		},
		Nodes: []schema.Node{
			{ID: "start", Kind: schema.NodeState, State: &schema.StateConfig{IsInitial: true}},
			{ID: "each", Kind: schema.NodeLoop, Loop: &schema.LoopConfig{
				Policy: schema.LoopForEach, Collection: "regions", ItemVar: "region",
			}},
			{ID: "tally", Kind: schema.NodeVariable, Variable: &schema.VariableConfig{
				Op: schema.VarCalculate, Name: "count", Expression: "count + 1",
			}},
			{ID: "end", Kind: schema.NodeState, State: &schema.StateConfig{IsFinal: true}},
		},
		Edges: []schema.Edge{
			{ID: "e1", Source: "start", Target: "each"},
			{ID: "e2", Source: "each", Target: "tally", Handle: schema.HandleLoopBody},
			{ID: "e3", Source: "tally", Target: "each"},
			{ID: "e4", Source: "each", Target: "end", Handle: schema.HandleContinue},
		},
	})

	inst, err := te.CreateInstance(ctx, CreateRequest{
		TemplateID:  "batch",
		InitialData: map[string]any{"regions": []any{"north", "east", "south"}},
	})
	require.NoError(t, err)
	require.NoError(t, te.Start(ctx, inst.ID))

	got, err := te.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceCompleted, got.Status)
	assert.Equal(t, float64(3), got.Variables["count"])
	assert.Equal(t, "south", got.Variables["region"])

	actions := historyActions(t, te.Engine, inst.ID)
	assert.Equal(t, 3, countAction(actions, schema.ActionLoopBody))
	assert.Equal(t, 1, countAction(actions, schema.ActionLoopContinue))
}

func TestForEachLoop_EmptyCollectionSkipsBody(t *testing.T) {
	te := newTestEngine(t, EngineConfig{})
	ctx := context.Background()
	mustActivate(t, te.Engine, &schema.Template{
		ID: "batch", Version: 1, Name: "Batch",
		Variables: []schema.VariableDecl{
			{Name: "count", Scope: schema.ScopeInstance, Initial: []byte(`0`)},
		},
		Nodes: []schema.Node{
			{ID: "start", Kind: schema.NodeState, State: &schema.StateConfig{IsInitial: true}},
			{ID: "each", Kind: schema.NodeLoop, Loop: &schema.LoopConfig{
				Policy: schema.LoopForEach, Collection: "regions", ItemVar: "region",
			}},
			{ID: "tally", Kind: schema.NodeVariable, Variable: &schema.VariableConfig{
				Op: schema.VarCalculate, Name: "count", Expression: "count + 1",
			}},
			{ID: "end", Kind: schema.NodeState, State: &schema.StateConfig{IsFinal: true}},
		},
		Edges: []schema.Edge{
			{ID: "e1", Source: "start", Target: "each"},
			{ID: "e2", Source: "each", Target: "tally", Handle: schema.HandleLoopBody},
			{ID: "e3", Source: "tally", Target: "each"},
			{ID: "e4", Source: "each", Target: "end", Handle: schema.HandleContinue},
		},
	})

	inst, err := te.CreateInstance(ctx, CreateRequest{
		TemplateID:  "batch",
		InitialData: map[string]any{"regions": []any{}},
	})
	require.NoError(t, err)
	require.NoError(t, te.Start(ctx, inst.ID))

	// Zero items means the loop exits straight through its continue edge
	// without a single body pass.
	got, err := te.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceCompleted, got.Status)
	assert.Equal(t, float64(0), got.Variables["count"])
	_, set := got.Variables["region"]
	assert.False(t, set)

	actions := historyActions(t, te.Engine, inst.ID)
	assert.Equal(t, 0, countAction(actions, schema.ActionLoopBody))
	assert.Equal(t, 1, countAction(actions, schema.ActionLoopContinue))
}

func TestAmbiguousUnconditionalEdges_LowestEdgeWinsWithWarning(t *testing.T) {
	st, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(context.Background()))

	eval, err := expressions.NewEvaluator(expressions.EvaluatorConfig{})
	require.NoError(t, err)

	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	eng, err := NewEngine(st, eval, script.NewExecutor(&stubRunner{}, time.Second, logger),
		vars.NewMemoryGlobals(), logger, EngineConfig{})
	require.NoError(t, err)
	t.Cleanup(eng.Shutdown)
	ctx := context.Background()

	mustActivate(t, eng, &schema.Template{
		ID: "fork", Version: 1, Name: "Fork",
		Nodes: []schema.Node{
			{ID: "start", Kind: schema.NodeState, State: &schema.StateConfig{IsInitial: true}},
			{ID: "pick", Kind: schema.NodeVariable, Variable: &schema.VariableConfig{
				Op: schema.VarSet, Name: "picked", Value: []byte(`true`),
			}},
			{ID: "first", Kind: schema.NodeState, State: &schema.StateConfig{IsFinal: true}},
			{ID: "second", Kind: schema.NodeState, State: &schema.StateConfig{IsFinal: true}},
		},
		Edges: []schema.Edge{
			{ID: "e1", Source: "start", Target: "pick"},
			{ID: "e2", Source: "pick", Target: "first"},
			{ID: "e3", Source: "pick", Target: "second"},
		},
	})

	inst, err := eng.CreateInstance(ctx, CreateRequest{TemplateID: "fork"})
	require.NoError(t, err)
	require.NoError(t, eng.Start(ctx, inst.ID))

	got, err := eng.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceCompleted, got.Status)

	entries, err := eng.History(ctx, inst.ID)
	require.NoError(t, err)
	var entered []string
	for _, entry := range entries {
		if entry.Action == schema.ActionNodeEntered {
			entered = append(entered, entry.ToNode)
		}
	}
	assert.Contains(t, entered, "first")
	assert.NotContains(t, entered, "second")
	assert.Contains(t, logs.String(), "multiple unconditional edges")
}

func TestWhileLoop_IterationCap(t *testing.T) {
	te := newTestEngine(t, EngineConfig{MaxLoopIterations: 3})
	ctx := context.Background()
	mustActivate(t, te.Engine, &schema.Template{
		ID: "spin", Version: 1, Name: "Spin",
		Variables: []schema.VariableDecl{
			{Name: "count", Scope: schema.ScopeInstance, Initial: []byte(`0`)},
		},
		Nodes: []schema.Node{
			{ID: "start", Kind: schema.NodeState, State: &schema.StateConfig{IsInitial: true}},
			{ID: "spin", Kind: schema.NodeLoop, Loop: &schema.LoopConfig{
				Policy: schema.LoopWhile, Condition: "true",
			}},
			{ID: "tally", Kind: schema.NodeVariable, Variable: &schema.VariableConfig{
				Op: schema.VarCalculate, Name: "count", Expression: "count + 1",
			}},
			{ID: "end", Kind: schema.NodeState, State: &schema.StateConfig{IsFinal: true}},
		},
		Edges: []schema.Edge{
			{ID: "e1", Source: "start", Target: "spin"},
			{ID: "e2", Source: "spin", Target: "tally", Handle: schema.HandleLoopBody},
			{ID: "e3", Source: "tally", Target: "spin"},
			{ID: "e4", Source: "spin", Target: "end", Handle: schema.HandleExit},
		},
	})

	inst, err := te.CreateInstance(ctx, CreateRequest{TemplateID: "spin"})
	require.NoError(t, err)
	require.NoError(t, te.Start(ctx, inst.ID))

	got, err := te.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceCompleted, got.Status)
	assert.Equal(t, float64(3), got.Variables["count"])

	actions := historyActions(t, te.Engine, inst.ID)
	assert.Equal(t, 3, countAction(actions, schema.ActionLoopBody))
	assert.Equal(t, 1, countAction(actions, schema.ActionLoopExit))
}

// --- Variables and scripts ---

func TestVariableGet_DefaultWhenAbsent(t *testing.T) {
	te := newTestEngine(t, EngineConfig{})
	ctx := context.Background()
	mustActivate(t, te.Engine, &schema.Template{
		ID: "defaults", Version: 1, Name: "Defaults",
		Nodes: []schema.Node{
			{ID: "start", Kind: schema.NodeState, State: &schema.StateConfig{IsInitial: true}},
			{ID: "read", Kind: schema.NodeVariable, Variable: &schema.VariableConfig{
				Op: schema.VarGet, Name: "threshold", Default: []byte(`7`), Target: "effective",
			}},
			{ID: "end", Kind: schema.NodeState, State: &schema.StateConfig{IsFinal: true}},
		},
		Edges: []schema.Edge{
			{ID: "e1", Source: "start", Target: "read"},
			{ID: "e2", Source: "read", Target: "end"},
		},
	})

	inst, err := te.CreateInstance(ctx, CreateRequest{TemplateID: "defaults"})
	require.NoError(t, err)
	require.NoError(t, te.Start(ctx, inst.ID))

	got, err := te.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceCompleted, got.Status)
	assert.Equal(t, float64(7), got.Variables["effective"])
}

func TestScriptNode_CommitsDeclaredOutputs(t *testing.T) {
	te := newTestEngine(t, EngineConfig{})
	te.runner.outputs = map[string]any{"total": 6, "scratch": "dropped"}
	ctx := context.Background()
	mustActivate(t, te.Engine, &schema.Template{
		ID: "calc", Version: 1, Name: "Calc",
		Nodes: []schema.Node{
			{ID: "start", Kind: schema.NodeState, State: &schema.StateConfig{IsInitial: true}},
			{ID: "run", Kind: schema.NodeScript, Script: &schema.ScriptConfig{
				Language: "python", Source: "print(rows * 2)",
				Inputs: []string{"rows"}, Outputs: []string{"total"},
			}},
			{ID: "end", Kind: schema.NodeState, State: &schema.StateConfig{IsFinal: true}},
		},
		Edges: []schema.Edge{
			{ID: "e1", Source: "start", Target: "run"},
			{ID: "e2", Source: "run", Target: "end"},
		},
	})

	inst, err := te.CreateInstance(ctx, CreateRequest{
		TemplateID: "calc", InitialData: map[string]any{"rows": 3},
	})
	require.NoError(t, err)
	require.NoError(t, te.Start(ctx, inst.ID))

	got, err := te.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceCompleted, got.Status)
	assert.Equal(t, float64(6), got.Variables["total"])
	_, leaked := got.Variables["scratch"]
	assert.False(t, leaked)
	assert.Equal(t, map[string]any{"rows": float64(3)}, te.runner.gotInputs)
}

// --- Sub-workflows ---

func childTemplate(id string) *schema.Template {
	return &schema.Template{
		ID: id, Version: 1, Name: "Child",
		Nodes: []schema.Node{
			{ID: "start", Kind: schema.NodeState, State: &schema.StateConfig{IsInitial: true}},
			{ID: "work", Kind: schema.NodeVariable, Variable: &schema.VariableConfig{
				Op: schema.VarSet, Name: "result", Value: []byte(`"done"`),
			}},
			{ID: "end", Kind: schema.NodeState, State: &schema.StateConfig{IsFinal: true}},
		},
		Edges: []schema.Edge{
			{ID: "e1", Source: "start", Target: "work"},
			{ID: "e2", Source: "work", Target: "end"},
		},
	}
}

func failingChildTemplate(id string) *schema.Template {
	return &schema.Template{
		ID: id, Version: 1, Name: "Failing child",
		Nodes: []schema.Node{
			{ID: "start", Kind: schema.NodeState, State: &schema.StateConfig{IsInitial: true}},
			{ID: "check", Kind: schema.NodeConditional, Conditional: &schema.ConditionalConfig{
				Expression: "vars.missing > 1.0",
			}},
			{ID: "yes", Kind: schema.NodeState, State: &schema.StateConfig{IsFinal: true}},
			{ID: "no", Kind: schema.NodeState, State: &schema.StateConfig{IsFinal: true}},
		},
		Edges: []schema.Edge{
			{ID: "e1", Source: "start", Target: "check"},
			{ID: "e2", Source: "check", Target: "yes", Handle: schema.HandleTrue},
			{ID: "e3", Source: "check", Target: "no", Handle: schema.HandleFalse},
		},
	}
}

func parentTemplate(id, childID string, cfg schema.SubWorkflowConfig) *schema.Template {
	cfg.TemplateID = childID
	return &schema.Template{
		ID: id, Version: 1, Name: "Parent",
		Nodes: []schema.Node{
			{ID: "start", Kind: schema.NodeState, State: &schema.StateConfig{IsInitial: true}},
			{ID: "sub", Kind: schema.NodeSubWorkflow, SubWorkflow: &cfg},
			{ID: "end", Kind: schema.NodeState, State: &schema.StateConfig{IsFinal: true}},
		},
		Edges: []schema.Edge{
			{ID: "e1", Source: "start", Target: "sub"},
			{ID: "e2", Source: "sub", Target: "end"},
		},
	}
}

func TestSubWorkflow_SyncCompletesParent(t *testing.T) {
	te := newTestEngine(t, EngineConfig{})
	ctx := context.Background()
	mustActivate(t, te.Engine, childTemplate("child"))
	mustActivate(t, te.Engine, parentTemplate("parent", "child", schema.SubWorkflowConfig{
		Mode:      schema.SubWorkflowSync,
		InputMap:  map[string]string{"amount": "amount"},
		OutputMap: map[string]string{"child_result": "result"},
	}))

	inst, err := te.CreateInstance(ctx, CreateRequest{
		TemplateID: "parent", InitialData: map[string]any{"amount": 5},
	})
	require.NoError(t, err)
	require.NoError(t, te.Start(ctx, inst.ID))

	got, err := te.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceCompleted, got.Status)
	assert.Equal(t, "done", got.Variables["child_result"])

	children, err := te.store.ListInstances(ctx, store.InstanceFilter{ParentID: inst.ID})
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, string(schema.InstanceCompleted), children[0].Status)
	assert.Equal(t, "sub", children[0].ParentNode)

	actions := historyActions(t, te.Engine, inst.ID)
	assert.Equal(t, 1, countAction(actions, schema.ActionSuspended))
	assert.Equal(t, 1, countAction(actions, schema.ActionResumed))
}

func TestSubWorkflow_AsyncDoesNotBlockParent(t *testing.T) {
	te := newTestEngine(t, EngineConfig{})
	ctx := context.Background()
	mustActivate(t, te.Engine, childTemplate("child"))
	mustActivate(t, te.Engine, parentTemplate("parent", "child", schema.SubWorkflowConfig{
		Mode: schema.SubWorkflowAsync,
	}))

	inst, err := te.CreateInstance(ctx, CreateRequest{TemplateID: "parent"})
	require.NoError(t, err)
	require.NoError(t, te.Start(ctx, inst.ID))

	got, err := te.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceCompleted, got.Status)
	_, hasResult := got.Variables["child_result"]
	assert.False(t, hasResult)

	children, err := te.store.ListInstances(ctx, store.InstanceFilter{ParentID: inst.ID})
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, string(schema.InstanceCompleted), children[0].Status)

	actions := historyActions(t, te.Engine, inst.ID)
	assert.Equal(t, 0, countAction(actions, schema.ActionSuspended))
}

func TestSubWorkflow_OnErrorContinue(t *testing.T) {
	te := newTestEngine(t, EngineConfig{})
	ctx := context.Background()
	mustActivate(t, te.Engine, failingChildTemplate("bad-child"))
	mustActivate(t, te.Engine, parentTemplate("parent", "bad-child", schema.SubWorkflowConfig{
		Mode:    schema.SubWorkflowSync,
		OnError: schema.OnErrorContinue,
	}))

	inst, err := te.CreateInstance(ctx, CreateRequest{TemplateID: "parent"})
	require.NoError(t, err)
	require.NoError(t, te.Start(ctx, inst.ID))

	got, err := te.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceCompleted, got.Status)

	actions := historyActions(t, te.Engine, inst.ID)
	assert.Equal(t, 1, countAction(actions, schema.ActionResumed))
}

func TestSubWorkflow_RetryExhaustsThenErrorEdge(t *testing.T) {
	te := newTestEngine(t, EngineConfig{})
	ctx := context.Background()
	mustActivate(t, te.Engine, failingChildTemplate("bad-child"))
	tpl := parentTemplate("parent", "bad-child", schema.SubWorkflowConfig{
		Mode:       schema.SubWorkflowSync,
		OnError:    schema.OnErrorRetry,
		MaxRetries: 1,
	})
	tpl.Nodes = append(tpl.Nodes, schema.Node{
		ID: "degraded", Kind: schema.NodeState, State: &schema.StateConfig{IsFinal: true},
	})
	tpl.Edges = append(tpl.Edges, schema.Edge{
		ID: "e3", Source: "sub", Target: "degraded", Handle: schema.HandleError,
	})
	mustActivate(t, te.Engine, tpl)

	inst, err := te.CreateInstance(ctx, CreateRequest{TemplateID: "parent"})
	require.NoError(t, err)
	require.NoError(t, te.Start(ctx, inst.ID))

	got, err := te.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceCompleted, got.Status)

	// One initial attempt plus one retry.
	children, err := te.store.ListInstances(ctx, store.InstanceFilter{ParentID: inst.ID})
	require.NoError(t, err)
	assert.Len(t, children, 2)

	entries, err := te.HistoryByAction(ctx, inst.ID, schema.ActionNodeEntered)
	require.NoError(t, err)
	assert.Equal(t, "degraded", entries[len(entries)-1].ToNode)
}

// --- Cancellation ---

func TestCancel_CascadesToRunningChildren(t *testing.T) {
	te := newTestEngine(t, EngineConfig{})
	ctx := context.Background()
	mustActivate(t, te.Engine, userTaskTemplate("slow-child", 0))
	mustActivate(t, te.Engine, parentTemplate("parent", "slow-child", schema.SubWorkflowConfig{
		Mode: schema.SubWorkflowSync,
	}))

	inst, err := te.CreateInstance(ctx, CreateRequest{TemplateID: "parent"})
	require.NoError(t, err)
	require.NoError(t, te.Start(ctx, inst.ID))

	children, err := te.store.ListInstances(ctx, store.InstanceFilter{ParentID: inst.ID})
	require.NoError(t, err)
	require.Len(t, children, 1)
	require.Equal(t, string(schema.InstanceRunning), children[0].Status)

	require.NoError(t, te.Cancel(ctx, inst.ID, "alice", "no longer needed"))

	got, err := te.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceCancelled, got.Status)

	child, err := te.Get(ctx, children[0].ID)
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceCancelled, child.Status)

	// Cancelling a terminal instance is a conflict.
	err = te.Cancel(ctx, inst.ID, "alice", "again")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeConflict, schema.ErrorCode(err))
}

// --- Retry helpers ---

func TestComputeBackoff(t *testing.T) {
	assert.Equal(t, time.Second, ComputeBackoff(0, time.Second, 30*time.Second))
	assert.Equal(t, 4*time.Second, ComputeBackoff(2, time.Second, 30*time.Second))
	assert.Equal(t, 30*time.Second, ComputeBackoff(10, time.Second, 30*time.Second))
	assert.Equal(t, time.Duration(0), ComputeBackoff(3, 0, time.Minute))
}

func TestIsTransientError(t *testing.T) {
	assert.False(t, IsTransientError(nil))
	assert.False(t, IsTransientError(context.Canceled))
	assert.True(t, IsTransientError(context.DeadlineExceeded))
	assert.True(t, IsTransientError(errors.New("database is locked")))
	assert.True(t, IsTransientError(schema.NewError(schema.ErrCodeStore, "write failed")))
	assert.False(t, IsTransientError(schema.NewError(schema.ErrCodeValidation, "bad template")))
	assert.False(t, IsTransientError(errors.New("no such template")))
}
