package vars

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/senthilnathang/flowcore/pkg/schema"
)

func TestNewEnvironment_Declarations(t *testing.T) {
	ctx := context.Background()
	decls := []schema.VariableDecl{
		{Name: "count", Scope: schema.ScopeInstance, Initial: json.RawMessage(`0`)},
		{Name: "label", Scope: schema.ScopeInstance, Initial: json.RawMessage(`"draft"`)},
	}

	env, err := NewEnvironment(ctx, decls, nil, nil)
	require.NoError(t, err)

	v, err := env.Get(ctx, schema.ScopeInstance, "count")
	require.NoError(t, err)
	assert.Equal(t, float64(0), v)

	v, err = env.Get(ctx, schema.ScopeInstance, "label")
	require.NoError(t, err)
	assert.Equal(t, "draft", v)
}

func TestNewEnvironment_InitialDataOverridesDefaults(t *testing.T) {
	ctx := context.Background()
	decls := []schema.VariableDecl{
		{Name: "count", Scope: schema.ScopeInstance, Initial: json.RawMessage(`0`)},
	}

	env, err := NewEnvironment(ctx, decls, map[string]any{"count": 42}, nil)
	require.NoError(t, err)

	v, err := env.Get(ctx, schema.ScopeInstance, "count")
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestNewEnvironment_BadInitialJSON(t *testing.T) {
	decls := []schema.VariableDecl{
		{Name: "broken", Scope: schema.ScopeInstance, Initial: json.RawMessage(`{not json`)},
	}
	_, err := NewEnvironment(context.Background(), decls, nil, nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
}

func TestNewEnvironment_GlobalWithoutStore(t *testing.T) {
	decls := []schema.VariableDecl{
		{Name: "shared", Scope: schema.ScopeGlobal, Initial: json.RawMessage(`1`)},
	}
	_, err := NewEnvironment(context.Background(), decls, nil, nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
}

func TestNewEnvironment_GlobalInitializesOnlyWhenAbsent(t *testing.T) {
	ctx := context.Background()
	globals := NewMemoryGlobals()
	require.NoError(t, globals.Set(ctx, "shared", "existing"))

	decls := []schema.VariableDecl{
		{Name: "shared", Scope: schema.ScopeGlobal, Initial: json.RawMessage(`"default"`)},
		{Name: "fresh", Scope: schema.ScopeGlobal, Initial: json.RawMessage(`"default"`)},
	}
	_, err := NewEnvironment(ctx, decls, nil, globals)
	require.NoError(t, err)

	v, ok, err := globals.Get(ctx, "shared")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "existing", v)

	v, ok, err = globals.Get(ctx, "fresh")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "default", v)
}

func TestGet_MissingVariable(t *testing.T) {
	env, err := NewEnvironment(context.Background(), nil, nil, nil)
	require.NoError(t, err)

	_, err = env.Get(context.Background(), schema.ScopeInstance, "nope")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeVariableNotFound, schema.ErrorCode(err))
}

func TestSetAll_CommitsTogether(t *testing.T) {
	ctx := context.Background()
	env, err := NewEnvironment(ctx, nil, nil, nil)
	require.NoError(t, err)

	env.SetAll(map[string]any{"a": 1, "b": 2})

	a, err := env.Get(ctx, schema.ScopeInstance, "a")
	require.NoError(t, err)
	assert.Equal(t, 1, a)
	b, err := env.Get(ctx, schema.ScopeInstance, "b")
	require.NoError(t, err)
	assert.Equal(t, 2, b)
}

func TestSnapshotRestore(t *testing.T) {
	ctx := context.Background()
	env, err := NewEnvironment(ctx, nil, map[string]any{"count": 7, "label": "x"}, nil)
	require.NoError(t, err)

	raw, err := env.Snapshot()
	require.NoError(t, err)

	restored, err := NewEnvironment(ctx, nil, nil, nil)
	require.NoError(t, err)
	require.NoError(t, restored.Restore(raw))

	v, err := restored.Get(ctx, schema.ScopeInstance, "count")
	require.NoError(t, err)
	assert.Equal(t, float64(7), v)
	v, err = restored.Get(ctx, schema.ScopeInstance, "label")
	require.NoError(t, err)
	assert.Equal(t, "x", v)
}

// --- Frames ---

func TestFrame_LocalShadowsInstance(t *testing.T) {
	ctx := context.Background()
	env, err := NewEnvironment(ctx, nil, map[string]any{"x": "instance"}, nil)
	require.NoError(t, err)

	frame := env.NewFrame()
	require.NoError(t, frame.Set(ctx, schema.ScopeLocal, "x", "local"))

	v, ok, err := frame.Lookup(ctx, "x")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "local", v)

	// The instance scope itself is untouched.
	v, err = env.Get(ctx, schema.ScopeInstance, "x")
	require.NoError(t, err)
	assert.Equal(t, "instance", v)
}

func TestFrame_LookupFallsThroughToInstance(t *testing.T) {
	ctx := context.Background()
	env, err := NewEnvironment(ctx, nil, map[string]any{"y": 9}, nil)
	require.NoError(t, err)

	frame := env.NewFrame()
	v, ok, err := frame.Lookup(ctx, "y")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 9, v)
}

func TestFrame_LocalsAreFrameScoped(t *testing.T) {
	ctx := context.Background()
	env, err := NewEnvironment(ctx, nil, nil, nil)
	require.NoError(t, err)

	f1 := env.NewFrame()
	f2 := env.NewFrame()
	require.NoError(t, f1.Set(ctx, schema.ScopeLocal, "tmp", 1))

	_, ok, err := f2.Lookup(ctx, "tmp")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFrame_View(t *testing.T) {
	ctx := context.Background()
	env, err := NewEnvironment(ctx, nil, map[string]any{"a": 1, "b": 2}, nil)
	require.NoError(t, err)

	frame := env.NewFrame()
	require.NoError(t, frame.Set(ctx, schema.ScopeLocal, "b", 20))

	view := frame.View()
	assert.Equal(t, 1, view["a"])
	assert.Equal(t, 20, view["b"])
}

func TestConcurrentInstanceWrites(t *testing.T) {
	ctx := context.Background()
	env, err := NewEnvironment(ctx, nil, nil, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = env.Set(ctx, schema.ScopeInstance, "shared", n)
				_, _, _ = env.Lookup(ctx, schema.ScopeInstance, "shared")
			}
		}(i)
	}
	wg.Wait()

	_, ok, err := env.Lookup(ctx, schema.ScopeInstance, "shared")
	require.NoError(t, err)
	assert.True(t, ok)
}
