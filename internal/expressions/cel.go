package expressions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types/ref"

	"github.com/senthilnathang/flowcore/pkg/schema"
)

// Context carries the data visible to a condition. Expressions see four
// top-level names: vars (the merged variable view), actor, entity, and now.
// Now is supplied by the caller so repeated evaluation of the same
// expression over the same data is deterministic.
type Context struct {
	Vars   map[string]any
	Actor  map[string]any
	Entity map[string]any
	Now    time.Time
}

// celEngine evaluates guard and condition expressions with CEL.
// Thread-safe: compiled programs are cached and reused across goroutines.
type celEngine struct {
	env       *cel.Env
	costLimit uint64
	timeout   time.Duration

	mu    sync.RWMutex
	cache map[string]cel.Program
}

func newCELEngine(costLimit uint64, timeout time.Duration) (*celEngine, error) {
	mapType := cel.MapType(cel.StringType, cel.DynType)

	// ClearMacros drops has/all/exists/map/filter: conditions are guard
	// expressions, not programs. Iteration lives in loop nodes.
	env, err := cel.NewEnv(
		cel.ClearMacros(),
		cel.Variable("vars", mapType),
		cel.Variable("actor", mapType),
		cel.Variable("entity", mapType),
		cel.Variable("now", cel.TimestampType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	return &celEngine{
		env:       env,
		costLimit: costLimit,
		timeout:   timeout,
		cache:     make(map[string]cel.Program),
	}, nil
}

// Evaluate compiles (or retrieves from cache) an expression and evaluates it
// against the context. Unsafe constructs are rejected at compile time,
// before any evaluation happens; runaway evaluations are stopped by the
// cost limit and the wall-clock timeout.
func (e *celEngine) Evaluate(ctx context.Context, expression string, ec Context) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty expression")
	}

	prg, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	evalCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	out, _, err := prg.ContextEval(evalCtx, activation(ec))
	if err != nil {
		if evalCtx.Err() != nil && errors.Is(evalCtx.Err(), context.DeadlineExceeded) {
			return nil, schema.NewErrorf(schema.ErrCodeEvaluationTimeout,
				"evaluation of %q exceeded %s", expression, e.timeout).
				WithCause(err)
		}
		if strings.Contains(err.Error(), "cost limit exceeded") {
			return nil, schema.NewErrorf(schema.ErrCodeEvaluation,
				"evaluation of %q exceeded the cost budget", expression).
				WithCause(err)
		}
		return nil, schema.NewErrorf(schema.ErrCodeEvaluation,
			"evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	return nativeValue(out.Value()), nil
}

// getOrCompile returns a cached compiled program or compiles and caches a new one.
func (e *celEngine) getOrCompile(expression string) (cel.Program, error) {
	e.mu.RLock()
	if prg, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	// Double-check after acquiring write lock.
	if prg, ok := e.cache[expression]; ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"compile error in %q: %s", expression, issues.Err().Error()).
			WithCause(issues.Err()).
			WithDetails(map[string]any{"expression": expression})
	}

	if err := checkSafety(expression, ast); err != nil {
		return nil, err
	}

	prg, err := e.env.Program(ast,
		cel.CostLimit(e.costLimit),
		cel.InterruptCheckFrequency(100),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"program error for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.cache[expression] = prg
	return prg, nil
}

// activation builds the evaluation bindings. Missing maps default to empty
// to avoid CEL runtime nil-ref errors.
func activation(ec Context) map[string]any {
	act := make(map[string]any, 4)
	for key, m := range map[string]map[string]any{
		"vars":   ec.Vars,
		"actor":  ec.Actor,
		"entity": ec.Entity,
	} {
		if m != nil {
			act[key] = m
		} else {
			act[key] = map[string]any{}
		}
	}
	now := ec.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	act["now"] = now
	return act
}

// nativeValue unwraps ref.Val aggregates produced by list/map literals into
// plain Go values.
func nativeValue(v any) any {
	switch val := v.(type) {
	case []ref.Val:
		out := make([]any, len(val))
		for i, rv := range val {
			out[i] = nativeValue(rv.Value())
		}
		return out
	case map[ref.Val]ref.Val:
		out := make(map[string]any, len(val))
		for k, rv := range val {
			out[fmt.Sprintf("%v", k.Value())] = nativeValue(rv.Value())
		}
		return out
	default:
		return v
	}
}
