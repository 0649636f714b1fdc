package expressions

import (
	"context"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/senthilnathang/flowcore/pkg/schema"
)

// calcEngine evaluates typed calculation expressions with expr-lang. Unlike
// conditions, calculations return whatever value the expression produces:
// numbers, strings, lists, maps. Thread-safe: compiled programs are cached
// and reused across goroutines.
type calcEngine struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

func newCalcEngine() *calcEngine {
	return &calcEngine{cache: make(map[string]*vm.Program)}
}

// Calculate compiles (or retrieves from cache) an expression and evaluates
// it with the variable view as the environment. Results that cannot be
// stored as a variable (functions, channels) fail with an evaluation error.
func (e *calcEngine) Calculate(ctx context.Context, expression string, env map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty calculation expression")
	}

	prg, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	if env == nil {
		env = map[string]any{}
	}

	out, err := vm.Run(prg, env)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeEvaluation,
			"calculation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	if !storable(out) {
		return nil, schema.NewErrorf(schema.ErrCodeEvaluation,
			"calculation %q produced a non-storable %T value", expression, out)
	}
	return out, nil
}

func (e *calcEngine) getOrCompile(expression string) (*vm.Program, error) {
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

	prg, err := expr.Compile(expression,
		expr.Env(map[string]any{}),
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"calculation compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.cache[expression] = prg
	return prg, nil
}

// storable reports whether a value can live in the variable environment.
func storable(v any) bool {
	switch v.(type) {
	case nil, bool, string,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64,
		[]any, map[string]any, []string, []int, []float64:
		return true
	default:
		return false
	}
}
