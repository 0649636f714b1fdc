// Package expressions evaluates the three expression languages a template
// may embed: CEL for conditions and guards, expr for typed calculations,
// and jq for value transforms. All three engines cache compiled programs
// and share nothing mutable with their callers.
package expressions

import (
	"context"
	"time"

	"github.com/senthilnathang/flowcore/pkg/schema"
)

// EvaluatorConfig bounds condition evaluation.
type EvaluatorConfig struct {
	// Timeout is the wall-clock budget per evaluation.
	Timeout time.Duration
	// CostLimit is the CEL cost budget per evaluation.
	CostLimit uint64
}

// DefaultEvaluatorConfig returns the standard evaluation budgets.
func DefaultEvaluatorConfig() EvaluatorConfig {
	return EvaluatorConfig{
		Timeout:   5 * time.Second,
		CostLimit: 1_000_000,
	}
}

// Evaluator is the sandboxed expression facade used by the engine and the
// ACL evaluator.
type Evaluator struct {
	cel  *celEngine
	calc *calcEngine
	jq   *jqEngine
}

// NewEvaluator creates an Evaluator with the given budgets. Zero config
// fields fall back to defaults.
func NewEvaluator(cfg EvaluatorConfig) (*Evaluator, error) {
	def := DefaultEvaluatorConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.CostLimit == 0 {
		cfg.CostLimit = def.CostLimit
	}
	cel, err := newCELEngine(cfg.CostLimit, cfg.Timeout)
	if err != nil {
		return nil, err
	}
	return &Evaluator{
		cel:  cel,
		calc: newCalcEngine(),
		jq:   newJQEngine(),
	}, nil
}

// Evaluate evaluates a condition expression and returns its typed result.
func (e *Evaluator) Evaluate(ctx context.Context, expression string, ec Context) (any, error) {
	return e.cel.Evaluate(ctx, expression, ec)
}

// EvaluateBool evaluates a condition expression that must produce a boolean.
func (e *Evaluator) EvaluateBool(ctx context.Context, expression string, ec Context) (bool, error) {
	out, err := e.cel.Evaluate(ctx, expression, ec)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeEvaluation,
			"condition %q produced %T, want bool", expression, out)
	}
	return b, nil
}

// Calculate evaluates a typed calculation expression over the variable view.
func (e *Evaluator) Calculate(ctx context.Context, expression string, vars map[string]any) (any, error) {
	return e.calc.Calculate(ctx, expression, vars)
}

// Transform runs a transform program over a variable value with the named
// engine.
func (e *Evaluator) Transform(ctx context.Context, engine schema.TransformEngine, program string, input any) (any, error) {
	switch engine {
	case schema.TransformJQ:
		return e.jq.Transform(ctx, program, input)
	case schema.TransformExpr:
		// expr transforms see the input as "value".
		return e.calc.Calculate(ctx, program, map[string]any{"value": input})
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown transform engine %q", engine)
	}
}
