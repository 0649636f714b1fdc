// Package script executes the script node's code under a hard timeout. The
// sandbox itself is an injected Runner; the executor owns the contract
// around it: declared inputs in, declared outputs out, nothing on failure.
package script

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/senthilnathang/flowcore/pkg/schema"
)

// Request is one script invocation.
type Request struct {
	Language string
	Source   string
	Inputs   map[string]any
}

// Runner executes a script and returns the variables it produced.
// Implementations must honor context cancellation: when the executor's
// timeout fires, the script's process or interpreter must stop.
type Runner interface {
	Run(ctx context.Context, req Request) (map[string]any, error)
}

// Executor wraps a Runner with the engine-facing contract.
type Executor struct {
	runner         Runner
	defaultTimeout time.Duration
	logger         *slog.Logger
}

// NewExecutor creates an Executor. A zero defaultTimeout falls back to 30s.
func NewExecutor(runner Runner, defaultTimeout time.Duration, logger *slog.Logger) *Executor {
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{runner: runner, defaultTimeout: defaultTimeout, logger: logger}
}

// Execute runs a script node's code with the given input variables and
// returns only the declared outputs. On any failure or timeout no outputs
// are returned at all, so the caller commits all or nothing.
func (x *Executor) Execute(ctx context.Context, cfg *schema.ScriptConfig, inputs map[string]any) (map[string]any, error) {
	if x.runner == nil {
		return nil, schema.NewError(schema.ErrCodeScriptFailed, "no script runner configured")
	}

	timeout := cfg.Timeout.Std()
	if timeout <= 0 {
		timeout = x.defaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	produced, err := x.runner.Run(runCtx, Request{
		Language: cfg.Language,
		Source:   cfg.Source,
		Inputs:   inputs,
	})
	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, schema.NewErrorf(schema.ErrCodeScriptTimeout,
				"script exceeded %s", timeout).WithCause(err)
		}
		return nil, schema.NewErrorf(schema.ErrCodeScriptFailed,
			"script failed: %s", err.Error()).WithCause(err)
	}

	// Only declared outputs leave the sandbox. Extra keys are dropped with
	// a warning rather than silently leaking into the instance scope.
	outputs := make(map[string]any, len(cfg.Outputs))
	declared := make(map[string]bool, len(cfg.Outputs))
	for _, name := range cfg.Outputs {
		declared[name] = true
		if v, ok := produced[name]; ok {
			outputs[name] = v
		}
	}
	for name := range produced {
		if !declared[name] {
			x.logger.WarnContext(ctx, "script produced undeclared output",
				slog.String("output", name))
		}
	}

	x.logger.DebugContext(ctx, "script completed",
		slog.String("language", cfg.Language),
		slog.Duration("elapsed", time.Since(started)),
		slog.Int("outputs", len(outputs)))
	return outputs, nil
}
