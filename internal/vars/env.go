// Package vars implements the scoped variable environment of a workflow
// instance: branch-local frames, the instance scope, and an optional
// external global scope.
package vars

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/senthilnathang/flowcore/pkg/schema"
)

// GlobalStore is the external collaborator backing the global scope.
// Implementations must be safe for concurrent use.
type GlobalStore interface {
	Get(ctx context.Context, name string) (any, bool, error)
	Set(ctx context.Context, name string, value any) error
}

// Environment holds the variables of one instance. The instance scope is
// guarded by a single writer lock: concurrent branches serialize their
// writes here, which is what makes instance-scope updates safe without any
// cross-branch coordination. Branch-local variables live in Frames and
// never touch this lock.
type Environment struct {
	mu       sync.RWMutex
	instance map[string]any
	globals  GlobalStore
}

// NewEnvironment builds an environment from the template's variable
// declarations and the caller's initial data. Initial data lands in the
// instance scope and overrides declared defaults. Global declarations
// initialize the global store only where the name is still absent.
func NewEnvironment(ctx context.Context, decls []schema.VariableDecl, initial map[string]any, globals GlobalStore) (*Environment, error) {
	env := &Environment{
		instance: make(map[string]any),
		globals:  globals,
	}
	for _, d := range decls {
		var value any
		if len(d.Initial) > 0 {
			if err := json.Unmarshal(d.Initial, &value); err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"initial value of variable %q is not valid JSON: %v", d.Name, err)
			}
		}
		switch d.Scope {
		case schema.ScopeInstance:
			env.instance[d.Name] = value
		case schema.ScopeGlobal:
			if globals == nil {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"variable %q declared global but no global store configured", d.Name)
			}
			if _, ok, err := globals.Get(ctx, d.Name); err != nil {
				return nil, schema.NewError(schema.ErrCodeStore, "read global variable").WithCause(err)
			} else if !ok {
				if err := globals.Set(ctx, d.Name, value); err != nil {
					return nil, schema.NewError(schema.ErrCodeStore, "initialize global variable").WithCause(err)
				}
			}
		}
	}
	for k, v := range initial {
		env.instance[k] = v
	}
	return env, nil
}

// Lookup reads a variable from the given scope. Local-scope reads go
// through a Frame, not the environment.
func (e *Environment) Lookup(ctx context.Context, scope schema.Scope, name string) (any, bool, error) {
	switch scope {
	case schema.ScopeInstance:
		e.mu.RLock()
		v, ok := e.instance[name]
		e.mu.RUnlock()
		return v, ok, nil
	case schema.ScopeGlobal:
		if e.globals == nil {
			return nil, false, nil
		}
		return e.globals.Get(ctx, name)
	}
	return nil, false, schema.NewErrorf(schema.ErrCodeValidation, "cannot read scope %q from the environment", scope)
}

// Get reads a variable and fails with VARIABLE_NOT_FOUND if it is absent.
func (e *Environment) Get(ctx context.Context, scope schema.Scope, name string) (any, error) {
	v, ok, err := e.Lookup(ctx, scope, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeVariableNotFound,
			"variable %q not found in scope %s", name, scope)
	}
	return v, nil
}

// Set writes a variable in the given scope.
func (e *Environment) Set(ctx context.Context, scope schema.Scope, name string, value any) error {
	switch scope {
	case schema.ScopeInstance:
		e.mu.Lock()
		e.instance[name] = value
		e.mu.Unlock()
		return nil
	case schema.ScopeGlobal:
		if e.globals == nil {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"variable %q is global but no global store configured", name)
		}
		return e.globals.Set(ctx, name, value)
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "cannot write scope %q through the environment", scope)
}

// SetAll writes several instance-scope variables under one lock
// acquisition. Script outputs commit through here so a script either
// publishes all of its variables or none.
func (e *Environment) SetAll(values map[string]any) {
	e.mu.Lock()
	for k, v := range values {
		e.instance[k] = v
	}
	e.mu.Unlock()
}

// InstanceVars returns a copy of the instance scope.
func (e *Environment) InstanceVars() map[string]any {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]any, len(e.instance))
	for k, v := range e.instance {
		out[k] = v
	}
	return out
}

// Snapshot serializes the instance scope for persistence.
func (e *Environment) Snapshot() (json.RawMessage, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	raw, err := json.Marshal(e.instance)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "snapshot instance variables").WithCause(err)
	}
	return raw, nil
}

// Restore replaces the instance scope with a previously taken snapshot.
func (e *Environment) Restore(raw json.RawMessage) error {
	restored := make(map[string]any)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &restored); err != nil {
			return schema.NewError(schema.ErrCodeStore, "restore instance variables").WithCause(err)
		}
	}
	e.mu.Lock()
	e.instance = restored
	e.mu.Unlock()
	return nil
}

// Frame is a branch-local scope layered over the environment. Frames are
// created at node entry and dropped at node exit; they are owned by one
// branch and need no locking.
type Frame struct {
	env    *Environment
	locals map[string]any
}

// NewFrame creates an empty local frame over the environment.
func (e *Environment) NewFrame() *Frame {
	return &Frame{env: e, locals: make(map[string]any)}
}

// Lookup resolves a name through local then instance scope.
func (f *Frame) Lookup(ctx context.Context, name string) (any, bool, error) {
	if v, ok := f.locals[name]; ok {
		return v, true, nil
	}
	return f.env.Lookup(ctx, schema.ScopeInstance, name)
}

// Get reads from an explicit scope, resolving local names in this frame.
func (f *Frame) Get(ctx context.Context, scope schema.Scope, name string) (any, error) {
	if scope == schema.ScopeLocal {
		v, ok := f.locals[name]
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeVariableNotFound,
				"variable %q not found in scope local", name)
		}
		return v, nil
	}
	return f.env.Get(ctx, scope, name)
}

// Set writes to an explicit scope, keeping local names in this frame.
func (f *Frame) Set(ctx context.Context, scope schema.Scope, name string, value any) error {
	if scope == schema.ScopeLocal {
		f.locals[name] = value
		return nil
	}
	return f.env.Set(ctx, scope, name, value)
}

// View returns the merged variable view expressions evaluate against:
// the instance scope with local names shadowing it. Globals are reached
// only through explicit scope reads, never implicitly.
func (f *Frame) View() map[string]any {
	out := f.env.InstanceVars()
	for k, v := range f.locals {
		out[k] = v
	}
	return out
}

// MemoryGlobals is an in-process GlobalStore for tests and single-node use.
type MemoryGlobals struct {
	mu sync.RWMutex
	m  map[string]any
}

// NewMemoryGlobals creates an empty in-memory global store.
func NewMemoryGlobals() *MemoryGlobals {
	return &MemoryGlobals{m: make(map[string]any)}
}

func (g *MemoryGlobals) Get(_ context.Context, name string) (any, bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	v, ok := g.m[name]
	return v, ok, nil
}

func (g *MemoryGlobals) Set(_ context.Context, name string, value any) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.m[name] = value
	return nil
}
