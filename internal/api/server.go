// Package api exposes the engine, the ACL evaluator, and the live event
// stream over HTTP. Handlers are thin: decode, delegate, encode — every
// rule lives below this layer.
package api

import (
	"log/slog"
	"net/http"
	"os"

	"github.com/senthilnathang/flowcore/internal/acl"
	"github.com/senthilnathang/flowcore/internal/engine"
	"github.com/senthilnathang/flowcore/internal/events"
	"github.com/senthilnathang/flowcore/internal/store"
)

// Deps holds the dependencies for the API server.
type Deps struct {
	Store  store.Store
	Engine *engine.Engine
	ACL    *acl.Evaluator
	Hub    events.Hub
	Logger *slog.Logger
}

// Server serves the JSON API and SSE event streams.
type Server struct {
	deps Deps
}

// NewServer creates a Server.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Server{deps: deps}
}

// Handler returns the HTTP handler for all API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Templates.
	mux.HandleFunc("POST /api/templates", s.handleSaveTemplate)
	mux.HandleFunc("GET /api/templates", s.handleListTemplates)
	mux.HandleFunc("POST /api/templates/{id}/{version}/status", s.handleTemplateStatus)
	mux.HandleFunc("GET /api/templates/{id}/{version}/diagram", s.handleDiagram)

	// Instances.
	mux.HandleFunc("POST /api/instances", s.handleCreateInstance)
	mux.HandleFunc("POST /api/instances/{id}/start", s.handleStartInstance)
	mux.HandleFunc("GET /api/instances/{id}", s.handleGetInstance)
	mux.HandleFunc("GET /api/instances/{id}/history", s.handleHistory)
	mux.HandleFunc("POST /api/instances/{id}/resume", s.handleResume)
	mux.HandleFunc("POST /api/instances/{id}/cancel", s.handleCancel)

	// Access control.
	mux.HandleFunc("POST /api/access/check", s.handleCheckAccess)
	mux.HandleFunc("POST /api/access/rules", s.handleSaveRule)
	mux.HandleFunc("POST /api/access/permissions", s.handleGrant)
	mux.HandleFunc("DELETE /api/access/permissions/{id}", s.handleRevoke)

	// Schedules.
	mux.HandleFunc("POST /api/schedules", s.handleCreateSchedule)

	// SSE streams.
	mux.HandleFunc("GET /sse/events", s.handleSSEGlobal)
	mux.HandleFunc("GET /sse/instances/{id}", s.handleSSEInstance)

	return mux
}
