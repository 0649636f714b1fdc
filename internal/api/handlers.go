package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/senthilnathang/flowcore/internal/engine"
	"github.com/senthilnathang/flowcore/internal/store"
	"github.com/senthilnathang/flowcore/pkg/schema"
)

// --- Templates ---

func (s *Server) handleSaveTemplate(w http.ResponseWriter, r *http.Request) {
	var t schema.Template
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		writeError(w, http.StatusBadRequest, "invalid template JSON: "+err.Error())
		return
	}
	if err := s.deps.Engine.SaveTemplate(r.Context(), &t); err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": t.ID, "version": t.Version, "status": t.Status})
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	recs, err := s.deps.Store.ListTemplates(r.Context(), store.TemplateFilter{
		Status: r.URL.Query().Get("status"),
		Limit:  queryInt(r, "limit", 0),
	})
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleTemplateStatus(w http.ResponseWriter, r *http.Request) {
	version, err := strconv.Atoi(r.PathValue("version"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid version")
		return
	}
	var body struct {
		Status schema.TemplateStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.deps.Engine.SetTemplateStatus(r.Context(), r.PathValue("id"), version, body.Status); err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": body.Status})
}

// --- Instances ---

func (s *Server) handleCreateInstance(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TemplateID  string         `json:"template_id"`
		Version     int            `json:"version,omitempty"`
		InitialData map[string]any `json:"initial_data,omitempty"`
		Actor       string         `json:"actor,omitempty"`
		Priority    int            `json:"priority,omitempty"`
		Deadline    *time.Time     `json:"deadline,omitempty"`
		Start       bool           `json:"start,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	inst, err := s.deps.Engine.CreateInstance(r.Context(), engine.CreateRequest{
		TemplateID:  body.TemplateID,
		Version:     body.Version,
		InitialData: body.InitialData,
		Actor:       body.Actor,
		Priority:    body.Priority,
		Deadline:    body.Deadline,
	})
	if err != nil {
		writeFlowError(w, err)
		return
	}
	if body.Start {
		if err := s.deps.Engine.Start(r.Context(), inst.ID); err != nil {
			writeFlowError(w, err)
			return
		}
		inst, err = s.deps.Engine.Get(r.Context(), inst.ID)
		if err != nil {
			writeFlowError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusCreated, inst)
}

func (s *Server) handleStartInstance(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Engine.Start(r.Context(), id); err != nil {
		writeFlowError(w, err)
		return
	}
	inst, err := s.deps.Engine.Get(r.Context(), id)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	inst, err := s.deps.Engine.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	action := r.URL.Query().Get("action")
	var (
		entries []*schema.HistoryEntry
		err     error
	)
	if action != "" {
		entries, err = s.deps.Engine.HistoryByAction(r.Context(), id, action)
	} else {
		entries, err = s.deps.Engine.History(r.Context(), id)
	}
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	var body struct {
		NodeID  string         `json:"node_id"`
		Action  string         `json:"action"`
		Payload map[string]any `json:"payload,omitempty"`
		Actor   string         `json:"actor,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	id := r.PathValue("id")
	if err := s.deps.Engine.Resume(r.Context(), id, body.NodeID, body.Action, body.Payload, body.Actor); err != nil {
		writeFlowError(w, err)
		return
	}
	inst, err := s.deps.Engine.Get(r.Context(), id)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Actor  string `json:"actor,omitempty"`
		Reason string `json:"reason,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.deps.Engine.Cancel(r.Context(), r.PathValue("id"), body.Actor, body.Reason); err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": schema.InstanceCancelled})
}

// --- Access control ---

func (s *Server) handleCheckAccess(w http.ResponseWriter, r *http.Request) {
	var req schema.AccessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	decision, err := s.deps.ACL.CheckAccess(r.Context(), req)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

func (s *Server) handleSaveRule(w http.ResponseWriter, r *http.Request) {
	var rule store.AccessRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	saved, err := s.deps.ACL.SaveRule(r.Context(), &rule)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}

func (s *Server) handleGrant(w http.ResponseWriter, r *http.Request) {
	var perm store.RecordPermission
	if err := json.NewDecoder(r.Body).Decode(&perm); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	granted, err := s.deps.ACL.Grant(r.Context(), &perm)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, granted)
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.ACL.Revoke(r.Context(), r.PathValue("id"), r.URL.Query().Get("revoked_by")); err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"revoked": true})
}

// --- Schedules ---

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var sched store.Schedule
	if err := json.NewDecoder(r.Body).Decode(&sched); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if sched.TemplateID == "" || sched.Cron == "" {
		writeError(w, http.StatusBadRequest, "schedule needs template_id and cron")
		return
	}
	if err := s.deps.Store.CreateSchedule(r.Context(), &sched); err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sched)
}

// --- Helpers ---

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeFlowError maps a FlowError code to an HTTP status.
func writeFlowError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch schema.ErrorCode(err) {
	case schema.ErrCodeValidation, schema.ErrCodeUnsafeExpression:
		status = http.StatusBadRequest
	case schema.ErrCodeNotFound:
		status = http.StatusNotFound
	case schema.ErrCodeConflict, schema.ErrCodeTransitionNotAllowed, schema.ErrCodeConcurrency:
		status = http.StatusConflict
	}
	var fe *schema.FlowError
	if e, ok := err.(*schema.FlowError); ok {
		fe = e
	} else {
		fe = schema.NewError(schema.ErrCodeStore, err.Error())
	}
	writeJSON(w, status, fe)
}

// queryInt extracts an integer query param with a default value.
func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
