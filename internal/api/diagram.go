package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/senthilnathang/flowcore/internal/diagram"
	"github.com/senthilnathang/flowcore/pkg/schema"
)

// handleDiagram renders a template as a diagram. format=mermaid (default)
// returns text, format=png returns an image. An optional instance query
// param overlays that instance's runtime state onto the nodes.
func (s *Server) handleDiagram(w http.ResponseWriter, r *http.Request) {
	version, err := strconv.Atoi(r.PathValue("version"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid version")
		return
	}
	rec, err := s.deps.Store.GetTemplate(r.Context(), r.PathValue("id"), version)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	var tpl schema.Template
	if err := json.Unmarshal(rec.Payload, &tpl); err != nil {
		writeFlowError(w, err)
		return
	}

	var overlay map[string]*diagram.StatusOverlay
	if instanceID := r.URL.Query().Get("instance"); instanceID != "" {
		entries, err := s.deps.Engine.History(r.Context(), instanceID)
		if err != nil {
			writeFlowError(w, err)
			return
		}
		overlay = diagram.OverlayFromHistory(entries)
	}

	model := diagram.Build(&tpl, overlay)

	switch r.URL.Query().Get("format") {
	case "", "mermaid":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte(diagram.RenderMermaid(model)))
	case "png":
		png, err := diagram.RenderImage(r.Context(), model)
		if err != nil {
			writeFlowError(w, err)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write(png)
	default:
		writeError(w, http.StatusBadRequest, "unknown diagram format")
	}
}
