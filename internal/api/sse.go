package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/senthilnathang/flowcore/internal/events"
)

// handleSSEGlobal streams all execution events via Server-Sent Events.
func (s *Server) handleSSEGlobal(w http.ResponseWriter, r *http.Request) {
	s.serveSSE(w, r, events.Filter{Actions: splitActions(r), Since: sinceSequence(r)})
}

// handleSSEInstance streams events for one instance. The since query param
// is a sequence cutoff, letting a client resume where its history read
// left off.
func (s *Server) handleSSEInstance(w http.ResponseWriter, r *http.Request) {
	s.serveSSE(w, r, events.Filter{
		InstanceID: r.PathValue("id"),
		Actions:    splitActions(r),
		Since:      sinceSequence(r),
	})
}

func splitActions(r *http.Request) []string {
	return r.URL.Query()["action"]
}

func sinceSequence(r *http.Request) int64 {
	n, err := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// serveSSE is the common SSE implementation.
func (s *Server) serveSSE(w http.ResponseWriter, r *http.Request, filter events.Filter) {
	if s.deps.Hub == nil {
		http.Error(w, "event streaming not configured", http.StatusNotImplemented)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	ch, cancel, err := s.deps.Hub.Subscribe(r.Context(), filter)
	if err != nil {
		s.deps.Logger.Error("SSE subscribe failed", "error", err)
		http.Error(w, "subscribe failed", http.StatusInternalServerError)
		return
	}
	defer cancel()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Action, data)
			flusher.Flush()
		}
	}
}
