package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"fieldroute/internal/events"
)

// RouteEventsHandler handles GET /v1/routes/{id}/events/stream as
// Server-Sent Events. Heartbeats are sent when the stream is idle.
func (s *Server) RouteEventsHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.authorize(w, r, nil)
	if !ok {
		return
	}
	id := r.PathValue("id")
	if _, err := s.routeFor(r.Context(), p, id); err != nil {
		writeError(w, r, "Route events failed", err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeProblem(w, http.StatusInternalServerError, "Streaming unsupported", "", r.URL.Path)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	key := events.RouteKey(id)
	ch := s.Broker.Subscribe(key)
	defer s.Broker.Unsubscribe(key, ch)

	heartbeat := func() {
		fmt.Fprintf(w, "event: heartbeat\ndata: {\"routeId\":%q,\"ts\":%q}\n\n", id, time.Now().UTC().Format(time.RFC3339))
		flusher.Flush()
	}
	heartbeat()

	interval := s.Heartbeat
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case evt, open := <-ch:
			if !open {
				return
			}
			b, _ := json.Marshal(evt.Data)
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, b)
			flusher.Flush()
			ticker.Reset(interval)
		case <-ticker.C:
			heartbeat()
		}
	}
}
