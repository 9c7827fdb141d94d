package api

import (
	"net/http"
	"time"

	"fieldroute/internal/buildinfo"
)

// DebugJSON handles GET /v1/debug (admin): build info and redacted config.
func (s *Server) DebugJSON(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(w, r, admins); !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"build":  buildinfo.Info(),
		"time":   time.Now().UTC().Format(time.RFC3339),
		"config": s.Config.Redacted(),
	})
}
