package api

import (
	"net/http"
	"time"

	"github.com/flowpbx/flowgate/internal/b2bua"
)

type healthResponse struct {
	Status string `json:"status"`
}

type statsResponse struct {
	Calls     b2bua.Stats `json:"calls"`
	Stopping  bool        `json:"stopping"`
	AuthMode  string      `json:"auth_mode"`
	StartedAt string      `json:"started_at"`
	UptimeSec int64       `json:"uptime_sec"`
}

// handleHealth reports ok, or 503 while the gateway drains so load
// balancers stop sending traffic. Unauthenticated.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.calls != nil && s.calls.Stopping() {
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "draining"})
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

// handleStats returns live call counts per status and process uptime.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{
		AuthMode:  s.authMode(),
		StartedAt: s.started.UTC().Format(time.RFC3339),
		UptimeSec: int64(time.Since(s.started).Seconds()),
	}
	if s.calls != nil {
		resp.Calls = s.calls.Stats()
		resp.Stopping = s.calls.Stopping()
	}
	writeJSON(w, http.StatusOK, resp)
}
