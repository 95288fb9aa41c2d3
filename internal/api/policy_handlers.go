package api

import (
	"net/http"
	"net/netip"

	"github.com/go-chi/chi/v5"

	"github.com/flowpbx/flowgate/internal/sip"
)

type authorizationRequest struct {
	Mode string `json:"mode"`
}

type authorizationResponse struct {
	Mode string `json:"mode"`
}

func (s *Server) authMode() string {
	s.modeMu.Lock()
	defer s.modeMu.Unlock()
	return s.mode
}

// handleGetAuthorization returns the active authorization mode.
func (s *Server) handleGetAuthorization(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, authorizationResponse{Mode: s.authMode()})
}

// handleSetAuthorization builds the authorizer for the requested mode and
// installs it on the call manager. Calls already in progress keep the
// policy they were admitted under.
func (s *Server) handleSetAuthorization(w http.ResponseWriter, r *http.Request) {
	if s.policies == nil {
		writeError(w, http.StatusServiceUnavailable, "authorization policies not configured")
		return
	}

	var req authorizationRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	s.modeMu.Lock()
	defer s.modeMu.Unlock()

	auth, err := s.policies.Build(req.Mode)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.calls.SetAuthorizationManager(auth)

	prev := s.mode
	s.mode = req.Mode
	s.logger.Info("authorization mode changed", "from", prev, "to", req.Mode)
	writeJSON(w, http.StatusOK, authorizationResponse{Mode: req.Mode})
}

// handleListBlocked returns the signaling sources blocked for repeated
// authorization failures.
func (s *Server) handleListBlocked(w http.ResponseWriter, r *http.Request) {
	if s.blocked == nil {
		writeJSON(w, http.StatusOK, []sip.BlockedIPEntry{})
		return
	}
	writeJSON(w, http.StatusOK, s.blocked.BlockedIPs())
}

// handleUnblock lifts a block by hand.
func (s *Server) handleUnblock(w http.ResponseWriter, r *http.Request) {
	ip := chi.URLParam(r, "ip")
	if _, err := netip.ParseAddr(ip); err != nil {
		writeError(w, http.StatusBadRequest, "invalid ip address")
		return
	}
	if s.blocked == nil || !s.blocked.UnblockIP(ip) {
		writeError(w, http.StatusNotFound, "ip is not blocked")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
