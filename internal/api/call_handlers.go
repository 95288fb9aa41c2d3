package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/flowpbx/flowgate/internal/b2bua"
)

// handleListCalls returns snapshots of the live calls in creation order.
func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	calls := s.calls.Calls()
	if calls == nil {
		calls = []b2bua.Snapshot{}
	}
	writeJSON(w, http.StatusOK, calls)
}

// handleGetCall returns one live call by its leg-A identity.
func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	c, ok := s.calls.Lookup(id)
	if !ok {
		writeError(w, http.StatusNotFound, "call not found")
		return
	}
	writeJSON(w, http.StatusOK, c.Snapshot())
}

// handleHangupCall asks a live call to tear down both legs. The teardown
// runs on the scheduler; 202 means it was requested.
func (s *Server) handleHangupCall(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.calls.Hangup(id); err != nil {
		if errors.Is(err, b2bua.ErrCallNotFound) {
			writeError(w, http.StatusNotFound, "call not found")
			return
		}
		s.logger.Error("hangup call: failed", "call_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "hangup requested"})
}
