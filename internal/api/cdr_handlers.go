package api

import (
	"net/http"
	"time"

	"github.com/flowpbx/flowgate/internal/b2bua"
	"github.com/flowpbx/flowgate/internal/database"
	"github.com/flowpbx/flowgate/internal/database/models"
)

// cdrResponse is the JSON response for a single CDR event.
type cdrResponse struct {
	ID          int64  `json:"id"`
	CallID      string `json:"call_id"`
	Kind        string `json:"kind"`
	Cause       string `json:"cause,omitempty"`
	Code        int    `json:"code,omitempty"`
	Route       string `json:"route,omitempty"`
	DurationMs  int64  `json:"duration_ms,omitempty"`
	Source      string `json:"source"`
	Destination string `json:"destination"`
	Realm       string `json:"realm,omitempty"`
	Username    string `json:"username,omitempty"`
	SourceIP    string `json:"source_ip,omitempty"`
	AccountID   string `json:"account_id,omitempty"`
	ContextID   string `json:"context_id,omitempty"`
	ControlID   string `json:"control_id,omitempty"`
	BaseIP      string `json:"base_ip,omitempty"`
	OccurredAt  string `json:"occurred_at"`
}

func toCDRResponse(e *models.CDREvent) cdrResponse {
	return cdrResponse{
		ID:          e.ID,
		CallID:      e.CallID,
		Kind:        e.Kind,
		Cause:       e.Cause,
		Code:        e.Code,
		Route:       e.Route,
		DurationMs:  e.DurationMs,
		Source:      e.Source,
		Destination: e.Destination,
		Realm:       e.Realm,
		Username:    e.Username,
		SourceIP:    e.SourceIP,
		AccountID:   e.AccountID,
		ContextID:   e.ContextID,
		ControlID:   e.ControlID,
		BaseIP:      e.BaseIP,
		OccurredAt:  e.OccurredAt.UTC().Format(time.RFC3339Nano),
	}
}

// validCDRKinds are the event kinds a CDR query may filter on.
var validCDRKinds = map[b2bua.CDRKind]bool{
	b2bua.CDRCreated:    true,
	b2bua.CDRDialing:    true,
	b2bua.CDRRinging:    true,
	b2bua.CDRConnected:  true,
	b2bua.CDRFailed:     true,
	b2bua.CDRTerminated: true,
	b2bua.CDRReleased:   true,
	b2bua.CDRCompleted:  true,
}

// handleListCDRs returns CDR events, newest first.
// Query params: limit, offset, call_id, account_id, kind.
func (s *Server) handleListCDRs(w http.ResponseWriter, r *http.Request) {
	if s.cdrs == nil {
		writeError(w, http.StatusServiceUnavailable, "cdr store not configured")
		return
	}

	pg, errMsg := parsePagination(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	q := r.URL.Query()
	kind := q.Get("kind")
	if kind != "" && !validCDRKinds[b2bua.CDRKind(kind)] {
		writeError(w, http.StatusBadRequest, "unknown cdr kind")
		return
	}

	events, total, err := s.cdrs.List(r.Context(), database.CDRListFilter{
		Limit:     pg.Limit,
		Offset:    pg.Offset,
		CallID:    q.Get("call_id"),
		AccountID: q.Get("account_id"),
		Kind:      kind,
	})
	if err != nil {
		s.logger.Error("list cdrs: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	items := make([]cdrResponse, len(events))
	for i := range events {
		items[i] = toCDRResponse(&events[i])
	}

	writeJSON(w, http.StatusOK, PaginatedResponse{
		Items:  items,
		Total:  total,
		Limit:  pg.Limit,
		Offset: pg.Offset,
	})
}
