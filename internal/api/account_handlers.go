package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/flowpbx/flowgate/internal/authz"
	"github.com/flowpbx/flowgate/internal/database"
	"github.com/flowpbx/flowgate/internal/database/models"
)

// accountRequest is the body of POST /accounts.
type accountRequest struct {
	AccountID string   `json:"account_id"`
	Realm     string   `json:"realm"`
	Username  string   `json:"username"`
	Password  string   `json:"password"`
	Enabled   *bool    `json:"enabled"`
	Routes    []string `json:"routes"`
}

// accountResponse never carries the password hash.
type accountResponse struct {
	ID        int64    `json:"id"`
	AccountID string   `json:"account_id"`
	Realm     string   `json:"realm"`
	Username  string   `json:"username"`
	Enabled   bool     `json:"enabled"`
	Routes    []string `json:"routes"`
	CreatedAt string   `json:"created_at"`
	UpdatedAt string   `json:"updated_at"`
}

func toAccountResponse(a *models.Account) accountResponse {
	routes := []string{}
	for _, r := range authz.ParseRoutes(a.Routes) {
		routes = append(routes, r.URI)
	}
	return accountResponse{
		ID:        a.ID,
		AccountID: a.AccountID,
		Realm:     a.Realm,
		Username:  a.Username,
		Enabled:   a.Enabled,
		Routes:    routes,
		CreatedAt: a.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt: a.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func (req *accountRequest) validate() string {
	if req.AccountID != "" {
		if msg := validateSIPUser("account_id", req.AccountID); msg != "" {
			return msg
		}
	}
	if msg := validateRealm("realm", req.Realm); msg != "" {
		return msg
	}
	if msg := validateSIPUser("username", req.Username); msg != "" {
		return msg
	}
	if msg := validateRequiredStringLen("password", req.Password, maxPasswordLen); msg != "" {
		return msg
	}
	if msg := validateNoControlChars("password", req.Password); msg != "" {
		return msg
	}
	return validateRoutes("routes", req.Routes)
}

// handleListAccounts returns every account.
func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	if s.accounts == nil {
		writeError(w, http.StatusServiceUnavailable, "account store not configured")
		return
	}

	accts, err := s.accounts.List(r.Context())
	if err != nil {
		s.logger.Error("list accounts: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	items := make([]accountResponse, len(accts))
	for i := range accts {
		items[i] = toAccountResponse(&accts[i])
	}
	writeJSON(w, http.StatusOK, items)
}

// handleCreateAccount adds an account. The password is stored as an
// argon2id hash.
func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	if s.accounts == nil {
		writeError(w, http.StatusServiceUnavailable, "account store not configured")
		return
	}

	var req accountRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := req.validate(); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	existing, err := s.accounts.GetByLogin(r.Context(), req.Realm, req.Username)
	if err != nil {
		s.logger.Error("create account: failed to check login", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if existing != nil {
		writeError(w, http.StatusConflict, "an account with this realm and username already exists")
		return
	}

	hash, err := database.HashPassword(req.Password)
	if err != nil {
		s.logger.Error("create account: failed to hash password", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	acct := &models.Account{
		AccountID:    req.AccountID,
		Realm:        req.Realm,
		Username:     req.Username,
		PasswordHash: hash,
		Enabled:      req.Enabled == nil || *req.Enabled,
		Routes:       strings.Join(req.Routes, "\n"),
	}
	if acct.AccountID == "" {
		acct.AccountID = uuid.NewString()
	}

	if err := s.accounts.Create(r.Context(), acct); err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			writeError(w, http.StatusConflict, "account_id already in use")
			return
		}
		s.logger.Error("create account: failed to insert", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	created, err := s.accounts.GetByID(r.Context(), acct.ID)
	if err != nil || created == nil {
		s.logger.Error("create account: failed to reload", "id", acct.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.logger.Info("account created", "account_id", created.AccountID, "realm", created.Realm, "username", created.Username)
	writeJSON(w, http.StatusCreated, toAccountResponse(created))
}

// handleDeleteAccount removes an account by its numeric ID.
func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	if s.accounts == nil {
		writeError(w, http.StatusServiceUnavailable, "account store not configured")
		return
	}

	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid account id")
		return
	}

	acct, err := s.accounts.GetByID(r.Context(), id)
	if err != nil {
		s.logger.Error("delete account: failed to query", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if acct == nil {
		writeError(w, http.StatusNotFound, "account not found")
		return
	}

	if err := s.accounts.Delete(r.Context(), id); err != nil {
		s.logger.Error("delete account: failed", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.logger.Info("account deleted", "account_id", acct.AccountID)
	w.WriteHeader(http.StatusNoContent)
}
