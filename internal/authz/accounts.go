// Package authz holds the call authorization policies the gateway can run
// with: sqlite-backed accounts, source address allow-lists, per-account
// call-rate limits, and a chain that combines them.
package authz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/flowpbx/flowgate/internal/b2bua"
	"github.com/flowpbx/flowgate/internal/database"
	"github.com/flowpbx/flowgate/internal/database/models"
)

// ErrRateLimited is wrapped into denials issued by RateLimiter.
var ErrRateLimited = errors.New("call rate exceeded")

// lookupTimeout bounds the account lookup on the call creation path.
const lookupTimeout = 2 * time.Second

// AccountAuthorizer admits callers whose realm, username and password match
// an enabled account.
type AccountAuthorizer struct {
	repo   database.AccountRepository
	logger *slog.Logger
	verify func(password, encoded string) (database.PasswordCheck, error)
	hash   func(password string) (string, error)
}

// NewAccountAuthorizer creates an AccountAuthorizer over repo.
func NewAccountAuthorizer(repo database.AccountRepository, logger *slog.Logger) *AccountAuthorizer {
	return &AccountAuthorizer{
		repo:   repo,
		logger: logger.With("subsystem", "authz"),
		verify: database.VerifyPassword,
		hash:   database.HashPassword,
	}
}

// Authorize implements b2bua.AuthorizationManager.
func (a *AccountAuthorizer) Authorize(req b2bua.AuthRequest) (b2bua.Grant, error) {
	if req.User == "" {
		return b2bua.Grant{}, deny("no credentials")
	}

	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()
	acct, err := a.repo.GetByLogin(ctx, req.Realm, req.User)
	if err != nil {
		return b2bua.Grant{}, fmt.Errorf("looking up account %s@%s: %w", req.User, req.Realm, err)
	}
	if acct == nil {
		return b2bua.Grant{}, deny(fmt.Sprintf("unknown account %s@%s", req.User, req.Realm))
	}
	if !acct.Enabled {
		return b2bua.Grant{}, deny(fmt.Sprintf("account %s disabled", acct.AccountID))
	}
	res, err := a.verify(req.Password, acct.PasswordHash)
	if err != nil {
		a.logger.Error("stored password hash unreadable", "account_id", acct.AccountID, "error", err)
		return b2bua.Grant{}, deny(fmt.Sprintf("account %s has no usable password", acct.AccountID))
	}
	if !res.Match {
		return b2bua.Grant{}, deny(fmt.Sprintf("bad password for %s@%s", req.User, req.Realm))
	}
	if res.Rehash {
		a.rehash(ctx, acct, req.Password)
	}

	return b2bua.Grant{
		AccountID: acct.AccountID,
		Routes:    ParseRoutes(acct.Routes),
	}, nil
}

// rehash stores the caller's password again at the current cost. A failure
// leaves the old hash in place and does not affect the call.
func (a *AccountAuthorizer) rehash(ctx context.Context, acct *models.Account, password string) {
	encoded, err := a.hash(password)
	if err != nil {
		a.logger.Warn("rehashing account password failed", "account_id", acct.AccountID, "error", err)
		return
	}
	updated := *acct
	updated.PasswordHash = encoded
	if err := a.repo.Update(ctx, &updated); err != nil {
		a.logger.Warn("storing rehashed account password failed", "account_id", acct.AccountID, "error", err)
		return
	}
	a.logger.Info("account password rehashed", "account_id", acct.AccountID)
}

// ParseRoutes reads an account's route list: one outbound URI per line,
// blank lines and lines starting with # skipped.
func ParseRoutes(s string) []b2bua.Route {
	var routes []b2bua.Route
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		routes = append(routes, b2bua.Route{URI: line})
	}
	return routes
}

func deny(reason string) error {
	return fmt.Errorf("%w: %s", b2bua.ErrAuthorizationDenied, reason)
}
