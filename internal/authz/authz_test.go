package authz

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/netip"
	"sync"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/flowpbx/flowgate/internal/b2bua"
	"github.com/flowpbx/flowgate/internal/database"
	"github.com/flowpbx/flowgate/internal/database/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var (
	hashOnce sync.Once
	hashed   string
)

func secretHash(t *testing.T) string {
	t.Helper()
	hashOnce.Do(func() {
		h, err := database.HashPassword("secret")
		if err != nil {
			t.Fatalf("HashPassword() error: %v", err)
		}
		hashed = h
	})
	return hashed
}

type fakeAccounts struct {
	accounts  map[string]*models.Account
	err       error
	updateErr error
	updated   []models.Account
}

func (f *fakeAccounts) Create(context.Context, *models.Account) error { return nil }
func (f *fakeAccounts) GetByID(context.Context, int64) (*models.Account, error) {
	return nil, nil
}
func (f *fakeAccounts) List(context.Context) ([]models.Account, error) { return nil, nil }
func (f *fakeAccounts) Update(_ context.Context, a *models.Account) error {
	f.updated = append(f.updated, *a)
	return f.updateErr
}
func (f *fakeAccounts) Delete(context.Context, int64) error { return nil }

func (f *fakeAccounts) GetByLogin(_ context.Context, realm, username string) (*models.Account, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.accounts[username+"@"+realm], nil
}

func TestAccountAuthorizer(t *testing.T) {
	repo := &fakeAccounts{accounts: map[string]*models.Account{
		"alice@example.com": {
			AccountID: "acct-alice", Realm: "example.com", Username: "alice",
			PasswordHash: secretHash(t), Enabled: true,
			Routes: "sip:bob@10.0.0.1\n\n# backup\nsip:bob@10.0.0.2\n",
		},
		"carol@example.com": {
			AccountID: "acct-carol", Realm: "example.com", Username: "carol",
			PasswordHash: secretHash(t), Enabled: false,
		},
		"dave@example.com": {
			AccountID: "acct-dave", Realm: "example.com", Username: "dave",
			PasswordHash: "not-a-hash", Enabled: true,
		},
	}}
	a := NewAccountAuthorizer(repo, testLogger())

	tests := []struct {
		name    string
		req     b2bua.AuthRequest
		wantErr bool
	}{
		{"granted", b2bua.AuthRequest{User: "alice", Password: "secret", Realm: "example.com"}, false},
		{"wrong password", b2bua.AuthRequest{User: "alice", Password: "guess", Realm: "example.com"}, true},
		{"wrong realm", b2bua.AuthRequest{User: "alice", Password: "secret", Realm: "example.net"}, true},
		{"unknown user", b2bua.AuthRequest{User: "mallory", Password: "secret", Realm: "example.com"}, true},
		{"disabled", b2bua.AuthRequest{User: "carol", Password: "secret", Realm: "example.com"}, true},
		{"corrupt hash", b2bua.AuthRequest{User: "dave", Password: "secret", Realm: "example.com"}, true},
		{"anonymous", b2bua.AuthRequest{Realm: "example.com"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.Authorize(tt.req)
			if tt.wantErr {
				if !errors.Is(err, b2bua.ErrAuthorizationDenied) {
					t.Fatalf("Authorize() error = %v, want authorization denied", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Authorize() error: %v", err)
			}
		})
	}

	g, err := a.Authorize(b2bua.AuthRequest{User: "alice", Password: "secret", Realm: "example.com"})
	if err != nil {
		t.Fatalf("Authorize() error: %v", err)
	}
	if g.AccountID != "acct-alice" {
		t.Errorf("AccountID = %q, want acct-alice", g.AccountID)
	}
	if len(g.Routes) != 2 || g.Routes[0].URI != "sip:bob@10.0.0.1" || g.Routes[1].URI != "sip:bob@10.0.0.2" {
		t.Errorf("Routes = %+v", g.Routes)
	}
}

func TestAccountAuthorizerRehashesStaleHash(t *testing.T) {
	tests := []struct {
		name      string
		rehash    bool
		updateErr error
		wantSaved bool
	}{
		{"current cost", false, nil, false},
		{"stale cost", true, nil, true},
		{"store failure still grants", true, errors.New("database is locked"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := &fakeAccounts{
				accounts: map[string]*models.Account{
					"alice@example.com": {
						ID: 7, AccountID: "acct-alice", Realm: "example.com", Username: "alice",
						PasswordHash: "old-hash", Enabled: true,
					},
				},
				updateErr: tt.updateErr,
			}
			a := NewAccountAuthorizer(repo, testLogger())
			a.verify = func(password, encoded string) (database.PasswordCheck, error) {
				return database.PasswordCheck{Match: password == "secret", Rehash: tt.rehash}, nil
			}
			a.hash = func(string) (string, error) { return "new-hash", nil }

			g, err := a.Authorize(b2bua.AuthRequest{User: "alice", Password: "secret", Realm: "example.com"})
			if err != nil {
				t.Fatalf("Authorize() error: %v", err)
			}
			if g.AccountID != "acct-alice" {
				t.Errorf("AccountID = %q, want acct-alice", g.AccountID)
			}
			if !tt.wantSaved {
				if len(repo.updated) != 0 {
					t.Fatalf("account updated %d times, want none", len(repo.updated))
				}
				return
			}
			if len(repo.updated) != 1 {
				t.Fatalf("account updated %d times, want 1", len(repo.updated))
			}
			if got := repo.updated[0]; got.ID != 7 || got.PasswordHash != "new-hash" || !got.Enabled {
				t.Errorf("updated account = %+v", got)
			}
			if repo.accounts["alice@example.com"].PasswordHash != "old-hash" {
				t.Error("stored account mutated in place")
			}
		})
	}
}

func TestAccountAuthorizerLookupError(t *testing.T) {
	a := NewAccountAuthorizer(&fakeAccounts{err: errors.New("database is locked")}, testLogger())
	_, err := a.Authorize(b2bua.AuthRequest{User: "alice", Password: "secret", Realm: "example.com"})
	if err == nil {
		t.Fatal("Authorize() succeeded with a failing store")
	}
}

func TestAccountAuthorizerWithSQLite(t *testing.T) {
	db, err := database.Open(context.Background(), t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer db.Close()

	repo := database.NewAccountRepository(db)
	if err := repo.Create(context.Background(), &models.Account{
		AccountID: "acct-1", Realm: "example.com", Username: "alice",
		PasswordHash: secretHash(t), Enabled: true, Routes: "sip:bob@10.0.0.1",
	}); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	a := NewAccountAuthorizer(repo, testLogger())
	g, err := a.Authorize(b2bua.AuthRequest{User: "alice", Password: "secret", Realm: "example.com"})
	if err != nil {
		t.Fatalf("Authorize() error: %v", err)
	}
	if g.AccountID != "acct-1" || len(g.Routes) != 1 {
		t.Errorf("grant = %+v", g)
	}
}

func TestSourceACL(t *testing.T) {
	acl := NewSourceACL([]netip.Prefix{
		netip.MustParsePrefix("10.0.0.0/8"),
		netip.MustParsePrefix("2001:db8::/32"),
	})

	tests := []struct {
		addr string
		want bool
	}{
		{"10.1.2.3", true},
		{"10.1.2.3:5060", true},
		{"[2001:db8::1]:5060", true},
		{"::ffff:10.0.0.1", true},
		{"192.0.2.1", false},
		{"", false},
		{"garbage", false},
	}
	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			if got := acl.Allowed(tt.addr); got != tt.want {
				t.Errorf("Allowed(%q) = %v, want %v", tt.addr, got, tt.want)
			}
			_, err := acl.Authorize(b2bua.AuthRequest{SourceIP: tt.addr})
			if tt.want != (err == nil) {
				t.Errorf("Authorize(%q) error = %v", tt.addr, err)
			}
		})
	}

	if NewSourceACL(nil).Allowed("10.0.0.1") {
		t.Error("empty ACL admitted a source")
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(RateConfig{Rate: rate.Limit(1), Burst: 2, CleanupInterval: time.Hour, MaxAge: time.Minute}, testLogger())
	defer rl.Stop()

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	req := b2bua.AuthRequest{AccountID: "acct-1"}
	for i := 0; i < 2; i++ {
		if _, err := rl.Authorize(req); err != nil {
			t.Fatalf("call %d within burst denied: %v", i, err)
		}
	}
	_, err := rl.Authorize(req)
	if !errors.Is(err, ErrRateLimited) || !errors.Is(err, b2bua.ErrAuthorizationDenied) {
		t.Fatalf("third call error = %v, want rate limited denial", err)
	}

	if _, err := rl.Authorize(b2bua.AuthRequest{AccountID: "acct-2"}); err != nil {
		t.Errorf("other account denied: %v", err)
	}

	now = now.Add(time.Second)
	if _, err := rl.Authorize(req); err != nil {
		t.Errorf("call after refill denied: %v", err)
	}

	now = now.Add(2 * time.Minute)
	rl.cleanup()
	if rl.Len() != 0 {
		t.Errorf("Len() after cleanup = %d, want 0", rl.Len())
	}
	rl.Stop()
}

func TestKey(t *testing.T) {
	tests := []struct {
		req  b2bua.AuthRequest
		want string
	}{
		{b2bua.AuthRequest{AccountID: "a1", User: "alice", SourceIP: "10.0.0.1"}, "acct:a1"},
		{b2bua.AuthRequest{User: "alice", Realm: "example.com", SourceIP: "10.0.0.1"}, "user:alice@example.com"},
		{b2bua.AuthRequest{SourceIP: "10.0.0.1"}, "ip:10.0.0.1"},
	}
	for _, tt := range tests {
		if got := Key(tt.req); got != tt.want {
			t.Errorf("Key(%+v) = %q, want %q", tt.req, got, tt.want)
		}
	}
}

func TestChain(t *testing.T) {
	grant := func(acct string, routes ...string) b2bua.AuthorizationManager {
		return b2bua.AuthorizerFunc(func(b2bua.AuthRequest) (b2bua.Grant, error) {
			g := b2bua.Grant{AccountID: acct}
			for _, r := range routes {
				g.Routes = append(g.Routes, b2bua.Route{URI: r})
			}
			return g, nil
		})
	}
	denied := errors.New("nope")
	called := false
	deny := b2bua.AuthorizerFunc(func(b2bua.AuthRequest) (b2bua.Grant, error) { return b2bua.Grant{}, denied })
	never := b2bua.AuthorizerFunc(func(b2bua.AuthRequest) (b2bua.Grant, error) {
		called = true
		return b2bua.Grant{}, nil
	})

	g, err := Chain{grant("a1", "sip:x"), nil, grant("", "sip:y", "sip:z"), grant("a2")}.Authorize(b2bua.AuthRequest{})
	if err != nil {
		t.Fatalf("Authorize() error: %v", err)
	}
	if g.AccountID != "a2" || len(g.Routes) != 2 || g.Routes[0].URI != "sip:y" {
		t.Errorf("grant = %+v", g)
	}

	if _, err := (Chain{grant("a1"), deny, never}).Authorize(b2bua.AuthRequest{}); !errors.Is(err, denied) {
		t.Errorf("error = %v, want first denial", err)
	}
	if called {
		t.Error("authorizer after a denial was consulted")
	}

	// An account resolved early is visible to later links.
	var seen string
	peek := b2bua.AuthorizerFunc(func(req b2bua.AuthRequest) (b2bua.Grant, error) {
		seen = req.AccountID
		return b2bua.Grant{}, nil
	})
	if _, err := (Chain{grant("a9"), peek}).Authorize(b2bua.AuthRequest{}); err != nil {
		t.Fatalf("Authorize() error: %v", err)
	}
	if seen != "a9" {
		t.Errorf("later link saw account %q, want a9", seen)
	}
}

func TestPoliciesBuild(t *testing.T) {
	acct := NewAccountAuthorizer(&fakeAccounts{}, testLogger())
	acl := NewSourceACL([]netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")})

	if a, err := (Policies{}).Build(ModePermissive); err != nil {
		t.Fatalf("Build(permissive) error: %v", err)
	} else if _, ok := a.(b2bua.PermissiveAuthorizer); !ok {
		t.Errorf("Build(permissive) = %T, want PermissiveAuthorizer", a)
	}

	a, err := Policies{Sources: acl}.Build(ModePermissive)
	if err != nil {
		t.Fatalf("Build(permissive with acl) error: %v", err)
	}
	if _, err := a.Authorize(b2bua.AuthRequest{SourceIP: "192.0.2.1"}); err == nil {
		t.Error("permissive policy ignored the source allow-list")
	}

	if _, err := (Policies{}).Build(ModeAccounts); err == nil {
		t.Error("Build(accounts) without a store succeeded")
	}
	a, err = Policies{Sources: acl, Accounts: acct}.Build(ModeAccounts)
	if err != nil {
		t.Fatalf("Build(accounts) error: %v", err)
	}
	if _, err := a.Authorize(b2bua.AuthRequest{SourceIP: "10.0.0.1", User: "nobody"}); !errors.Is(err, b2bua.ErrAuthorizationDenied) {
		t.Errorf("unknown account error = %v, want denial", err)
	}

	if _, err := (Policies{}).Build("radius"); err == nil {
		t.Error("Build(radius) succeeded")
	}
}

func TestPoliciesBuildChargesAuthenticatedAccounts(t *testing.T) {
	repo := &fakeAccounts{accounts: map[string]*models.Account{
		"alice@example.com": {
			AccountID: "acct-alice", Realm: "example.com", Username: "alice",
			PasswordHash: secretHash(t), Enabled: true,
		},
	}}
	rl := NewRateLimiter(RateConfig{Rate: rate.Limit(0.001), Burst: 1}, testLogger())
	defer rl.Stop()

	a, err := Policies{Limiter: rl, Accounts: NewAccountAuthorizer(repo, testLogger())}.Build(ModeAccounts)
	if err != nil {
		t.Fatalf("Build(accounts) error: %v", err)
	}

	guess := b2bua.AuthRequest{User: "alice", Password: "guess", Realm: "example.com"}
	for i := 0; i < 5; i++ {
		_, err := a.Authorize(guess)
		if !errors.Is(err, b2bua.ErrAuthorizationDenied) || errors.Is(err, ErrRateLimited) {
			t.Fatalf("bad password attempt %d error = %v, want credential denial", i, err)
		}
	}
	if rl.Len() != 0 {
		t.Fatalf("failed logins were charged to %d buckets", rl.Len())
	}

	good := b2bua.AuthRequest{User: "alice", Password: "secret", Realm: "example.com"}
	g, err := a.Authorize(good)
	if err != nil {
		t.Fatalf("authenticated call denied after failed guesses: %v", err)
	}
	if g.AccountID != "acct-alice" {
		t.Errorf("AccountID = %q, want acct-alice", g.AccountID)
	}
	if _, err := a.Authorize(good); !errors.Is(err, ErrRateLimited) {
		t.Errorf("second call error = %v, want rate limited", err)
	}

	rl.mu.Lock()
	_, charged := rl.entries["acct:acct-alice"]
	rl.mu.Unlock()
	if !charged {
		t.Error("limiter not keyed by the granted account ID")
	}
}
