package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/flowpbx/flowgate/internal/api/middleware"
	"github.com/flowpbx/flowgate/internal/b2bua"
	"github.com/flowpbx/flowgate/internal/database"
	"github.com/flowpbx/flowgate/internal/database/models"
	"github.com/flowpbx/flowgate/internal/sip"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

type fakeCalls struct {
	mu       sync.Mutex
	live     map[string]bool
	hungUp   []string
	stopping bool
	auth     b2bua.AuthorizationManager
}

func (f *fakeCalls) Calls() []b2bua.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []b2bua.Snapshot
	for id := range f.live {
		out = append(out, b2bua.Snapshot{ID: id, Status: "connected"})
	}
	return out
}

func (f *fakeCalls) Lookup(string) (*b2bua.Call, bool) { return nil, false }

func (f *fakeCalls) Hangup(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.live[id] {
		return fmt.Errorf("hangup %s: %w", id, b2bua.ErrCallNotFound)
	}
	f.hungUp = append(f.hungUp, id)
	return nil
}

func (f *fakeCalls) Stats() b2bua.Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return b2bua.Stats{Connected: len(f.live), Total: len(f.live)}
}

func (f *fakeCalls) Stopping() bool { return f.stopping }

func (f *fakeCalls) SetAuthorizationManager(a b2bua.AuthorizationManager) {
	f.mu.Lock()
	f.auth = a
	f.mu.Unlock()
}

type fakePolicies struct{}

func (fakePolicies) Build(mode string) (b2bua.AuthorizationManager, error) {
	switch mode {
	case "permissive", "accounts":
		return b2bua.PermissiveAuthorizer{}, nil
	}
	return nil, fmt.Errorf("unknown auth mode %q", mode)
}

type fakeBlocked map[string]bool

func (f fakeBlocked) BlockedIPs() []sip.BlockedIPEntry {
	var out []sip.BlockedIPEntry
	for ip := range f {
		out = append(out, sip.BlockedIPEntry{IP: ip})
	}
	return out
}

func (f fakeBlocked) UnblockIP(ip string) bool {
	if !f[ip] {
		return false
	}
	delete(f, ip)
	return true
}

type testEnv struct {
	srv     *Server
	calls   *fakeCalls
	blocked fakeBlocked
	db      *database.DB
	token   string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	db, err := database.Open(context.Background(), t.TempDir(), logger)
	if err != nil {
		t.Fatalf("database.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	calls := &fakeCalls{live: map[string]bool{"a-1@192.0.2.10": true}}
	blocked := fakeBlocked{"192.0.2.66": true}

	srv := NewServer(Options{
		Calls:    calls,
		Accounts: database.NewAccountRepository(db),
		CDRs:     database.NewCDRRepository(db),
		Policies: fakePolicies{},
		AuthMode: "permissive",
		Blocked:  blocked,
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, "flowgate_uptime_seconds 1\n")
		}),
		Secret: testSecret,
		Logger: logger,
	})
	t.Cleanup(srv.Close)

	token, _, err := middleware.GenerateToken(testSecret, "ops", time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	return &testEnv{srv: srv, calls: calls, blocked: blocked, db: db, token: token}
}

// do sends an authenticated request and decodes the envelope data into out
// when out is not nil.
func (e *testEnv) do(t *testing.T, method, path, body string, out any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Authorization", "Bearer "+e.token)
	w := httptest.NewRecorder()
	e.srv.ServeHTTP(w, req)

	if out != nil {
		var env struct {
			Data  json.RawMessage `json:"data"`
			Error string          `json:"error"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
			t.Fatalf("%s %s: decode %q: %v", method, path, w.Body.String(), err)
		}
		if err := json.Unmarshal(env.Data, out); err != nil {
			t.Fatalf("%s %s: decode data %s: %v", method, path, env.Data, err)
		}
	}
	return w
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	e.srv.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("health = %d, want 200", w.Code)
	}

	e.calls.stopping = true
	w = httptest.NewRecorder()
	e.srv.ServeHTTP(w, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("health while draining = %d, want 503", w.Code)
	}
	if !strings.Contains(w.Body.String(), "draining") {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestMetricsMounted(t *testing.T) {
	e := newTestEnv(t)
	w := httptest.NewRecorder()
	e.srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "flowgate_uptime_seconds") {
		t.Errorf("metrics = %d %q", w.Code, w.Body.String())
	}
}

func TestAPIRequiresToken(t *testing.T) {
	e := newTestEnv(t)
	w := httptest.NewRecorder()
	e.srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/calls", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("no token = %d, want 401", w.Code)
	}
	if cc := w.Header().Get("Cache-Control"); cc != "no-store" {
		t.Errorf("Cache-Control = %q, want no-store", cc)
	}
}

func TestStats(t *testing.T) {
	e := newTestEnv(t)
	var got statsResponse
	if w := e.do(t, http.MethodGet, "/api/v1/stats", "", &got); w.Code != http.StatusOK {
		t.Fatalf("stats = %d", w.Code)
	}
	if got.Calls.Total != 1 || got.Calls.Connected != 1 {
		t.Errorf("calls = %+v", got.Calls)
	}
	if got.AuthMode != "permissive" || got.Stopping {
		t.Errorf("stats = %+v", got)
	}
}

func TestCallRoutes(t *testing.T) {
	e := newTestEnv(t)

	var list []b2bua.Snapshot
	if w := e.do(t, http.MethodGet, "/api/v1/calls", "", &list); w.Code != http.StatusOK {
		t.Fatalf("list = %d", w.Code)
	}
	if len(list) != 1 || list[0].ID != "a-1@192.0.2.10" {
		t.Errorf("calls = %+v", list)
	}

	if w := e.do(t, http.MethodGet, "/api/v1/calls/missing", "", nil); w.Code != http.StatusNotFound {
		t.Errorf("get missing = %d, want 404", w.Code)
	}
	if w := e.do(t, http.MethodDelete, "/api/v1/calls/missing", "", nil); w.Code != http.StatusNotFound {
		t.Errorf("hangup missing = %d, want 404", w.Code)
	}
	if w := e.do(t, http.MethodDelete, "/api/v1/calls/a-1@192.0.2.10", "", nil); w.Code != http.StatusAccepted {
		t.Errorf("hangup = %d, want 202", w.Code)
	}
	if len(e.calls.hungUp) != 1 {
		t.Errorf("hangups = %v", e.calls.hungUp)
	}
}

func TestListCallsEmpty(t *testing.T) {
	e := newTestEnv(t)
	e.calls.live = map[string]bool{}

	w := e.do(t, http.MethodGet, "/api/v1/calls", "", nil)
	if !strings.Contains(w.Body.String(), `"data":[]`) {
		t.Errorf("body = %s, want an empty array", w.Body.String())
	}
}

func TestAccountLifecycle(t *testing.T) {
	e := newTestEnv(t)

	body := `{"account_id":"acct-1","realm":"gw.example.com","username":"alice",
		"password":"s3cret","routes":["sip:5551000@carrier.example.com","5552000"]}`
	var created accountResponse
	if w := e.do(t, http.MethodPost, "/api/v1/accounts", body, &created); w.Code != http.StatusCreated {
		t.Fatalf("create = %d: %s", w.Code, w.Body.String())
	}
	if created.ID == 0 || created.AccountID != "acct-1" || !created.Enabled {
		t.Errorf("created = %+v", created)
	}
	if len(created.Routes) != 2 || created.Routes[1] != "5552000" {
		t.Errorf("routes = %v", created.Routes)
	}

	stored, err := database.NewAccountRepository(e.db).GetByID(context.Background(), created.ID)
	if err != nil || stored == nil {
		t.Fatalf("GetByID: %v, %v", stored, err)
	}
	if res, _ := database.VerifyPassword("s3cret", stored.PasswordHash); !res.Match {
		t.Error("stored hash does not match the password")
	}

	if w := e.do(t, http.MethodPost, "/api/v1/accounts", body, nil); w.Code != http.StatusConflict {
		t.Errorf("duplicate login = %d, want 409", w.Code)
	}

	var list []map[string]any
	e.do(t, http.MethodGet, "/api/v1/accounts", "", &list)
	if len(list) != 1 {
		t.Fatalf("accounts = %v", list)
	}
	if _, leaked := list[0]["password_hash"]; leaked {
		t.Error("password hash exposed")
	}

	path := fmt.Sprintf("/api/v1/accounts/%d", created.ID)
	if w := e.do(t, http.MethodDelete, path, "", nil); w.Code != http.StatusNoContent {
		t.Errorf("delete = %d, want 204", w.Code)
	}
	if w := e.do(t, http.MethodDelete, path, "", nil); w.Code != http.StatusNotFound {
		t.Errorf("second delete = %d, want 404", w.Code)
	}
	if w := e.do(t, http.MethodDelete, "/api/v1/accounts/abc", "", nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad id = %d, want 400", w.Code)
	}
}

func TestCreateAccountGeneratesID(t *testing.T) {
	e := newTestEnv(t)
	var created accountResponse
	body := `{"realm":"gw.example.com","username":"bob","password":"pw","enabled":false}`
	if w := e.do(t, http.MethodPost, "/api/v1/accounts", body, &created); w.Code != http.StatusCreated {
		t.Fatalf("create = %d: %s", w.Code, w.Body.String())
	}
	if created.AccountID == "" {
		t.Error("account_id not generated")
	}
	if created.Enabled {
		t.Error("enabled=false ignored")
	}
	if created.Routes == nil {
		t.Error("routes should encode as an empty array")
	}
}

func TestCreateAccountValidation(t *testing.T) {
	e := newTestEnv(t)
	tests := []struct {
		name string
		body string
	}{
		{"missing realm", `{"username":"a","password":"pw"}`},
		{"bad username", `{"realm":"gw.example.com","username":"a b","password":"pw"}`},
		{"missing password", `{"realm":"gw.example.com","username":"a"}`},
		{"bad route", `{"realm":"gw.example.com","username":"a","password":"pw","routes":[""]}`},
		{"unknown field", `{"realm":"gw.example.com","username":"a","password":"pw","admin":true}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := e.do(t, http.MethodPost, "/api/v1/accounts", tt.body, nil); w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400: %s", w.Code, w.Body.String())
			}
		})
	}
}

func TestListCDRs(t *testing.T) {
	e := newTestEnv(t)
	now := time.Now().UTC()
	err := database.NewCDRRepository(e.db).InsertBatch(context.Background(), []models.CDREvent{
		{CallID: "c1", Kind: "created", AccountID: "acct-1", OccurredAt: now},
		{CallID: "c1", Kind: "connected", AccountID: "acct-1", OccurredAt: now.Add(time.Second)},
		{CallID: "c2", Kind: "created", AccountID: "acct-2", OccurredAt: now.Add(2 * time.Second)},
	})
	if err != nil {
		t.Fatalf("InsertBatch: %v", err)
	}

	var page struct {
		Items []cdrResponse `json:"items"`
		Total int           `json:"total"`
		Limit int           `json:"limit"`
	}
	if w := e.do(t, http.MethodGet, "/api/v1/cdrs?call_id=c1", "", &page); w.Code != http.StatusOK {
		t.Fatalf("list = %d: %s", w.Code, w.Body.String())
	}
	if page.Total != 2 || len(page.Items) != 2 || page.Limit != defaultLimit {
		t.Errorf("page = %+v", page)
	}

	e.do(t, http.MethodGet, "/api/v1/cdrs?kind=created&limit=1", "", &page)
	if page.Total != 2 || len(page.Items) != 1 {
		t.Errorf("kind filter page = %+v", page)
	}

	if w := e.do(t, http.MethodGet, "/api/v1/cdrs?kind=bogus", "", nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad kind = %d, want 400", w.Code)
	}
}

func TestAuthorizationMode(t *testing.T) {
	e := newTestEnv(t)

	var got authorizationResponse
	e.do(t, http.MethodGet, "/api/v1/authorization", "", &got)
	if got.Mode != "permissive" {
		t.Fatalf("mode = %q", got.Mode)
	}

	if w := e.do(t, http.MethodPost, "/api/v1/authorization", `{"mode":"accounts"}`, &got); w.Code != http.StatusOK {
		t.Fatalf("set = %d: %s", w.Code, w.Body.String())
	}
	if got.Mode != "accounts" || e.calls.auth == nil {
		t.Errorf("mode = %q, installed = %v", got.Mode, e.calls.auth != nil)
	}

	e.calls.auth = nil
	if w := e.do(t, http.MethodPost, "/api/v1/authorization", `{"mode":"nobody"}`, nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad mode = %d, want 400", w.Code)
	}
	if e.calls.auth != nil {
		t.Error("authorizer replaced by a failed build")
	}
	e.do(t, http.MethodGet, "/api/v1/authorization", "", &got)
	if got.Mode != "accounts" {
		t.Errorf("mode after failed set = %q", got.Mode)
	}
}

func TestBlockedRoutes(t *testing.T) {
	e := newTestEnv(t)

	var list []sip.BlockedIPEntry
	e.do(t, http.MethodGet, "/api/v1/blocked", "", &list)
	if len(list) != 1 || list[0].IP != "192.0.2.66" {
		t.Fatalf("blocked = %+v", list)
	}

	tests := []struct {
		ip   string
		want int
	}{
		{"not-an-ip", http.StatusBadRequest},
		{"192.0.2.67", http.StatusNotFound},
		{"192.0.2.66", http.StatusNoContent},
		{"192.0.2.66", http.StatusNotFound},
	}
	for _, tt := range tests {
		if w := e.do(t, http.MethodDelete, "/api/v1/blocked/"+tt.ip, "", nil); w.Code != tt.want {
			t.Errorf("unblock %s = %d, want %d", tt.ip, w.Code, tt.want)
		}
	}
}

func TestUnknownRoute(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(t, http.MethodGet, "/api/v1/nope", "", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"error"`) {
		t.Errorf("body = %s, want a json error", w.Body.String())
	}
}
