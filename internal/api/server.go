package api

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/flowpbx/flowgate/internal/api/middleware"
	"github.com/flowpbx/flowgate/internal/b2bua"
	"github.com/flowpbx/flowgate/internal/database"
	"github.com/flowpbx/flowgate/internal/sip"
)

// CallController is what the API needs from the call manager.
type CallController interface {
	Calls() []b2bua.Snapshot
	Lookup(legAID string) (*b2bua.Call, bool)
	Hangup(legAID string) error
	Stats() b2bua.Stats
	Stopping() bool
	SetAuthorizationManager(a b2bua.AuthorizationManager)
}

// PolicyBuilder builds the authorizer for a named mode.
type PolicyBuilder interface {
	Build(mode string) (b2bua.AuthorizationManager, error)
}

// BlockList exposes the SIP brute-force guard.
type BlockList interface {
	BlockedIPs() []sip.BlockedIPEntry
	UnblockIP(ip string) bool
}

// Options carries the HTTP handler dependencies. Accounts, CDRs, Blocked
// and Metrics may be nil; their routes then answer 503 or are not mounted.
type Options struct {
	Calls     CallController
	Accounts  database.AccountRepository
	CDRs      database.CDRRepository
	Policies  PolicyBuilder
	AuthMode  string
	Blocked   BlockList
	Metrics   http.Handler
	Secret    []byte
	RateLimit middleware.RateLimitConfig
	StartedAt time.Time
	Logger    *slog.Logger
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router   *chi.Mux
	calls    CallController
	accounts database.AccountRepository
	cdrs     database.CDRRepository
	policies PolicyBuilder
	blocked  BlockList
	metrics  http.Handler
	secret   []byte
	started  time.Time
	limiter  *middleware.IPRateLimiter
	logger   *slog.Logger

	modeMu sync.Mutex
	mode   string
}

// NewServer creates the HTTP handler with all routes mounted.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.RateLimit.Burst == 0 {
		opts.RateLimit = middleware.DefaultRateLimitConfig()
	}
	if opts.StartedAt.IsZero() {
		opts.StartedAt = time.Now()
	}

	s := &Server{
		router:   chi.NewRouter(),
		calls:    opts.Calls,
		accounts: opts.Accounts,
		cdrs:     opts.CDRs,
		policies: opts.Policies,
		blocked:  opts.Blocked,
		metrics:  opts.Metrics,
		secret:   opts.Secret,
		started:  opts.StartedAt,
		limiter:  middleware.NewIPRateLimiter(opts.RateLimit, logger),
		logger:   logger.With("subsystem", "api"),
		mode:     opts.AuthMode,
	}

	s.routes(logger)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops background work owned by the server.
func (s *Server) Close() {
	s.limiter.Stop()
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes(logger *slog.Logger) {
	r := s.router

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.StructuredLogger(logger))
	r.Use(middleware.Recoverer(logger))
	r.Use(middleware.RateLimit(s.limiter))

	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.NoStore)
		r.Use(middleware.RequireToken(s.secret, logger))

		r.Get("/stats", s.handleStats)

		r.Route("/calls", func(r chi.Router) {
			r.Get("/", s.handleListCalls)
			r.Get("/{id}", s.handleGetCall)
			r.Delete("/{id}", s.handleHangupCall)
		})

		r.Get("/cdrs", s.handleListCDRs)

		r.Route("/accounts", func(r chi.Router) {
			r.Get("/", s.handleListAccounts)
			r.Post("/", s.handleCreateAccount)
			r.Delete("/{id}", s.handleDeleteAccount)
		})

		r.Get("/authorization", s.handleGetAuthorization)
		r.Post("/authorization", s.handleSetAuthorization)

		r.Route("/blocked", func(r chi.Router) {
			r.Get("/", s.handleListBlocked)
			r.Delete("/{ip}", s.handleUnblock)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	s.logger.Info("api routes mounted")
}
