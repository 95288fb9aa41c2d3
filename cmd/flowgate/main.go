package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/flowpbx/flowgate/internal/api"
	"github.com/flowpbx/flowgate/internal/api/middleware"
	"github.com/flowpbx/flowgate/internal/authz"
	"github.com/flowpbx/flowgate/internal/b2bua"
	"github.com/flowpbx/flowgate/internal/cdr"
	"github.com/flowpbx/flowgate/internal/config"
	"github.com/flowpbx/flowgate/internal/database"
	"github.com/flowpbx/flowgate/internal/database/pgstore"
	"github.com/flowpbx/flowgate/internal/metrics"
	sipserver "github.com/flowpbx/flowgate/internal/sip"
	"github.com/flowpbx/flowgate/internal/task"
)

// cdrCloseTimeout bounds how long queued CDR events may take to flush on exit.
const cdrCloseTimeout = 10 * time.Second

// retentionInterval is how often expired CDR events are pruned.
const retentionInterval = time.Hour

func main() {
	var err error
	if len(os.Args) > 1 && os.Args[1] == "token" {
		err = runToken(os.Args[2:])
	} else {
		err = run(os.Args[1:])
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// runToken prints an API bearer token signed with the configured secret.
// Remaining arguments are read as regular configuration flags.
func runToken(args []string) error {
	fs := flag.NewFlagSet("flowgate token", flag.ContinueOnError)
	operator := fs.String("operator", "", "operator name recorded in the token and in API logs")
	ttl := fs.Duration("ttl", middleware.DefaultTokenTTL, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(fs.Args())
	if err != nil {
		return err
	}
	if cfg.JWTSecret == "" {
		return errors.New("jwt-secret must be configured to issue tokens")
	}
	secret, err := cfg.JWTSecretBytes()
	if err != nil {
		return err
	}

	token, expires, err := middleware.GenerateToken(secret, *operator, *ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	fmt.Fprintf(os.Stderr, "expires %s\n", expires.UTC().Format(time.RFC3339))
	return nil
}

func run(args []string) error {
	cfg, err := config.Load(args)
	if err != nil {
		return err
	}

	// Configure structured logging.
	logOut, logCloser := cfg.LogWriter()
	defer logCloser.Close()
	logger := slog.New(cfg.SlogHandler(logOut))
	slog.SetDefault(logger)

	started := time.Now()
	logger.Info("starting flowgate",
		"http_port", cfg.HTTPPort,
		"sip_port", cfg.SIPPort,
		"data_dir", cfg.DataDir,
		"auth_mode", cfg.AuthMode,
		"cdr_backend", cfg.CDRBackend,
	)

	ctx := context.Background()

	// Open database and run migrations.
	db, err := database.Open(ctx, cfg.DataDir, logger)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	accounts := database.NewAccountRepository(db)

	// Call-detail events always go to the log; a store or webhook backend
	// gets them through the async writer as well.
	var (
		cdrStore database.CDRRepository
		sink     cdr.Sink
		async    *cdr.Async
	)
	switch cfg.CDRBackend {
	case "sqlite":
		cdrStore = database.NewCDRRepository(db)
		sink = cdrStore
	case "postgres":
		pg, err := pgstore.New(ctx, cfg.PostgresDSN, logger)
		if err != nil {
			return fmt.Errorf("opening postgres cdr store: %w", err)
		}
		defer pg.Close()
		cdrStore = pg
		sink = pg
	case "webhook":
		sink = cdr.NewWebhook(cfg.CDRWebhookURL, cfg.CDRWebhookKey)
	}
	cdrHandler := cdr.Multi{cdr.NewLogHandler(logger)}
	if sink != nil {
		async = cdr.NewAsync(sink, logger, cdr.WithBuffer(cfg.CDRBuffer))
		cdrHandler = append(cdrHandler, async)
	}

	// Authorization policies. The mode can be switched at runtime via the API.
	policies := authz.Policies{
		Accounts: authz.NewAccountAuthorizer(accounts, logger),
	}
	allowed, err := cfg.AllowedPrefixes()
	if err != nil {
		return err
	}
	if len(allowed) > 0 {
		policies.Sources = authz.NewSourceACL(allowed)
	}
	if cfg.CallRate > 0 {
		policies.Limiter = authz.NewRateLimiter(authz.DefaultRateConfig(cfg.CallRate, cfg.CallBurst), logger)
		defer policies.Limiter.Stop()
	}
	auth, err := policies.Build(cfg.AuthMode)
	if err != nil {
		return err
	}

	// SIP transport and the call manager.
	ua, err := sipserver.NewUA(cfg)
	if err != nil {
		return fmt.Errorf("creating sip user agent: %w", err)
	}
	dialer, err := sipserver.NewDialer(ua, cfg, logger)
	if err != nil {
		return fmt.Errorf("creating sip dialer: %w", err)
	}
	manager := b2bua.NewCallManager(dialer, cdrHandler,
		b2bua.WithLogger(logger),
		b2bua.WithAuthorizer(auth),
		b2bua.WithTimeouts(b2bua.Timeouts{
			Dial:        cfg.DialTimeout,
			Finish:      cfg.FinishTimeout,
			DrainGrace:  cfg.DrainGrace,
			MaxDuration: cfg.MaxCallDuration,
		}),
	)
	sipSrv, err := sipserver.NewServer(ua, manager, dialer, cfg, logger)
	if err != nil {
		return fmt.Errorf("creating sip server: %w", err)
	}
	defer sipSrv.Close()

	appCtx, appCancel := context.WithCancel(ctx)
	defer appCancel()
	if err := sipSrv.Start(appCtx); err != nil {
		return fmt.Errorf("starting sip server: %w", err)
	}
	if cdrStore != nil {
		cdr.StartRetention(appCtx, cdrStore, cfg.CDRMaxAge, retentionInterval, logger)
	}

	// The scheduler owns every call. The SIP server is registered first so
	// it keeps answering in-dialog requests until the manager has drained.
	tasks := task.New(logger, cfg.TickInterval)
	tasks.SetShutdownTimeout(cfg.ShutdownTimeout)
	tasks.AddRecurringTask("sip-server", sipSrv)
	tasks.AddRecurringTask("call-manager", manager)
	if cfg.StatsInterval > 0 {
		tasks.AddRecurringTask("call-stats", statsTask(manager, cfg.StatsInterval))
	}

	// Metrics.
	providers := metrics.Providers{
		Calls:   manager,
		Tasks:   tasks,
		Legs:    dialer,
		Blocked: sipSrv.Guard(),
	}
	if async != nil {
		providers.CDR = async
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		metrics.NewCollector(providers, started),
	)

	secret, err := cfg.JWTSecretBytes()
	if err != nil {
		return err
	}

	// HTTP server using the api package.
	handler := api.NewServer(api.Options{
		Calls:     manager,
		Accounts:  accounts,
		CDRs:      cdrStore,
		Policies:  policies,
		AuthMode:  cfg.AuthMode,
		Blocked:   sipSrv.Guard(),
		Metrics:   promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Secret:    secret,
		StartedAt: started,
		Logger:    logger,
	})
	defer handler.Close()

	httpSrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// A second interrupt abandons the drain.
	runCtx, abort := context.WithCancel(ctx)
	defer abort()
	drained := make(chan struct{})

	var g errgroup.Group

	g.Go(func() error {
		defer close(drained)
		err := tasks.Run(runCtx)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if serr := httpSrv.Shutdown(shutdownCtx); serr != nil {
			logger.Error("http server shutdown error", "error", serr)
		}
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		logger.Info("http server listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			tasks.Stop()
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)
		defer signal.Stop(sigs)

		stopping := false
		for {
			select {
			case <-drained:
				return nil
			case sig := <-sigs:
				switch {
				case sig == syscall.SIGUSR1:
					manager.LogStats()
				case stopping:
					logger.Warn("second signal, abandoning drain", "signal", sig.String())
					abort()
				default:
					logger.Info("received shutdown signal", "signal", sig.String(), "calls", manager.Count())
					stopping = true
					tasks.Stop()
				}
			}
		}
	})

	err = g.Wait()
	sipSrv.Close()

	if async != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), cdrCloseTimeout)
		defer cancel()
		if cerr := async.Close(closeCtx); cerr != nil {
			logger.Error("cdr writer did not flush", "error", cerr, "dropped", async.Dropped())
		}
	}

	if err != nil {
		logger.Error("flowgate stopped with error", "error", err)
		return err
	}
	logger.Info("flowgate stopped", "uptime", time.Since(started).Round(time.Second).String())
	return nil
}

// statsTask logs the call summary every interval until the scheduler stops.
func statsTask(m *b2bua.CallManager, interval time.Duration) task.Func {
	last := time.Now()
	return func() (task.Result, error) {
		if now := time.Now(); now.Sub(last) >= interval {
			last = now
			m.LogStats()
		}
		return task.NotComplete, nil
	}
}
