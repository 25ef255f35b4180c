package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/crosspoint/crosspoint/internal/api"
	"github.com/crosspoint/crosspoint/internal/calls"
	"github.com/crosspoint/crosspoint/internal/config"
	"github.com/crosspoint/crosspoint/internal/directory"
	"github.com/crosspoint/crosspoint/internal/eventloop"
	"github.com/crosspoint/crosspoint/internal/lease"
	"github.com/crosspoint/crosspoint/internal/metrics"
	"github.com/crosspoint/crosspoint/internal/push"
	"github.com/crosspoint/crosspoint/internal/routing"
	"github.com/crosspoint/crosspoint/internal/sipbe"
	"github.com/crosspoint/crosspoint/internal/store"
	"github.com/crosspoint/crosspoint/internal/store/pgstore"
)

func main() {
	startTime := time.Now()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging.
	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting crosspoint",
		"http_port", cfg.HTTPPort,
		"sip_port", cfg.SIPPort,
		"data_dir", cfg.DataDir,
		"postgres", cfg.UsePostgres(),
	)

	// Open provisioning storage and run migrations.
	var (
		backendRows  store.BackendRepository
		selectorRows store.SelectorRepository
		adminRows    store.AdminUserRepository
	)
	if cfg.UsePostgres() {
		pg, err := pgstore.New(cfg.StoreDSN)
		if err != nil {
			slog.Error("failed to open postgres store", "error", err)
			os.Exit(1)
		}
		defer pg.Close()
		backendRows = pg.Backends()
		selectorRows = pg.Selectors()
		adminRows = pg.AdminUsers()
	} else {
		db, err := store.Open(cfg.DataDir)
		if err != nil {
			slog.Error("failed to open database", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		backendRows = store.NewBackendRepository(db)
		selectorRows = store.NewSelectorRepository(db)
		adminRows = store.NewAdminUserRepository(db)
	}

	jwtSecret, err := cfg.JWTSecretBytes()
	if err != nil {
		slog.Error("failed to load jwt secret", "error", err)
		os.Exit(1)
	}

	// Application context for background goroutines.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	// The event loop is the coordinator's single logical thread.
	loop := eventloop.New(logger)
	go loop.Run(appCtx)

	leases := lease.NewTracker(logger, cfg.StrictLeases)

	// SIP listener; handler sinks are attached once the manager exists.
	sipSrv, err := sipbe.NewServer(cfg.UAHost(), cfg.SIPPort)
	if err != nil {
		slog.Error("failed to create sip server", "error", err)
		os.Exit(1)
	}

	// Switchboard and directories reference each other, so the repositories
	// are bound through late-resolved funcs.
	var (
		backendDir  *directory.BackendDirectory
		selectorDir *directory.SelectorDirectory
	)
	sb := routing.NewSwitchboard(
		loop,
		leases,
		routing.RepositoryFunc(func(cycleID int) { backendDir.InitiateLookup(cycleID) }),
		routing.RepositoryFunc(func(cycleID int) { selectorDir.InitiateLookup(cycleID) }),
		routing.Config{
			TickInterval:    cfg.TickInterval,
			NewCallTimeout:  cfg.NewCallTimeout,
			AttemptTimeout:  cfg.AttemptTimeout,
			RetrieveTimeout: cfg.RetrieveTimeout,
		},
		logger,
	)

	// Ringer: FCM when credentials are configured, log-only otherwise.
	var ringer calls.Ringer
	if cfg.FCMCredentials != "" {
		fcm, err := push.NewFCMRinger(appCtx, cfg.FCMCredentials, logger)
		if err != nil {
			slog.Error("failed to initialise fcm ringer", "error", err)
			os.Exit(1)
		}
		for _, token := range cfg.DeviceTokens() {
			fcm.RegisterToken(token)
		}
		ringer = fcm
	} else {
		ringer = push.NewLogRinger(logger)
	}

	mgr := calls.NewManager(loop, sb, calls.NewLogUI(logger), ringer, logger)
	mgr.AddOutgoingValidator(calls.HandleValidator{})
	if blocked := cfg.Blocklist(); len(blocked) > 0 {
		bl := calls.NewBlocklistValidator(blocked, logger)
		mgr.AddOutgoingValidator(bl)
		mgr.AddIncomingValidator(bl)
	}
	mgr.AddIncomingValidator(calls.AnonymousCallValidator{AllowAnonymous: cfg.AllowAnonymous})
	sb.SetDelegate(mgr)
	sipSrv.SetSinks(mgr, mgr)

	factory := sipbe.NewFactory(sipSrv, mgr, logger)
	backendDir = directory.NewBackendDirectory(backendRows, factory, sb, cfg.LookupTimeout, logger)
	selectorDir = directory.NewSelectorDirectory(selectorRows, sb, cfg.LookupTimeout, logger)

	if err := sipSrv.Start(appCtx); err != nil {
		slog.Error("failed to start sip server", "error", err)
		os.Exit(1)
	}

	// Prometheus registry with the coordinator collector.
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(metrics.NewCollector(mgr, sb, leases, startTime))

	// HTTP server using the api package.
	handler := api.NewServer(mgr, backendRows, selectorRows, adminRows, jwtSecret, registry)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt or server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	}

	// Graceful shutdown with timeout.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down servers")

	// Drain HTTP first: in-flight handlers still need the event loop, so
	// the loop must outlive them.
	shutdownErr := srv.Shutdown(ctx)

	sipSrv.Stop()
	appCancel()

	if shutdownErr != nil {
		slog.Error("http server shutdown error", "error", shutdownErr)
		os.Exit(1)
	}

	slog.Info("crosspoint stopped")
}
