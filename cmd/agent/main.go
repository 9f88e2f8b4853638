package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"golang.org/x/sync/errgroup"

	"github.com/campusnet/attendance-agent/internal/api/rest"
	"github.com/campusnet/attendance-agent/internal/api/websocket"
	"github.com/campusnet/attendance-agent/internal/config"
	"github.com/campusnet/attendance-agent/internal/connectivity"
	"github.com/campusnet/attendance-agent/internal/geo"
	"github.com/campusnet/attendance-agent/internal/pkg/locks"
	"github.com/campusnet/attendance-agent/internal/pkg/logger"
	"github.com/campusnet/attendance-agent/internal/pkg/tracing"
	"github.com/campusnet/attendance-agent/internal/scheduler"
	"github.com/campusnet/attendance-agent/internal/session"
	"github.com/campusnet/attendance-agent/internal/store"
	syncpkg "github.com/campusnet/attendance-agent/internal/sync"
	"github.com/campusnet/attendance-agent/internal/validation"
	"github.com/campusnet/attendance-agent/migrations"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "attendance-agent: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logger.New(cfg.LogLevel)
	log.Info("attendance agent starting", "port", cfg.Port, "db", cfg.DatabasePath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cleanupTracing, err := tracing.Init("attendance-agent", cfg.OTLPEndpoint, cfg.TraceSamplingRate)
	if err != nil {
		log.Warn("tracing disabled", "error", err)
		cleanupTracing = func() {}
	}
	defer cleanupTracing()

	campuses, err := config.LoadCampuses(cfg.CampusFile)
	if err != nil {
		return fmt.Errorf("campus registry: %w", err)
	}
	log.Info("campus registry loaded", "campuses", len(campuses))

	kv, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer kv.Close()
	if err := kv.RunMigrations(migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	sessions := store.NewSessionStore(kv, logger.Component(log, "store"))
	keyed := locks.New(cfg.LockTimeout())
	staleness := session.Staleness{
		StaleThreshold: cfg.StaleThreshold(),
		GracePeriod:    cfg.BackgroundGrace(),
		MaxBackground:  cfg.MaxBackground(),
	}
	tracker := session.NewTracker(sessions, keyed, staleness, cfg.MinSessionGap(), logger.Component(log, "tracker"))

	tokens := &syncpkg.FileTokenSource{Path: cfg.TokenPath}
	client := syncpkg.NewClient(cfg.APIBaseURL, cfg.HTTPTimeout(), tokens)
	engine := syncpkg.NewEngine(sessions, client, tokens, cfg.MinSessionGap(),
		cfg.SyncRatePerSec, cfg.SyncBurst, logger.Component(log, "sync"))

	validator := validation.New(campuses)
	poller := connectivity.NewPoller(15*time.Second, logger.Component(log, "connectivity"))
	positions := geo.NewCache(cfg.StaleThreshold())

	var mirror scheduler.RemoteMirror
	if cfg.APIBaseURL != "" {
		mirror = client
	}
	coordinator := scheduler.NewCoordinator(tracker, engine, validator, poller, positions,
		sessions, mirror, logger.Component(log, "coordinator"))

	// Connectivity edges trigger immediate out-of-band ticks.
	networkEvents := make(chan struct{}, 1)
	go func() {
		for range poller.Watch(ctx) {
			select {
			case networkEvents <- struct{}{}:
			default:
			}
		}
		close(networkEvents)
	}()

	background := scheduler.NewBackground(coordinator, cfg.TickInterval(), logger.Component(log, "scheduler"))
	background.Start(ctx, networkEvents)

	hub := websocket.NewHub(ctx, coordinator, logger.Component(log, "websocket"))
	go hub.Run()
	// Push a fresh snapshot to subscribers on every state transition instead
	// of making them wait out the keepalive interval.
	coordinator.SetNotify(hub.BroadcastSnapshot)

	router := mux.NewRouter()
	router.Use(rest.RequestID)
	rest.SetupRoot(router)
	apiRouter := router.PathPrefix("/api/v1").Subrouter()
	rest.SetupRoutes(apiRouter, rest.NewHandler(coordinator, positions))
	router.HandleFunc("/ws/session", hub.ServeWS).Methods("GET")

	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      c.Handler(router),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("local API listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-quit:
			log.Info("shutting down", "signal", sig.String())
		case <-gctx.Done():
		}

		background.Stop()
		hub.Stop()

		// Final best-effort drain so a clean exit leaves nothing queued that
		// the network could have taken.
		drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.HTTPTimeout())
		if report, err := engine.Drain(drainCtx); err == nil && (report.Synced > 0 || report.Failed > 0) {
			log.Info("final drain", "synced", report.Synced, "failed", report.Failed)
		}
		drainCancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(),
			time.Duration(cfg.ShutdownTimeoutSec)*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("server forced to shutdown", "error", err)
		}
		cancel()
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("agent exited gracefully")
	return nil
}
