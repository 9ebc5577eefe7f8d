// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/emberhearth/embersync/internal/api"
	"github.com/emberhearth/embersync/internal/archive"
	"github.com/emberhearth/embersync/internal/cursor"
	"github.com/emberhearth/embersync/internal/ingest"
	"github.com/emberhearth/embersync/internal/source"
	"github.com/emberhearth/embersync/internal/sse"
	"github.com/emberhearth/embersync/internal/tracker"
)

// Run starts the daemon with the given options.
func Run(ctx context.Context, opts ...Option) error {
	app := &application{gate: source.FileGate{}}

	for _, opt := range opts {
		opt(app)
	}

	if app.config == nil {
		return fmt.Errorf("config is required")
	}

	cfg := app.config

	// Initialize structured JSON logger.
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.App.LogLevel,
	}))
	slog.SetDefault(logger)

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.Int("sources", len(cfg.Sources)),
		slog.String("cursor_path", cfg.Cursor.Path),
		slog.String("archive_path", cfg.Archive.Path),
		slog.String("log_level", cfg.App.LogLevel.String()))

	// Durable cursor store.
	cursors, err := cursor.Open(cfg.Cursor.Path)
	if err != nil {
		return fmt.Errorf("init cursor store: %w", err)
	}
	defer cursors.Close()

	// Archive: the reference downstream consumer.
	arch, err := archive.Open(cfg.Archive.Path)
	if err != nil {
		return fmt.Errorf("init archive: %w", err)
	}
	defer arch.Close()

	// One tracker per configured source.
	var trackers []*tracker.Tracker
	for _, desc := range cfg.Descriptors() {
		adapter, err := source.New(desc, app.gate)
		if err != nil {
			return fmt.Errorf("init source: %w", err)
		}
		trackers = append(trackers, tracker.New(adapter, cursors, logger))
	}

	// SSE broker.
	broker := sse.NewBroker(2 * time.Second)
	defer broker.Close()

	// Coordinator: at-least-once delivery into the archive.
	board := ingest.NewStatusBoard()
	coord := ingest.New(arch, board, logger, ingest.WithNotify(func(ev ingest.Event) {
		broker.PublishIngestEvent(ev.Kind, ev.SourceID, ev.Records)
	}))
	for _, t := range trackers {
		coord.Add(t)
	}

	// Build API service and router.
	svc := api.NewService(board, arch)
	apiRouter := api.NewRouter(svc, cfg.Auth.AuthEnabled(), cfg.Auth.Token, broker)

	// Build chi router.
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health check endpoints (unauthenticated).
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/health/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	// Mount API routes under /api.
	r.Mount("/api", apiRouter)

	httpServer := &http.Server{
		Addr:    cfg.App.HTTP.Address(),
		Handler: r,
	}

	logger.Info("Daemon starting...", slog.String("http_address", cfg.App.HTTP.Address()))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gCtx := errgroup.WithContext(runCtx)

	// Start the store-file watcher (event-driven detection).
	g.Go(func() error {
		return tracker.Watch(gCtx, trackers, logger)
	})

	// Start the ingestion coordinator.
	g.Go(func() error {
		return coord.Run(gCtx)
	})

	// Start HTTP server.
	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// Handle shutdown signals.
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}

		logger.Info("Shutting down daemon...")

		// Stops the watcher and coordinator loops; in-flight deliveries
		// observe the cancellation at their next cycle boundary.
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}

		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Daemon stopped successfully")
	return nil
}
