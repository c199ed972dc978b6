// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/starford/myvault/internal/api"
	"github.com/starford/myvault/internal/docservice"
	"github.com/starford/myvault/internal/ingest"
	"github.com/starford/myvault/internal/mcpserver"
	"github.com/starford/myvault/internal/metastore"
	"github.com/starford/myvault/internal/parse"
	"github.com/starford/myvault/internal/search"
	"github.com/starford/myvault/internal/sse"
	"github.com/starford/myvault/internal/storage"
	"github.com/starford/myvault/internal/vault"
	"github.com/starford/myvault/internal/webhook"
)

// components is the wired object graph shared by every command.
type components struct {
	logger   *slog.Logger
	signer   *storage.Signer
	blobs    *storage.FS
	store    *metastore.Store
	broker   *sse.Broker
	pipeline *parse.Pipeline
	indexer  *search.Indexer
	svc      *docservice.Service
}

func (c *components) Close() {
	if c.pipeline != nil {
		c.pipeline.Release()
	}
	if c.broker != nil {
		c.broker.Close()
	}
	if c.store != nil {
		c.store.Close()
	}
}

// newApplication applies opts. Without WithLogger, JSON logs go to out.
func newApplication(opts []Option, out io.Writer) (*application, error) {
	app := &application{version: "dev"}
	for _, opt := range opts {
		opt(app)
	}
	if app.config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if app.logger == nil {
		// Initialize structured JSON logger.
		app.logger = slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{
			Level: app.config.App.LogLevel,
		}))
	}
	slog.SetDefault(app.logger)
	return app, nil
}

func build(app *application) (*components, error) {
	cfg := app.config
	logger := app.logger
	c := &components{logger: logger}

	// Ensure data directories exist.
	if err := os.MkdirAll(cfg.Blob.Path, 0o755); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.SQLite.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite dir: %w", err)
	}

	c.signer = storage.NewSigner(cfg.App.HTTP.PublicURL, []byte(cfg.Blob.SigningKey))
	blobs, err := storage.NewFS(cfg.Blob.Path, c.signer)
	if err != nil {
		return nil, fmt.Errorf("init blob store: %w", err)
	}
	c.blobs = blobs

	store, err := metastore.Open(cfg.SQLite.Path)
	if err != nil {
		return nil, fmt.Errorf("init metadata store: %w", err)
	}
	c.store = store

	c.broker = sse.NewBroker(2 * time.Second)

	client := parse.NewHTTPClient(cfg.Parse.Endpoint, cfg.Parse.APIKey, rate.Limit(cfg.Parse.RateLimit), cfg.Parse.RateBurst)
	pipeline, err := parse.NewPipeline(store, client, blobs, cfg.Parse.PipelineConfig(),
		parse.WithLogger(logger),
		parse.WithNotifier(c.broker),
	)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("init parse pipeline: %w", err)
	}
	c.pipeline = pipeline

	c.indexer = search.NewIndexer(store, logger)
	c.svc = docservice.NewService(docservice.Deps{
		Store:    store,
		Blobs:    blobs,
		Resolver: vault.NewResolver(store, logger),
		Ingestor: ingest.NewIngestor(store, blobs, ingest.Config{
			FetchTimeout:  cfg.Ingest.FetchTimeout,
			MaxBytes:      cfg.Ingest.MaxBytes,
			Dedup:         cfg.Ingest.Dedup,
			MediaUsername: cfg.Ingest.MediaUsername,
			MediaPassword: cfg.Ingest.MediaPassword,
			MediaHosts:    cfg.Ingest.MediaHosts,
		}, ingest.WithLogger(logger)),
		Pipeline:         pipeline,
		Searcher:         c.indexer,
		Events:           c.broker,
		Logger:           logger,
		MaxParallelMedia: cfg.Ingest.MaxParallel,
	})
	return c, nil
}

// newRouter assembles the HTTP surface: health, metrics, signed blob
// downloads, the messaging webhook and the bearer-protected API.
func newRouter(cfg *Config, c *components) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health check endpoints (unauthenticated).
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		writeHealth(w, nil)
	})
	r.Get("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		err := c.store.Ping(ctx)
		if err == nil {
			err = c.blobs.HealthCheck(ctx)
		}
		writeHealth(w, err)
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/blobs/*", storage.BlobHandler(c.blobs, c.signer))

	r.Method(http.MethodPost, "/webhooks/whatsapp", webhook.NewHandler(c.svc, webhook.HandlerConfig{
		AuthToken:    cfg.Webhook.AuthToken,
		PublicURL:    cfg.App.HTTP.PublicURL,
		ReplyFormat:  cfg.Webhook.ReplyFormat,
		RateLimit:    rate.Limit(cfg.Webhook.RateLimit),
		RateBurst:    cfg.Webhook.RateBurst,
		MaxBodyBytes: cfg.Webhook.MaxBodyBytes,
	}, c.logger))

	r.Mount("/api", api.NewRouter(c.svc, cfg.Auth.AuthEnabled(), cfg.Auth.Token, c.broker, cfg.App.HTTP.AllowedOrigins))
	return r
}

func writeHealth(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"unavailable"}`))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// Run starts the HTTP server, blob watcher and job sweeper.
func Run(ctx context.Context, opts ...Option) error {
	app, err := newApplication(opts, os.Stdout)
	if err != nil {
		return err
	}
	cfg := app.config
	logger := app.logger

	logger.Info("Configuration loaded",
		slog.String("version", app.version),
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("blob_path", cfg.Blob.Path),
		slog.String("sqlite_path", cfg.SQLite.Path),
		slog.String("parse_mode", cfg.Parse.Mode),
		slog.String("dedup", cfg.Ingest.Dedup),
		slog.String("log_level", cfg.App.LogLevel.String()))

	c, err := build(app)
	if err != nil {
		return err
	}
	defer c.Close()

	// Drop artifacts whose blobs vanished while the server was down.
	if n, err := c.svc.Reconcile(ctx, c.store); err != nil {
		logger.Warn("initial reconcile failed", slog.String("error", err.Error()))
	} else if n > 0 {
		logger.Info("initial reconcile removed artifacts", slog.Int("count", n))
	}

	httpServer := &http.Server{
		Addr:              cfg.App.HTTP.Address(),
		Handler:           newRouter(cfg, c),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gCtx := errgroup.WithContext(ctx)

	// Remove artifacts whose blob files disappear out of band.
	g.Go(func() error {
		err := storage.Watch(gCtx, c.blobs, logger, func(ref string) {
			c.svc.HandleBlobRemoved(gCtx, ref)
		})
		if err != nil {
			logger.Warn("blob watcher stopped", slog.String("error", err.Error()))
		}
		return nil
	})

	// Recover stale and failed jobs.
	g.Go(func() error {
		return c.pipeline.RunSweeper(gCtx)
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
		defer signal.Stop(quit)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}

		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}
		return errShutdown
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errShutdown) {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}

// errShutdown stops the remaining errgroup members once the server is down.
var errShutdown = errors.New("shutdown")

// RunMCP serves the read-only MCP tools over stdio. Logs go to stderr so
// stdout stays reserved for the protocol.
func RunMCP(ctx context.Context, opts ...Option) error {
	app, err := newApplication(opts, os.Stderr)
	if err != nil {
		return err
	}

	c, err := build(app)
	if err != nil {
		return err
	}
	defer c.Close()

	app.logger.Info("Starting MCP server on stdio")
	errCh := make(chan error, 1)
	go func() { errCh <- mcpserver.New(c.svc, app.version).ServeStdio() }()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return nil
	}
}

// RunReindex recomputes every search entry from its latest completed job.
func RunReindex(ctx context.Context, opts ...Option) error {
	app, err := newApplication(opts, os.Stdout)
	if err != nil {
		return err
	}
	c, err := build(app)
	if err != nil {
		return err
	}
	defer c.Close()

	n, err := c.indexer.Reindex(ctx)
	if err != nil {
		return fmt.Errorf("reindex: %w", err)
	}
	app.logger.Info("Reindex complete", slog.Int("entries", n))
	return nil
}
