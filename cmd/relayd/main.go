// relaykit daemon
//
// Runs the outbox relay and inbox dispatch workers against the
// configured store, serves the webhook ingress endpoint, and exposes
// health and metrics endpoints.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"go.relaykit.dev/internal/common/health"
	"go.relaykit.dev/internal/common/leader"
	"go.relaykit.dev/internal/common/metrics"
	"go.relaykit.dev/internal/config"
	"go.relaykit.dev/internal/inbox"
	"go.relaykit.dev/internal/ingress"
	"go.relaykit.dev/internal/relay"
	"go.relaykit.dev/internal/retention"
	"go.relaykit.dev/internal/store"
	"go.relaykit.dev/internal/transport"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	logLevel := slog.LevelInfo
	if os.Getenv("RELAYKIT_DEV") == "true" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	slog.Info("Starting relaykit daemon",
		"version", version,
		"build_time", buildTime)

	cfg, err := config.LoadWithFile()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	healthChecker := health.NewChecker()

	// Store
	slog.Info("Connecting to message store", "driver", cfg.Store.Driver)
	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		slog.Error("Failed to connect to store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := st.Close(ctx); err != nil {
			slog.Error("Error closing store", "error", err)
		}
	}()

	if err := st.CreateSchema(ctx); err != nil {
		slog.Error("Failed to create schema", "error", err)
		os.Exit(1)
	}
	healthChecker.AddReadinessCheck(health.StoreCheck(cfg.Store.Driver, func() error {
		return st.Ping(ctx)
	}))

	// Transport
	tr, err := transport.New(ctx, cfg.Transport.Driver, transportOptions(cfg))
	if err != nil {
		slog.Error("Failed to create transport", "error", err)
		os.Exit(1)
	}
	healthChecker.AddReadinessCheck(health.TransportCheck(tr.Name(), func() bool {
		return tr.Healthy(ctx)
	}))

	// Leader election
	elector, redisClient := buildElector(cfg)
	if redisClient != nil {
		defer redisClient.Close()
		healthChecker.AddReadinessCheck(health.RedisCheck(func() error {
			return redisClient.Ping(ctx).Err()
		}))
	}
	if err := elector.Start(ctx); err != nil {
		slog.Error("Failed to start leader election", "error", err)
		os.Exit(1)
	}
	defer elector.Stop()

	// Relay worker
	relayConfig := &relay.Config{
		BatchSize:   cfg.Processing.BatchSize,
		Concurrency: cfg.Processing.Concurrency,
	}
	rel := relay.New(st.Outbox(), tr, relayConfig)
	relayWorker := relay.NewWorker(rel, st.Outbox(), elector, relay.WorkerConfig{
		PollInterval: cfg.Processing.PollInterval,
		StuckAfter:   cfg.Processing.StuckAfter,
		BatchSize:    cfg.Processing.BatchSize,
	})
	relayWorker.Start(ctx)
	defer relayWorker.Stop()

	// Inbox worker. Named handlers come from registered factories;
	// deployments embedding relaykit as a library register on the
	// returned registry directly.
	registry, err := inbox.BuildRegistry(cfg.Inbox.Handlers)
	if err != nil {
		slog.Error("Failed to build handler registry", "error", err)
		os.Exit(1)
	}
	dispatcher := inbox.NewDispatcher(st.Inbox(), registry, &inbox.Config{
		BatchSize:   cfg.Processing.BatchSize,
		Concurrency: cfg.Processing.Concurrency,
	})
	inboxWorker := inbox.NewWorker(dispatcher, elector, inbox.WorkerConfig{
		PollInterval: cfg.Processing.PollInterval,
		StuckAfter:   cfg.Processing.StuckAfter,
		BatchSize:    cfg.Processing.BatchSize,
	})
	inboxWorker.Start(ctx)
	defer inboxWorker.Stop()

	// Retention sweep
	if cfg.Retention.Interval > 0 && cfg.Retention.Days > 0 {
		cleaner := retention.NewCleaner(st.Outbox(), st.Inbox())
		go retentionLoop(ctx, cleaner, elector, cfg.Retention)
	}

	// Ingress
	admitter := inbox.NewAdmitter(st.Inbox())
	ingressServer := ingress.NewServer(admitter, ingress.Options{
		Headers: ingress.HeaderNames{
			MessageID:     cfg.Headers.MessageID,
			SourceService: cfg.Headers.SourceService,
			EventType:     cfg.Headers.EventType,
			CustomPrefix:  cfg.Headers.CustomPrefix,
		},
		BearerToken:   cfg.Ingress.BearerToken,
		JWTSecret:     cfg.Ingress.JWTSecret,
		RatePerSecond: cfg.Ingress.RatePerSecond,
		RateBurst:     cfg.Ingress.RateBurst,
		CORSOrigins:   cfg.HTTP.CORSOrigins,
	})

	// HTTP server
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestMetrics)

	r.Get("/q/health", healthChecker.HandleHealth)
	r.Get("/q/health/live", healthChecker.HandleLive)
	r.Get("/q/health/ready", healthChecker.HandleReady)
	r.Handle("/metrics", promhttp.Handler())
	r.Handle("/q/metrics", promhttp.Handler())
	r.Mount("/", ingressServer.Routes())

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("HTTP server starting", "port", cfg.HTTP.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("relaykit daemon started",
		"store", cfg.Store.Driver,
		"transport", tr.Name(),
		"pollInterval", cfg.Processing.PollInterval,
		"leaderElection", cfg.Leader.Enabled)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("Shutting down gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server forced to shutdown", "error", err)
	}

	slog.Info("relaykit daemon stopped")
}

// retentionLoop deletes old terminal rows on a fixed cadence, gated on
// leadership so only one instance sweeps.
func retentionLoop(ctx context.Context, cleaner *retention.Cleaner, elector leader.Elector, cfg config.RetentionConfig) {
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !elector.IsPrimary() {
				continue
			}
			if _, err := cleaner.Run(ctx, cfg.Days, retention.ScopeBoth); err != nil {
				slog.Error("Retention sweep failed", "error", err)
			}
		}
	}
}

// requestMetrics records per-request counters and latency. Path is the
// raw URL path; the route surface is small and fixed, so cardinality
// stays bounded.
func requestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		metrics.HTTPRequestsTotal.WithLabelValues(
			r.Method, r.URL.Path, fmt.Sprintf("%d", ww.Status())).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(
			r.Method, r.URL.Path).Observe(time.Since(start).Seconds())
	})
}

// transportOptions maps config onto the transport drivers. HTTP starts
// from the driver defaults so the per-destination circuit breaker stays
// armed; config only overlays what it owns.
func transportOptions(cfg *config.Config) transport.Options {
	httpOpts := transport.DefaultHTTPOptions()
	httpOpts.Services = cfg.Transport.Services
	if cfg.Transport.Timeout > 0 {
		httpOpts.Timeout = cfg.Transport.Timeout
	}

	return transport.Options{
		SourceService: cfg.ServiceName,
		HTTP:          httpOpts,
		NATS: transport.NATSOptions{
			URL:           cfg.Transport.NATS.URL,
			SubjectPrefix: cfg.Transport.NATS.SubjectPrefix,
		},
		SQS: transport.SQSOptions{
			QueueURL:       cfg.Transport.SQS.QueueURL,
			Region:         cfg.Transport.SQS.Region,
			CustomEndpoint: cfg.Transport.SQS.Endpoint,
		},
	}
}

// buildElector returns the configured elector and, when Redis-backed,
// the client so the caller can close it and wire health checks.
func buildElector(cfg *config.Config) (leader.Elector, *redis.Client) {
	if !cfg.Leader.Enabled {
		return leader.NewNoopElector(cfg.Leader.InstanceID), nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Leader.RedisAddr,
		Password: cfg.Leader.RedisPassword,
	})

	electorConfig := leader.DefaultRedisElectorConfig(cfg.Leader.LockName)
	if cfg.Leader.InstanceID != "" {
		electorConfig.InstanceID = cfg.Leader.InstanceID
	}
	if cfg.Leader.TTL > 0 {
		electorConfig.TTL = cfg.Leader.TTL
	}
	if cfg.Leader.RefreshInterval > 0 {
		electorConfig.RefreshInterval = cfg.Leader.RefreshInterval
	}
	return leader.NewRedisLeaderElector(client, electorConfig), client
}
