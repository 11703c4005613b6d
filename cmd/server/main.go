// Command server runs the apply-agent HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fairyhunter13/ai-apply-agent/internal/adapter/ai/openai"
	"github.com/fairyhunter13/ai-apply-agent/internal/adapter/ai/stub"
	"github.com/fairyhunter13/ai-apply-agent/internal/adapter/eventbus"
	"github.com/fairyhunter13/ai-apply-agent/internal/adapter/httpserver"
	"github.com/fairyhunter13/ai-apply-agent/internal/adapter/observability"
	"github.com/fairyhunter13/ai-apply-agent/internal/adapter/portal"
	"github.com/fairyhunter13/ai-apply-agent/internal/adapter/repo/memory"
	postgresrepo "github.com/fairyhunter13/ai-apply-agent/internal/adapter/repo/postgres"
	redisrepo "github.com/fairyhunter13/ai-apply-agent/internal/adapter/repo/redis"
	"github.com/fairyhunter13/ai-apply-agent/internal/adapter/stream/kafka"
	"github.com/fairyhunter13/ai-apply-agent/internal/app"
	"github.com/fairyhunter13/ai-apply-agent/internal/config"
	"github.com/fairyhunter13/ai-apply-agent/internal/domain"
	"github.com/fairyhunter13/ai-apply-agent/internal/usecase"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	slog.SetDefault(observability.SetupLogger(cfg))
	observability.InitMetrics()

	shutdownTracing, err := observability.SetupTracing(cfg)
	if err != nil {
		return fmt.Errorf("tracing setup: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracker, ready, closeTracker, err := buildTracker(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeTracker()

	portalClient := portal.New(portal.Options{
		BaseURL:   cfg.PortalBaseURL,
		APIKey:    cfg.PortalAPIKey,
		Timeout:   cfg.PortalTimeout,
		RatePerS:  cfg.PortalRatePerS,
		RateBurst: cfg.PortalRateBurst,
	})

	var ai domain.AIClient
	switch strings.ToLower(cfg.AIMode) {
	case "openai":
		ai = openai.New(cfg)
	default:
		slog.Info("using stub AI client", slog.String("ai_mode", cfg.AIMode))
		ai = stub.New()
	}

	var sink domain.ApplicationSink
	if cfg.AuditEnabled() {
		producer, err := kafka.NewProducer(cfg.KafkaBrokers, "")
		if err != nil {
			return fmt.Errorf("audit stream: %w", err)
		}
		defer producer.Close()
		sink = producer
	}

	bus := eventbus.New(cfg.EventReplayWindow, eventbus.DefaultPendingLimit)
	engine := usecase.NewEngine(
		usecase.EngineConfig{
			MaxParallel:       cfg.MaxParallelJobsPerRun,
			KillPollInterval:  cfg.KillPollInterval,
			PostTerminalGrace: cfg.PostTerminalGrace,
		},
		bus, tracker, portalClient,
		usecase.NewRanker(ai),
		usecase.NewPersonalizer(ai, cfg.PersonalizeTimeout, 0),
		usecase.NewSubmitExecutor(portalClient, cfg.RetryMaxAttempts, cfg.RetryBase, cfg.RetryCap, cfg.KillPollInterval),
		sink,
	)

	handler := app.NewRouter(cfg, httpserver.NewServer(engine, usecase.NewTrackerService(tracker)), ready)
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      handler,
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", slog.Int("port", cfg.Port), slog.String("env", cfg.AppEnv))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	if shutdownTracing != nil {
		if err := shutdownTracing(shutdownCtx); err != nil {
			slog.Warn("tracing shutdown", slog.Any("error", err))
		}
	}
	return nil
}

// buildTracker selects the tracker backend from configuration and returns the
// repo, a readiness probe, and a close func.
func buildTracker(ctx domain.Context, cfg config.Config) (domain.Tracker, func() error, func(), error) {
	switch strings.ToLower(cfg.TrackerBackend) {
	case "postgres":
		pool, err := postgresrepo.NewPool(ctx, cfg.DBURL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("tracker backend postgres: %w", err)
		}
		repo := postgresrepo.NewTrackerRepo(pool)
		if err := repo.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, nil, err
		}
		ready := func() error {
			pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return pool.Ping(pingCtx)
		}
		slog.Info("tracker backend: postgres")
		return repo, ready, pool.Close, nil
	case "redis":
		client, err := redisrepo.Connect(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("tracker backend redis: %w", err)
		}
		ready := func() error {
			pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return client.Ping(pingCtx).Err()
		}
		slog.Info("tracker backend: redis")
		return redisrepo.NewTrackerRepo(client), ready, func() { _ = client.Close() }, nil
	default:
		slog.Info("tracker backend: memory")
		return memory.NewTrackerRepo(), nil, func() {}, nil
	}
}
