package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/relaywatch/relaywatch/internal/aggregate"
	"github.com/relaywatch/relaywatch/internal/app/migrate"
	"github.com/relaywatch/relaywatch/internal/evaluate"
	httpx "github.com/relaywatch/relaywatch/internal/http"
	"github.com/relaywatch/relaywatch/internal/incident"
	"github.com/relaywatch/relaywatch/internal/ingest"
	"github.com/relaywatch/relaywatch/internal/notify"
	"github.com/relaywatch/relaywatch/internal/repository/postgres"
	"github.com/relaywatch/relaywatch/internal/triage"
	"github.com/relaywatch/relaywatch/internal/ws"
	"github.com/relaywatch/relaywatch/pkg/config"
	"github.com/relaywatch/relaywatch/pkg/logger"
)

func main() {
	cfg := config.LoadEngineConfig()
	log := logger.New("engine", slog.LevelInfo)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)
	hub := ws.NewHub()

	agg := aggregate.New(cfg.IngestShards)
	collector := ingest.NewCollector(agg, cfg.IngestShards, cfg.IngestBuffer, log)
	collector.Register(prometheus.DefaultRegisterer)
	go collector.Run(ctx)

	flusher := aggregate.NewFlusher(agg, repo, log, cfg.RollupFlushEvery)
	go flusher.Run(ctx)

	notifier := notify.New(repo, repo, log, notify.Options{
		Timeout:    cfg.DispatchTimeout,
		MaxRetries: cfg.DispatchMaxRetries,
		SMTPAddr:   cfg.SMTPAddr,
		SMTPFrom:   cfg.SMTPFrom,
	})
	notifier.Register(prometheus.DefaultRegisterer)

	manager := incident.NewManager(repo, repo, notifier, hub, log, cfg.RenotifyInterval)
	if err := manager.Restore(ctx); err != nil {
		log.Error("failed to restore open incidents", "error", err)
		os.Exit(1)
	}

	evaluator := evaluate.New(repo, agg, manager, log, cfg.EvalInterval, cfg.EvalJitter, cfg.EvalSustainTicks, cfg.EvalMinSamples)
	evaluator.Register(prometheus.DefaultRegisterer)
	go evaluator.Run(ctx)

	triageClient := triage.New(cfg.TriageURL, cfg.TriageAPIKey, cfg.TriageModel, log)

	limiter := httpx.NewMemoryRateLimiter()
	var redisHealth func(context.Context) error
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
			redisHealth = redisLimiter.Ping
		}
	}

	router := httpx.NewRouter(log, httpx.Deps{
		Rules:        repo,
		Integrations: repo,
		Incidents:    repo,
		Attempts:     repo,
		Rollups:      repo,
		APIKeys:      repo,
		Collector:    collector,
		Windows:      agg,
		Manager:      manager,
		Tester:       notifier,
		Triage:       triageClient,
		Hub:          hub,
		Limiter:      limiter,
		GatewayToken: cfg.GatewayToken,
		DBHealth:     pool.Ping,
		RedisHealth:  redisHealth,
	})
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("engine starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		notifier.Wait()
		log.Info("engine stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
