package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spamshield/platform/internal/app/migrate"
	"github.com/spamshield/platform/internal/configcache"
	httpx "github.com/spamshield/platform/internal/http"
	"github.com/spamshield/platform/internal/metrics"
	"github.com/spamshield/platform/internal/orchestrator"
	"github.com/spamshield/platform/internal/repository/postgres"
	"github.com/spamshield/platform/internal/stream"
	"github.com/spamshield/platform/pkg/config"
	"github.com/spamshield/platform/pkg/logger"
)

func main() {
	cfg := config.LoadOrchestratorConfig()
	log := logger.New("orchestrator", logger.ParseLevel(cfg.LogLevel))

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
	hub := stream.NewHub()

	var notifier configcache.Notifier
	if addr := strings.TrimSpace(cfg.RedisAddr); addr != "" {
		redisNotifier, err := configcache.NewRedisNotifier(addr, cfg.RedisPassword, cfg.RedisDB, cfg.CacheChannel, log)
		if err != nil {
			log.Warn("redis notifier unavailable, cache invalidation degrades to TTL", "error", err)
		} else {
			notifier = redisNotifier
			defer redisNotifier.Close()
		}
	}

	cache := configcache.New(repo, repo, notifier, log, configcache.Options{
		LocalTTL:     cfg.CacheLocalTTL,
		SharedTTL:    cfg.CacheSharedTTL,
		CleanupEvery: cfg.CacheCleanupEvery,
	})
	go cache.Run(ctx)

	collector := metrics.New(repo, repo, repo, hub, log, metrics.Options{
		BufferSize:        cfg.MetricBufferSize,
		AggregateInterval: cfg.AggregateInterval,
	})
	go collector.Run(ctx)

	orch := orchestrator.New(orchestrator.Deps{
		Groups:      repo,
		Workers:     repo,
		Assignments: repo,
		Events:      repo,
		Metrics:     collector,
		Runner:      orchestrator.ExecRunner{Binary: cfg.WorkerBinary},
		Logger:      log,
	}, orchestrator.Options{
		MaxWorkers:          cfg.MaxWorkers,
		GroupsPerWorker:     cfg.GroupsPerWorker,
		HeartbeatInterval:   cfg.HeartbeatInterval,
		HealthCheckInterval: cfg.HealthCheckInterval,
		ReconcileInterval:   cfg.ReconcileInterval,
		HeartbeatTimeout:    cfg.HeartbeatTimeout,
		StopGracePeriod:     cfg.StopGracePeriod,
	})

	orchDone := make(chan error, 1)
	go func() {
		orchDone <- orch.Run(ctx)
	}()

	// Retention cleanup runs daily, well off the hot path.
	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := collector.Cleanup(ctx, cfg.RetentionDays); err != nil {
					log.Warn("retention cleanup failed", "error", err)
				}
			}
		}
	}()

	router := httpx.NewRouter(log, orch, repo, repo, cache, collector, hub, cfg.AdminToken, pool.Ping)
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("admin server starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		<-orchDone
		log.Info("orchestrator stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
