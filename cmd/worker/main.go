package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spamshield/platform/internal/chat"
	"github.com/spamshield/platform/internal/classify"
	"github.com/spamshield/platform/internal/configcache"
	"github.com/spamshield/platform/internal/metrics"
	"github.com/spamshield/platform/internal/repository/postgres"
	"github.com/spamshield/platform/internal/worker"
	"github.com/spamshield/platform/pkg/config"
	"github.com/spamshield/platform/pkg/logger"
)

func main() {
	name := flag.String("name", "", "worker instance name assigned by the orchestrator")
	groups := flag.String("groups", "", "comma-separated group ids to monitor")
	flag.Parse()

	cfg := config.LoadWorkerConfig()
	log := logger.New("worker", logger.ParseLevel(cfg.LogLevel))

	if *name == "" {
		log.Error("worker name is required")
		os.Exit(1)
	}
	groupIDs := splitGroups(*groups)
	if len(groupIDs) == 0 {
		log.Error("at least one group id is required")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	repo := postgres.New(pool)

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

	chatClient, err := chat.NewGroupMe(cfg.ChatBaseURL, cfg.ChatToken, chat.WithTimeout(cfg.ChatTimeout))
	if err != nil {
		log.Error("chat client configuration invalid", "error", err)
		os.Exit(1)
	}
	classifier, err := classify.NewHTTP(cfg.ClassifierURL, classify.WithTimeout(cfg.ClassifierTimeout))
	if err != nil {
		log.Error("classifier configuration invalid", "error", err)
		os.Exit(1)
	}

	// Workers record metrics only; aggregation runs in the orchestrator.
	collector := metrics.New(repo, repo, repo, nil, log, metrics.Options{
		BufferSize: cfg.MetricBufferSize,
	})

	w := worker.New(*name, groupIDs, worker.Deps{
		Groups:      repo,
		Workers:     repo,
		Assignments: repo,
		Events:      repo,
		Configs:     cache,
		Chat:        chatClient,
		Classifier:  classifier,
		Metrics:     collector,
		Logger:      log,
	}, worker.Options{
		HeartbeatInterval: cfg.HeartbeatInterval,
		DedupeLookback:    cfg.DedupeLookback,
	})

	if err := w.Run(ctx); err != nil {
		log.Error("worker failed", "error", err)
		os.Exit(1)
	}
}

func splitGroups(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if id := strings.TrimSpace(part); id != "" {
			out = append(out, id)
		}
	}
	return out
}
