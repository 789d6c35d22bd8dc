package config

import "time"

// OrchestratorConfig holds runtime configuration for the orchestrator service.
type OrchestratorConfig struct {
	Environment   string
	Addr          string
	AdminToken    string
	DatabaseURL   string
	MigrationsDir string
	LogLevel      string

	MaxWorkers      int
	GroupsPerWorker int
	WorkerBinary    string

	HeartbeatInterval   time.Duration
	HealthCheckInterval time.Duration
	ReconcileInterval   time.Duration
	HeartbeatTimeout    time.Duration
	StopGracePeriod     time.Duration

	AggregateInterval time.Duration
	MetricBufferSize  int
	RetentionDays     int

	CacheLocalTTL       time.Duration
	CacheSharedTTL      time.Duration
	CacheCleanupEvery   time.Duration
	RedisAddr           string
	RedisPassword       string
	RedisDB             int
	CacheChannel        string
	StreamBuffer        int
}

// LoadOrchestratorConfig constructs an OrchestratorConfig from environment variables.
func LoadOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		Environment:   GetString("APP_ENV", "development"),
		Addr:          GetString("ADMIN_ADDR", ":4100"),
		AdminToken:    GetString("ADMIN_TOKEN", ""),
		DatabaseURL:   GetString("DATABASE_URL", "postgres://shield:shield@db:5432/shield?sslmode=disable"),
		MigrationsDir: GetString("DB_MIGRATIONS_DIR", "./db/migrations"),
		LogLevel:      GetString("LOG_LEVEL", "info"),

		MaxWorkers:      GetInt("MAX_WORKERS", 3),
		GroupsPerWorker: GetInt("GROUPS_PER_WORKER", 5),
		WorkerBinary:    GetString("WORKER_BINARY", "./worker"),

		HeartbeatInterval:   GetSeconds("HEARTBEAT_INTERVAL_SECONDS", 30),
		HealthCheckInterval: GetSeconds("HEALTH_CHECK_INTERVAL_SECONDS", 60),
		ReconcileInterval:   GetSeconds("RECONCILE_INTERVAL_SECONDS", 120),
		HeartbeatTimeout:    GetSeconds("HEARTBEAT_TIMEOUT_SECONDS", 300),
		StopGracePeriod:     GetSeconds("STOP_GRACE_SECONDS", 30),

		AggregateInterval: GetSeconds("AGGREGATE_INTERVAL_SECONDS", 300),
		MetricBufferSize:  GetInt("METRIC_BUFFER_SIZE", 10000),
		RetentionDays:     GetInt("RETENTION_DAYS", 90),

		CacheLocalTTL:     GetSeconds("CONFIG_CACHE_LOCAL_TTL_SECONDS", 300),
		CacheSharedTTL:    GetSeconds("CONFIG_CACHE_SHARED_TTL_SECONDS", 1800),
		CacheCleanupEvery: GetSeconds("CONFIG_CACHE_CLEANUP_SECONDS", 300),
		RedisAddr:         GetString("CONFIG_REDIS_ADDR", ""),
		RedisPassword:     GetString("CONFIG_REDIS_PASSWORD", ""),
		RedisDB:           GetInt("CONFIG_REDIS_DB", 0),
		CacheChannel:      GetString("CONFIG_CHANNEL", "config_changes"),
		StreamBuffer:      GetInt("STREAM_BUFFER", 100),
	}
}
