package config

import "time"

// WorkerConfig holds runtime configuration for a worker process.
type WorkerConfig struct {
	DatabaseURL string
	LogLevel    string

	ClassifierURL     string
	ClassifierTimeout time.Duration
	ChatBaseURL       string
	ChatToken         string
	ChatTimeout       time.Duration

	HeartbeatInterval time.Duration
	DedupeLookback    time.Duration
	MetricBufferSize  int

	CacheLocalTTL     time.Duration
	CacheSharedTTL    time.Duration
	CacheCleanupEvery time.Duration
	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	CacheChannel      string
}

// LoadWorkerConfig constructs a WorkerConfig from environment variables.
func LoadWorkerConfig() WorkerConfig {
	return WorkerConfig{
		DatabaseURL: GetString("DATABASE_URL", "postgres://shield:shield@db:5432/shield?sslmode=disable"),
		LogLevel:    GetString("LOG_LEVEL", "info"),

		ClassifierURL:     GetString("CLASSIFIER_URL", "http://localhost:8080/predict"),
		ClassifierTimeout: GetSeconds("CLASSIFIER_TIMEOUT_SECONDS", 10),
		ChatBaseURL:       GetString("CHAT_BASE_URL", "https://api.groupme.com/v3"),
		ChatToken:         GetString("CHAT_ACCESS_TOKEN", ""),
		ChatTimeout:       GetSeconds("CHAT_TIMEOUT_SECONDS", 10),

		HeartbeatInterval: GetSeconds("HEARTBEAT_INTERVAL_SECONDS", 30),
		DedupeLookback:    GetSeconds("DEDUPE_LOOKBACK_SECONDS", 3600),
		MetricBufferSize:  GetInt("METRIC_BUFFER_SIZE", 10000),

		CacheLocalTTL:     GetSeconds("CONFIG_CACHE_LOCAL_TTL_SECONDS", 300),
		CacheSharedTTL:    GetSeconds("CONFIG_CACHE_SHARED_TTL_SECONDS", 1800),
		CacheCleanupEvery: GetSeconds("CONFIG_CACHE_CLEANUP_SECONDS", 300),
		RedisAddr:         GetString("CONFIG_REDIS_ADDR", ""),
		RedisPassword:     GetString("CONFIG_REDIS_PASSWORD", ""),
		RedisDB:           GetInt("CONFIG_REDIS_DB", 0),
		CacheChannel:      GetString("CONFIG_CHANNEL", "config_changes"),
	}
}
