// Package config handles application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	Port    int
	BaseURL string

	// Database
	DatabaseURL string

	// Authentication
	JWTSecret string

	// Service LLM keys, used when a source's handler needs a model call.
	ServiceAnthropicKey  string
	ServiceOpenAIKey     string
	ServiceOpenRouterKey string

	// CORS
	CORSOrigins []string

	// Object storage (S3-compatible), for optional report archival.
	StorageEnabled   bool
	StorageEndpoint  string
	StorageAccessKey string
	StorageSecretKey string
	StorageBucket    string
	StorageRegion    string

	// Optional cross-process wake-up backplane.
	RedisAddr string

	// Scheduler tuning
	SchedulerPollInterval     time.Duration
	SchedulerWorkerCount      int
	SchedulerShutdownGrace    time.Duration
	DefaultCardTimeout        time.Duration
	DefaultCardMaxAttempts    int
	ConcurrencyGroupBudgets   map[string]int

	// Cache tuning
	CacheDefaultFreshTTL time.Duration
	CacheDefaultStaleTTL time.Duration
	RefreshPoolSize      int

	// Stale-job sweep
	SweepEnabled      bool
	SweepInterval     time.Duration
	SweepMaxJobAge    time.Duration

	// Idle shutdown (scale-to-zero)
	IdleTimeout time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnvInt("PORT", 8080),
		BaseURL:     getEnv("BASE_URL", "http://localhost:8080"),
		DatabaseURL: getEnv("DATABASE_URL", "file:analyze.db?_journal=WAL&_timeout=5000"),
		JWTSecret:   getEnv("JWT_SECRET", ""),

		ServiceAnthropicKey:  getEnv("SERVICE_ANTHROPIC_KEY", ""),
		ServiceOpenAIKey:     getEnv("SERVICE_OPENAI_KEY", ""),
		ServiceOpenRouterKey: getEnv("SERVICE_OPENROUTER_KEY", ""),

		CORSOrigins: getEnvSlice("CORS_ORIGINS", []string{"http://localhost:3000"}),

		StorageEndpoint:  getEnv("AWS_ENDPOINT_URL_S3", ""),
		StorageAccessKey: getEnv("AWS_ACCESS_KEY_ID", ""),
		StorageSecretKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
		StorageBucket:    getEnv("STORAGE_BUCKET", ""),
		StorageRegion:    getEnv("AWS_REGION", "auto"),

		RedisAddr: getEnv("REDIS_ADDR", ""),

		SchedulerPollInterval:  getEnvDuration("SCHEDULER_POLL_INTERVAL", 500*time.Millisecond),
		SchedulerWorkerCount:   getEnvInt("SCHEDULER_WORKER_COUNT", 8),
		SchedulerShutdownGrace: getEnvDuration("SCHEDULER_SHUTDOWN_GRACE", 2*time.Minute),
		DefaultCardTimeout:     getEnvDuration("DEFAULT_CARD_TIMEOUT", 20*time.Second),
		DefaultCardMaxAttempts: getEnvInt("DEFAULT_CARD_MAX_ATTEMPTS", 3),

		CacheDefaultFreshTTL: getEnvDuration("CACHE_DEFAULT_FRESH_TTL", 6*time.Hour),
		CacheDefaultStaleTTL: getEnvDuration("CACHE_DEFAULT_STALE_TTL", 48*time.Hour),
		RefreshPoolSize:      getEnvInt("REFRESH_POOL_SIZE", 4),

		SweepEnabled:   getEnvBool("SWEEP_ENABLED", true),
		SweepInterval:  getEnvDuration("SWEEP_INTERVAL", 5*time.Minute),
		SweepMaxJobAge: getEnvDuration("SWEEP_MAX_JOB_AGE", 30*time.Minute),

		IdleTimeout: getEnvDuration("IDLE_TIMEOUT", 0),
	}

	cfg.StorageEnabled = cfg.StorageBucket != "" && cfg.StorageEndpoint != ""

	cfg.ConcurrencyGroupBudgets = map[string]int{
		"fetch:scholar": getEnvInt("GROUP_BUDGET_FETCH_SCHOLAR", 4),
		"fetch:github":  getEnvInt("GROUP_BUDGET_FETCH_GITHUB", 4),
		"llm":           getEnvInt("GROUP_BUDGET_LLM", 6),
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		lower := strings.ToLower(value)
		return lower == "true" || lower == "1" || lower == "yes"
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}
