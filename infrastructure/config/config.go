// Package config provides environment-aware configuration for the activity
// pipeline: bucket counts, TTLs, polling intervals, store DSNs, and digest
// delivery windows.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/collabhub/activity/infrastructure/runtime"
)

// Config holds all activity-pipeline configuration.
type Config struct {
	Env runtime.Environment

	// Listen addresses
	ListenAddr  string
	MetricsAddr string

	// Store DSNs
	RedisAddr  string
	RedisDB    int
	PostgresDSN string

	// Bucket Service / Queue Store
	BucketCount              int
	BucketLockTTL             time.Duration
	MaxConcurrentCollections  int
	CollectionPollingInterval time.Duration
	CollectionBatchSize       int

	// Aggregate Store TTLs
	AggregateIdleExpiry time.Duration
	AggregateMaxExpiry  time.Duration

	// Feed Store
	ActivityTTL time.Duration

	// Email Scheduler
	EmailPollingInterval time.Duration
	EmailDigestHour      int
	EmailDigestDay       time.Weekday
	EmailGracePeriod     time.Duration

	// Push Service
	PushAuthTimeout time.Duration

	// Logging
	LogLevel  string
	LogFormat string

	// Metrics
	MetricsEnabled bool

	// Signing
	SigningKeySecret string
	SignatureTTL     time.Duration
}

// Load loads configuration based on ACTIVITY_ENV, falling back to an
// environment-specific .env file when present.
func Load() (*Config, error) {
	env := runtime.Env()

	configFile := filepath.Join("config", fmt.Sprintf("%s.env", env))
	if err := godotenv.Load(configFile); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			fmt.Printf("Warning: Could not load %s: %v\n", configFile, err)
		}
	}

	cfg := &Config{Env: env}
	if err := cfg.loadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFromEnv() error {
	c.ListenAddr = getEnv("ACTIVITY_LISTEN_ADDR", ":8080")
	c.MetricsAddr = getEnv("ACTIVITY_METRICS_ADDR", ":9090")

	c.RedisAddr = getEnv("ACTIVITY_REDIS_ADDR", "localhost:6379")
	c.RedisDB = getIntEnv("ACTIVITY_REDIS_DB", 0)
	c.PostgresDSN = getEnv("ACTIVITY_POSTGRES_DSN", "postgres://localhost:5432/activity?sslmode=disable")

	c.BucketCount = getIntEnv("ACTIVITY_BUCKET_COUNT", 64)
	c.BucketLockTTL = getDurationEnv("ACTIVITY_BUCKET_LOCK_TTL", 30*time.Second)
	c.MaxConcurrentCollections = getIntEnv("ACTIVITY_MAX_CONCURRENT_COLLECTIONS", 8)
	c.CollectionPollingInterval = getDurationEnv("ACTIVITY_COLLECTION_POLLING_INTERVAL", 5*time.Second)
	c.CollectionBatchSize = getIntEnv("ACTIVITY_COLLECTION_BATCH_SIZE", 100)

	c.AggregateIdleExpiry = getDurationEnv("ACTIVITY_AGGREGATE_IDLE_EXPIRY", 12*time.Hour)
	c.AggregateMaxExpiry = getDurationEnv("ACTIVITY_AGGREGATE_MAX_EXPIRY", 24*time.Hour)

	c.ActivityTTL = getDurationEnv("ACTIVITY_FEED_TTL", 60*24*time.Hour)

	c.EmailPollingInterval = getDurationEnv("ACTIVITY_EMAIL_POLLING_INTERVAL", time.Minute)
	c.EmailDigestHour = getIntEnv("ACTIVITY_EMAIL_DIGEST_HOUR", 8)
	c.EmailDigestDay = time.Weekday(getIntEnv("ACTIVITY_EMAIL_DIGEST_DAY", int(time.Monday)))
	c.EmailGracePeriod = getDurationEnv("ACTIVITY_EMAIL_GRACE_PERIOD", 60*time.Second)

	c.PushAuthTimeout = getDurationEnv("ACTIVITY_PUSH_AUTH_TIMEOUT", 5*time.Second)

	c.LogLevel = getEnv("LOG_LEVEL", "info")
	c.LogFormat = getEnv("LOG_FORMAT", "json")

	c.MetricsEnabled = getBoolEnv("METRICS_ENABLED", c.Env == runtime.Production)

	c.SigningKeySecret = getEnv("ACTIVITY_SIGNING_KEY", "")
	c.SignatureTTL = getDurationEnv("ACTIVITY_SIGNATURE_TTL", 10*time.Minute)

	return nil
}

// Validate enforces production-safety invariants.
func (c *Config) Validate() error {
	if c.Env == runtime.Production {
		if c.SigningKeySecret == "" {
			return fmt.Errorf("ACTIVITY_SIGNING_KEY must be set in production")
		}
		if strings.Contains(c.PostgresDSN, "sslmode=disable") {
			return fmt.Errorf("ACTIVITY_POSTGRES_DSN must not disable sslmode in production")
		}
	}

	if c.BucketCount < 1 {
		return fmt.Errorf("ACTIVITY_BUCKET_COUNT must be at least 1")
	}
	if c.BucketLockTTL < c.CollectionPollingInterval {
		return fmt.Errorf("ACTIVITY_BUCKET_LOCK_TTL must be >= ACTIVITY_COLLECTION_POLLING_INTERVAL so a crashed owner's lock expires before the next cycle")
	}
	if c.AggregateIdleExpiry > c.AggregateMaxExpiry {
		return fmt.Errorf("ACTIVITY_AGGREGATE_IDLE_EXPIRY must be <= ACTIVITY_AGGREGATE_MAX_EXPIRY")
	}
	if c.EmailDigestHour < 0 || c.EmailDigestHour > 23 {
		return fmt.Errorf("ACTIVITY_EMAIL_DIGEST_HOUR must be between 0 and 23")
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
