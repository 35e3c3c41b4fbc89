// Package config provides configuration management for the cache engine.
// It handles loading configuration from environment variables with sensible
// defaults and validates the configuration to ensure the engine starts safely.
//
// Environment Variables:
//
// Application Settings:
//   - PORT: Admin server port (default: 8080)
//   - LOG_LEVEL: Logging level (default: info)
//
// L1 (in-process) Layer:
//   - L1_CAPACITY: Maximum number of entries (default: 1000)
//   - COMPRESSION_THRESHOLD: Payload size in bytes above which values are
//     compressed before storage (default: 1024)
//   - DEFAULT_TTL: TTL applied when the caller supplies none (default: 5m)
//
// L2 (Redis) Layer:
//   - REDIS_ADDRESS: Redis server address (default: localhost:6379)
//   - REDIS_PASSWORD: Redis password
//   - REDIS_DB: Redis database number 0-15 (default: 0)
//   - REDIS_POOL_SIZE: Redis connection pool size (default: 10)
//   - REDIS_OP_TIMEOUT: Per-operation timeout (default: 3s)
//   - CACHE_KEY_PREFIX: Prefix applied to all L2/L3 keys (default: "cache:")
//
// L3 (far/edge) Layer, optional; disabled when S3_BUCKET is empty:
//   - S3_BUCKET: Object store bucket for the far cache
//   - S3_REGION: Bucket region (default: us-east-1)
//   - S3_ENDPOINT: Custom endpoint for S3-compatible stores
//   - S3_PATH_STYLE: Force path-style addressing (default: false)
//
// Background Synchronization:
//   - SYNC_ENABLED: Enable cross-layer replication (default: true)
//   - SYNC_INTERVAL: Drain interval for the sync queue (default: 5s)
//   - SYNC_BATCH_SIZE: Max operations applied per drain (default: 100)
//   - SYNC_QUEUE_CAPACITY: Bounded queue capacity, drop-oldest on
//     overflow (default: 1000)
//
// Tag Index:
//   - TAG_TTL: TTL for tag index entries, local and L2 mirror (default: 24h)
//
// Warmup:
//   - WARMUP_CONCURRENCY: Bounded concurrency for bulk pre-population
//     (default: 8)
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration values for the cache engine.
// Load it with Load() and validate with Validate() before use.
type Config struct {
	// Application settings
	Port     string // Admin server port number
	LogLevel string // Logging level (debug, info, warn, error)

	// L1 layer settings
	L1Capacity           int           // Maximum number of L1 entries
	CompressionThreshold int           // Compress payloads larger than this (bytes)
	DefaultTTL           time.Duration // TTL when the caller supplies none

	// L2 (Redis) layer settings
	RedisAddress   string        // Redis server address (host:port)
	RedisPassword  string        // Redis authentication password
	RedisDB        int           // Redis database number (0-15)
	RedisPoolSize  int           // Redis connection pool size
	RedisOpTimeout time.Duration // Per-operation timeout for L2 calls
	KeyPrefix      string        // Prefix applied to all shared-layer keys

	// L3 (far cache) settings; empty bucket disables the layer
	S3Bucket    string // Object store bucket
	S3Region    string // Bucket region
	S3Endpoint  string // Custom endpoint for S3-compatible stores
	S3PathStyle bool   // Force path-style addressing

	// Background synchronization
	SyncEnabled       bool          // Whether cross-layer replication runs
	SyncInterval      time.Duration // Drain interval for the sync queue
	SyncBatchSize     int           // Max operations applied per drain
	SyncQueueCapacity int           // Bounded queue capacity

	// Tag index
	TagTTL time.Duration // TTL for tag index entries (local and L2 mirror)

	// Warmup
	WarmupConcurrency int // Bounded concurrency for bulk pre-population
}

// Load creates a new Config instance with values loaded from environment
// variables. It does not validate; call Validate() on the result.
func Load() *Config {
	return &Config{
		Port:     getEnv("PORT", "8080"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		L1Capacity:           getIntEnv("L1_CAPACITY", 1000),
		CompressionThreshold: getIntEnv("COMPRESSION_THRESHOLD", 1024),
		DefaultTTL:           getDurationEnv("DEFAULT_TTL", 5*time.Minute),

		RedisAddress:   getEnv("REDIS_ADDRESS", "localhost:6379"),
		RedisPassword:  getEnv("REDIS_PASSWORD", ""),
		RedisDB:        getIntEnv("REDIS_DB", 0),
		RedisPoolSize:  getIntEnv("REDIS_POOL_SIZE", 10),
		RedisOpTimeout: getDurationEnv("REDIS_OP_TIMEOUT", 3*time.Second),
		KeyPrefix:      getEnv("CACHE_KEY_PREFIX", "cache:"),

		S3Bucket:    getEnv("S3_BUCKET", ""),
		S3Region:    getEnv("S3_REGION", "us-east-1"),
		S3Endpoint:  getEnv("S3_ENDPOINT", ""),
		S3PathStyle: getBoolEnv("S3_PATH_STYLE", false),

		SyncEnabled:       getBoolEnv("SYNC_ENABLED", true),
		SyncInterval:      getDurationEnv("SYNC_INTERVAL", 5*time.Second),
		SyncBatchSize:     getIntEnv("SYNC_BATCH_SIZE", 100),
		SyncQueueCapacity: getIntEnv("SYNC_QUEUE_CAPACITY", 1000),

		TagTTL: getDurationEnv("TAG_TTL", 24*time.Hour),

		WarmupConcurrency: getIntEnv("WARMUP_CONCURRENCY", 8),
	}
}

// Validate checks that all required fields are present and all values are
// within valid ranges. The engine must not start with an invalid config.
func (c *Config) Validate() error {
	if c.RedisAddress == "" {
		return fmt.Errorf("REDIS_ADDRESS is required")
	}

	if c.RedisDB < 0 || c.RedisDB > 15 {
		return fmt.Errorf("REDIS_DB must be between 0 and 15, got %d", c.RedisDB)
	}

	if c.L1Capacity <= 0 {
		return fmt.Errorf("L1_CAPACITY must be positive, got %d", c.L1Capacity)
	}

	if c.CompressionThreshold <= 0 {
		return fmt.Errorf("COMPRESSION_THRESHOLD must be positive, got %d", c.CompressionThreshold)
	}

	if c.DefaultTTL <= 0 {
		return fmt.Errorf("DEFAULT_TTL must be positive, got %s", c.DefaultTTL)
	}

	if c.SyncInterval < time.Second {
		return fmt.Errorf("SYNC_INTERVAL must be at least 1s, got %s", c.SyncInterval)
	}

	if c.SyncBatchSize <= 0 {
		return fmt.Errorf("SYNC_BATCH_SIZE must be positive, got %d", c.SyncBatchSize)
	}

	if c.SyncQueueCapacity <= 0 {
		return fmt.Errorf("SYNC_QUEUE_CAPACITY must be positive, got %d", c.SyncQueueCapacity)
	}

	if c.TagTTL <= 0 {
		return fmt.Errorf("TAG_TTL must be positive, got %s", c.TagTTL)
	}

	if c.WarmupConcurrency <= 0 {
		return fmt.Errorf("WARMUP_CONCURRENCY must be positive, got %d", c.WarmupConcurrency)
	}

	if c.S3Bucket != "" && c.S3Region == "" {
		return fmt.Errorf("S3_REGION is required when S3_BUCKET is set")
	}

	if _, err := strconv.Atoi(c.Port); err != nil {
		return fmt.Errorf("PORT must be numeric, got %q", c.Port)
	}

	return nil
}

// FarCacheEnabled reports whether the optional L3 layer is configured
func (c *Config) FarCacheEnabled() bool {
	return c.S3Bucket != ""
}

// getEnv retrieves an environment variable value or returns a default
// value if not set
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getIntEnv retrieves an integer environment variable value or returns a
// default value if not set or invalid
func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getBoolEnv retrieves a boolean environment variable value or returns a
// default value if not set or invalid
func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getDurationEnv retrieves a duration environment variable value (Go
// duration syntax, e.g. "5s", "24h") or returns a default value
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
