package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 1000, cfg.L1Capacity)
	assert.Equal(t, 1024, cfg.CompressionThreshold)
	assert.Equal(t, 5*time.Minute, cfg.DefaultTTL)
	assert.Equal(t, "localhost:6379", cfg.RedisAddress)
	assert.Equal(t, 3*time.Second, cfg.RedisOpTimeout)
	assert.Equal(t, "cache:", cfg.KeyPrefix)
	assert.True(t, cfg.SyncEnabled)
	assert.Equal(t, 5*time.Second, cfg.SyncInterval)
	assert.Equal(t, 100, cfg.SyncBatchSize)
	assert.Equal(t, 1000, cfg.SyncQueueCapacity)
	assert.Equal(t, 24*time.Hour, cfg.TagTTL)
	assert.Equal(t, 8, cfg.WarmupConcurrency)
	assert.False(t, cfg.FarCacheEnabled())
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("L1_CAPACITY", "500")
	t.Setenv("COMPRESSION_THRESHOLD", "2048")
	t.Setenv("SYNC_INTERVAL", "10s")
	t.Setenv("SYNC_ENABLED", "false")
	t.Setenv("S3_BUCKET", "far-cache")
	t.Setenv("DEFAULT_TTL", "1h")

	cfg := Load()

	assert.Equal(t, 500, cfg.L1Capacity)
	assert.Equal(t, 2048, cfg.CompressionThreshold)
	assert.Equal(t, 10*time.Second, cfg.SyncInterval)
	assert.False(t, cfg.SyncEnabled)
	assert.True(t, cfg.FarCacheEnabled())
	assert.Equal(t, time.Hour, cfg.DefaultTTL)
}

func TestLoad_InvalidValuesFallBackToDefaults(t *testing.T) {
	t.Setenv("L1_CAPACITY", "not-a-number")
	t.Setenv("SYNC_INTERVAL", "soon")
	t.Setenv("SYNC_ENABLED", "maybe")

	cfg := Load()

	assert.Equal(t, 1000, cfg.L1Capacity)
	assert.Equal(t, 5*time.Second, cfg.SyncInterval)
	assert.True(t, cfg.SyncEnabled)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Load()
		return cfg
	}

	t.Run("valid defaults", func(t *testing.T) {
		require.NoError(t, valid().Validate())
	})

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "missing redis address",
			mutate:  func(c *Config) { c.RedisAddress = "" },
			wantErr: "REDIS_ADDRESS is required",
		},
		{
			name:    "redis db out of range",
			mutate:  func(c *Config) { c.RedisDB = 16 },
			wantErr: "REDIS_DB",
		},
		{
			name:    "zero l1 capacity",
			mutate:  func(c *Config) { c.L1Capacity = 0 },
			wantErr: "L1_CAPACITY",
		},
		{
			name:    "negative compression threshold",
			mutate:  func(c *Config) { c.CompressionThreshold = -1 },
			wantErr: "COMPRESSION_THRESHOLD",
		},
		{
			name:    "zero default ttl",
			mutate:  func(c *Config) { c.DefaultTTL = 0 },
			wantErr: "DEFAULT_TTL",
		},
		{
			name:    "sub-second sync interval",
			mutate:  func(c *Config) { c.SyncInterval = 100 * time.Millisecond },
			wantErr: "SYNC_INTERVAL",
		},
		{
			name:    "zero sync batch",
			mutate:  func(c *Config) { c.SyncBatchSize = 0 },
			wantErr: "SYNC_BATCH_SIZE",
		},
		{
			name:    "zero queue capacity",
			mutate:  func(c *Config) { c.SyncQueueCapacity = 0 },
			wantErr: "SYNC_QUEUE_CAPACITY",
		},
		{
			name:    "zero tag ttl",
			mutate:  func(c *Config) { c.TagTTL = 0 },
			wantErr: "TAG_TTL",
		},
		{
			name:    "zero warmup concurrency",
			mutate:  func(c *Config) { c.WarmupConcurrency = 0 },
			wantErr: "WARMUP_CONCURRENCY",
		},
		{
			name: "s3 bucket without region",
			mutate: func(c *Config) {
				c.S3Bucket = "far-cache"
				c.S3Region = ""
			},
			wantErr: "S3_REGION",
		},
		{
			name:    "non-numeric port",
			mutate:  func(c *Config) { c.Port = "eighty" },
			wantErr: "PORT",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
