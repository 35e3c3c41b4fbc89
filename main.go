package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"tiercache/internal/cache"
	"tiercache/internal/common/logging"
	"tiercache/internal/config"
	"tiercache/internal/redis"
	"tiercache/internal/s3cache"
	"tiercache/internal/server"
)

func main() {
	// Missing .env is fine; real deployments set the environment directly
	_ = godotenv.Load()

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logging.InitGlobalLogger()
	logger := logging.GetGlobalLogger()
	defer logging.MustSync()

	l2, err := redis.NewClient(&redis.Config{
		Address:   cfg.RedisAddress,
		Password:  cfg.RedisPassword,
		DB:        cfg.RedisDB,
		PoolSize:  cfg.RedisPoolSize,
		OpTimeout: cfg.RedisOpTimeout,
		KeyPrefix: cfg.KeyPrefix,
	})
	if err != nil {
		logger.Error("Failed to connect to the shared cache layer", err)
		os.Exit(1)
	}
	defer l2.Close()

	ctx := context.Background()
	l3, err := s3cache.NewClient(ctx, &s3cache.Config{
		Bucket:         cfg.S3Bucket,
		Region:         cfg.S3Region,
		Endpoint:       cfg.S3Endpoint,
		ForcePathStyle: cfg.S3PathStyle,
		KeyPrefix:      cfg.KeyPrefix,
	})
	if err != nil {
		logger.Error("Failed to connect to the far cache layer", err)
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	engine, err := cache.New(cache.Options{
		L1Capacity:           cfg.L1Capacity,
		CompressionThreshold: cfg.CompressionThreshold,
		DefaultTTL:           cfg.DefaultTTL,
		TagTTL:               cfg.TagTTL,
		SyncEnabled:          cfg.SyncEnabled,
		SyncInterval:         cfg.SyncInterval,
		SyncBatchSize:        cfg.SyncBatchSize,
		SyncQueueCapacity:    cfg.SyncQueueCapacity,
		WarmupConcurrency:    cfg.WarmupConcurrency,
		Logger:               logger,
		Registerer:           registry,
	}, l2, l3)
	if err != nil {
		logger.Error("Failed to create cache engine", err)
		os.Exit(1)
	}
	if err := engine.Start(); err != nil {
		logger.Error("Failed to start cache engine", err)
		os.Exit(1)
	}
	defer engine.Close()

	handlers := server.NewHandlers(engine, registry, logger)
	srv := server.New(handlers.Router(), cfg.Port)

	logger.Info("Admin server starting", logging.String("port", cfg.Port))
	serverErrs := srv.Start()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrs:
		logger.Error("Server failed", err)
	case sig := <-quit:
		logger.Info("Shutting down", logging.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Forced shutdown", err)
	}
}
