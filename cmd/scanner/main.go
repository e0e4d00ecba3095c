package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"qrattendance/internal/clock"
	"qrattendance/internal/config"
	"qrattendance/internal/queue"
	"qrattendance/internal/source"
	"qrattendance/internal/store"
)

// Scanner reads codes from one source and publishes them to the shared scan queue for
// the kiosk's decision loop.
func main() {
	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
	}()

	if cfg.QueueBackend != "redis" {
		logger.Error("scanner needs QUEUE_BACKEND=redis to reach the kiosk", "backend", cfg.QueueBackend)
		os.Exit(1)
	}
	redisClient := store.NewRedis(cfg.RedisAddr)
	defer redisClient.Close()
	if !redisClient.Healthy(ctx) {
		logger.Warn("redis not reachable yet", "addr", cfg.RedisAddr)
	}
	q := queue.NewRedisQueue(redisClient.Client, cfg.QueueKey)

	kind := cfg.ScanSource
	if kind == "none" {
		kind = "stdin"
	}
	src, err := source.Open(kind, cfg.MJPEGURL, os.Stdin, clock.System{Location: cfg.Location}, logger)
	if err != nil {
		logger.Error("scan source", "error", err)
		os.Exit(1)
	}

	logger.Info("scanner started", "source", kind, "name", cfg.SourceName, "queue", cfg.QueueKey)
	if err := source.Pump(ctx, src, q, cfg.SourceName, logger); err != nil {
		logger.Error("scanner stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("scanner stopped")
}
