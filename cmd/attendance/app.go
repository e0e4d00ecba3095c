package main

import (
	"context"
	"fmt"
	"log/slog"

	"qrattendance/internal/attendance"
	"qrattendance/internal/clock"
	"qrattendance/internal/cloudinary"
	"qrattendance/internal/config"
	"qrattendance/internal/qrcode"
	"qrattendance/internal/queue"
	"qrattendance/internal/report"
	"qrattendance/internal/store"
)

// app holds the collaborators shared by every command.
type app struct {
	cfg    config.App
	logger *slog.Logger
	clock  clock.Clock
	db     *store.DB
	redis  *store.Redis
	repo   *attendance.Repository
}

func openApp(ctx context.Context, cfg config.App) (*app, error) {
	logger := slog.Default()

	db, err := store.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if cfg.AutoMigrate {
		if err := db.Migrate(); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	a := &app{
		cfg:    cfg,
		logger: logger,
		clock:  clock.System{Location: cfg.Location},
		db:     db,
		repo:   attendance.NewRepository(db, logger),
	}
	if cfg.QueueBackend == "redis" {
		a.redis = store.NewRedis(cfg.RedisAddr)
	}
	return a, nil
}

func (a *app) Close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	_ = a.db.Close()
}

func (a *app) queue() queue.Queue {
	if a.redis != nil {
		return queue.NewRedisQueue(a.redis.Client, a.cfg.QueueKey)
	}
	return queue.NewInMemory(64)
}

// enroller stores QR images in QR_DIR and, when configured, on Cloudinary.
func (a *app) enroller() *attendance.Enroller {
	sinks := []qrcode.Sink{qrcode.DirSink{Dir: a.cfg.QRDir}}
	cdn := cloudinary.New(a.cfg.CloudinaryCloudName, a.cfg.CloudinaryAPIKey, a.cfg.CloudinaryAPISecret, a.cfg.CloudinaryFolder)
	if cdn.Configured() {
		a.logger.Info("cloudinary configured", "cloud", a.cfg.CloudinaryCloudName)
		sinks = append(sinks, qrcode.CloudSink{Client: cdn})
	}
	publisher := qrcode.NewPublisher(a.logger, qrcode.DefaultSize, sinks...)
	return attendance.NewEnroller(a.repo, publisher, a.logger)
}

func (a *app) exporter() *report.Exporter {
	return report.NewExporter(a.repo, a.cfg.ReportsDir, a.logger)
}
