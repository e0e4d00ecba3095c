package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"qrattendance/internal/attendance"
	"qrattendance/internal/auth"
	"qrattendance/internal/config"
	"qrattendance/internal/handler"
	"qrattendance/internal/httpmiddleware"
	"qrattendance/internal/kiosk"
	"qrattendance/internal/metrics"
	"qrattendance/internal/notify"
	"qrattendance/internal/report"
	"qrattendance/internal/source"
)

// runKiosk serves the HTTP API and runs the decision loop, plus the optional local
// code source and report schedule, until ctx ends.
func runKiosk(ctx context.Context, cfg config.App) error {
	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	logger := a.logger

	for _, dir := range []string{cfg.QRDir, cfg.ReportsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logger.Warn("could not create directory", "dir", dir, "error", err)
		}
	}

	q := a.queue()
	feed := kiosk.NewFeed(cfg.FeedSize)
	m := metrics.New(prometheus.DefaultRegisterer)
	engine := attendance.NewEngine(a.repo, a.repo, cfg.Window, cfg.Cooldown)

	opts := []kiosk.Option{
		kiosk.WithPrinter(kiosk.NewPrinter(os.Stdout, cfg.Window)),
		kiosk.WithMetrics(m),
	}
	if cfg.MQTTBrokerURL != "" {
		n, client, err := notify.Connect(notify.Config{
			BrokerURL: cfg.MQTTBrokerURL,
			ClientID:  cfg.MQTTClientID,
			Username:  cfg.MQTTUsername,
			Password:  cfg.MQTTPassword,
			Topic:     cfg.MQTTTopic,
		}, logger)
		if err != nil {
			logger.Warn("decision notifications disabled", "error", err)
		} else {
			defer client.Disconnect(250)
			go n.Run(ctx)
			opts = append(opts, kiosk.WithNotifier(n))
		}
	}
	loop := kiosk.NewLoop(engine, q, feed, logger, opts...)

	exporter := a.exporter()
	if cfg.ReportSchedule != "" {
		sched, err := report.NewScheduler(cfg.ReportSchedule, cfg.Location, exporter, a.clock, m, logger)
		if err != nil {
			return err
		}
		sched.Start(ctx)
	}

	src, err := source.Open(cfg.ScanSource, cfg.MJPEGURL, os.Stdin, a.clock, logger)
	if err != nil {
		return err
	}

	issuer := auth.NewIssuer(cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
	issuer.Store = a.repo

	h := handler.New(handler.Deps{
		Repo:            a.repo,
		Enroller:        a.enroller(),
		Queue:           q,
		Feed:            feed,
		Exporter:        exporter,
		Issuer:          issuer,
		DB:              a.db,
		Redis:           a.redis,
		Metrics:         m,
		Clock:           a.clock,
		Window:          cfg.Window,
		RegistrationKey: cfg.DeviceRegistrationKey,
		Logger:          logger,
	})
	limiter := httpmiddleware.NewTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin)

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      handler.NewRouter(h, limiter, nil),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 3)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := loop.Run(ctx); err != nil {
			errCh <- err
		}
	}()

	// A blocked stdin read cannot be interrupted, so the pump is not waited for.
	if src != nil {
		go func() {
			if err := source.Pump(ctx, src, q, cfg.SourceName, logger); err != nil {
				logger.Error("code source stopped", "error", err)
			}
		}()
	}

	go func() {
		logger.Info("http server listening", "addr", srv.Addr, "window", cfg.Window.String())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err = <-errCh:
		logger.Error("kiosk stopped", "error", err)
	}
	cancel()

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		logger.Error("http shutdown", "error", serr)
	}
	wg.Wait()
	return err
}
