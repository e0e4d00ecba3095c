// Package source produces decoded QR payloads from scanners, cameras and image files.
package source

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"qrattendance/internal/queue"
)

// ErrNoCode is returned when an image holds no readable QR code.
var ErrNoCode = errors.New("no QR code found")

// Reading is one decoded payload and when it was observed.
type Reading struct {
	Text       string
	ObservedAt time.Time
}

// Source yields readings until it returns io.EOF. Finite sources end with io.EOF;
// live sources only stop when ctx ends.
type Source interface {
	Next(ctx context.Context) (Reading, error)
}

// Pump publishes every reading of src to q, tagged with name, until src is exhausted
// or ctx ends.
func Pump(ctx context.Context, src Source, q queue.Queue, name string, logger *slog.Logger) error {
	logger = logger.With("module", "source", "source", name)
	for {
		r, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			logger.Info("source exhausted")
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		scan := queue.NewScan(r.Text, r.ObservedAt, name)
		if err := q.Publish(ctx, scan); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Error("publish failed", "scan_id", scan.ID, "error", err)
			continue
		}
		logger.Debug("scan published", "scan_id", scan.ID)
	}
}
