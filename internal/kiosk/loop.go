// Package kiosk runs the decision loop and presents its results.
package kiosk

import (
	"context"
	"log/slog"
	"time"

	"qrattendance/internal/attendance"
	"qrattendance/internal/metrics"
	"qrattendance/internal/queue"
)

// Notifier pushes entries to an external display or bus.
type Notifier interface {
	Notify(ctx context.Context, e Entry) error
}

// Loop is the single consumer of the scan queue. Each scan is decided to completion
// before the next one is taken.
type Loop struct {
	engine   *attendance.Engine
	q        queue.Queue
	feed     *Feed
	printer  *Printer
	metrics  *metrics.Metrics
	notifier Notifier
	logger   *slog.Logger
}

// Option configures optional outputs of a Loop.
type Option func(*Loop)

// WithPrinter renders every entry with p.
func WithPrinter(p *Printer) Option { return func(l *Loop) { l.printer = p } }

// WithMetrics records decisions in m.
func WithMetrics(m *metrics.Metrics) Option { return func(l *Loop) { l.metrics = m } }

// WithNotifier pushes every non-suppressed entry to n.
func WithNotifier(n Notifier) Option { return func(l *Loop) { l.notifier = n } }

// NewLoop creates a loop deciding scans from q with engine.
func NewLoop(engine *attendance.Engine, q queue.Queue, feed *Feed, logger *slog.Logger, opts ...Option) *Loop {
	l := &Loop{
		engine: engine,
		q:      q,
		feed:   feed,
		logger: logger.With("module", "kiosk"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run consumes the queue until ctx ends.
func (l *Loop) Run(ctx context.Context) error {
	scans, err := l.q.Consume(ctx)
	if err != nil {
		return err
	}
	l.logger.Info("decision loop started", "window", l.engine.Window().String())
	for scan := range scans {
		l.Process(ctx, scan)
	}
	l.logger.Info("decision loop stopped")
	return nil
}

// Process decides one scan and presents the result. It is not safe to call
// concurrently with Run.
func (l *Loop) Process(ctx context.Context, scan queue.Scan) Entry {
	observedAt := scan.ObservedAt
	if observedAt.IsZero() {
		observedAt = time.Now()
	}
	e := Entry{ScanID: scan.ID, Text: scan.Text, Source: scan.Source, ObservedAt: observedAt}

	start := time.Now()
	d, evaluated := l.engine.Submit(ctx, scan.Text, observedAt, scan.Source)
	if !evaluated {
		e.Status = StatusSuppressed
		l.feed.Add(e)
		if l.metrics != nil {
			l.metrics.Suppressed.Inc()
		}
		l.logger.Debug("scan suppressed", "scan_id", scan.ID)
		return e
	}
	if l.metrics != nil {
		l.metrics.DecisionSeconds.Observe(time.Since(start).Seconds())
		l.metrics.Decisions.WithLabelValues(d.Outcome.String()).Inc()
	}

	e.Status = d.Outcome.String()
	e.Person = d.Person
	e.Event = d.Event
	if d.Err != nil {
		e.Error = d.Err.Error()
	}
	l.log(e, d)

	l.feed.Add(e)
	if l.printer != nil {
		l.printer.Print(e)
	}
	if l.notifier != nil {
		if err := l.notifier.Notify(ctx, e); err != nil {
			l.logger.Warn("notify failed", "scan_id", e.ScanID, "error", err)
		}
	}
	return e
}

func (l *Loop) log(e Entry, d attendance.Decision) {
	attrs := []any{"scan_id", e.ScanID, "outcome", e.Status, "source", e.Source}
	if d.Person != nil {
		attrs = append(attrs, "person_id", d.Person.ID, "code", d.Person.ExternalCode)
	}
	switch d.Outcome {
	case attendance.StorageFailure:
		l.logger.Error("scan decision failed", append(attrs, "error", d.Err)...)
	case attendance.Accepted:
		l.logger.Info("attendance recorded", attrs...)
	default:
		l.logger.Info("scan decided", attrs...)
	}
}
