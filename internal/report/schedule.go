package report

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"qrattendance/internal/clock"
	"qrattendance/internal/metrics"
)

// Scheduler exports today's report on a cron schedule.
type Scheduler struct {
	cron     *cron.Cron
	exporter *Exporter
	clock    clock.Clock
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewScheduler runs exporter on expr, a standard five-field cron expression evaluated
// in loc. m may be nil.
func NewScheduler(expr string, loc *time.Location, exporter *Exporter, clk clock.Clock, m *metrics.Metrics, logger *slog.Logger) (*Scheduler, error) {
	if loc == nil {
		loc = time.Local
	}
	s := &Scheduler{
		cron:     cron.New(cron.WithLocation(loc)),
		exporter: exporter,
		clock:    clk,
		metrics:  m,
		logger:   logger.With("module", "report_scheduler"),
	}
	if _, err := s.cron.AddFunc(expr, s.run); err != nil {
		return nil, fmt.Errorf("report schedule %q: %w", expr, err)
	}
	return s, nil
}

// Start runs the schedule in the background until ctx ends.
func (s *Scheduler) Start(ctx context.Context) {
	s.cron.Start()
	s.logger.Info("report schedule started")
	go func() {
		<-ctx.Done()
		<-s.cron.Stop().Done()
		s.logger.Info("report schedule stopped")
	}()
}

func (s *Scheduler) run() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	today := clock.DateOf(s.clock.Now())
	if _, err := s.exporter.Export(ctx, today, today); err != nil {
		s.logger.Error("scheduled report failed", "day", today.String(), "error", err)
		s.count("error")
		return
	}
	s.count("ok")
}

func (s *Scheduler) count(result string) {
	if s.metrics != nil {
		s.metrics.Reports.WithLabelValues(result).Inc()
	}
}
