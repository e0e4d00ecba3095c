// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "attendance"

// Metrics groups the kiosk collectors.
type Metrics struct {
	Decisions       *prometheus.CounterVec
	Suppressed      prometheus.Counter
	DecisionSeconds prometheus.Histogram
	PublishFailures prometheus.Counter
	Reports         *prometheus.CounterVec
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Decisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Scan decisions by outcome.",
		}, []string{"outcome"}),
		Suppressed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scans_suppressed_total",
			Help:      "Scans ignored as repeats within the cooldown.",
		}),
		DecisionSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "decision_duration_seconds",
			Help:      "Time spent deciding one scan, including storage.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
		PublishFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scan_publish_failures_total",
			Help:      "Scans that could not be put on the queue.",
		}),
		Reports: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reports_total",
			Help:      "Spreadsheet exports by result.",
		}, []string{"result"}),
	}
}
