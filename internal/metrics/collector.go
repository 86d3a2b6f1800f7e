// Package metrics exposes delegation lifecycle metrics for Prometheus.
package metrics

import (
	"context"

	"github.com/nidhogg/nuka-delegate/internal/delegation"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector records delegation events. It implements delegation.EventSink.
type Collector struct {
	registry *prometheus.Registry

	delegationsStarted *prometheus.CounterVec
	delegationsSettled *prometheus.CounterVec
	delegationDuration *prometheus.HistogramVec
	inFlight           prometheus.Gauge

	cleanupRemoved *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector registers the delegation metrics on a fresh registry.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	c := &Collector{
		registry: reg,
		logger:   logger.With(zap.String("component", "metrics")),
	}

	c.delegationsStarted = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delegations_started_total",
			Help:      "Total number of delegations started",
		},
		[]string{"from", "to"},
	)

	c.delegationsSettled = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delegations_settled_total",
			Help:      "Total number of delegations settled, by outcome",
		},
		[]string{"from", "to", "outcome"},
	)

	c.delegationDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delegation_duration_seconds",
			Help:      "Time from delegation start to settlement",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"outcome"},
	)

	c.inFlight = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "delegations_in_flight",
			Help:      "Delegations waiting for a report",
		},
	)

	c.cleanupRemoved = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cleanup_removed_total",
			Help:      "Items removed by the periodic cleanup, by kind",
		},
		[]string{"kind"},
	)

	return c
}

// Registry returns the registry holding the collector's metrics.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Publish records ev.
func (c *Collector) Publish(_ context.Context, ev *delegation.Event) error {
	if !ev.Settled() {
		c.delegationsStarted.WithLabelValues(ev.From, ev.To).Inc()
		c.inFlight.Inc()
		return nil
	}
	outcome := outcomeLabel(ev.Type)
	c.delegationsSettled.WithLabelValues(ev.From, ev.To, outcome).Inc()
	c.delegationDuration.WithLabelValues(outcome).Observe(ev.Duration.Seconds())
	c.inFlight.Dec()
	return nil
}

// RecordCleanup records one cleanup pass.
func (c *Collector) RecordCleanup(stats delegation.CleanupStats) {
	c.cleanupRemoved.WithLabelValues("orphaned").Add(float64(stats.Orphaned))
	c.cleanupRemoved.WithLabelValues("report").Add(float64(stats.ExpiredReports))
	c.cleanupRemoved.WithLabelValues("conversation").Add(float64(stats.Conversations))
}

func outcomeLabel(t delegation.EventType) string {
	switch t {
	case delegation.EventCompleted:
		return "completed"
	case delegation.EventTimeout:
		return "timeout"
	case delegation.EventCancelled:
		return "cancelled"
	default:
		return "failed"
	}
}
