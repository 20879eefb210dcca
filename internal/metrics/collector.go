// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Collector gathers engine execution metrics.
type Collector struct {
	runsTotal   *prometheus.CounterVec
	runDuration prometheus.Histogram

	nodesTotal *prometheus.CounterVec

	adapterCallsTotal   *prometheus.CounterVec
	adapterCallDuration *prometheus.HistogramVec
	batchSize           *prometheus.HistogramVec

	logger *zap.Logger
}

// register adds a collector to the registerer, reusing the collector a
// previous construction already registered under the same names. This
// keeps per-run executors sharing one registry safe.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return are.ExistingCollector.(C)
		}
		panic(err)
	}
	return c
}

// NewCollector creates a metrics collector registered against the given
// registerer. A nil registerer uses the default prometheus registry.
func NewCollector(namespace string, logger *zap.Logger, reg prometheus.Registerer) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.runsTotal = register(reg, prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Total number of graph runs by final status",
		},
		[]string{"status"},
	))

	c.runDuration = register(reg, prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Graph run duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	))

	c.nodesTotal = register(reg, prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nodes_total",
			Help:      "Total number of node completions by kind and status",
		},
		[]string{"kind", "status"},
	))

	c.adapterCallsTotal = register(reg, prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "adapter_calls_total",
			Help:      "Total number of source adapter calls by source key and mode",
		},
		[]string{"source_key", "mode"},
	))

	c.adapterCallDuration = register(reg, prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "adapter_call_duration_seconds",
			Help:      "Source adapter call duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"source_key"},
	))

	c.batchSize = register(reg, prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_size",
			Help:      "Number of requests carried per adapter call",
			Buckets:   []float64{1, 2, 4, 8, 16, 32, 64, 128},
		},
		[]string{"source_key"},
	))

	return c
}

// RecordRun records a completed run.
func (c *Collector) RecordRun(status string, duration time.Duration) {
	c.runsTotal.WithLabelValues(status).Inc()
	c.runDuration.Observe(duration.Seconds())
}

// RecordNode records a node reaching a final status.
func (c *Collector) RecordNode(kind, status string) {
	c.nodesTotal.WithLabelValues(kind, status).Inc()
}

// RecordAdapterCall records one source adapter call.
func (c *Collector) RecordAdapterCall(sourceKey, mode string, batchSize int, duration time.Duration) {
	c.adapterCallsTotal.WithLabelValues(sourceKey, mode).Inc()
	c.adapterCallDuration.WithLabelValues(sourceKey).Observe(duration.Seconds())
	c.batchSize.WithLabelValues(sourceKey).Observe(float64(batchSize))
}
