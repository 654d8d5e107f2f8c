// Copyright 2025 The flbridge authors.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package metrics exposes prometheus metrics for bridge invocations.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "flbridge"

// Collector is a prometheus.Collector that collects metrics about bridge
// invocations.
type Collector struct {
	invocations *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	staleDrops  prometheus.Counter
}

// NewCollector returns a new Collector.
func NewCollector() *Collector {
	return &Collector{
		invocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "invocations_total",
				Help:      "The number of invocations by method and outcome.",
			}, []string{"method", "outcome"},
		),
		latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "invocation_seconds",
				Help:      "The wall-clock duration of invocations.",
				Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
			}, []string{"method"},
		),
		staleDrops: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "stale_records_dropped_total",
				Help:      "The number of stale or late correlation records discarded.",
			},
		),
	}
}

// ObserveInvocation records one completed invocation.
func (c *Collector) ObserveInvocation(method, outcome string, elapsed time.Duration) {
	c.invocations.WithLabelValues(method, outcome).Inc()
	c.latency.WithLabelValues(method).Observe(elapsed.Seconds())
}

// ObserveStaleDrop records one discarded stale or late record.
func (c *Collector) ObserveStaleDrop() {
	c.staleDrops.Inc()
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.invocations.Describe(ch)
	c.latency.Describe(ch)
	c.staleDrops.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.invocations.Collect(ch)
	c.latency.Collect(ch)
	c.staleDrops.Collect(ch)
}
