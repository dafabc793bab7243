// Package metrics exposes engine counters and pool gauges to Prometheus
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "hyperlend"

// Metrics holds every collector on a private registry, so several engines
// (tests, embedded nodes) never collide on the default registerer.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	// Batch outcomes
	BatchesTotal   *prometheus.CounterVec // result = committed | failed
	BatchDuration  prometheus.Histogram
	OpsTotal       *prometheus.CounterVec // op
	FailuresTotal  *prometheus.CounterVec // kind
	SignedRejected prometheus.Counter

	// Pool state after the last committed batch
	PoolTotalSupply *prometheus.GaugeVec // symbol
	PoolTotalDebt   *prometheus.GaugeVec
	PoolUtilization *prometheus.GaugeVec
}

// New creates and registers the collectors
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		BatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "batches_total",
			Help:      "Executed batches by result",
		}, []string{"result"}),
		BatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "batch_duration_seconds",
			Help:      "Batch execution latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		OpsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "ops_total",
			Help:      "Committed operations by kind",
		}, []string{"op"}),
		FailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "failures_total",
			Help:      "Failed batches by error kind",
		}, []string{"kind"}),
		SignedRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "signed_batches_rejected_total",
			Help:      "Signed batches rejected for a bad signature or nonce",
		}),
		PoolTotalSupply: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "total_supply",
			Help:      "Pool total supply in whole tokens",
		}, []string{"symbol"}),
		PoolTotalDebt: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "total_debt",
			Help:      "Pool total debt in whole tokens",
		}, []string{"symbol"}),
		PoolUtilization: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "utilization_ratio",
			Help:      "Pool utilization between 0 and 1",
		}, []string{"symbol"}),
	}

	m.Registry.MustRegister(
		m.BatchesTotal,
		m.BatchDuration,
		m.OpsTotal,
		m.FailuresTotal,
		m.SignedRejected,
		m.PoolTotalSupply,
		m.PoolTotalDebt,
		m.PoolUtilization,
	)
	return m
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// ObserveBatch records one batch. kind is empty for committed batches.
func (m *Metrics) ObserveBatch(ops []string, kind string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.BatchDuration.Observe(elapsed.Seconds())
	if kind != "" {
		m.BatchesTotal.WithLabelValues("failed").Inc()
		m.FailuresTotal.WithLabelValues(kind).Inc()
		return
	}
	m.BatchesTotal.WithLabelValues("committed").Inc()
	for _, op := range ops {
		m.OpsTotal.WithLabelValues(op).Inc()
	}
}

// ObserveSignatureRejected counts a signed batch refused before execution
func (m *Metrics) ObserveSignatureRejected() {
	if m == nil {
		return
	}
	m.SignedRejected.Inc()
}

// ObservePool sets the gauges of one pool
func (m *Metrics) ObservePool(symbol string, supply, debt, utilization float64) {
	if m == nil {
		return
	}
	m.PoolTotalSupply.WithLabelValues(symbol).Set(supply)
	m.PoolTotalDebt.WithLabelValues(symbol).Set(debt)
	m.PoolUtilization.WithLabelValues(symbol).Set(utilization)
}
