// Package metrics exposes Prometheus collectors for the cache service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the service's Prometheus collectors.
type Metrics struct {
	LookupsTotal    *prometheus.CounterVec
	DispatchesTotal *prometheus.CounterVec
	RequestLatency  prometheus.Histogram
	CostTotal       prometheus.Counter
}

// New creates and registers the collectors on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		LookupsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ragcache",
			Name:      "lookups_total",
			Help:      "Cache lookups by outcome (exact, semantic, none).",
		}, []string{"kind"}),
		DispatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ragcache",
			Name:      "dispatches_total",
			Help:      "Upstream dispatches by provider and outcome.",
		}, []string{"provider", "outcome"}),
		RequestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ragcache",
			Name:      "request_latency_seconds",
			Help:      "End-to-end pipeline latency.",
			Buckets:   prometheus.DefBuckets,
		}),
		CostTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ragcache",
			Name:      "cost_usd_total",
			Help:      "Accumulated upstream cost in USD.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.LookupsTotal, m.DispatchesTotal, m.RequestLatency, m.CostTotal)
	}
	return m
}

// ObserveLookup records a lookup outcome.
func (m *Metrics) ObserveLookup(kind string) {
	if m == nil {
		return
	}
	m.LookupsTotal.WithLabelValues(kind).Inc()
}

// ObserveDispatch records a dispatch outcome.
func (m *Metrics) ObserveDispatch(provider, outcome string) {
	if m == nil {
		return
	}
	m.DispatchesTotal.WithLabelValues(provider, outcome).Inc()
}

// ObserveLatency records an end-to-end request duration in seconds.
func (m *Metrics) ObserveLatency(seconds float64) {
	if m == nil {
		return
	}
	m.RequestLatency.Observe(seconds)
}

// AddCost accumulates dispatched cost.
func (m *Metrics) AddCost(usd float64) {
	if m == nil || usd <= 0 {
		return
	}
	m.CostTotal.Add(usd)
}
