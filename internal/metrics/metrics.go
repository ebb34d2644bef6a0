// Package metrics holds the Prometheus collectors shared by the fetch path
// and the HTTP layer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// ProviderAttempts counts outbound attempts by provider and result
	// (success, transient, permanent, empty, canceled).
	ProviderAttempts *prometheus.CounterVec
	// AttemptDuration tracks single attempt latency per provider.
	AttemptDuration *prometheus.HistogramVec
	// CacheLookups counts orchestrator cache reads by request type and result.
	CacheLookups *prometheus.CounterVec
	// QuotaSkips counts providers filtered out for being over threshold.
	QuotaSkips *prometheus.CounterVec
	// Fetches counts finished orchestrations by request type and final state.
	Fetches *prometheus.CounterVec
	// Valuations counts resolved valuations by depth and outcome.
	Valuations *prometheus.CounterVec
	// Confidence tracks the distribution of reconciled confidence scores.
	Confidence prometheus.Histogram
}

// New registers every collector on reg. Pass prometheus.NewRegistry() in
// tests so repeated construction does not collide.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ProviderAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "valuation_provider_attempts_total",
			Help: "Outbound provider attempts by provider and result",
		}, []string{"provider", "result"}),
		AttemptDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "valuation_provider_attempt_duration_seconds",
			Help:    "Provider attempt duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		}, []string{"provider"}),
		CacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "valuation_cache_lookups_total",
			Help: "Cache lookups by request type and result",
		}, []string{"type", "result"}),
		QuotaSkips: f.NewCounterVec(prometheus.CounterOpts{
			Name: "valuation_quota_skips_total",
			Help: "Providers skipped because their quota threshold was reached",
		}, []string{"provider"}),
		Fetches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "valuation_fetches_total",
			Help: "Completed orchestrations by request type and final state",
		}, []string{"type", "state"}),
		Valuations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "valuation_resolved_total",
			Help: "Resolved valuations by depth and outcome",
		}, []string{"depth", "outcome"}),
		Confidence: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "valuation_confidence_score",
			Help:    "Reconciled confidence scores",
			Buckets: []float64{50, 60, 70, 80, 90, 95, 100},
		}),
	}
}

// Noop returns collectors bound to a throwaway registry.
func Noop() *Metrics { return New(prometheus.NewRegistry()) }
