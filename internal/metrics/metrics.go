// Package metrics holds the Prometheus collectors for the aggregation engine.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "marketdata"

// Outcome labels for provider calls.
const (
	OutcomeOK           = "ok"
	OutcomeNotFound     = "not_found"
	OutcomeUnauthorized = "unauthorized"
	OutcomeTransient    = "transient"
	OutcomeMalformed    = "malformed"
)

// Metrics groups the engine's collectors. A nil *Metrics records nothing.
type Metrics struct {
	CacheLookups    *prometheus.CounterVec
	ProviderCalls   *prometheus.CounterVec
	ProviderLatency *prometheus.HistogramVec
	RateLimited     *prometheus.CounterVec
	Cooldowns       *prometheus.CounterVec
	CacheEntries    prometheus.Gauge
}

func New() *Metrics {
	return &Metrics{
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Cache lookups by query kind and result",
		}, []string{"kind", "result"}),
		ProviderCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_calls_total",
			Help:      "Upstream provider calls by outcome",
		}, []string{"provider", "kind", "outcome"}),
		ProviderLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_call_duration_seconds",
			Help:      "Upstream provider call duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider", "kind"}),
		RateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Admissions denied by the rate limiter",
		}, []string{"provider"}),
		Cooldowns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_cooldowns_total",
			Help:      "Cooldown windows opened after consecutive transient failures",
		}, []string{"provider"}),
		CacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_entries",
			Help:      "Entries currently held by the cache",
		}),
	}
}

// Register adds every collector to reg. Already registered collectors are
// not an error so the same Metrics can be registered twice in tests.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		m.CacheLookups,
		m.ProviderCalls,
		m.ProviderLatency,
		m.RateLimited,
		m.Cooldowns,
		m.CacheEntries,
	} {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

func (m *Metrics) CacheLookup(kind string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) ProviderCall(provider, kind, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.ProviderCalls.WithLabelValues(provider, kind, outcome).Inc()
	m.ProviderLatency.WithLabelValues(provider, kind).Observe(took.Seconds())
}

func (m *Metrics) Denied(provider string) {
	if m == nil {
		return
	}
	m.RateLimited.WithLabelValues(provider).Inc()
}

func (m *Metrics) CooldownOpened(provider string) {
	if m == nil {
		return
	}
	m.Cooldowns.WithLabelValues(provider).Inc()
}

func (m *Metrics) SetCacheEntries(n int) {
	if m == nil {
		return
	}
	m.CacheEntries.Set(float64(n))
}
