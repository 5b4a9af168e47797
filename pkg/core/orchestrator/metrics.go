package orchestrator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the Prometheus collectors of the orchestrator. A nil
// *Metrics records nothing.
type Metrics struct {
	Periods      *prometheus.CounterVec
	Unresolved   prometheus.Counter
	CacheHits    prometheus.Counter
	CacheMisses  prometheus.Counter
	Derivations  prometheus.Counter
	RunDuration  prometheus.Histogram
	RunsByResult *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg when reg is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Periods: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "finmodel",
			Name:      "periods_total",
			Help:      "Periods processed, by status (complete, partial, skipped).",
		}, []string{"status"}),
		Unresolved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "finmodel",
			Name:      "unresolved_items_total",
			Help:      "Line items that could not be resolved.",
		}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "finmodel",
			Name:      "template_cache_hits_total",
			Help:      "Derived template cache hits.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "finmodel",
			Name:      "template_cache_misses_total",
			Help:      "Derived template cache misses.",
		}),
		Derivations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "finmodel",
			Name:      "template_derivations_total",
			Help:      "Templates derived from action combinations.",
		}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "finmodel",
			Name:      "run_duration_seconds",
			Help:      "Wall time of one scenario run.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		RunsByResult: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "finmodel",
			Name:      "runs_total",
			Help:      "Scenario runs, by final state.",
		}, []string{"state"}),
	}
	if reg != nil {
		reg.MustRegister(m.Periods, m.Unresolved, m.CacheHits, m.CacheMisses, m.Derivations, m.RunDuration, m.RunsByResult)
	}
	return m
}

func (m *Metrics) period(status string, unresolved int) {
	if m == nil {
		return
	}
	m.Periods.WithLabelValues(status).Inc()
	m.Unresolved.Add(float64(unresolved))
}

func (m *Metrics) cache(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheHits.Inc()
		return
	}
	m.CacheMisses.Inc()
	m.Derivations.Inc()
}

func (m *Metrics) run(state State, d time.Duration) {
	if m == nil {
		return
	}
	m.RunDuration.Observe(d.Seconds())
	m.RunsByResult.WithLabelValues(string(state)).Inc()
}
