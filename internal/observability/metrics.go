package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus counters, histograms, and gauges for the locator.
type Metrics struct {
	// Session metrics.
	PhaseTransitions   *prometheus.CounterVec   // labels: phase
	Failures           *prometheus.CounterVec   // labels: kind
	Classifications    *prometheus.CounterVec   // labels: kind, in_range={true,false}
	LocationFixes      *prometheus.CounterVec   // labels: source={cached,live}
	ResolutionDuration prometheus.Histogram
	StaleResults       prometheus.Counter
	ActiveAttempt      prometheus.Gauge

	// Geocoding metrics.
	GeocodeRequests    *prometheus.CounterVec   // labels: provider={mapbox,boundary}, outcome={success,error,empty}
	GeocodeCache       *prometheus.CounterVec   // labels: result={hit,miss}
	GeocodeAPIDuration *prometheus.HistogramVec // labels: provider

	// Transition publishing.
	TransitionsPublished prometheus.Counter
	PublishErrors        prometheus.Counter
}

// NewMetrics creates and registers all locator metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := NewUnregisteredMetrics()
	prometheus.MustRegister(
		m.PhaseTransitions,
		m.Failures,
		m.Classifications,
		m.LocationFixes,
		m.ResolutionDuration,
		m.StaleResults,
		m.ActiveAttempt,
		m.GeocodeRequests,
		m.GeocodeCache,
		m.GeocodeAPIDuration,
		m.TransitionsPublished,
		m.PublishErrors,
	)
	return m
}

// NewMetricsForTesting creates unregistered Metrics to avoid
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return NewUnregisteredMetrics()
}

// NewUnregisteredMetrics creates Metrics that are not exported through the
// default registry. Library callers and one-shot tools that do not serve
// /metrics use it; callers may register the collectors themselves.
func NewUnregisteredMetrics() *Metrics {
	return &Metrics{
		PhaseTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arrondissement",
			Name:      "phase_transitions_total",
			Help:      "Resolution state transitions by target phase.",
		}, []string{"phase"}),
		Failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arrondissement",
			Name:      "failures_total",
			Help:      "Attempts ending with an error kind.",
		}, []string{"kind"}),
		Classifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arrondissement",
			Name:      "classifications_total",
			Help:      "Postal code classifications by kind and whether the district is 1-20.",
		}, []string{"kind", "in_range"}),
		LocationFixes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arrondissement",
			Name:      "location_fixes_total",
			Help:      "Location fixes consumed, by source.",
		}, []string{"source"}),
		ResolutionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "arrondissement",
			Name:      "resolution_duration_seconds",
			Help:      "Time from permission check to a terminal phase.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		StaleResults: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "arrondissement",
			Name:      "stale_results_total",
			Help:      "Location or geocode results discarded after cancellation.",
		}),
		ActiveAttempt: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "arrondissement",
			Name:      "attempt_in_flight",
			Help:      "1 while a resolution attempt is waiting on a collaborator.",
		}),
		GeocodeRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arrondissement",
			Name:      "geocode_requests_total",
			Help:      "Reverse geocoding requests by provider and outcome.",
		}, []string{"provider", "outcome"}),
		GeocodeCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arrondissement",
			Name:      "geocode_cache_total",
			Help:      "Reverse geocoding cache lookups by result.",
		}, []string{"result"}),
		GeocodeAPIDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "arrondissement",
			Name:      "geocode_api_duration_seconds",
			Help:      "Reverse geocoding request duration in seconds.",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"provider"}),
		TransitionsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "arrondissement",
			Name:      "transitions_published_total",
			Help:      "Transition events handed to the publisher.",
		}),
		PublishErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "arrondissement",
			Name:      "transition_publish_errors_total",
			Help:      "Transition events the publisher failed to deliver.",
		}),
	}
}
