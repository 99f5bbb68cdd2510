package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ambulance_dispatch"

var (
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "transitions_total", Help: "Lifecycle transitions attempted, by event and outcome"},
		[]string{"event", "outcome"},
	)
	TransitionLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{Namespace: namespace, Name: "transition_latency_seconds", Help: "Registry commit plus hub emit latency", Buckets: prometheus.DefBuckets},
		[]string{"event"},
	)
	AdvisoriesSent = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "advisories_sent_total", Help: "New-request advisories delivered to drivers"})

	HubSessions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: namespace, Name: "hub_sessions", Help: "Live channel sessions by role"},
		[]string{"role"},
	)
	HubDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "hub_deliveries_total", Help: "Hub event deliveries by type and outcome"},
		[]string{"type", "outcome"},
	)
	LocationUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "location_updates_total", Help: "Driver location fixes by outcome"},
		[]string{"outcome"},
	)
	StaleDrivers = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "stale_drivers", Help: "Bound drivers currently past the staleness threshold"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	ConsumerMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "consumer_messages_total", Help: "Location stream messages consumed by outcome"},
		[]string{"outcome"},
	)
)
