package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_lifecycle"

var (
	RideTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ride_transitions_total", Help: "Rider-side lifecycle transitions"},
		[]string{"from", "to"},
	)
	FanoutWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "notification_writes_total", Help: "Driver notification writes during fan-out"},
		[]string{"result"},
	)
	AcceptConflicts = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "accept_conflicts_total", Help: "Accepts rejected because another driver claimed the ride"})
	DriversOnline   = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "drivers_online", Help: "Number of online drivers"})
	LocationTicks   = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "location_ticks_total", Help: "Driver location ticks by outcome"},
		[]string{"result"},
	)
	RouteLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "route_latency_seconds", Help: "Routing service latency seconds"})

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
)
