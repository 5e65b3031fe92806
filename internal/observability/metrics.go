package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "taxi_dispatch"

var (
	OrdersCreated    = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "orders_created_total", Help: "Total number of orders created"})
	OrderTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "order_transitions_total", Help: "Committed order status transitions"},
		[]string{"to"},
	)
	AcceptConflicts  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "accept_conflicts_total", Help: "Accept attempts rejected because the order was taken or the driver busy"})
	DriversAvailable = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "drivers_available", Help: "Number of available drivers"})
	PositionUpdates  = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "driver_position_updates_total", Help: "Driver position updates applied"},
		[]string{"source"},
	)

	ScoresComputed = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "scores_computed_total", Help: "Dispatch score distance lookups by source"},
		[]string{"source"},
	)
	RoutingFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "routing_fallbacks_total", Help: "Routing lookups that fell back to haversine"},
		[]string{"reason"},
	)
	MatchLatency       = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "match_latency_seconds", Help: "Candidate ranking latency seconds"})
	CandidatesReturned = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "candidates_returned",
		Help:      "Number of candidate drivers returned per ranking",
		Buckets:   prometheus.LinearBuckets(0, 2, 8),
	})

	SideEffectErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "side_effect_errors_total", Help: "Failed best-effort side effects after a commit"},
		[]string{"sink"},
	)
	WSSessions = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "ws_sessions", Help: "Connected driver websocket sessions"})

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
