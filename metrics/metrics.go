package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RegistrationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "registry_registrations_total",
			Help: "Total registration attempts",
		},
		[]string{"kind", "result"}, // server|proxy, success|failure
	)

	HeartbeatsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "registry_heartbeats_total",
			Help: "Total heartbeats processed",
		},
	)

	RouteRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "registry_route_requests_total",
			Help: "Total route request evaluations",
		},
		[]string{"result"}, // assigned|queued|failed
	)

	RouteDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "registry_route_duration_seconds",
			Help:    "Duration of route request handling",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReservationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "registry_reservations_total",
			Help: "Reservation token consumption attempts",
		},
		[]string{"result"}, // consumed|rejected
	)

	StateTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "registry_state_transitions_total",
			Help: "Registration lifecycle transitions",
		},
		[]string{"from", "to"},
	)

	FamilyCapacity = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "registry_family_capacity_remaining",
			Help: "Remaining capacity per slot and family",
		},
		[]string{"family", "slot"},
	)

	PendingQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "registry_pending_queue_depth",
			Help: "Route requests waiting per family",
		},
		[]string{"family"},
	)
)

func init() {
	prometheus.MustRegister(RegistrationsTotal)
	prometheus.MustRegister(HeartbeatsTotal)
	prometheus.MustRegister(RouteRequestsTotal)
	prometheus.MustRegister(RouteDuration)
	prometheus.MustRegister(ReservationsTotal)
	prometheus.MustRegister(StateTransitionsTotal)
	prometheus.MustRegister(FamilyCapacity)
	prometheus.MustRegister(PendingQueueDepth)
}

func Register(mux *http.ServeMux) {
	mux.Handle("/metrics", promhttp.Handler())
}
