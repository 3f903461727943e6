package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PositionFixesTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "transit_tracker", Name: "position_fixes_total", Help: "Total position fixes accepted"})
	PresenceWriteErrs  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "transit_tracker", Name: "presence_write_errors_total", Help: "Presence store writes that failed"})
	DriversOnline      = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "transit_tracker", Name: "drivers_online", Help: "Number of online drivers"})
	PassengersLinked   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "transit_tracker", Name: "passengers_linked_total", Help: "Passengers bound to a vehicle"})
	ArrivalsTotal      = promauto.NewCounter(prometheus.CounterOpts{Namespace: "transit_tracker", Name: "arrivals_total", Help: "Passenger destination arrivals detected"})
	TripsStarted       = promauto.NewCounter(prometheus.CounterOpts{Namespace: "transit_tracker", Name: "trips_started_total", Help: "Trips opened"})
	TripsCompleted     = promauto.NewCounter(prometheus.CounterOpts{Namespace: "transit_tracker", Name: "trips_completed_total", Help: "Trips completed"})
	SMSMessagesSent    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "transit_tracker", Name: "sms_messages_total", Help: "SMS batches delivered to the gateway"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "transit_tracker", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "transit_tracker",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
