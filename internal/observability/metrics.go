package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DispatchStarted   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_hail", Name: "dispatch_started_total", Help: "Dispatch rounds opened"})
	DispatchAccepted  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_hail", Name: "dispatch_accepted_total", Help: "Dispatch rounds won by a driver"})
	DispatchRejected  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_hail", Name: "dispatch_rejected_total", Help: "Offers explicitly rejected by drivers"})
	DispatchTimeouts  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_hail", Name: "dispatch_timeouts_total", Help: "Dispatch rounds that hit the deadline"})
	DispatchConflicts = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_hail", Name: "dispatch_conflicts_total", Help: "Accept attempts that lost the race"})

	RidesCompleted = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_hail", Name: "rides_completed_total", Help: "Rides settled as completed"})
	RidesCancelled = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_hail", Name: "rides_cancelled_total", Help: "Rides cancelled"})
	TipsRecorded   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_hail", Name: "tips_total", Help: "Tips applied"})

	DriversOnline = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_hail", Name: "drivers_online", Help: "Drivers with a recent location ping"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_hail", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_hail",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
