package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the driver and transport Prometheus metrics.
type Metrics struct {
	EventsTotal        *prometheus.CounterVec
	ProjectDuration    *prometheus.HistogramVec
	StallsTotal        *prometheus.CounterVec
	DriverState        *prometheus.GaugeVec
	ConsumerLag        *prometheus.GaugeVec
	SinkDeliveryErrors *prometheus.CounterVec
}

// NewMetrics creates and registers the projector metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		EventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "projector_events_total",
			Help: "Events handled by a driver, by outcome.",
		}, []string{"driver", "status"}),

		ProjectDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "projector_project_duration_seconds",
			Help:    "Time spent projecting one event.",
			Buckets: prometheus.DefBuckets,
		}, []string{"driver"}),

		StallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "projector_stalls_total",
			Help: "Polls that yielded no event from a non-exhausted source.",
		}, []string{"driver"}),

		DriverState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "projector_driver_state",
			Help: "Driver lifecycle state (0 created, 1 running, 2 completed, 3 cancelled, 4 aborted).",
		}, []string{"driver"}),

		ConsumerLag: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "projector_consumer_lag",
			Help: "Consumer group lag per topic partition.",
		}, []string{"topic", "partition"}),

		SinkDeliveryErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "projector_sink_delivery_errors_total",
			Help: "Sink delivery failures after retries.",
		}, []string{"sink"}),
	}
}
