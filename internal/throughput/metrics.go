package throughput

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors shared by every tracker.
// Each tracker curries them with its own label at construction.
type Metrics struct {
	Received  *prometheus.CounterVec
	Processed *prometheus.CounterVec
	Rate      *prometheus.GaugeVec
}

// NewMetrics creates and registers the throughput collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		Received: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "projector_items_received_total",
			Help: "Items received by a throughput tracker.",
		}, []string{"tracker"}),

		Processed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "projector_items_processed_total",
			Help: "Items processed by a throughput tracker.",
		}, []string{"tracker"}),

		Rate: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "projector_processing_rate",
			Help: "Processing rate at the last report, in items per rate unit.",
		}, []string{"tracker", "unit"}),
	}
}

// trackerMetrics is the label-bound view used on the hot path.
type trackerMetrics struct {
	received  prometheus.Counter
	processed prometheus.Counter
	rate      prometheus.Gauge
}

func (m *Metrics) bind(tracker, unit string) *trackerMetrics {
	if m == nil {
		return nil
	}
	return &trackerMetrics{
		received:  m.Received.WithLabelValues(tracker),
		processed: m.Processed.WithLabelValues(tracker),
		rate:      m.Rate.WithLabelValues(tracker, unit),
	}
}
