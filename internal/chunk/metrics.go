package chunk

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the combiner's Prometheus collectors.
type Metrics struct {
	ChunksTotal      prometheus.Counter
	ReassembledTotal prometheus.Counter
	DuplicatesTotal  prometheus.Counter
	DeadLetterTotal  *prometheus.CounterVec
	BufferedSplits   prometheus.Gauge
}

// NewMetrics creates and registers the combiner collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ChunksTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "projector_chunks_received_total",
			Help: "Chunk events read by the combiner.",
		}),

		ReassembledTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "projector_chunks_reassembled_total",
			Help: "Logical events reassembled from chunks.",
		}),

		DuplicatesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "projector_chunks_duplicate_total",
			Help: "Chunks dropped because their split was already completed.",
		}),

		DeadLetterTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "projector_chunks_dead_letter_total",
			Help: "Chunks diverted to the dead-letter sink.",
		}, []string{"stage"}),

		BufferedSplits: factory.NewGauge(prometheus.GaugeOpts{
			Name: "projector_chunks_buffered_splits",
			Help: "Incomplete splits currently buffered.",
		}),
	}
}
