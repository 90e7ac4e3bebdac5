// Package kafka delivers byte events to a Kafka topic.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/lsm/projector/internal/chunk"
	"github.com/lsm/projector/internal/event"
	"github.com/lsm/projector/internal/observability"
	"github.com/lsm/projector/internal/retry"
	"github.com/lsm/projector/internal/tracing"
)

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("kafka sink is closed")

// Record is the event type accepted by the sink.
type Record = event.Event[[]byte, []byte]

// publisher abstracts the pooled kafka publisher for testing.
type publisher interface {
	Produce(ctx context.Context, rs ...*kgo.Record) error
}

// Config holds Kafka sink configuration.
type Config struct {
	Name  string // label for logs and metrics, defaults to Topic
	Topic string
	Retry retry.Config // zero value selects retry.DefaultConfig
}

// Sink produces every event as one record. Event headers keep their order and
// the trace context of a recorded delivery span is appended when not already
// present.
type Sink struct {
	pub     publisher
	cfg     Config
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *observability.Metrics
	closed  atomic.Bool
}

// NewSink creates a sink producing through pub. If pub implements io.Closer
// it is closed with the sink.
func NewSink(pub publisher, cfg Config, logger *slog.Logger) (*Sink, error) {
	if pub == nil {
		return nil, errors.New("publisher is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("topic is required")
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Topic
	}
	if cfg.Retry == (retry.Config{}) {
		cfg.Retry = retry.DefaultConfig()
	}
	if err := cfg.Retry.Validate(); err != nil {
		return nil, fmt.Errorf("retry: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Sink{
		pub:    pub,
		cfg:    cfg,
		logger: observability.WithTraceContext(logger.With("sink", cfg.Name, "topic", cfg.Topic)),
		tracer: noop.NewTracerProvider().Tracer("kafka-sink"),
	}, nil
}

// SetTracer sets the tracer for the sink.
func (s *Sink) SetTracer(tracer trace.Tracer) {
	s.tracer = tracer
}

// SetMetrics records delivery failures.
func (s *Sink) SetMetrics(m *observability.Metrics) {
	s.metrics = m
}

// Send produces evt, retrying transient broker errors.
func (s *Sink) Send(ctx context.Context, evt *Record) error {
	if s.closed.Load() {
		return ErrClosed
	}

	start := time.Now()
	attrs := []attribute.KeyValue{tracing.KafkaTopicAttr(s.cfg.Topic)}
	if id, ok := evt.LastHeader(chunk.HeaderSplitID); ok {
		attrs = append(attrs, tracing.SplitIDAttr(id))
	}
	ctx, span := tracing.StartSpan(ctx, s.tracer, tracing.SpanKafkaPublish, trace.WithAttributes(attrs...))
	defer span.End()

	var rec *kgo.Record
	err := retry.Do(ctx, s.cfg.Retry, func(ctx context.Context) error {
		rec = s.record(ctx, evt)
		return classify(ctx, s.pub.Produce(ctx, rec))
	}, func(attempt int, err error, backoff time.Duration) {
		s.logger.WarnContext(ctx, "delivery attempt failed", "attempt", attempt, "backoff", backoff, "error", err)
	})
	if err != nil {
		errType := "retries_exhausted"
		if retry.IsPermanent(err) {
			errType = "permanent"
		}
		span.SetAttributes(tracing.ErrorTypeAttr(errType))
		tracing.SetSpanError(span, err)
		if s.metrics != nil {
			s.metrics.SinkDeliveryErrors.WithLabelValues(s.cfg.Name).Inc()
		}
		s.logger.ErrorContext(ctx, "delivery failed", "error_type", errType, "error", err)
		return fmt.Errorf("deliver to %s: %w", s.cfg.Topic, err)
	}

	span.SetAttributes(tracing.KafkaPartitionAttr(rec.Partition), tracing.KafkaOffsetAttr(rec.Offset))
	tracing.SetSpanOK(span)
	s.logger.DebugContext(ctx, "event delivered", "partition", rec.Partition, "offset", rec.Offset, "latency_ms", time.Since(start).Milliseconds())
	return nil
}

func (s *Sink) record(ctx context.Context, evt *Record) *kgo.Record {
	headers := evt.Headers()
	rec := &kgo.Record{
		Topic:   s.cfg.Topic,
		Key:     evt.Key(),
		Value:   evt.Value(),
		Headers: make([]kgo.RecordHeader, 0, len(headers)+2),
	}
	for _, h := range headers {
		rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: h.Key(), Value: h.RawValue()})
	}

	if !tracing.IsTraced(ctx) {
		return rec
	}
	carrier := make(map[string]string)
	tracing.InjectHeaders(ctx, carrier)
	for _, k := range slices.Sorted(maps.Keys(carrier)) {
		if !evt.HasHeader(k) {
			rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: k, Value: []byte(carrier[k])})
		}
	}
	return rec
}

// classify marks errors that retrying cannot fix.
func classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	var ke *kerr.Error
	if ctx.Err() != nil || (errors.As(err, &ke) && !ke.Retriable) {
		return retry.Permanent(err)
	}
	return err
}

// Close stops accepting events and closes the publisher if it is closable.
func (s *Sink) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if c, ok := s.pub.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
