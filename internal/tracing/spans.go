package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Attribute key constants for consistent span attributes.
const (
	AttrDriverName     = "projector.driver.name"
	AttrSplitID        = "projector.split_id"
	AttrKafkaTopic     = "messaging.kafka.topic"
	AttrKafkaPartition = "messaging.kafka.partition"
	AttrKafkaOffset    = "messaging.kafka.offset"
	AttrErrorType      = "error.type"
)

// Span name constants for consistent span naming.
const (
	SpanProject      = "projector.project"
	SpanStalled      = "projector.stalled"
	SpanKafkaPublish = "kafka.publish"
)

// StartSpan starts a new span with the given name and options.
// Returns the new context with the span and the span itself.
// If tracer is nil, returns a no-op span.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, name, opts...)
}

// SetSpanError records an error on the span and sets the status to Error.
func SetSpanError(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanOK sets the span status to Ok.
func SetSpanOK(span trace.Span) {
	if span == nil {
		return
	}
	span.SetStatus(codes.Ok, "")
}

// DriverAttr returns an attribute for the driver name.
func DriverAttr(name string) attribute.KeyValue {
	return attribute.String(AttrDriverName, name)
}

// SplitIDAttr returns an attribute for a chunk split ID.
func SplitIDAttr(id string) attribute.KeyValue {
	return attribute.String(AttrSplitID, id)
}

// KafkaTopicAttr returns an attribute for the Kafka topic.
func KafkaTopicAttr(topic string) attribute.KeyValue {
	return attribute.String(AttrKafkaTopic, topic)
}

// KafkaPartitionAttr returns an attribute for the Kafka partition.
func KafkaPartitionAttr(partition int32) attribute.KeyValue {
	return attribute.Int64(AttrKafkaPartition, int64(partition))
}

// KafkaOffsetAttr returns an attribute for the Kafka offset.
func KafkaOffsetAttr(offset int64) attribute.KeyValue {
	return attribute.Int64(AttrKafkaOffset, offset)
}

// ErrorTypeAttr returns an attribute for the error type.
func ErrorTypeAttr(errType string) attribute.KeyValue {
	return attribute.String(AttrErrorType, errType)
}

// InjectHeaders writes the trace context of ctx into a header map, for
// transports that carry string headers.
func InjectHeaders(ctx context.Context, headers map[string]string) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(headers))
}

// ExtractHeaders returns ctx enriched with the trace context found in headers.
func ExtractHeaders(ctx context.Context, headers map[string]string) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(headers))
}

// IsTraced returns true if there is a valid recording span in the context.
func IsTraced(ctx context.Context) bool {
	span := trace.SpanFromContext(ctx)
	return span.SpanContext().IsValid() && span.IsRecording()
}
