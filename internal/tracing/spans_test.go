package tracing

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func TestStartSpan_NilTracer(t *testing.T) {
	ctx, span := StartSpan(context.Background(), nil, SpanProject)
	if ctx == nil || span == nil {
		t.Fatal("expected a no-op span")
	}
	SetSpanError(span, errors.New("ignored"))
	SetSpanOK(span)
}

func TestSpanStatus(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	tracer := tp.Tracer("test")

	_, failed := StartSpan(context.Background(), tracer, SpanProject)
	failed.SetAttributes(DriverAttr("orders"), KafkaOffsetAttr(42))
	SetSpanError(failed, errors.New("boom"))
	failed.End()

	_, ok := StartSpan(context.Background(), tracer, SpanKafkaPublish)
	SetSpanOK(ok)
	ok.End()

	spans := recorder.Ended()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	if spans[0].Name() != SpanProject || spans[0].Status().Code != codes.Error {
		t.Errorf("unexpected span %s status %v", spans[0].Name(), spans[0].Status())
	}
	if len(spans[0].Events()) != 1 {
		t.Errorf("expected the error to be recorded as an event")
	}
	if spans[1].Status().Code != codes.Ok {
		t.Errorf("expected Ok status, got %v", spans[1].Status())
	}
}

func TestInjectExtractHeaders(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	defer otel.SetTextMapPropagator(prev)

	tp := sdktrace.NewTracerProvider()
	ctx, span := tp.Tracer("test").Start(context.Background(), "parent")
	defer span.End()

	headers := map[string]string{}
	InjectHeaders(ctx, headers)
	if headers["traceparent"] == "" {
		t.Fatalf("expected traceparent header, got %v", headers)
	}

	extracted := ExtractHeaders(context.Background(), headers)
	got := trace.SpanContextFromContext(extracted).TraceID().String()
	if got != span.SpanContext().TraceID().String() {
		t.Errorf("trace id = %s, want %s", got, span.SpanContext().TraceID())
	}
}
