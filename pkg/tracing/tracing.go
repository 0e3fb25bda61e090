// Package tracing wires OpenTelemetry with a Jaeger exporter. Every entry
// point checks an atomic enable gate so disabled tracing costs one load.
package tracing

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

type Config struct {
	ServiceName string
	Endpoint    string // Jaeger collector endpoint
	Enabled     bool
	SampleRate  float64 // 0.0-1.0
}

const (
	httpTraceHeader  = "X-Trace-ID"
	streamTraceField = "_traceId"
	fallbackSpanName = "operation"
	tracerName       = "orchestration/tracing"
	unknownService   = "unknown-service"
)

type ctxKeyTraceID struct{}

var enabled atomic.Bool

// Init installs the global tracer provider and propagator. When tracing is
// disabled it installs a noop provider and returns a noop shutdown, so
// callers defer the result unconditionally.
func Init(cfg Config) (shutdown func(context.Context) error, err error) {
	installPropagator()

	if !cfg.Enabled {
		enabled.Store(false)
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}

	tp, err := newProvider(cfg)
	if err != nil {
		return nil, err
	}

	otel.SetTracerProvider(tp)
	enabled.Store(true)
	return tp.Shutdown, nil
}

func installPropagator() {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
}

func newProvider(cfg Config) (*sdktrace.TracerProvider, error) {
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = unknownService
	}

	sampleRate := cfg.SampleRate
	switch {
	case sampleRate <= 0:
		sampleRate = 0
	case sampleRate >= 1:
		sampleRate = 1
	}

	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.Endpoint)))
	if err != nil {
		return nil, err
	}

	res, err := sdkresource.New(
		context.Background(),
		sdkresource.WithAttributes(semconv.ServiceName(serviceName)),
	)
	if err != nil {
		return nil, err
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRate))),
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	), nil
}

// StartSpan starts an internal span, returning the input context unchanged
// when tracing is disabled.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !enabled.Load() {
		return ctx, trace.SpanFromContext(context.Background())
	}
	if name == "" {
		name = fallbackSpanName
	}
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

// StartConsumerSpan starts a consumer span for an entry taken off a stream,
// resuming the publisher's trace when traceID is non-empty.
func StartConsumerSpan(ctx context.Context, name, traceID string) (context.Context, trace.Span) {
	if traceID != "" {
		ctx = ContextWithTraceID(ctx, traceID)
	}
	return StartSpan(ctx, name, trace.WithSpanKind(trace.SpanKindConsumer))
}

// StartClientSpan starts a client span around an outbound call.
func StartClientSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return StartSpan(ctx, name, trace.WithSpanKind(trace.SpanKindClient))
}

// SetAttribute sets a string attribute on the current span.
func SetAttribute(ctx context.Context, key, value string) {
	if !enabled.Load() || ctx == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.SetAttributes(attribute.String(key, value))
}

// AddEvent records a named event with string fields on the current span.
func AddEvent(ctx context.Context, name string, fields map[string]string) {
	if !enabled.Load() || ctx == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	attrs := make([]attribute.KeyValue, 0, len(fields))
	for k, v := range fields {
		attrs = append(attrs, attribute.String(k, v))
	}
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetError records err on the current span and marks it failed.
func SetError(ctx context.Context, err error) {
	if !enabled.Load() || ctx == nil || err == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// TraceIDFromContext returns the hex trace ID carried by ctx, preferring a
// live span context over the plain value set by ContextWithTraceID.
func TraceIDFromContext(ctx context.Context) string {
	if !enabled.Load() || ctx == nil {
		return ""
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		return sc.TraceID().String()
	}
	if s, ok := ctx.Value(ctxKeyTraceID{}).(string); ok {
		return s
	}
	return ""
}

// ContextWithTraceID resumes a trace from a bare hex ID. When the ID parses,
// the context carries a sampled remote span context so child spans join the
// original trace.
func ContextWithTraceID(ctx context.Context, traceID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if !enabled.Load() || traceID == "" {
		return ctx
	}

	ctx = context.WithValue(ctx, ctxKeyTraceID{}, traceID)
	tid, err := trace.TraceIDFromHex(traceID)
	if err != nil || !tid.IsValid() {
		return ctx
	}
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    tid,
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})
	return trace.ContextWithSpanContext(ctx, sc)
}
