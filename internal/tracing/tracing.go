package tracing

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	defaultServiceName = "promode"
	defaultEndpoint    = "localhost:4317"
)

// Config holds tracing configuration
type Config struct {
	Enabled      bool   `mapstructure:"enabled"`
	ServiceName  string `mapstructure:"service_name"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

var (
	tracer     atomic.Pointer[oteltrace.Tracer]
	propagator propagation.TextMapPropagator = propagation.TraceContext{}
)

// Initialize installs the W3C trace context propagator and, when enabled, an
// OTLP/gRPC exporter. W3C headers pass through even with export disabled.
// The returned func flushes and stops the exporter.
func Initialize(cfg Config, logger *zap.Logger) (func(context.Context) error, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = defaultServiceName
	}
	otel.SetTextMapPropagator(propagator)
	noop := func(context.Context) error { return nil }

	if !cfg.Enabled {
		use(otel.GetTracerProvider(), cfg.ServiceName)
		logger.Info("Tracing export disabled")
		return noop, nil
	}

	tp, err := newProvider(context.Background(), cfg)
	if err != nil {
		use(otel.GetTracerProvider(), cfg.ServiceName)
		return noop, err
	}
	otel.SetTracerProvider(tp)
	use(tp, cfg.ServiceName)

	logger.Info("Tracing initialized",
		zap.String("service", cfg.ServiceName),
		zap.String("endpoint", cfg.OTLPEndpoint),
	)
	return tp.Shutdown, nil
}

func newProvider(ctx context.Context, cfg Config) (*sdktrace.TracerProvider, error) {
	endpoint := cfg.OTLPEndpoint
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	), nil
}

func use(tp oteltrace.TracerProvider, name string) {
	t := tp.Tracer(name)
	tracer.Store(&t)
}

func current() oteltrace.Tracer {
	if t := tracer.Load(); t != nil {
		return *t
	}
	return otel.Tracer(defaultServiceName)
}

// StartSpan opens an internal span.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	return current().Start(ctx, name, oteltrace.WithAttributes(attrs...))
}

// StartServerSpan opens the server span for r, continuing the caller's
// trace when the request carries a traceparent header.
func StartServerSpan(r *http.Request) (context.Context, oteltrace.Span) {
	ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	return current().Start(ctx, "HTTP "+r.Method+" "+r.URL.Path,
		oteltrace.WithSpanKind(oteltrace.SpanKindServer),
		oteltrace.WithAttributes(
			semconv.HTTPRequestMethodKey.String(r.Method),
			semconv.URLPath(r.URL.Path),
		),
	)
}

// StartHTTPSpan opens a client span for an outbound call.
func StartHTTPSpan(ctx context.Context, method, url string) (context.Context, oteltrace.Span) {
	return current().Start(ctx, "HTTP "+method,
		oteltrace.WithSpanKind(oteltrace.SpanKindClient),
		oteltrace.WithAttributes(
			semconv.HTTPRequestMethodKey.String(method),
			semconv.URLFull(url),
		),
	)
}

// Inject writes the trace context of ctx into req's headers.
func Inject(ctx context.Context, req *http.Request) {
	propagator.Inject(ctx, propagation.HeaderCarrier(req.Header))
}

// TraceID returns the hex trace ID carried by ctx, or "".
func TraceID(ctx context.Context) string {
	sc := oteltrace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

// RemoteTraceID returns the trace ID of a valid traceparent header on r.
func RemoteTraceID(r *http.Request) string {
	return TraceID(propagator.Extract(context.Background(), propagation.HeaderCarrier(r.Header)))
}
