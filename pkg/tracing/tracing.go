// Package tracing configures OpenTelemetry and exposes span helpers that are
// no-ops while tracing is disabled.
package tracing

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

type Config struct {
	ServiceName string
	Endpoint    string // OTLP gRPC endpoint, host:port
	Insecure    bool
	Enabled     bool
	SampleRate  float64 // 0.0-1.0
}

// TraceHeader carries the trace id back to HTTP callers.
const TraceHeader = "X-Trace-ID"

const (
	tracerName     = "github.com/agentops/platform"
	defaultService = "agentsaga"
	fallbackSpan   = "span"
)

var enabled atomic.Bool

// Init installs the global tracer provider exporting over OTLP gRPC. When
// cfg.Enabled is false it installs a no-op provider.
func Init(ctx context.Context, cfg Config) (shutdown func(context.Context) error, err error) {
	setPropagator()
	if !cfg.Enabled {
		enabled.Store(false)
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exp, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("otlp trace exporter %s: %w", cfg.Endpoint, err)
	}
	return install(ctx, cfg, sdktrace.WithBatcher(exp))
}

// InitWithExporter installs a provider that exports synchronously to exp.
func InitWithExporter(ctx context.Context, cfg Config, exp sdktrace.SpanExporter) (func(context.Context) error, error) {
	setPropagator()
	return install(ctx, cfg, sdktrace.WithSyncer(exp))
}

func setPropagator() {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
}

func install(ctx context.Context, cfg Config, processor sdktrace.TracerProviderOption) (func(context.Context) error, error) {
	service := cfg.ServiceName
	if service == "" {
		service = defaultService
	}
	res, err := sdkresource.New(ctx, sdkresource.WithAttributes(attribute.String("service.name", service)))
	if err != nil {
		return nil, fmt.Errorf("trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sampler(cfg.SampleRate)),
		sdktrace.WithResource(res),
		processor,
	)
	otel.SetTracerProvider(tp)
	enabled.Store(true)

	return func(ctx context.Context) error {
		enabled.Store(false)
		return tp.Shutdown(ctx)
	}, nil
}

// sampler honours the parent's decision and samples root spans at rate.
func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate <= 0:
		return sdktrace.ParentBased(sdktrace.NeverSample())
	case rate >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
	}
}

// Enabled reports whether a real tracer provider is installed.
func Enabled() bool {
	return enabled.Load()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// HTTPMiddleware continues incoming trace context, opens a server span per
// request and records the response status on it.
func HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !enabled.Load() {
			next.ServeHTTP(w, r)
			return
		}

		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := StartSpan(ctx, r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.target", r.URL.Path),
			))
		defer span.End()

		if sc := span.SpanContext(); sc.HasTraceID() {
			w.Header().Set(TraceHeader, sc.TraceID().String())
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		span.SetAttributes(attribute.Int("http.status_code", rec.status))
		if rec.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(rec.status))
		}
	})
}

// StartSpan starts a span on the package tracer. While tracing is disabled
// the returned span is non-recording and ctx is returned unchanged.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !enabled.Load() {
		return ctx, trace.SpanFromContext(context.Background())
	}
	if name == "" {
		name = fallbackSpan
	}
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

func recordingSpan(ctx context.Context) (trace.Span, bool) {
	if !enabled.Load() || ctx == nil {
		return nil, false
	}
	span := trace.SpanFromContext(ctx)
	return span, span.IsRecording()
}

func AddEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	if span, ok := recordingSpan(ctx); ok {
		span.AddEvent(name, trace.WithAttributes(attrs...))
	}
}

// SetError records err on the current span and marks it failed.
func SetError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	if span, ok := recordingSpan(ctx); ok {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
