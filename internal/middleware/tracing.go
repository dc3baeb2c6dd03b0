package middleware

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation scope for HTTP spans.
const TracerName = "caption-server"

// GetTraceID extracts the trace ID from the OTel span context.
// Falls back to the request ID when no span is active.
func GetTraceID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().HasTraceID() {
		return span.SpanContext().TraceID().String()
	}
	return GetRequestID(ctx)
}

// GetSpanID extracts the span ID from the OTel span context.
func GetSpanID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().HasSpanID() {
		return span.SpanContext().SpanID().String()
	}
	return ""
}

// Tracing creates OpenTelemetry-compatible tracing middleware.
// Extracts incoming trace context from W3C Trace Context headers (traceparent)
// and starts one server span per request.
func Tracing() func(http.Handler) http.Handler {
	tracer := otel.Tracer(TracerName)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			propagator := otel.GetTextMapPropagator()
			ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))

			ctx, span := tracer.Start(ctx, r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.request.method", r.Method),
					attribute.String("url.path", r.URL.Path),
					attribute.String("http.request_id", GetRequestID(r.Context())),
				),
			)
			defer span.End()

			propagator.Inject(ctx, propagation.HeaderCarrier(w.Header()))

			if span.SpanContext().HasTraceID() {
				w.Header().Set("X-Trace-ID", span.SpanContext().TraceID().String())
			}
			if span.SpanContext().HasSpanID() {
				w.Header().Set("X-Span-ID", span.SpanContext().SpanID().String())
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// InitOTelPropagator sets up the global text map propagator.
// Call this during server initialization.
func InitOTelPropagator() {
	otel.SetTextMapPropagator(propagation.TraceContext{})
}
