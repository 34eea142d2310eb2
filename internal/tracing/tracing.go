// Package tracing carries the request trace id through context.Context and message
// envelope metadata. W3C trace context headers are handled by the OpenTelemetry propagator.
package tracing

import (
	"context"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// MetadataTraceID is the envelope metadata key holding the trace id.
const MetadataTraceID = "x-trace-id"

const tracerName = "github.com/PfandAhter/modernbank-transaction-service-sub000"

type traceIDKey struct{}

var propagator = propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})

// WithTraceID stores id on ctx.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceIDKey{}, id)
}

// TraceID returns the trace id of ctx. An active OpenTelemetry span wins over the
// stored value so logs line up with exported traces.
func TraceID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	if id, ok := ctx.Value(traceIDKey{}).(string); ok {
		return id
	}
	return ""
}

// EnsureTraceID returns ctx with a trace id, generating one when none is present.
func EnsureTraceID(ctx context.Context) context.Context {
	if TraceID(ctx) != "" {
		return ctx
	}
	return WithTraceID(ctx, uuid.NewString())
}

// Inject writes the trace context of ctx into metadata.
func Inject(ctx context.Context, metadata map[string]string) {
	if metadata == nil {
		return
	}
	propagator.Inject(ctx, propagation.MapCarrier(metadata))
	if id := TraceID(ctx); id != "" {
		metadata[MetadataTraceID] = id
	}
}

// Extract rebuilds a context from envelope metadata.
func Extract(ctx context.Context, metadata map[string]string) context.Context {
	if len(metadata) == 0 {
		return EnsureTraceID(ctx)
	}
	ctx = propagator.Extract(ctx, propagation.MapCarrier(metadata))
	if id := metadata[MetadataTraceID]; id != "" {
		ctx = WithTraceID(ctx, id)
	}
	return EnsureTraceID(ctx)
}

// StartSpan opens a span on the globally registered tracer provider.
func StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name)
}
