package otelx

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for wasmguard spans.
var (
	AttrComponentID = attribute.Key("wasmguard.component.id")
	AttrResource    = attribute.Key("wasmguard.capability.resource")
	AttrPermission  = attribute.Key("wasmguard.capability.permission")
	AttrKind        = attribute.Key("wasmguard.capability.kind")
	AttrSupervisor  = attribute.Key("wasmguard.supervisor.name")
	AttrManifest    = attribute.Key("wasmguard.manifest.path")
)

// StartSpan is a convenience wrapper that starts an internal span with
// common attributes — the dispatch path within a single process (e.g. an
// actor's message-handling pipeline).
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (internal/admin's
// HTTP/WebSocket surface).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call a component actor
// makes (e.g. an inter-component message send).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
