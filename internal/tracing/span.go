package tracing

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys. The status key reuses the semconv name so backends
// group write spans with ordinary HTTP client spans.
const (
	AttrUserID      = attribute.Key("sseswarm.user_id")
	AttrPostCount   = attribute.Key("sseswarm.post_count")
	AttrLatency     = attribute.Key("sseswarm.latency_class")
	AttrEvents      = attribute.Key("sseswarm.events_received")
	AttrStreamBytes = attribute.Key("sseswarm.stream_bytes")
	AttrStatus      = semconv.HTTPResponseStatusCodeKey
)

const (
	streamSpanName = "sse sync-timer"
	writeSpanName  = "POST save-answers"
)

// StartStreamSpan opens the span that lives as long as one user's stream.
// Write spans started from the returned context become its children.
func StartStreamSpan(ctx context.Context, tracer trace.Tracer, userID int) (context.Context, trace.Span) {
	return tracer.Start(ctx, streamSpanName,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(AttrUserID.Int(userID)),
	)
}

// StartWriteSpan opens the span for a single save-answers POST.
func StartWriteSpan(ctx context.Context, tracer trace.Tracer, userID, postCount int) (context.Context, trace.Span) {
	return tracer.Start(ctx, writeSpanName,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			semconv.HTTPRequestMethodPost,
			AttrUserID.Int(userID),
			AttrPostCount.Int(postCount),
		),
	)
}

// EndSpan sets attrs, marks the span Ok or Error depending on err and ends it.
func EndSpan(span trace.Span, err error, attrs ...attribute.KeyValue) {
	span.SetAttributes(attrs...)
	if err == nil {
		span.SetStatus(codes.Ok, "")
	} else {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// InjectHTTPHeaders writes the W3C traceparent (and baggage) for the span in
// ctx into headers using the global propagator.
func InjectHTTPHeaders(ctx context.Context, headers http.Header) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(headers))
}
