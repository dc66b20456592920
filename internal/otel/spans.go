package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for quorum spans.
var (
	AttrSessionID    = attribute.Key("quorum.session.id")
	AttrAgentID      = attribute.Key("quorum.agent.id")
	AttrPhase        = attribute.Key("quorum.phase")
	AttrIteration    = attribute.Key("quorum.iteration")
	AttrModel        = attribute.Key("quorum.llm.model")
	AttrTokensInput  = attribute.Key("quorum.llm.tokens.input")
	AttrTokensOutput = attribute.Key("quorum.llm.tokens.output")
	AttrTaskType     = attribute.Key("quorum.task.type")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (Gateway).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (LLM API).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
