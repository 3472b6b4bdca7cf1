package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SpanOperation names a traced queue call or redrive step.
type SpanOperation string

const (
	SpanOperationMsgReceive     SpanOperation = "receive"
	SpanOperationMsgSendBatch   SpanOperation = "send_batch"
	SpanOperationMsgDeleteBatch SpanOperation = "delete_batch"
	SpanOperationMsgPurge       SpanOperation = "purge"
	SpanOperationRedriveRound   SpanOperation = "redrive_round"
)

var spanKinds = map[SpanOperation]trace.SpanKind{
	SpanOperationMsgReceive:   trace.SpanKindConsumer,
	SpanOperationMsgSendBatch: trace.SpanKindProducer,
	SpanOperationRedriveRound: trace.SpanKindInternal,
}

// Attribute keys set on messaging spans.
const (
	AttrOperation   = attribute.Key("messaging.operation.name")
	AttrSystem      = attribute.Key("messaging.system")
	AttrDestination = attribute.Key("messaging.destination.name")
	AttrBatchSize   = attribute.Key("messaging.batch.message_count")
)

// MessagingSpanOption configures a messaging span.
type MessagingSpanOption func(*spanConfig)

type spanConfig struct {
	destination string
	attrs       []attribute.KeyValue
}

// WithMessagingSystem sets the backend name (sqs, redis, memory).
func WithMessagingSystem(system string) MessagingSpanOption {
	return func(c *spanConfig) { c.attrs = append(c.attrs, AttrSystem.String(system)) }
}

// WithMessagingDestination sets the queue the call targets. It also becomes part of the span name.
func WithMessagingDestination(destination string) MessagingSpanOption {
	return func(c *spanConfig) {
		c.destination = destination
		c.attrs = append(c.attrs, AttrDestination.String(destination))
	}
}

// WithMessagingBatchSize sets the number of entries in a batch call.
func WithMessagingBatchSize(size int) MessagingSpanOption {
	return func(c *spanConfig) { c.attrs = append(c.attrs, AttrBatchSize.Int(size)) }
}

// StartMessagingSpan starts a span named "<destination> <operation>" on the
// global tracer provider. Calls without a destination use the operation alone.
func StartMessagingSpan(ctx context.Context, operation SpanOperation, opts ...MessagingSpanOption) (context.Context, trace.Span) {
	c := spanConfig{attrs: []attribute.KeyValue{AttrOperation.String(string(operation))}}
	for _, opt := range opts {
		opt(&c)
	}

	name := string(operation)
	if c.destination != "" {
		name = c.destination + " " + name
	}
	kind, ok := spanKinds[operation]
	if !ok {
		kind = trace.SpanKindClient
	}
	return otel.Tracer(InstrumentationName).Start(ctx, name,
		trace.WithSpanKind(kind),
		trace.WithAttributes(c.attrs...),
	)
}

// RecordError marks span as failed with err. A nil err is ignored.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// End sets the span status from err and ends the span.
func End(span trace.Span, err error) {
	if err != nil {
		RecordError(span, err)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
