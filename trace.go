package zamq

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "zamq-go"

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.GetTracerProvider().Tracer(tracerName).Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
	}
	span.End()
}

func connAttrs(conn *Connection) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("messaging.system", "zamq"),
		attribute.String("messaging.connection", conn.identity),
		attribute.String("messaging.transport", conn.kind.String()),
	}
}

func channelAttrs(ch *Channel) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("messaging.system", "zamq"),
		attribute.String("messaging.connection", ch.connID),
		attribute.Int("messaging.channel", int(ch.number)),
	}
}

func callAttrs(ch *Channel, m *Method) []attribute.KeyValue {
	return append(channelAttrs(ch), attribute.String("messaging.method", m.String()))
}
