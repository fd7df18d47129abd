package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys.
const (
	AttrBridgeName      = "fiso.bridge.name"
	AttrReaderGroup     = "fiso.reader_group"
	AttrReaderID        = "fiso.reader.id"
	AttrCheckpointName  = "fiso.checkpoint.name"
	AttrCheckpointPhase = "fiso.checkpoint.phase"
	AttrEventCount      = "fiso.event.count"
	AttrCorrelationID   = "fiso.correlation_id"
	AttrStream          = "messaging.destination.name"
	AttrPartition       = "messaging.destination.partition.id"
	AttrOffset          = "messaging.kafka.offset"
	AttrHTTPTarget      = "http.target"
	AttrHTTPStatus      = "http.status_code"
	AttrSinkType        = "fiso.sink.type"
)

// Span names.
const (
	SpanTrigger      = "fiso.trigger"
	SpanLeaseRead    = "fiso.lease.read"
	SpanCheckpoint   = "fiso.checkpoint"
	SpanForward      = "fiso.sink.forward"
	SpanHTTPDeliver  = "http.deliver"
	SpanKafkaPublish = "kafka.publish"
)

// StartSpan starts a new span. A nil tracer yields the span already in ctx.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, name, opts...)
}

// SetSpanError records an error on the span and sets the status to Error.
func SetSpanError(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanOK sets the span status to Ok.
func SetSpanOK(span trace.Span) {
	if span == nil {
		return
	}
	span.SetStatus(codes.Ok, "")
}

func BridgeAttr(name string) attribute.KeyValue {
	return attribute.String(AttrBridgeName, name)
}

func ReaderGroupAttr(name string) attribute.KeyValue {
	return attribute.String(AttrReaderGroup, name)
}

func ReaderAttr(id string) attribute.KeyValue {
	return attribute.String(AttrReaderID, id)
}

func CheckpointAttr(name string) attribute.KeyValue {
	return attribute.String(AttrCheckpointName, name)
}

func CheckpointPhaseAttr(phase string) attribute.KeyValue {
	return attribute.String(AttrCheckpointPhase, phase)
}

func EventCountAttr(n int) attribute.KeyValue {
	return attribute.Int(AttrEventCount, n)
}

func CorrelationAttr(id string) attribute.KeyValue {
	return attribute.String(AttrCorrelationID, id)
}

// EventAttrs returns the position attributes of one event.
func EventAttrs(stream string, partition int32, offset int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrStream, stream),
		attribute.Int64(AttrPartition, int64(partition)),
		attribute.Int64(AttrOffset, offset),
	}
}

func HTTPTargetAttr(url string) attribute.KeyValue {
	return attribute.String(AttrHTTPTarget, url)
}

func HTTPStatusAttr(status int) attribute.KeyValue {
	return attribute.Int(AttrHTTPStatus, status)
}

func SinkTypeAttr(kind string) attribute.KeyValue {
	return attribute.String(AttrSinkType, kind)
}
