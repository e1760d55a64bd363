package emit

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter implements Emitter by recording each event as an
// OpenTelemetry span.
//
// Each span carries:
//   - Name: event.Msg (e.g. "node_completed", "execution_failed")
//   - Attributes: execution id, node id, level, and all Meta fields
//   - Status: Error for LevelError and LevelCritical events
//
// Spans are ended immediately: the emitter records transitions, it does not
// model node durations (the "duration_ms" attribute carries those).
//
// Usage:
//
//	tracer := otel.Tracer("conductor")
//	emitter := emit.NewOTelEmitter(tracer)
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter creates an OTelEmitter using the given tracer.
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

// Emit records the event as an immediately-ended span.
func (o *OTelEmitter) Emit(event Event) {
	if o.tracer == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("execution_id", event.ExecutionID),
		attribute.String("level", string(event.Level)),
	}
	if event.NodeID != "" {
		attrs = append(attrs, attribute.String("node_id", event.NodeID))
	}
	for k, v := range event.Meta {
		attrs = append(attrs, metaAttribute(k, v))
	}

	_, span := o.tracer.Start(context.Background(), event.Msg,
		trace.WithAttributes(attrs...))
	if event.Level == LevelError || event.Level == LevelCritical {
		span.SetStatus(codes.Error, event.Msg)
	}
	span.End()
}

func metaAttribute(k string, v any) attribute.KeyValue {
	switch t := v.(type) {
	case string:
		return attribute.String(k, t)
	case bool:
		return attribute.Bool(k, t)
	case int:
		return attribute.Int(k, t)
	case int64:
		return attribute.Int64(k, t)
	case float64:
		return attribute.Float64(k, t)
	default:
		return attribute.String(k, fmt.Sprintf("%v", t))
	}
}
