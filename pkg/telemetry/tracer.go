package telemetry

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SpanAttributes accumulates key/value pairs to attach to a span on creation.
type SpanAttributes struct {
	attrs []attribute.KeyValue
}

func NewSpanAttributes() *SpanAttributes {
	return &SpanAttributes{attrs: make([]attribute.KeyValue, 0, 4)}
}

func EmptySpanAttributes() *SpanAttributes {
	return NewSpanAttributes()
}

func (s *SpanAttributes) String(key, value string) *SpanAttributes {
	s.attrs = append(s.attrs, attribute.String(key, value))
	return s
}

func (s *SpanAttributes) Int(key string, value int) *SpanAttributes {
	s.attrs = append(s.attrs, attribute.Int(key, value))
	return s
}

func (s *SpanAttributes) Int64(key string, value int64) *SpanAttributes {
	s.attrs = append(s.attrs, attribute.Int64(key, value))
	return s
}

func (s *SpanAttributes) Float64(key string, value float64) *SpanAttributes {
	s.attrs = append(s.attrs, attribute.Float64(key, value))
	return s
}

func (s *SpanAttributes) Bool(key string, value bool) *SpanAttributes {
	s.attrs = append(s.attrs, attribute.Bool(key, value))
	return s
}

// EventAttributes is the lightweight counterpart used for span events.
type EventAttributes = SpanAttributes

func NewEventAttributes() *EventAttributes {
	return NewSpanAttributes()
}

// TelemetryTracer wraps a real OTel span, satisfying the Tracer interface.
type TelemetryTracer struct {
	ctx    context.Context
	tracer trace.Tracer
	span   trace.Span
	name   string
}

// NewTelemetryTracer starts a new root (or context-parented) span named spanName.
func NewTelemetryTracer(ctx context.Context, tracer trace.Tracer, spanName string) *TelemetryTracer {
	spanCtx, span := tracer.Start(ctx, spanName)
	return &TelemetryTracer{ctx: spanCtx, tracer: tracer, span: span, name: spanName}
}

// NewTelemetryTracerFrom rehydrates a remote span context previously produced by Export,
// returning a tracer whose Spawn calls become children of that remote span.
func NewTelemetryTracerFrom(ctx context.Context, tracer trace.Tracer, exported string) (*TelemetryTracer, error) {
	spanContext, err := spanContextFromRaw(exported)
	if err != nil {
		return nil, err
	}
	remoteCtx := trace.ContextWithRemoteSpanContext(ctx, spanContext)
	return &TelemetryTracer{ctx: remoteCtx, tracer: tracer}, nil
}

func (t *TelemetryTracer) Start() {
	if t.span == nil {
		spanCtx, span := t.tracer.Start(t.ctx, t.name)
		t.ctx, t.span = spanCtx, span
	}
}

func (t *TelemetryTracer) WithAttributes(attributes *SpanAttributes) Tracer {
	if t.span != nil && attributes != nil {
		t.span.SetAttributes(attributes.attrs...)
	}
	return t
}

func (t *TelemetryTracer) AddEvent(name string, attributes EventAttributes) {
	if t.span == nil {
		return
	}
	t.span.AddEvent(name, trace.WithAttributes(attributes.attrs...))
}

func (t *TelemetryTracer) SetStatus(code codes.Code, message string) {
	if t.span != nil {
		t.span.SetStatus(code, message)
	}
}

// Spawn creates a child span from this tracer's context.
func (t *TelemetryTracer) Spawn(spanName string) Tracer {
	return NewTelemetryTracer(t.ctx, t.tracer, spanName)
}

func (t *TelemetryTracer) AddLink(spanContext trace.SpanContext) {
	// Links can only be declared at span creation time; record as an event
	// so the relationship still surfaces in the exported trace.
	if t.span == nil {
		return
	}
	t.span.AddEvent("linked-span", trace.WithAttributes(
		attribute.String("linked.trace_id", spanContext.TraceID().String()),
		attribute.String("linked.span_id", spanContext.SpanID().String()),
	))
}

// Export serializes this span's context in W3C traceparent form so it can be
// handed to another component (or process) and rehydrated via spanContextFromRaw.
func (t *TelemetryTracer) Export() string {
	if t.span == nil {
		return ""
	}
	sc := t.span.SpanContext()
	return fmt.Sprintf("00-%s-%s-%s", sc.TraceID(), sc.SpanID(), sc.TraceFlags())
}

func (t *TelemetryTracer) End() {
	if t.span != nil {
		t.span.End()
	}
}

// spanContextFromRaw parses a traceparent-formatted string produced by Export.
func spanContextFromRaw(raw string) (trace.SpanContext, error) {
	var version, traceID, spanID, flags string
	if _, err := fmt.Sscanf(raw, "%2s-%32s-%16s-%2s", &version, &traceID, &spanID, &flags); err != nil {
		return trace.SpanContext{}, fmt.Errorf("telemetry: malformed span context %q: %w", raw, err)
	}

	tid, err := trace.TraceIDFromHex(traceID)
	if err != nil {
		return trace.SpanContext{}, err
	}
	sid, err := trace.SpanIDFromHex(spanID)
	if err != nil {
		return trace.SpanContext{}, err
	}
	flagBytes, err := hex.DecodeString(flags)
	if err != nil || len(flagBytes) != 1 {
		return trace.SpanContext{}, errors.New("telemetry: malformed trace flags")
	}

	return trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    tid,
		SpanID:     sid,
		TraceFlags: trace.TraceFlags(flagBytes[0]),
		Remote:     true,
	}), nil
}
