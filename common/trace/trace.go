// Package trace is a thin façade over the OpenTelemetry trace API.
// The engines in this module trace through it so that a process which
// installs no tracer provider still runs correctly: the default global
// provider is a no-op, and a nil *Tracer is safe to use everywhere.
//
// Callers that want real spans install their own SDK provider (OTLP,
// stdout, etc) via otel.SetTracerProvider before constructing engines,
// or hand a provider to NewTracerFromProvider.
package trace

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/scootdev/stitch"

// Span kinds, mirroring the otel vocabulary.
const (
	KindInternal = oteltrace.SpanKindInternal
	KindServer   = oteltrace.SpanKindServer
	KindClient   = oteltrace.SpanKindClient
	KindProducer = oteltrace.SpanKindProducer
	KindConsumer = oteltrace.SpanKindConsumer
)

// Status codes for SetStatus.
const (
	StatusOk    = codes.Ok
	StatusError = codes.Error
)

type Tracer struct {
	tracer oteltrace.Tracer
}

// NewTracer returns a Tracer backed by the global otel provider.
// If no provider was installed this traces to a no-op.
func NewTracer() *Tracer {
	return &Tracer{tracer: otel.Tracer(instrumentationName)}
}

func NewTracerFromProvider(tp oteltrace.TracerProvider) *Tracer {
	return &Tracer{tracer: tp.Tracer(instrumentationName)}
}

// StartSpan starts a span and returns a context carrying it. The returned
// Span must be ended by the caller on all exit paths. A nil Tracer returns
// the given context and a nil Span, both safe to use.
func (t *Tracer) StartSpan(ctx context.Context, name string, kind oteltrace.SpanKind) (context.Context, *Span) {
	if t == nil {
		return ctx, nil
	}
	ctx, span := t.tracer.Start(ctx, name, oteltrace.WithSpanKind(kind))
	return ctx, &Span{span: span}
}

// Span is a scoped handle on an in-flight trace span. All methods are
// safe on a nil Span.
type Span struct {
	span oteltrace.Span
}

func (s *Span) AddTag(key, value string) {
	if s == nil {
		return
	}
	s.span.SetAttributes(attribute.String(key, value))
}

func (s *Span) AddEvent(name string, tags map[string]string) {
	if s == nil {
		return
	}
	attrs := make([]attribute.KeyValue, 0, len(tags))
	for k, v := range tags {
		attrs = append(attrs, attribute.String(k, v))
	}
	s.span.AddEvent(name, oteltrace.WithAttributes(attrs...))
}

func (s *Span) SetStatus(code codes.Code, description string) {
	if s == nil {
		return
	}
	s.span.SetStatus(code, description)
}

// TraceId returns the span's trace id, or "" when the span carries no
// valid trace id (a nil Span, or a no-op span from an uninstalled provider).
func (s *Span) TraceId() string {
	if s == nil {
		return ""
	}
	tid := s.span.SpanContext().TraceID()
	if !tid.IsValid() {
		return ""
	}
	return tid.String()
}

func (s *Span) SpanId() string {
	if s == nil {
		return ""
	}
	return s.span.SpanContext().SpanID().String()
}

func (s *Span) End() {
	if s == nil {
		return
	}
	s.span.End()
}
