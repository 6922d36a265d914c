package engine

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelTracerOptions configures NewOTelTracer.
type OTelTracerOptions struct {
	TracerProvider         trace.TracerProvider
	Tracer                 trace.Tracer
	InstrumentationName    string
	InstrumentationVersion string
}

var _ Tracer = (*OTelTracer)(nil)

// OTelTracer implements Tracer on top of an OpenTelemetry tracer.
type OTelTracer struct {
	tracer trace.Tracer
}

// NewOTelTracer constructs a Tracer that emits OpenTelemetry spans.
func NewOTelTracer(opts OTelTracerOptions) *OTelTracer {
	tracer := opts.Tracer
	if tracer == nil {
		provider := opts.TracerProvider
		if provider == nil {
			provider = otel.GetTracerProvider()
		}
		name := opts.InstrumentationName
		if name == "" {
			name = "github.com/rocketbitz/rdm-transfer-go/engine"
		}
		tracer = provider.Tracer(name, trace.WithInstrumentationVersion(opts.InstrumentationVersion))
	}
	return &OTelTracer{tracer: tracer}
}

// StartSpan opens a span with the supplied attributes.
func (t *OTelTracer) StartSpan(name string, attrs ...TraceAttribute) Span {
	_, span := t.tracer.Start(context.Background(), name,
		trace.WithAttributes(otelTraceAttrs(attrs)...))
	return &otelSpan{span: span}
}

type otelSpan struct {
	span trace.Span
}

func (s *otelSpan) End(err error) {
	if err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	}
	s.span.End()
}

func (s *otelSpan) AddEvent(name string, attrs ...TraceAttribute) {
	s.span.AddEvent(name, trace.WithAttributes(otelTraceAttrs(attrs)...))
}

func (s *otelSpan) RecordError(err error) {
	s.span.RecordError(err)
}

func otelTraceAttrs(attrs []TraceAttribute) []attribute.KeyValue {
	kvs := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if attr.Key == "" {
			continue
		}
		switch v := attr.Value.(type) {
		case string:
			kvs = append(kvs, attribute.String(attr.Key, v))
		case bool:
			kvs = append(kvs, attribute.Bool(attr.Key, v))
		case int:
			kvs = append(kvs, attribute.Int(attr.Key, v))
		case int64:
			kvs = append(kvs, attribute.Int64(attr.Key, v))
		case float64:
			kvs = append(kvs, attribute.Float64(attr.Key, v))
		default:
			kvs = append(kvs, attribute.String(attr.Key, fmt.Sprint(v)))
		}
	}
	return kvs
}
