package engine

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetricsOptions configures NewOTelMetrics.
type OTelMetricsOptions struct {
	MeterProvider          metric.MeterProvider
	Meter                  metric.Meter
	InstrumentationName    string
	InstrumentationVersion string
}

var _ MetricHook = (*OTelMetrics)(nil)

// OTelMetrics implements MetricHook using OpenTelemetry counters.
type OTelMetrics struct {
	meter           metric.Meter
	slicePosted     metric.Int64Counter
	sliceFailed     metric.Int64Counter
	sliceCompleted  metric.Int64Counter
	handshakeServed metric.Int64Counter
	handshakeFailed metric.Int64Counter
	batchAllocated  metric.Int64Counter
	batchFreed      metric.Int64Counter
}

// NewOTelMetrics constructs a MetricHook that emits OpenTelemetry counter
// measurements.
func NewOTelMetrics(opts OTelMetricsOptions) (*OTelMetrics, error) {
	meter := opts.Meter
	if meter == nil {
		provider := opts.MeterProvider
		if provider == nil {
			provider = otel.GetMeterProvider()
		}
		name := opts.InstrumentationName
		if name == "" {
			name = "github.com/rocketbitz/rdm-transfer-go/engine"
		}
		meter = provider.Meter(name, metric.WithInstrumentationVersion(opts.InstrumentationVersion))
	}

	slicePosted, err := meter.Int64Counter("transfer_engine.slices.posted")
	if err != nil {
		return nil, err
	}
	sliceFailed, err := meter.Int64Counter("transfer_engine.slices.failed")
	if err != nil {
		return nil, err
	}
	sliceCompleted, err := meter.Int64Counter("transfer_engine.slices.completed")
	if err != nil {
		return nil, err
	}
	handshakeServed, err := meter.Int64Counter("transfer_engine.handshakes.served")
	if err != nil {
		return nil, err
	}
	handshakeFailed, err := meter.Int64Counter("transfer_engine.handshakes.failed")
	if err != nil {
		return nil, err
	}
	batchAllocated, err := meter.Int64Counter("transfer_engine.batches.allocated")
	if err != nil {
		return nil, err
	}
	batchFreed, err := meter.Int64Counter("transfer_engine.batches.freed")
	if err != nil {
		return nil, err
	}

	return &OTelMetrics{
		meter:           meter,
		slicePosted:     slicePosted,
		sliceFailed:     sliceFailed,
		sliceCompleted:  sliceCompleted,
		handshakeServed: handshakeServed,
		handshakeFailed: handshakeFailed,
		batchAllocated:  batchAllocated,
		batchFreed:      batchFreed,
	}, nil
}

// SlicePosted records a slice accepted by the fabric.
func (o *OTelMetrics) SlicePosted(attrs map[string]string) {
	o.slicePosted.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

// SliceFailed records a slice that failed permanently.
func (o *OTelMetrics) SliceFailed(_ error, attrs map[string]string) {
	o.sliceFailed.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

// SliceCompleted records a slice that completed successfully.
func (o *OTelMetrics) SliceCompleted(attrs map[string]string) {
	o.sliceCompleted.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

// HandshakeServed records an accepted incoming handshake.
func (o *OTelMetrics) HandshakeServed(attrs map[string]string) {
	o.handshakeServed.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

// HandshakeFailed records a rejected or errored incoming handshake.
func (o *OTelMetrics) HandshakeFailed(_ error, attrs map[string]string) {
	o.handshakeFailed.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

// BatchAllocated records a batch allocation.
func (o *OTelMetrics) BatchAllocated(attrs map[string]string) {
	o.batchAllocated.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

// BatchFreed records a batch release.
func (o *OTelMetrics) BatchFreed(attrs map[string]string) {
	o.batchFreed.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

func otelAttrs(attrs map[string]string) []attribute.KeyValue {
	kvs := make([]attribute.KeyValue, 0, len(attrs))
	if v := attrs[labelTransport]; v != "" {
		kvs = append(kvs, attribute.String(labelTransport, v))
	}
	if v := attrs[labelNode]; v != "" {
		kvs = append(kvs, attribute.String(labelNode, v))
	}
	return kvs
}
