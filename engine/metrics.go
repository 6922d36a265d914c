package engine

// Metric label keys shared by every MetricHook implementation.
const (
	labelTransport = "transport"
	labelNode      = "node"
	labelKind      = "kind"
)

// MetricHook captures transfer-engine telemetry events. Implementations must
// be safe for concurrent use; every method may be called from the submission
// path or the completion poller.
type MetricHook interface {
	SlicePosted(attrs map[string]string)
	SliceFailed(err error, attrs map[string]string)
	SliceCompleted(attrs map[string]string)
	HandshakeServed(attrs map[string]string)
	HandshakeFailed(err error, attrs map[string]string)
	BatchAllocated(attrs map[string]string)
	BatchFreed(attrs map[string]string)
}

// TraceAttribute is a tracing attribute attached to submission spans.
type TraceAttribute struct {
	Key   string
	Value any
}

// Tracer starts spans that wrap batch submissions.
type Tracer interface {
	StartSpan(name string, attrs ...TraceAttribute) Span
}

// Span records submission lifecycle and errors for tracing systems.
type Span interface {
	End(err error)
	AddEvent(name string, attrs ...TraceAttribute)
	RecordError(err error)
}

type nopMetrics struct{}

func (nopMetrics) SlicePosted(map[string]string)            {}
func (nopMetrics) SliceFailed(error, map[string]string)     {}
func (nopMetrics) SliceCompleted(map[string]string)         {}
func (nopMetrics) HandshakeServed(map[string]string)        {}
func (nopMetrics) HandshakeFailed(error, map[string]string) {}
func (nopMetrics) BatchAllocated(map[string]string)         {}
func (nopMetrics) BatchFreed(map[string]string)             {}

type nopTracer struct{}

func (nopTracer) StartSpan(string, ...TraceAttribute) Span { return nopSpan{} }

type nopSpan struct{}

func (nopSpan) End(error)                          {}
func (nopSpan) AddEvent(string, ...TraceAttribute) {}
func (nopSpan) RecordError(error)                  {}
