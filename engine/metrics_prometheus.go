package engine

import "github.com/prometheus/client_golang/prometheus"

// PrometheusMetricsOptions configures NewPrometheusMetrics.
type PrometheusMetricsOptions struct {
	Registerer  prometheus.Registerer
	Namespace   string
	Subsystem   string
	ConstLabels prometheus.Labels
}

var _ MetricHook = (*PrometheusMetrics)(nil)

// PrometheusMetrics implements MetricHook using Prometheus counters.
type PrometheusMetrics struct {
	slicePosted     *prometheus.CounterVec
	sliceFailed     *prometheus.CounterVec
	sliceCompleted  *prometheus.CounterVec
	handshakeServed *prometheus.CounterVec
	handshakeFailed *prometheus.CounterVec
	batchAllocated  *prometheus.CounterVec
	batchFreed      *prometheus.CounterVec
}

var (
	sliceLabelKeys     = []string{labelTransport, labelNode}
	handshakeLabelKeys = []string{labelTransport, labelNode}
	batchLabelKeys     = []string{labelNode}
)

// NewPrometheusMetrics constructs a MetricHook backed by Prometheus counters.
func NewPrometheusMetrics(opts PrometheusMetricsOptions) (*PrometheusMetrics, error) {
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	p := &PrometheusMetrics{
		slicePosted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "transfer_engine_slices_posted_total",
			Help:        "Number of slices accepted by the fabric for posting",
			ConstLabels: opts.ConstLabels,
		}, sliceLabelKeys),
		sliceFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "transfer_engine_slices_failed_total",
			Help:        "Number of slices that failed permanently",
			ConstLabels: opts.ConstLabels,
		}, sliceLabelKeys),
		sliceCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "transfer_engine_slices_completed_total",
			Help:        "Number of slices that completed successfully",
			ConstLabels: opts.ConstLabels,
		}, sliceLabelKeys),
		handshakeServed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "transfer_engine_handshakes_served_total",
			Help:        "Number of incoming handshakes accepted",
			ConstLabels: opts.ConstLabels,
		}, handshakeLabelKeys),
		handshakeFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "transfer_engine_handshakes_failed_total",
			Help:        "Number of incoming handshakes rejected or errored",
			ConstLabels: opts.ConstLabels,
		}, handshakeLabelKeys),
		batchAllocated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "transfer_engine_batches_allocated_total",
			Help:        "Number of batches allocated",
			ConstLabels: opts.ConstLabels,
		}, batchLabelKeys),
		batchFreed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "transfer_engine_batches_freed_total",
			Help:        "Number of batches freed",
			ConstLabels: opts.ConstLabels,
		}, batchLabelKeys),
	}

	var err error
	if p.slicePosted, err = registerCounterVec(reg, p.slicePosted); err != nil {
		return nil, err
	}
	if p.sliceFailed, err = registerCounterVec(reg, p.sliceFailed); err != nil {
		return nil, err
	}
	if p.sliceCompleted, err = registerCounterVec(reg, p.sliceCompleted); err != nil {
		return nil, err
	}
	if p.handshakeServed, err = registerCounterVec(reg, p.handshakeServed); err != nil {
		return nil, err
	}
	if p.handshakeFailed, err = registerCounterVec(reg, p.handshakeFailed); err != nil {
		return nil, err
	}
	if p.batchAllocated, err = registerCounterVec(reg, p.batchAllocated); err != nil {
		return nil, err
	}
	if p.batchFreed, err = registerCounterVec(reg, p.batchFreed); err != nil {
		return nil, err
	}

	return p, nil
}

func (p *PrometheusMetrics) SlicePosted(attrs map[string]string) {
	p.slicePosted.With(labels(attrs, sliceLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) SliceFailed(_ error, attrs map[string]string) {
	p.sliceFailed.With(labels(attrs, sliceLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) SliceCompleted(attrs map[string]string) {
	p.sliceCompleted.With(labels(attrs, sliceLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) HandshakeServed(attrs map[string]string) {
	p.handshakeServed.With(labels(attrs, handshakeLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) HandshakeFailed(_ error, attrs map[string]string) {
	p.handshakeFailed.With(labels(attrs, handshakeLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) BatchAllocated(attrs map[string]string) {
	p.batchAllocated.With(labels(attrs, batchLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) BatchFreed(attrs map[string]string) {
	p.batchFreed.With(labels(attrs, batchLabelKeys...)).Inc()
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return vec, nil
}

func labels(attrs map[string]string, keys ...string) prometheus.Labels {
	labs := make(prometheus.Labels, len(keys))
	for _, key := range keys {
		labs[key] = attrs[key]
	}
	return labs
}
