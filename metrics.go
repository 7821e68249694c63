package pipebridge

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the engine's Prometheus collectors.
// A nil *Metrics records nothing.
type Metrics struct {
	operations *prometheus.CounterVec
	pending    prometheus.Gauge
	bytes      *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg, if not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pipebridge",
			Name:      "operations_total",
			Help:      "Operations by kind and outcome. Pending operations are counted again when they settle.",
		}, []string{"op", "outcome"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pipebridge",
			Name:      "pending_operations",
			Help:      "Operations waiting for the operating system to signal completion.",
		}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pipebridge",
			Name:      "bytes_total",
			Help:      "Bytes transferred by direction.",
		}, []string{"direction"}),
	}
	if reg != nil {
		reg.MustRegister(m.operations, m.pending, m.bytes)
	}
	return m
}

func (m *Metrics) observe(op OpKind, outcome string) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(op.String(), outcome).Inc()
}

func (m *Metrics) transferred(op OpKind, n int) {
	if m == nil || n <= 0 {
		return
	}
	switch op {
	case OpRead:
		m.bytes.WithLabelValues("read").Add(float64(n))
	case OpWrite:
		m.bytes.WithLabelValues("write").Add(float64(n))
	}
}

func (m *Metrics) suspended() {
	if m != nil {
		m.pending.Inc()
	}
}

func (m *Metrics) resumed() {
	if m != nil {
		m.pending.Dec()
	}
}
