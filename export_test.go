package pipebridge

import "github.com/prometheus/client_golang/prometheus"

// BuffersInUse returns the number of read buffers not yet returned to the pool.
func (e *Engine) BuffersInUse() int64 {
	return e.bufs.inuse.Load()
}

func (m *Metrics) PendingGauge() prometheus.Gauge {
	return m.pending
}

func (m *Metrics) BytesCounter(direction string) prometheus.Counter {
	return m.bytes.WithLabelValues(direction)
}

func (m *Metrics) OperationsCounter(op, outcome string) prometheus.Counter {
	return m.operations.WithLabelValues(op, outcome)
}
