package hostserver

// metrics.go mirrors the teacher's metrics sink pattern (pkg/metrics.go in
// the original arena-cache): a thin interface with a no-op implementation so
// a host that never wires a Prometheus registry pays nothing on the hot
// path, and a Prometheus-backed implementation for the common case.

import (
	"github.com/prometheus/client_golang/prometheus"
)

// metricsSink abstracts the concrete backend away from Server and
// Dispatcher wiring.
type metricsSink interface {
	incOp(op byte)
	incError()
	setObjectCount(n float64)
	setUsageBytes(n float64)
	setUsagePercent(n float64)
}

type noopMetrics struct{}

func (noopMetrics) incOp(byte)          {}
func (noopMetrics) incError()           {}
func (noopMetrics) setObjectCount(float64) {}
func (noopMetrics) setUsageBytes(float64)  {}
func (noopMetrics) setUsagePercent(float64) {}

type promMetrics struct {
	ops          *prometheus.CounterVec
	errors       prometheus.Counter
	objectCount  prometheus.Gauge
	usageBytes   prometheus.Gauge
	usagePercent prometheus.Gauge
}

func newPromMetrics(reg *prometheus.Registry) *promMetrics {
	pm := &promMetrics{
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "distcache_host",
			Name:      "requests_total",
			Help:      "Number of requests handled, by opcode.",
		}, []string{"opcode"}),
		errors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "distcache_host",
			Name:      "request_errors_total",
			Help:      "Number of requests that returned a protocol error.",
		}),
		objectCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "distcache_host",
			Name:      "object_count",
			Help:      "Number of live entries in the MemCache.",
		}),
		usageBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "distcache_host",
			Name:      "usage_bytes",
			Help:      "Non-interned payload bytes currently stored.",
		}),
		usagePercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "distcache_host",
			Name:      "usage_percent",
			Help:      "Usage as a percentage of the configured memory ceiling.",
		}),
	}
	reg.MustRegister(pm.ops, pm.errors, pm.objectCount, pm.usageBytes, pm.usagePercent)
	return pm
}

func (m *promMetrics) incOp(op byte) {
	m.ops.WithLabelValues(string(rune(op))).Inc()
}
func (m *promMetrics) incError()               { m.errors.Inc() }
func (m *promMetrics) setObjectCount(n float64)  { m.objectCount.Set(n) }
func (m *promMetrics) setUsageBytes(n float64)   { m.usageBytes.Set(n) }
func (m *promMetrics) setUsagePercent(n float64) { m.usagePercent.Set(n) }

// newMetricsSink picks the backend: nil registry disables metrics entirely.
func newMetricsSink(reg *prometheus.Registry) metricsSink {
	if reg == nil {
		return noopMetrics{}
	}
	return newPromMetrics(reg)
}
