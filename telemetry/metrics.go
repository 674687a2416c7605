// Package telemetry exports engine metrics to Prometheus and compile spans
// to an OTLP collector.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tiervm"

// Metrics are the engine's Prometheus collectors.
type Metrics struct {
	BlocksExecuted *prometheus.CounterVec // by tier
	Traps          *prometheus.CounterVec // by kind
	Compilations   *prometheus.CounterVec // by tier and result
	CompileSeconds *prometheus.HistogramVec
	Promotions     *prometheus.CounterVec // by target tier
	Demotions      prometheus.Counter
	Invalidations  *prometheus.CounterVec // by cause
	QueueDepth     prometheus.Gauge
	QueueDropped   prometheus.Counter
	CacheBlocks    prometheus.Gauge
	CacheBytes     prometheus.Gauge
	Exits          *prometheus.CounterVec // by exit reason
}

// NewMetrics builds the collectors and registers them with reg. A nil reg
// leaves them unregistered, which is what tests and embedded engines use.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		BlocksExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "blocks_executed_total",
			Help: "Guest blocks executed, by execution tier.",
		}, []string{"tier"}),
		Traps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "traps_total",
			Help: "Guest traps delivered to the exception handler.",
		}, []string{"kind"}),
		Compilations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "jit", Name: "compilations_total",
			Help: "Compilation requests by tier and result.",
		}, []string{"tier", "result"}),
		CompileSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "jit", Name: "compile_seconds",
			Help:    "Wall time of successful compilations.",
			Buckets: prometheus.ExponentialBuckets(1e-6, 4, 10),
		}, []string{"tier"}),
		Promotions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "hotspot", Name: "promotions_total",
			Help: "Promotion decisions by target tier.",
		}, []string{"tier"}),
		Demotions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "hotspot", Name: "demotions_total",
			Help: "Addresses demoted back to the interpreter.",
		}),
		Invalidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "codecache", Name: "invalidations_total",
			Help: "Compiled blocks removed from the cache, by cause.",
		}, []string{"cause"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "jit", Name: "queue_depth",
			Help: "Compile requests waiting for a worker.",
		}),
		QueueDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "jit", Name: "queue_dropped_total",
			Help: "Compile requests dropped because the queue was full.",
		}),
		CacheBlocks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "codecache", Name: "blocks",
			Help: "Compiled blocks resident in the cache.",
		}),
		CacheBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "codecache", Name: "bytes",
			Help: "Code bytes resident in the cache.",
		}),
		Exits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "vcpu_exits_total",
			Help: "vCPU run loop exits by reason.",
		}, []string{"reason"}),
	}
	if reg != nil {
		reg.MustRegister(m.collectors()...)
	}
	return m
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.BlocksExecuted, m.Traps, m.Compilations, m.CompileSeconds, m.Promotions,
		m.Demotions, m.Invalidations, m.QueueDepth, m.QueueDropped, m.CacheBlocks,
		m.CacheBytes, m.Exits,
	}
}

// Handler serves the metrics gathered by g in the text exposition format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
