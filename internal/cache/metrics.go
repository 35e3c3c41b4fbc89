package cache

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes engine activity to Prometheus. A nil *Metrics is valid
// and records nothing, so tests can run the engine without a registry.
type Metrics struct {
	operations  *prometheus.CounterVec
	evictions   *prometheus.CounterVec
	promotions  prometheus.Counter
	syncApplied prometheus.Counter
	syncDropped prometheus.Counter
	latency     *prometheus.HistogramVec
}

// NewMetrics registers the engine's collectors with the given registerer.
// Gauges for L1 occupancy and sync queue depth sample the provided
// functions on scrape.
func NewMetrics(reg prometheus.Registerer, l1Utilization, queueDepth func() float64) *Metrics {
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tiercache",
			Name:      "operations_total",
			Help:      "Cache operations by layer and result.",
		}, []string{"layer", "op", "result"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tiercache",
			Name:      "evictions_total",
			Help:      "Entries evicted from a layer by capacity pressure.",
		}, []string{"layer"}),
		promotions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tiercache",
			Name:      "promotions_total",
			Help:      "Items copied to a faster layer after a slow-layer hit.",
		}),
		syncApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tiercache",
			Name:      "sync_applied_total",
			Help:      "Queued operations successfully replicated to the shared layer.",
		}),
		syncDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tiercache",
			Name:      "sync_dropped_total",
			Help:      "Queued operations lost to queue overflow.",
		}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tiercache",
			Name:      "operation_duration_seconds",
			Help:      "Latency of layer operations.",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
		}, []string{"layer", "op"}),
	}

	reg.MustRegister(m.operations, m.evictions, m.promotions, m.syncApplied, m.syncDropped, m.latency)

	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "tiercache",
		Name:      "l1_utilization_ratio",
		Help:      "L1 fill ratio in [0, 1].",
	}, l1Utilization))
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "tiercache",
		Name:      "sync_queue_depth",
		Help:      "Operations waiting for background replication.",
	}, queueDepth))

	return m
}

// Operation records a layer operation with its outcome and latency
func (m *Metrics) Operation(layer Layer, op, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(string(layer), op, result).Inc()
	m.latency.WithLabelValues(string(layer), op).Observe(elapsed.Seconds())
}

// Eviction records a capacity eviction on a layer
func (m *Metrics) Eviction(layer Layer) {
	if m == nil {
		return
	}
	m.evictions.WithLabelValues(string(layer)).Inc()
}

// Promotion records an item copied to a faster layer
func (m *Metrics) Promotion() {
	if m == nil {
		return
	}
	m.promotions.Inc()
}

// SyncApplied records n replicated operations
func (m *Metrics) SyncApplied(n int) {
	if m == nil {
		return
	}
	m.syncApplied.Add(float64(n))
}

// SyncDropped records an operation lost to queue overflow
func (m *Metrics) SyncDropped() {
	if m == nil {
		return
	}
	m.syncDropped.Inc()
}
