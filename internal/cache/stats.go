package cache

import (
	"sync"
	"time"
)

// layerCounters accumulates per-layer operation counts and latency.
// Latency is tracked as a running total so the snapshot can report an
// average without keeping samples.
type layerCounters struct {
	hits         uint64
	misses       uint64
	sets         uint64
	deletes      uint64
	evictions    uint64
	errors       uint64
	totalLatency time.Duration
	latencyOps   uint64
}

// statsCollector aggregates engine-wide counters. A single mutex guards the
// whole structure; every update touches one or two fields, so contention is
// negligible next to the layer operations being measured.
type statsCollector struct {
	mu     sync.Mutex
	layers map[Layer]*layerCounters

	promotions uint64
	started    time.Time
}

func newStatsCollector() *statsCollector {
	return &statsCollector{
		layers: map[Layer]*layerCounters{
			LayerL1: {},
			LayerL2: {},
			LayerL3: {},
		},
		started: time.Now(),
	}
}

func (c *statsCollector) layer(l Layer) *layerCounters {
	if counters, ok := c.layers[l]; ok {
		return counters
	}
	return c.layers[LayerL2]
}

func (c *statsCollector) recordHit(l Layer, latency time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	counters := c.layer(l)
	counters.hits++
	counters.totalLatency += latency
	counters.latencyOps++
}

func (c *statsCollector) recordMiss(l Layer, latency time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	counters := c.layer(l)
	counters.misses++
	counters.totalLatency += latency
	counters.latencyOps++
}

func (c *statsCollector) recordSet(l Layer, latency time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	counters := c.layer(l)
	counters.sets++
	counters.totalLatency += latency
	counters.latencyOps++
}

func (c *statsCollector) recordDelete(l Layer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.layer(l).deletes++
}

func (c *statsCollector) recordEviction(l Layer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.layer(l).evictions++
}

func (c *statsCollector) recordError(l Layer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.layer(l).errors++
}

func (c *statsCollector) recordPromotion() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.promotions++
}

// LayerStats is a point-in-time snapshot of one layer's counters
type LayerStats struct {
	Hits       uint64        `json:"hits"`
	Misses     uint64        `json:"misses"`
	Sets       uint64        `json:"sets"`
	Deletes    uint64        `json:"deletes"`
	Evictions  uint64        `json:"evictions"`
	Errors     uint64        `json:"errors"`
	HitRate    float64       `json:"hit_rate"`
	AvgLatency time.Duration `json:"avg_latency"`
}

// Stats is a point-in-time snapshot of the engine
type Stats struct {
	Layers        map[Layer]LayerStats `json:"layers"`
	OverallHits   uint64               `json:"overall_hits"`
	OverallMisses uint64               `json:"overall_misses"`
	HitRate       float64              `json:"hit_rate"`
	Promotions    uint64               `json:"promotions"`
	SyncPending   int                  `json:"sync_pending"`
	SyncDropped   uint64               `json:"sync_dropped"`
	L1Entries     int                  `json:"l1_entries"`
	L1Capacity    int                  `json:"l1_capacity"`
	L1Utilization float64              `json:"l1_utilization"`
	Uptime        time.Duration        `json:"uptime"`
}

// snapshot builds a Stats without the engine-level fields (queue depth and
// L1 occupancy), which the engine fills in
func (c *statsCollector) snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := Stats{
		Layers:     make(map[Layer]LayerStats, len(c.layers)),
		Promotions: c.promotions,
		Uptime:     time.Since(c.started),
	}

	for layer, counters := range c.layers {
		ls := LayerStats{
			Hits:      counters.hits,
			Misses:    counters.misses,
			Sets:      counters.sets,
			Deletes:   counters.deletes,
			Evictions: counters.evictions,
			Errors:    counters.errors,
		}
		if total := counters.hits + counters.misses; total > 0 {
			ls.HitRate = float64(counters.hits) / float64(total)
		}
		if counters.latencyOps > 0 {
			ls.AvgLatency = counters.totalLatency / time.Duration(counters.latencyOps)
		}
		stats.Layers[layer] = ls

		stats.OverallHits += counters.hits
		stats.OverallMisses += counters.misses
	}

	if total := stats.OverallHits + stats.OverallMisses; total > 0 {
		stats.HitRate = float64(stats.OverallHits) / float64(total)
	}
	return stats
}

// Health thresholds. The hit-rate check only kicks in once enough lookups
// have happened to make the ratio meaningful.
const (
	healthMinSamples    = 100
	healthMinHitRate    = 0.50
	healthL1Utilization = 0.90
)

// HealthStatus is the engine's advisory health report. Degraded health
// never disables the cache; callers decide what to do with it.
type HealthStatus struct {
	Healthy bool     `json:"healthy"`
	Issues  []string `json:"issues,omitempty"`
}
