package l1hot

// metrics.go contains a thin abstraction over Prometheus so that this
// hot-path cache can be used with or without metrics.  newMetricsSink builds
// labeled metrics registered on a given *prometheus.Registry, or a no‑op sink
// for a nil one.  New does not call newMetricsSink, so a Cache it returns
// reports no Prometheus metrics, with or without WithMetrics(reg).
//
// All metrics are **shard‑level**; aggregations can easily be done on the
// Prometheus side via sum() / rate().  We keep the implementation minimal to
// avoid a hard dependency on any particular monitoring stack.
//
// Metric names follow Prometheus best practices, suffixed with "_total" for
// counters.  The `arena_bytes` gauge reflects live arena memory per shard.
//
// ┌─────────────────────────────────────┐
// │ Metric              │ Type │ Labels │
// ├──────────────────────┼──────┼────────┤
// │ compiler_core_l1hot_hits_total            │ Ctr  │ shard  │
// │ compiler_core_l1hot_misses_total          │ Ctr  │ shard  │
// │ compiler_core_l1hot_evictions_total       │ Ctr  │ shard  │
// │ compiler_core_l1hot_arena_rotations_total │ Ctr  │ shard  │
// │ compiler_core_l1hot_arena_bytes           │ Gge  │ shard  │
// └─────────────────────────────────────┘
//
// © 2025 compiler-core authors. MIT License.

import (
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

/*
   ---------------- Public (package‑level) API ----------------
*/

// metricsSink is an internal interface abstracting away the concrete backend
// (Prometheus vs noop).  It is *not* exposed outside the package; Cache and
// shards only know about the generic methods here.

type metricsSink interface {
    incHit(shard uint8)
    incMiss(shard uint8)
    incEvict(shard uint8)
    incRotation(shard uint8)
    addArenaBytes(shard uint8, delta int64)
    setArenaBytes(shard uint8, value int64)
}

/*
   ---------------- No‑op implementation ----------------
*/

type noopMetrics struct{}

func (noopMetrics) incHit(uint8)                 {}
func (noopMetrics) incMiss(uint8)                {}
func (noopMetrics) incEvict(uint8)               {}
func (noopMetrics) incRotation(uint8)            {}
func (noopMetrics) addArenaBytes(uint8, int64)   {}
func (noopMetrics) setArenaBytes(uint8, int64)   {}

/*
   ---------------- Prometheus implementation ----------------
*/

type promMetrics struct {
    hits      *prometheus.CounterVec
    misses    *prometheus.CounterVec
    evictions *prometheus.CounterVec
    rotations *prometheus.CounterVec
    arena     *prometheus.GaugeVec

    // For arenas we also keep atomic mirrors so that Rotator can compute delta
    // without calling WithLabelValues() on the hot path.
    arenaMirror []atomic.Int64 // len == shardCount
}

func newPromMetrics(shardCount int, reg *prometheus.Registry) *promMetrics {
    label := []string{"shard"}

    pm := &promMetrics{
        hits: prometheus.NewCounterVec(
            prometheus.CounterOpts{
                Namespace: "compiler_core",
                Subsystem: "l1hot",
                Name:      "hits_total",
                Help:      "Number of in-process hot cache hits.",
            }, label),
        misses: prometheus.NewCounterVec(
            prometheus.CounterOpts{
                Namespace: "compiler_core",
                Subsystem: "l1hot",
                Name:      "misses_total",
                Help:      "Number of in-process hot cache misses.",
            }, label),
        evictions: prometheus.NewCounterVec(
            prometheus.CounterOpts{
                Namespace: "compiler_core",
                Subsystem: "l1hot",
                Name:      "evictions_total",
                Help:      "Number of items evicted by CLOCK-Pro.",
            }, label),
        rotations: prometheus.NewCounterVec(
            prometheus.CounterOpts{
                Namespace: "compiler_core",
                Subsystem: "l1hot",
                Name:      "arena_rotations_total",
                Help:      "Number of arena rotations (TTL or capacity).",
            }, label),
        arena: prometheus.NewGaugeVec(
            prometheus.GaugeOpts{
                Namespace: "compiler_core",
                Subsystem: "l1hot",
                Name:      "arena_bytes",
                Help:      "Live bytes allocated in arenas.",
            }, label),
        arenaMirror: make([]atomic.Int64, shardCount),
    }

    // Register collectors. If registry is nil the caller decided to disable
    // metrics; function should never be called with nil.
    reg.MustRegister(pm.hits, pm.misses, pm.evictions, pm.rotations, pm.arena)
    return pm
}

/*
   -------- promMetrics implements metricsSink --------
*/

func (m *promMetrics) incHit(shard uint8) {
    m.hits.WithLabelValues(strconv.Itoa(int(shard))).Inc()
}
func (m *promMetrics) incMiss(shard uint8) {
    m.misses.WithLabelValues(strconv.Itoa(int(shard))).Inc()
}
func (m *promMetrics) incEvict(shard uint8) {
    m.evictions.WithLabelValues(strconv.Itoa(int(shard))).Inc()
}
func (m *promMetrics) incRotation(shard uint8) {
    m.rotations.WithLabelValues(strconv.Itoa(int(shard))).Inc()
}
func (m *promMetrics) addArenaBytes(shard uint8, delta int64) {
    v := m.arenaMirror[shard].Add(delta)
    m.arena.WithLabelValues(strconv.Itoa(int(shard))).Set(float64(v))
}
func (m *promMetrics) setArenaBytes(shard uint8, value int64) {
    m.arenaMirror[shard].Store(value)
    m.arena.WithLabelValues(strconv.Itoa(int(shard))).Set(float64(value))
}

/*
   ---------------- Factory ----------------
*/

// newMetricsSink decides which implementation to use.  Caller guarantees that
// shardCount is >0.
func newMetricsSink(shardCount int, reg *prometheus.Registry) metricsSink {
    if reg == nil {
        return noopMetrics{}
    }
    return newPromMetrics(shardCount, reg)
}
