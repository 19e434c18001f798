// Package metrics implements process-lifetime counters, per-stage rolling
// statistics, derived values, periodic JSON snapshots and on-demand health
// reports.
//
// A no-op sink is used when no *prometheus.Registry is supplied, a real
// Prometheus-backed sink otherwise; both satisfy the same interface so
// hot-path code never branches on which is active.
//
// © 2025 compiler-core authors. MIT License.
package metrics

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Status is the overall health classification derived from utilization,
// error rate and hit rate.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusWarning  Status = "warning"
	StatusCritical Status = "critical"
)

const ringCapacity = 1024 // bounded ring: keeps only the most recent samples

// SizeProvider supplies the live byte accounting and ceiling needed to
// compute utilization; pkg/eviction.Engine implements it directly.
type SizeProvider interface {
	TotalBytes() int64
	MaxBytes() int64
}

type stageStat struct {
	readLatencyMs  *sampleRing
	writeLatencyMs *sampleRing
	buildTimeS     *sampleRing
	hits           atomic.Uint64
	misses         atomic.Uint64
	writes         atomic.Uint64
	bytesWritten   atomic.Uint64
}

func newStageStat() *stageStat {
	return &stageStat{
		readLatencyMs:  newSampleRing(ringCapacity),
		writeLatencyMs: newSampleRing(ringCapacity),
		buildTimeS:     newSampleRing(ringCapacity),
	}
}

// Collector implements cachestore.Sink and eviction.Sink structurally (same
// method set, no import needed) plus the richer Snapshot/Health/export surface
// the orchestrator uses directly.
type Collector struct {
	sizeProvider SizeProvider

	hits      atomic.Uint64
	misses    atomic.Uint64
	writes    atomic.Uint64
	evictions atomic.Uint64
	errors    atomic.Uint64
	corrupt   atomic.Uint64
	bytesW    atomic.Uint64

	stages map[string]*stageStat

	promReg  *prometheus.Registry
	prom     *promMetrics

	exportEveryWrites int64
	exportEvery       time.Duration
	writesSinceExport atomic.Int64
	lastExport        atomic.Int64 // unix nanos
}

// Option configures New.
type Option func(*Collector)

// WithPrometheus registers Prometheus collectors against reg. Passing nil
// (the default) keeps the collector metrics-system-agnostic.
func WithPrometheus(reg *prometheus.Registry) Option {
	return func(c *Collector) {
		if reg != nil {
			c.promReg = reg
		}
	}
}

// WithExportEvery sets the periodic-export cadence: every N writes or T
// seconds, whichever comes first.
func WithExportEvery(writes int64, seconds time.Duration) Option {
	return func(c *Collector) {
		if writes > 0 {
			c.exportEveryWrites = writes
		}
		if seconds > 0 {
			c.exportEvery = seconds
		}
	}
}

// New constructs a Collector for the closed set of stage names.
func New(sizeProvider SizeProvider, stages []string, opts ...Option) *Collector {
	c := &Collector{
		sizeProvider:      sizeProvider,
		stages:            make(map[string]*stageStat, len(stages)),
		exportEveryWrites: 100,
		exportEvery:       30 * time.Second,
	}
	for _, s := range stages {
		c.stages[s] = newStageStat()
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.promReg != nil {
		c.prom = newPromMetrics(c.promReg)
	}
	c.lastExport.Store(time.Now().UnixNano())
	return c
}

// SetSizeProvider plugs the byte-accounting source after construction. It
// exists because the size provider (the eviction engine) and the
// instrumentation sink (this collector, passed to the cache store and
// eviction engine as a Sink) have a circular construction dependency in the
// orchestrator: the collector is built first with a nil provider so it can
// be threaded into the store/engine as a sink, then wired to the engine
// once that exists.
func (c *Collector) SetSizeProvider(p SizeProvider) {
	c.sizeProvider = p
}

func (c *Collector) stage(name string) *stageStat {
	if s, ok := c.stages[name]; ok {
		return s
	}
	// Unknown stage name (shouldn't happen given the closed set): allocate
	// lazily rather than panicking on a hot path.
	s := newStageStat()
	c.stages[name] = s
	return s
}

// --- cachestore.Sink / eviction.Sink method set ----------------------------

func (c *Collector) RecordHit(stage string) {
	c.hits.Add(1)
	c.stage(stage).hits.Add(1)
	if c.prom != nil {
		c.prom.hits.WithLabelValues(stage).Inc()
	}
}

func (c *Collector) RecordMiss(stage string) {
	c.misses.Add(1)
	c.stage(stage).misses.Add(1)
	if c.prom != nil {
		c.prom.misses.WithLabelValues(stage).Inc()
	}
}

func (c *Collector) RecordWrite(stage string, bytes int64, dur time.Duration) {
	c.writes.Add(1)
	c.bytesW.Add(uint64(bytes))
	st := c.stage(stage)
	st.writes.Add(1)
	st.bytesWritten.Add(uint64(bytes))
	st.writeLatencyMs.add(float64(dur.Microseconds()) / 1000.0)
	if c.prom != nil {
		c.prom.writes.WithLabelValues(stage).Inc()
		c.prom.bytesWritten.WithLabelValues(stage).Add(float64(bytes))
		c.prom.writeLatency.WithLabelValues(stage).Observe(dur.Seconds())
	}
	c.writesSinceExport.Add(1)
}

func (c *Collector) RecordError(stage string) {
	c.errors.Add(1)
	if c.prom != nil {
		c.prom.errors.WithLabelValues(stage).Inc()
	}
}

func (c *Collector) RecordCorruption(stage string) {
	c.corrupt.Add(1)
	c.RecordError(stage)
}

func (c *Collector) RecordEviction(stage string) {
	c.evictions.Add(1)
	if c.prom != nil {
		c.prom.evictions.WithLabelValues(stage).Inc()
	}
}

// RecordReadLatency and RecordBuildTime are called directly by stage
// executors (not part of the narrower Sink interfaces cachestore/eviction
// declare) to feed the per-stage rolling statistics.
func (c *Collector) RecordReadLatency(stage string, dur time.Duration) {
	c.stage(stage).readLatencyMs.add(float64(dur.Microseconds()) / 1000.0)
	if c.prom != nil {
		c.prom.readLatency.WithLabelValues(stage).Observe(dur.Seconds())
	}
}

func (c *Collector) RecordBuildTime(stage string, d time.Duration) {
	c.stage(stage).buildTimeS.add(d.Seconds())
	if c.prom != nil {
		c.prom.buildTime.WithLabelValues(stage).Observe(d.Seconds())
	}
}

// --- derived values & snapshots --------------------------------------------

// StageBreakdown is one row of the per-stage section of a Snapshot.
type StageBreakdown struct {
	Stage             string  `json:"stage"`
	Hits              uint64  `json:"hits"`
	Misses            uint64  `json:"misses"`
	Writes            uint64  `json:"writes"`
	BytesWritten      uint64  `json:"bytes_written"`
	AvgReadLatencyMs  float64 `json:"avg_read_latency_ms"`
	AvgWriteLatencyMs float64 `json:"avg_write_latency_ms"`
	AvgBuildTimeS     float64 `json:"avg_build_time_s"`
}

// Snapshot is the periodic export / on-demand payload.
type Snapshot struct {
	Timestamp   time.Time        `json:"timestamp"`
	Hits        uint64           `json:"hits"`
	Misses      uint64           `json:"misses"`
	Writes      uint64           `json:"writes"`
	Evictions   uint64           `json:"evictions"`
	Errors      uint64           `json:"errors"`
	BytesWritten uint64          `json:"bytes_written"`
	HitRate     float64          `json:"hit_rate"`
	Utilization float64          `json:"utilization_percent"`
	Stages      []StageBreakdown `json:"stages"`
	Status      Status           `json:"status"`
}

// HealthReport is Snapshot plus rule-derived recommendations.
type HealthReport struct {
	Snapshot        Snapshot `json:"snapshot"`
	Recommendations []string `json:"recommendations"`
}

func (c *Collector) totalRequests() uint64 {
	return c.hits.Load() + c.misses.Load()
}

func (c *Collector) hitRate() float64 {
	total := c.totalRequests()
	if total == 0 {
		return 0
	}
	return float64(c.hits.Load()) / float64(total)
}

func (c *Collector) errorRate() float64 {
	writes := c.writes.Load()
	if writes == 0 {
		return 0
	}
	return float64(c.errors.Load()) / float64(writes)
}

func (c *Collector) utilization() float64 {
	if c.sizeProvider == nil || c.sizeProvider.MaxBytes() == 0 {
		return 0
	}
	return float64(c.sizeProvider.TotalBytes()) / float64(c.sizeProvider.MaxBytes()) * 100
}

func (c *Collector) status() Status {
	util := c.utilization()
	if util > 95 || c.errorRate() > 0.05 {
		return StatusCritical
	}
	if util > 80 {
		return StatusWarning
	}
	if c.totalRequests() >= 100 && c.hitRate() < 0.20 {
		return StatusWarning
	}
	return StatusHealthy
}

// Snapshot builds a point-in-time Snapshot. now is supplied by the caller
// (rather than taken via time.Now() inside) purely so callers needing
// deterministic export timestamps in tests can control it; production
// callers pass time.Now().
func (c *Collector) Snapshot(now time.Time) Snapshot {
	stages := make([]StageBreakdown, 0, len(c.stages))
	for name, st := range c.stages {
		stages = append(stages, StageBreakdown{
			Stage:             name,
			Hits:              st.hits.Load(),
			Misses:            st.misses.Load(),
			Writes:            st.writes.Load(),
			BytesWritten:      st.bytesWritten.Load(),
			AvgReadLatencyMs:  mean(st.readLatencyMs.snapshot()),
			AvgWriteLatencyMs: mean(st.writeLatencyMs.snapshot()),
			AvgBuildTimeS:     mean(st.buildTimeS.snapshot()),
		})
	}
	return Snapshot{
		Timestamp:    now,
		Hits:         c.hits.Load(),
		Misses:       c.misses.Load(),
		Writes:       c.writes.Load(),
		Evictions:    c.evictions.Load(),
		Errors:       c.errors.Load(),
		BytesWritten: c.bytesW.Load(),
		HitRate:      c.hitRate(),
		Utilization:  c.utilization(),
		Stages:       stages,
		Status:       c.status(),
	}
}

// ShouldExport reports whether a periodic export is due, per the "every N
// writes or T seconds, whichever first" rule, and resets the writes-since
// counter as a side effect when it returns true.
func (c *Collector) ShouldExport(now time.Time) bool {
	if c.writesSinceExport.Load() >= c.exportEveryWrites {
		c.writesSinceExport.Store(0)
		c.lastExport.Store(now.UnixNano())
		return true
	}
	last := c.lastExport.Load()
	if last == 0 || now.Sub(time.Unix(0, last)) >= c.exportEvery {
		c.writesSinceExport.Store(0)
		c.lastExport.Store(now.UnixNano())
		return true
	}
	return false
}

// ExportJSON marshals a Snapshot for writing to metrics.json.
func (c *Collector) ExportJSON(now time.Time) ([]byte, error) {
	return json.MarshalIndent(c.Snapshot(now), "", "  ")
}

// Health builds an on-demand HealthReport with rule-derived recommendations.
func (c *Collector) Health(now time.Time) HealthReport {
	snap := c.Snapshot(now)
	var recs []string
	switch {
	case snap.Utilization > 95:
		recs = append(recs, "utilization above 95%: increase max_bytes or lower cleanup_threshold_percent")
	case snap.Utilization > 80:
		recs = append(recs, "utilization above 80%: consider increasing max_bytes")
	}
	if c.errorRate() > 0.05 {
		recs = append(recs, "error rate above 5%: inspect recent stage failures and disk health")
	}
	if c.totalRequests() >= 100 && snap.HitRate < 0.20 {
		recs = append(recs, "hit rate below 20% after 100+ requests: tune eviction threshold down or widen TTL-equivalent retention")
	}
	if len(recs) == 0 {
		recs = append(recs, "no action needed")
	}
	return HealthReport{Snapshot: snap, Recommendations: recs}
}
