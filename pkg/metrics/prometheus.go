package metrics

import "github.com/prometheus/client_golang/prometheus"

// promMetrics is the set of Prometheus collectors registered when a
// *prometheus.Registry is supplied, labeled by pipeline stage.
type promMetrics struct {
	hits         *prometheus.CounterVec
	misses       *prometheus.CounterVec
	writes       *prometheus.CounterVec
	evictions    *prometheus.CounterVec
	errors       *prometheus.CounterVec
	bytesWritten *prometheus.CounterVec
	readLatency  *prometheus.HistogramVec
	writeLatency *prometheus.HistogramVec
	buildTime    *prometheus.HistogramVec
}

func newPromMetrics(reg *prometheus.Registry) *promMetrics {
	label := []string{"stage"}
	pm := &promMetrics{
		hits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "compiler_core", Name: "cache_hits_total", Help: "Number of cache hits.",
		}, label),
		misses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "compiler_core", Name: "cache_misses_total", Help: "Number of cache misses.",
		}, label),
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "compiler_core", Name: "cache_writes_total", Help: "Number of cache writes.",
		}, label),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "compiler_core", Name: "cache_evictions_total", Help: "Number of entries evicted.",
		}, label),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "compiler_core", Name: "cache_errors_total", Help: "Number of cache operation errors.",
		}, label),
		bytesWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "compiler_core", Name: "cache_bytes_written_total", Help: "Total bytes written to the cache.",
		}, label),
		readLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "compiler_core", Name: "cache_read_latency_seconds", Help: "Cache entry read latency.",
		}, label),
		writeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "compiler_core", Name: "cache_write_latency_seconds", Help: "Cache entry write latency.",
		}, label),
		buildTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "compiler_core", Name: "stage_build_time_seconds", Help: "Declared stage build duration.",
		}, label),
	}
	reg.MustRegister(pm.hits, pm.misses, pm.writes, pm.evictions, pm.errors, pm.bytesWritten, pm.readLatency, pm.writeLatency, pm.buildTime)
	return pm
}
