// Package eviction keeps a cachestore.Store's total bytes below a
// configured ceiling using an LRU-age hybrid policy: a composite-score sort
// over on-disk entries rather than an in-memory reference-bit ring.
package eviction

import (
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/arcade-forge/compiler-core/pkg/cachestore"
)

// DefaultStageWeights is the default weight set; a lower weight marks a
// cheaper-to-rebuild stage. The weight only orders candidates whose last
// access, creation time and size are all equal (see less); it does not
// otherwise move cheap stages ahead of expensive ones.
var DefaultStageWeights = map[cachestore.Stage]int{
	cachestore.StageInputs:  1,
	cachestore.StageAssets:  2,
	cachestore.StageCode:    3,
	cachestore.StageDesktop: 5,
	cachestore.StageWeb:     5,
}

// Config bundles the eviction knobs.
type Config struct {
	MaxBytes                 int64
	CleanupThresholdPercent  float64 // default ~85
	TargetUtilizationPercent float64 // default ~60
	StageWeights             map[cachestore.Stage]int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig(maxBytes int64) Config {
	return Config{
		MaxBytes:                 maxBytes,
		CleanupThresholdPercent:  85,
		TargetUtilizationPercent: 60,
		StageWeights:             DefaultStageWeights,
	}
}

// Sink mirrors cachestore.Sink so the engine can report eviction counts
// through the same instrumentation pipeline without importing pkg/metrics.
type Sink interface {
	RecordEviction(stage string)
}

type noopSink struct{}

func (noopSink) RecordEviction(string) {}

// Engine wraps a cachestore.Store with size-bounded LRU-age eviction.
type Engine struct {
	store  *cachestore.Store
	cfg    Config
	logger *zap.Logger
	sink   Sink
}

// Option configures New.
type Option func(*Engine)

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

func WithSink(s Sink) Option {
	return func(e *Engine) {
		if s != nil {
			e.sink = s
		}
	}
}

// New constructs an Engine. cfg is validated: MaxBytes must be positive and
// TargetUtilizationPercent must not exceed CleanupThresholdPercent.
func New(store *cachestore.Store, cfg Config, opts ...Option) (*Engine, error) {
	if cfg.MaxBytes <= 0 {
		return nil, fmt.Errorf("eviction: max bytes must be > 0")
	}
	if cfg.CleanupThresholdPercent <= 0 || cfg.CleanupThresholdPercent > 100 {
		return nil, fmt.Errorf("eviction: cleanup threshold percent must be in (0,100]")
	}
	if cfg.TargetUtilizationPercent <= 0 || cfg.TargetUtilizationPercent > cfg.CleanupThresholdPercent {
		return nil, fmt.Errorf("eviction: target utilization percent must be in (0, cleanup threshold]")
	}
	if cfg.StageWeights == nil {
		cfg.StageWeights = DefaultStageWeights
	}
	e := &Engine{store: store, cfg: cfg, logger: zap.NewNop(), sink: noopSink{}}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Utilization returns total_bytes / max_bytes as a percentage.
func (e *Engine) Utilization() float64 {
	return float64(e.store.TotalBytes()) / float64(e.cfg.MaxBytes) * 100
}

// TotalBytes and MaxBytes let Engine satisfy pkg/metrics.SizeProvider
// directly, so the orchestrator can wire a Collector straight to the
// eviction engine without an adapter type.
func (e *Engine) TotalBytes() int64 { return e.store.TotalBytes() }
func (e *Engine) MaxBytes() int64   { return e.cfg.MaxBytes }

// MaybeEvict runs inline after a Put: when utilization crosses
// cleanup_threshold_percent, eviction runs bounded and synchronous.
func (e *Engine) MaybeEvict() (Report, error) {
	if e.Utilization() <= e.cfg.CleanupThresholdPercent {
		return Report{}, nil
	}
	return e.ForceCleanup()
}

// Report describes the outcome of a ForceCleanup call.
type Report struct {
	UtilizationBefore float64
	UtilizationAfter  float64
	EntriesRemoved    int
	BytesRemoved      int64
}

// candidate pairs an entry with its composite score inputs.
type candidate struct {
	info   cachestore.EntryInfo
	weight int
}

// less orders candidates by (least-recently-accessed, oldest-created,
// largest-size); stage weight (cheaper-to-rebuild first) only breaks ties
// left after those three.
func less(a, b candidate) bool {
	if !a.info.LastAccess.Equal(b.info.LastAccess) {
		return a.info.LastAccess.Before(b.info.LastAccess)
	}
	if !a.info.CreatedAt.Equal(b.info.CreatedAt) {
		return a.info.CreatedAt.Before(b.info.CreatedAt)
	}
	// Tie-break 3 favors reclaiming space: larger size sorts first (evicted
	// earlier) when age is identical.
	if a.info.SizeBytes != b.info.SizeBytes {
		return a.info.SizeBytes > b.info.SizeBytes
	}
	// Final stability tie-break on stage weight: cheaper-to-rebuild first.
	return a.weight < b.weight
}

// ForceCleanup evicts entries until utilization is at or below
// target_utilization_percent, or until no evictable entry remains.
// An eviction pass that removes nothing while over threshold is
// logged as a bug rather than silently ignored.
func (e *Engine) ForceCleanup() (Report, error) {
	before := e.Utilization()

	entries, err := e.store.ListEntries()
	if err != nil {
		return Report{}, fmt.Errorf("eviction: list entries: %w", err)
	}

	candidates := make([]candidate, 0, len(entries))
	for _, info := range entries {
		if info.Pinned {
			continue
		}
		w := e.cfg.StageWeights[info.Key.Stage]
		if w == 0 {
			w = 1
		}
		candidates = append(candidates, candidate{info: info, weight: w})
	}

	sort.Slice(candidates, func(i, j int) bool { return less(candidates[i], candidates[j]) })

	var removedCount int
	var removedBytes int64

	targetBytes := int64(float64(e.cfg.MaxBytes) * e.cfg.TargetUtilizationPercent / 100)

	for _, c := range candidates {
		if e.store.TotalBytes() <= targetBytes {
			break
		}
		if err := e.store.RemoveEntry(c.info.Key); err != nil {
			e.logger.Warn("eviction: failed to remove candidate", zap.String("key", c.info.Key.String()), zap.Error(err))
			continue
		}
		e.sink.RecordEviction(string(c.info.Key.Stage))
		removedCount++
		removedBytes += c.info.SizeBytes
	}

	after := e.Utilization()

	if after > e.cfg.TargetUtilizationPercent && removedCount == 0 && len(candidates) > 0 {
		// A no-op eviction while over threshold is a reportable bug.
		e.logger.Error("eviction pass removed nothing while utilization remained over threshold",
			zap.Float64("utilization_before", before),
			zap.Float64("utilization_after", after),
			zap.Int("evictable_candidates", len(candidates)),
		)
	}

	return Report{
		UtilizationBefore: before,
		UtilizationAfter:  after,
		EntriesRemoved:    removedCount,
		BytesRemoved:      removedBytes,
	}, nil
}

// Sweep runs one ForceCleanup pass. It does not recompute the store's byte
// accounting from the filesystem; that accounting is rebuilt only when the
// store is opened.
func (e *Engine) Sweep() error {
	_, err := e.ForceCleanup()
	return err
}

// StartPeriodicSweep runs MaybeEvict (a cleanup pass only while utilization
// is above the cleanup threshold) on an interval until stopped via the
// returned stop function, so the sweep goroutine never outlives its owner
// silently.
func (e *Engine) StartPeriodicSweep(interval time.Duration) (stop func()) {
	done := make(chan struct{})
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := e.MaybeEvict(); err != nil {
					e.logger.Warn("periodic sweep eviction failed", zap.Error(err))
				}
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}
