// Package orchestrator drives a compilation request through the five
// stages concurrently across targets, tracks per-job status and errors,
// and coalesces duplicate work.
//
// Coalescing dedups on the top-level compilation hash, using
// golang.org/x/sync/singleflight's shared-result semantics as the model for
// how concurrent identical requests share one in-flight computation.
//
// A background goroutine periodically writes metrics.json and health.json
// under the cache root whenever the metrics collector's export rule (every
// N writes or T seconds) is due, plus once more on Close.
//
// © 2025 compiler-core authors. MIT License.
package orchestrator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/arcade-forge/compiler-core/internal/fsatomic"
	"github.com/arcade-forge/compiler-core/internal/pathsafety"
	"github.com/arcade-forge/compiler-core/pkg/assetblob"
	"github.com/arcade-forge/compiler-core/pkg/cachestore"
	"github.com/arcade-forge/compiler-core/pkg/eviction"
	"github.com/arcade-forge/compiler-core/pkg/hashkey"
	"github.com/arcade-forge/compiler-core/pkg/metrics"
	"github.com/arcade-forge/compiler-core/pkg/stages"
)

const (
	metricsFileName = "metrics.json"
	healthFileName  = "health.json"
)

// Orchestrator is the top-level facade over every other component.
type Orchestrator struct {
	cfg      Config
	registry *stages.Registry
	store    *cachestore.Store
	evictor  *eviction.Engine
	collector *metrics.Collector
	policy   *pathsafety.Policy
	blobs    *assetblob.Store
	logger   *zap.Logger

	jobs jobTable
	sf   singleflight.Group

	hashToJobID sync.Map // compilation hash -> job id, for coalescing lookups

	stopReaper   func()
	stopExporter func()
}

// Option configures New.
type Option func(*Orchestrator)

func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// New wires every component together: opens the cache store, builds the
// eviction engine and metrics collector, and constructs the asset path
// policy and blob store.
func New(cfg Config, registry *stages.Registry, opts ...Option) (*Orchestrator, error) {
	o := &Orchestrator{cfg: cfg, registry: registry, logger: zap.NewNop(), jobs: *newJobTable()}
	for _, opt := range opts {
		opt(o)
	}

	// The collector is built before the store/engine it instruments because
	// both take it as a Sink at construction time, but it in turn needs the
	// engine as its SizeProvider — wired afterwards via SetSizeProvider.
	stageNames := make([]string, 0, len(hashkey.AllStages))
	for _, s := range hashkey.AllStages {
		stageNames = append(stageNames, string(s))
	}
	o.collector = metrics.New(nil, stageNames,
		metrics.WithExportEvery(cfg.MetricsExportEveryWrites, cfg.MetricsExportEverySeconds))

	storeOpts := []cachestore.Option{cachestore.WithLogger(o.logger), cachestore.WithSink(o.collector)}
	if cfg.L1MaxBytes > 0 {
		ttl := cfg.L1TTL
		if ttl <= 0 {
			ttl = 5 * time.Minute
		}
		shards := cfg.L1Shards
		if shards == 0 {
			shards = 16
		}
		storeOpts = append(storeOpts, cachestore.WithL1Cache(cfg.L1MaxBytes, ttl, shards))
	}
	store, err := cachestore.Open(cfg.CacheRoot, storeOpts...)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: open cache store: %w", err)
	}
	o.store = store

	stageWeights := make(map[cachestore.Stage]int, len(cfg.StageWeights))
	for k, v := range cfg.StageWeights {
		stageWeights[cachestore.Stage(k)] = v
	}
	evCfg := eviction.DefaultConfig(cfg.MaxBytes)
	if cfg.CleanupThresholdPercent > 0 {
		evCfg.CleanupThresholdPercent = cfg.CleanupThresholdPercent
	}
	if cfg.TargetUtilizationPercent > 0 {
		evCfg.TargetUtilizationPercent = cfg.TargetUtilizationPercent
	}
	if len(stageWeights) > 0 {
		evCfg.StageWeights = stageWeights
	}
	evictor, err := eviction.New(store, evCfg, eviction.WithLogger(o.logger), eviction.WithSink(o.collector))
	if err != nil {
		return nil, fmt.Errorf("orchestrator: build eviction engine: %w", err)
	}
	o.evictor = evictor
	o.collector.SetSizeProvider(evictor)

	policy, err := pathsafety.NewPolicy(cfg.AllowedAssetRoots, cfg.AllowedAssetExtensions, cfg.AssetMaxFileBytes)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: build asset policy: %w", err)
	}
	o.policy = policy

	blobs, err := assetblob.Open(filepath.Join(cfg.CacheRoot, "assets.badgerdb"))
	if err != nil {
		return nil, fmt.Errorf("orchestrator: open asset blob store: %w", err)
	}
	o.blobs = blobs

	if cfg.JobReaperTTL > 0 {
		o.startReaper(cfg.JobReaperTTL)
	}

	o.startMetricsExporter(cfg.MetricsExportEverySeconds)

	return o, nil
}

// Close releases the cache store and blob store and stops the job reaper
// and metrics exporter, if any, flushing one last metrics/health snapshot
// first so the on-disk files reflect the state at shutdown.
func (o *Orchestrator) Close() error {
	if o.stopReaper != nil {
		o.stopReaper()
	}
	if o.stopExporter != nil {
		o.stopExporter()
	}
	o.exportNow(time.Now())
	if err := o.store.Close(); err != nil {
		return err
	}
	return o.blobs.Close()
}

// startMetricsExporter runs a ticker that checks the collector's
// "every N writes or T seconds" export rule and, when due, writes
// metrics.json and health.json under the cache root. The tick interval
// itself is independent of exportEvery: polling more often than the
// configured cadence just means the time-based leg of ShouldExport fires
// close to on schedule even when writes are idle.
func (o *Orchestrator) startMetricsExporter(interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	done := make(chan struct{})
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				o.exportIfDue(time.Now())
			case <-done:
				return
			}
		}
	}()
	o.stopExporter = func() { close(done) }
}

// exportIfDue writes metrics.json/health.json only when the collector's
// ShouldExport rule says a periodic export is due.
func (o *Orchestrator) exportIfDue(now time.Time) {
	if !o.collector.ShouldExport(now) {
		return
	}
	o.exportNow(now)
}

// exportNow writes metrics.json and health.json unconditionally.
func (o *Orchestrator) exportNow(now time.Time) {
	if err := o.writeJSONFile(metricsFileName, o.collector.Snapshot(now)); err != nil {
		o.logger.Warn("metrics export failed", zap.Error(err))
	}
	if err := o.writeJSONFile(healthFileName, o.collector.Health(now)); err != nil {
		o.logger.Warn("health export failed", zap.Error(err))
	}
}

// writeJSONFile marshals v and publishes it atomically under the cache
// root: fsatomic.WriteFile fsyncs a sibling temp file before an
// os.Rename swaps it onto name, so a reader never observes a
// half-written snapshot. fsatomic's staging/backup directory protocol is
// for whole entry directories (data.json + metadata.json together) and
// does not fit a single flat file, so this uses the plain temp-then-rename
// half of the same durability idea instead.
func (o *Orchestrator) writeJSONFile(name string, v any) error {
	encoded, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("orchestrator: marshal %s: %w", name, err)
	}
	dest := filepath.Join(o.cfg.CacheRoot, name)
	tmp := dest + ".tmp-" + strconv.FormatInt(time.Now().UnixNano(), 36)
	if err := fsatomic.WriteFile(tmp, encoded, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, dest); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("orchestrator: publish %s: %w", name, err)
	}
	return nil
}

func (o *Orchestrator) startReaper(ttl time.Duration) {
	done := make(chan struct{})
	ticker := time.NewTicker(ttl)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				removed := o.jobs.reapOlderThan(time.Now().Add(-ttl))
				if removed > 0 {
					o.logger.Info("reaped completed jobs", zap.Int("count", removed))
				}
			case <-done:
				return
			}
		}
	}()
	o.stopReaper = func() { close(done) }
}

// Start validates the request, computes the top-level compilation hash,
// records a new job in "queued", and hands the request to a worker
// goroutine, returning the job id immediately.
//
// If a job for the same compilation hash is already in flight or already
// completed, Start coalesces: it returns the existing job id instead of
// launching duplicate work. The check-then-create is serialized per hash
// through singleflight so concurrent Start calls for the same hash can
// never both win the race and create two jobs.
func (o *Orchestrator) Start(req stages.CompilationRequest) (string, error) {
	hash, err := compilationHash(req)
	if err != nil {
		return "", fmt.Errorf("orchestrator: compute compilation hash: %w", err)
	}

	idVal, err, _ := o.sf.Do(hash, func() (any, error) {
		if existingID, ok := o.hashToJobID.Load(hash); ok {
			if j, ok := o.jobs.get(existingID.(string)); ok {
				snap := j.snapshot()
				if !snap.State.terminal() || snap.State == JobCompleted {
					return existingID.(string), nil
				}
				// A prior attempt at this hash failed terminally: allow a
				// fresh attempt rather than returning a permanently failed id.
			}
		}

		id := newJobID()
		job := &Job{ID: id, CompilationHash: hash, State: JobQueued, CreatedAt: time.Now()}
		o.jobs.put(job)
		o.hashToJobID.Store(hash, id)

		go o.runJob(job, req)

		return id, nil
	})
	if err != nil {
		return "", err
	}
	return idVal.(string), nil
}

// Status returns the current job view, or false if the id is unknown.
func (o *Orchestrator) Status(id string) (View, bool) {
	j, ok := o.jobs.get(id)
	if !ok {
		return View{}, false
	}
	return j.snapshot(), true
}

// Result returns the completed result, or the current state if the job
// has not finished yet.
func (o *Orchestrator) Result(id string) (*Result, JobState, bool) {
	j, ok := o.jobs.get(id)
	if !ok {
		return nil, "", false
	}
	snap := j.snapshot()
	return snap.Result, snap.State, true
}

// Invalidate delegates to the cache store.
func (o *Orchestrator) Invalidate(scope, identifierGlob string) (int, error) {
	return o.store.Invalidate(scope, identifierGlob)
}

// Stats returns a metrics snapshot.
func (o *Orchestrator) Stats() metrics.Snapshot {
	return o.collector.Snapshot(time.Now())
}

// Health returns an on-demand health report.
func (o *Orchestrator) Health() metrics.HealthReport {
	return o.collector.Health(time.Now())
}

// ForceCleanup triggers eviction immediately.
func (o *Orchestrator) ForceCleanup() (eviction.Report, error) {
	return o.evictor.ForceCleanup()
}

func compilationHash(req stages.CompilationRequest) (string, error) {
	ci := toCompilationInputs(req, nil)
	return ci.Hash()
}

func toCompilationInputs(req stages.CompilationRequest, resolved []hashkey.ResolvedComponent) hashkey.CompilationInputs {
	comps := resolved
	if comps == nil {
		comps = make([]hashkey.ResolvedComponent, len(req.Components))
		for i, c := range req.Components {
			comps[i] = hashkey.ResolvedComponent{ID: c.ID, Config: c.Config}
		}
	}
	assets := make([]hashkey.ResolvedAsset, len(req.Assets))
	for i, a := range req.Assets {
		assets[i] = hashkey.ResolvedAsset{LogicalPath: a.LogicalPath, SourcePath: a.SourcePath, Transform: a.Transform}
	}
	target := ""
	if len(req.Targets) > 0 {
		target = req.Targets[0]
	}
	return hashkey.CompilationInputs{
		TemplateID:    req.TemplateID,
		Components:    comps,
		Configuration: req.Configuration,
		Assets:        assets,
		Target:        target,
	}
}

var jobIDCounter struct {
	mu sync.Mutex
	n  uint64
}

// newJobID is a process-local monotonic id generator. It avoids pulling in
// a UUID dependency while still guaranteeing uniqueness for the process
// lifetime, which is all job ids need since jobs never outlive the process.
func newJobID() string {
	jobIDCounter.mu.Lock()
	jobIDCounter.n++
	n := jobIDCounter.n
	jobIDCounter.mu.Unlock()
	return fmt.Sprintf("job-%d-%d", time.Now().UnixNano(), n)
}

// runTargetsParallel is a tiny helper kept in its own function purely so
// runJob (run.go) reads top-to-bottom without an inline closure-in-closure
// for the per-target fan-out.
func (o *Orchestrator) runTargetsParallel(targets []string, fn func(target string) error) error {
	var g errgroup.Group
	for _, t := range targets {
		t := t
		g.Go(func() error { return fn(t) })
	}
	return g.Wait()
}
