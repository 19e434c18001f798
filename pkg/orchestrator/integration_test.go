package orchestrator

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/arcade-forge/compiler-core/internal/fsatomic"
	"github.com/arcade-forge/compiler-core/pkg/cachestore"
	"github.com/arcade-forge/compiler-core/pkg/hashkey"
	"github.com/arcade-forge/compiler-core/pkg/stages"
)

func sampleRegistry() *stages.Registry {
	return stages.NewRegistry(
		[]stages.TemplateDef{{ID: "platformer", Version: "1.0.0"}},
		[]stages.ComponentDef{
			{Name: "player", Version: "1.0.0", Type: "actor"},
			{Name: "ground", Version: "1.0.0", Type: "actor"},
		},
	)
}

func writeTestAsset(t *testing.T, root, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(root, name)
	if err := os.WriteFile(p, data, 0o644); err != nil {
		t.Fatalf("write test asset: %v", err)
	}
	return p
}

func simpleRequest(assetPath string) stages.CompilationRequest {
	return stages.CompilationRequest{
		TemplateID: "platformer",
		Components: []stages.RequestComponent{{ID: "player"}, {ID: "ground"}},
		Targets:    []string{"desktop"},
		Assets:     []stages.AssetRef{{LogicalPath: "sprites/player.png", SourcePath: assetPath}},
	}
}

func newOrchestratorAt(t *testing.T, cacheRoot, assetRoot string) *Orchestrator {
	t.Helper()
	cfg := DefaultConfig(cacheRoot, 64<<20, []string{assetRoot})
	orc, err := New(cfg, sampleRegistry(), WithLogger(zap.NewNop()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return orc
}

func newTestOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	orc := newOrchestratorAt(t, t.TempDir(), t.TempDir())
	t.Cleanup(func() { _ = orc.Close() })
	return orc
}

func waitForJob(t *testing.T, orc *Orchestrator, id string) View {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		v, ok := orc.Status(id)
		if !ok {
			t.Fatalf("unknown job id %s", id)
		}
		if v.State == JobCompleted || v.State == JobFailed {
			return v
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("job %s did not terminate in time", id)
	return View{}
}

// Two back-to-back runs of an identical request, against the same cache
// root but distinct Orchestrator instances (one per "process"), produce the
// same cache_key and the second run serves every stage from the persistent
// store instead of recomputing.
func TestRepeatRequestAfterRestartHitsEveryStage(t *testing.T) {
	cacheRoot := t.TempDir()
	assetRoot := t.TempDir()
	assetPath := writeTestAsset(t, assetRoot, "player.png", []byte("pixels"))
	req := simpleRequest(assetPath)

	orc1 := newOrchestratorAt(t, cacheRoot, assetRoot)
	id1, err := orc1.Start(req)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	v1 := waitForJob(t, orc1, id1)
	if v1.State != JobCompleted {
		t.Fatalf("expected first run to complete, got %+v", v1)
	}
	if err := orc1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	orc2 := newOrchestratorAt(t, cacheRoot, assetRoot)
	defer orc2.Close()

	before := orc2.Stats()
	id2, err := orc2.Start(req)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	v2 := waitForJob(t, orc2, id2)
	if v2.State != JobCompleted {
		t.Fatalf("expected second run to complete, got %+v", v2)
	}
	after := orc2.Stats()

	if v1.Result.CacheKey != v2.Result.CacheKey {
		t.Fatalf("expected identical cache_key across runs, got %s vs %s", v1.Result.CacheKey, v2.Result.CacheKey)
	}
	if after.Hits <= before.Hits {
		t.Fatalf("expected the repeat run to register cache hits, before=%d after=%d", before.Hits, after.Hits)
	}
}

// Changing one component's configuration between runs invalidates
// resolve-inputs and every stage downstream of it, but leaves the prior
// package-assets entry in place since assets did not change.
func TestComponentConfigChangeInvalidatesOnlyDownstreamStages(t *testing.T) {
	orc := newTestOrchestrator(t)
	assetPath := writeTestAsset(t, orc.cfg.AllowedAssetRoots[0], "player.png", []byte("pixels"))

	req1 := simpleRequest(assetPath)
	req1.Components[0].Config = map[string]any{"speed": "5"}
	id1, err := orc.Start(req1)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	v1 := waitForJob(t, orc, id1)
	if v1.State != JobCompleted {
		t.Fatalf("expected first run to complete, got %+v", v1)
	}

	resolved1, err := stages.ResolveInputs(req1, orc.registry)
	if err != nil {
		t.Fatalf("ResolveInputs: %v", err)
	}
	ci1 := ciFromResolved(req1, resolved1)
	assetsHash1, err := ci1.StageHash(hashkey.StageAssets)
	if err != nil {
		t.Fatalf("StageHash: %v", err)
	}
	assetsKey1, err := cachestore.NewKey(compilationScope, assetsHash1, cachestore.StageAssets)
	if err != nil {
		t.Fatalf("NewKey: %v", err)
	}
	if _, _, ok, err := orc.store.Get(assetsKey1); err != nil || !ok {
		t.Fatalf("expected package-assets entry present after first run, ok=%v err=%v", ok, err)
	}

	req2 := simpleRequest(assetPath)
	req2.Components[0].Config = map[string]any{"speed": "9"}
	id2, err := orc.Start(req2)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	v2 := waitForJob(t, orc, id2)
	if v2.State != JobCompleted {
		t.Fatalf("expected second run to complete, got %+v", v2)
	}

	if v1.Result.CacheKey == v2.Result.CacheKey {
		t.Fatal("expected a different cache_key after changing component configuration")
	}
	if _, _, ok, err := orc.store.Get(assetsKey1); err != nil || !ok {
		t.Fatalf("expected the prior package-assets entry to remain present, ok=%v err=%v", ok, err)
	}
}

// An asset source path that escapes every allowed root fails package-assets
// with a security-policy error whose surfaced message never repeats the
// raw attempted path.
func TestPathTraversalAssetFailsWithRedactedSecurityError(t *testing.T) {
	orc := newTestOrchestrator(t)

	req := stages.CompilationRequest{
		TemplateID: "platformer",
		Components: []stages.RequestComponent{{ID: "player"}, {ID: "ground"}},
		Targets:    []string{"desktop"},
		Assets:     []stages.AssetRef{{LogicalPath: "sprites/evil.png", SourcePath: "../../../../etc/passwd"}},
	}

	id, err := orc.Start(req)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	v := waitForJob(t, orc, id)
	if v.State != JobFailed {
		t.Fatalf("expected job to fail, got state %s", v.State)
	}
	if len(v.Errors) != 1 {
		t.Fatalf("expected exactly one recorded error, got %+v", v.Errors)
	}

	fe := v.Errors[0]
	if fe.Kind != string(stages.ErrorKindSecurity) {
		t.Fatalf("expected a security_policy error, got kind %q", fe.Kind)
	}
	if strings.Contains(fe.Message, "etc/passwd") || strings.Contains(fe.Message, "..") {
		t.Fatalf("expected the surfaced message to be redacted of the raw path, got %q", fe.Message)
	}
}

// Pushing utilization over the cleanup threshold reclaims space on its own:
// every compile triggers an inline eviction check, so the test never calls
// ForceCleanup directly and utilization still ends up back under the
// configured ceiling.
func TestEvictionUnderPressureReclaimsAutomatically(t *testing.T) {
	assetRoot := t.TempDir()
	assetPath := writeTestAsset(t, assetRoot, "player.png", []byte("pixels"))
	cacheRoot := t.TempDir()

	cfg := DefaultConfig(cacheRoot, 32<<10, []string{assetRoot})
	cfg.CleanupThresholdPercent = 70
	cfg.TargetUtilizationPercent = 40
	cfg.L1MaxBytes = 0 // exercise the on-disk eviction engine directly

	orc, err := New(cfg, sampleRegistry(), WithLogger(zap.NewNop()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer orc.Close()

	for i := 0; i < 100; i++ {
		req := stages.CompilationRequest{
			TemplateID:    "platformer",
			Components:    []stages.RequestComponent{{ID: "player"}, {ID: "ground"}},
			Configuration: map[string]any{"seed": fmt.Sprintf("%d", i)},
			Targets:       []string{"desktop"},
			Assets:        []stages.AssetRef{{LogicalPath: "sprites/player.png", SourcePath: assetPath}},
		}
		id, err := orc.Start(req)
		if err != nil {
			t.Fatalf("Start iteration %d: %v", i, err)
		}
		v := waitForJob(t, orc, id)
		if v.State != JobCompleted {
			t.Fatalf("iteration %d failed: %+v", i, v.Errors)
		}
	}

	if util := orc.evictor.Utilization(); util > cfg.CleanupThresholdPercent {
		t.Fatalf("expected inline eviction to keep utilization near the target, got %.1f%%", util)
	}
	if orc.Stats().Evictions == 0 {
		t.Fatal("expected at least one automatic eviction to have run inline, without any explicit ForceCleanup call")
	}
}

// An interrupted publish leaves an orphan staging directory behind; a fresh
// Orchestrator pointed at the same cache root reaps it on startup, and the
// entry written before the simulated crash is still readable afterward.
func TestReopeningAfterInterruptedPublishReapsOrphansAndKeepsPriorEntry(t *testing.T) {
	cacheRoot := t.TempDir()
	assetRoot := t.TempDir()
	assetPath := writeTestAsset(t, assetRoot, "player.png", []byte("pixels"))
	req := simpleRequest(assetPath)

	orc1 := newOrchestratorAt(t, cacheRoot, assetRoot)
	id, err := orc1.Start(req)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	v := waitForJob(t, orc1, id)
	if v.State != JobCompleted {
		t.Fatalf("expected setup run to complete, got %+v", v)
	}
	if err := orc1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	orphan := fsatomic.StagingDir(cacheRoot)
	if err := os.MkdirAll(orphan, 0o755); err != nil {
		t.Fatalf("create orphan staging dir: %v", err)
	}

	orc2 := newOrchestratorAt(t, cacheRoot, assetRoot)
	defer orc2.Close()

	if _, statErr := os.Stat(orphan); !os.IsNotExist(statErr) {
		t.Fatalf("expected the orphan staging directory to be reaped on reopen, stat err=%v", statErr)
	}

	id2, err := orc2.Start(req)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	v2 := waitForJob(t, orc2, id2)
	if v2.State != JobCompleted {
		t.Fatalf("expected rerun after reopen to complete, got %+v", v2)
	}
	if v2.Result.CacheKey != v.Result.CacheKey {
		t.Fatal("expected identical cache_key across the simulated restart")
	}
}

// Compiling the same fixed request against two independent cache roots (two
// "machines") yields the same cache_key and byte-identical build output.
func TestDeterministicRebuildAcrossIndependentCacheRoots(t *testing.T) {
	assetRoot := t.TempDir()
	assetPath := writeTestAsset(t, assetRoot, "player.png", []byte("pixels"))
	req := simpleRequest(assetPath)

	orcA := newOrchestratorAt(t, t.TempDir(), assetRoot)
	defer orcA.Close()
	orcB := newOrchestratorAt(t, t.TempDir(), assetRoot)
	defer orcB.Close()

	idA, err := orcA.Start(req)
	if err != nil {
		t.Fatalf("Start A: %v", err)
	}
	vA := waitForJob(t, orcA, idA)

	idB, err := orcB.Start(req)
	if err != nil {
		t.Fatalf("Start B: %v", err)
	}
	vB := waitForJob(t, orcB, idB)

	if vA.State != JobCompleted || vB.State != JobCompleted {
		t.Fatalf("expected both runs to complete: %+v / %+v", vA, vB)
	}
	if vA.Result.CacheKey != vB.Result.CacheKey {
		t.Fatal("expected identical cache_key across independent cache roots")
	}
	if len(vA.Result.Outputs) != len(vB.Result.Outputs) {
		t.Fatalf("expected identical target sets, got %v vs %v", vA.Result.Outputs, vB.Result.Outputs)
	}

	for target, outDirA := range vA.Result.Outputs {
		outDirB, ok := vB.Result.Outputs[target]
		if !ok {
			t.Fatalf("target %s missing from the second run", target)
		}
		digestsA := digestOutputDir(t, outDirA)
		digestsB := digestOutputDir(t, outDirB)
		if !reflect.DeepEqual(digestsA, digestsB) {
			t.Fatalf("expected byte-identical build output for target %s, got %v vs %v", target, digestsA, digestsB)
		}
	}
}

// Concurrent Start calls for an identical request coalesce onto a single
// job id rather than launching duplicate compilations.
func TestConcurrentStartCoalescesDuplicateRequestsToOneJob(t *testing.T) {
	orc := newTestOrchestrator(t)
	assetPath := writeTestAsset(t, orc.cfg.AllowedAssetRoots[0], "player.png", []byte("pixels"))
	req := simpleRequest(assetPath)

	const n = 8
	ids := make([]string, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			id, err := orc.Start(req)
			if err != nil {
				t.Errorf("Start: %v", err)
				return
			}
			ids[i] = id
		}()
	}
	wg.Wait()

	first := ids[0]
	for i, id := range ids {
		if id != first {
			t.Fatalf("expected every concurrent Start for an identical request to coalesce onto one job id, ids[0]=%s ids[%d]=%s", first, i, id)
		}
	}

	v := waitForJob(t, orc, first)
	if v.State != JobCompleted {
		t.Fatalf("expected the coalesced job to complete, got %+v", v)
	}
}

func digestOutputDir(t *testing.T, dir string) map[string]string {
	t.Helper()
	out := make(map[string]string)
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		data, rerr := os.ReadFile(path)
		if rerr != nil {
			return rerr
		}
		rel, rerr := filepath.Rel(dir, path)
		if rerr != nil {
			return rerr
		}
		sum := sha256.Sum256(data)
		out[filepath.ToSlash(rel)] = hex.EncodeToString(sum[:])
		return nil
	})
	if err != nil {
		t.Fatalf("walk %s: %v", dir, err)
	}
	return out
}
