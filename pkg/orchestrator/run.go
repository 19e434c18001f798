package orchestrator

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/arcade-forge/compiler-core/pkg/cachestore"
	"github.com/arcade-forge/compiler-core/pkg/hashkey"
	"github.com/arcade-forge/compiler-core/pkg/stages"
)

const compilationScope = "compilation"

// memoize wraps stages.Memoize so every stage write is followed by an
// inline utilization check: once a Put actually lands (cached is false),
// MaybeEvict runs and reclaims space the moment the configured cleanup
// threshold is crossed, rather than waiting on ForceCleanup to be called
// out of band.
func memoize[Out any](o *Orchestrator, key cachestore.Key, fn func() (Out, error)) (Out, bool, error) {
	out, cached, err := stages.Memoize(o.store, key, fn)
	if err == nil && !cached {
		if _, everr := o.evictor.MaybeEvict(); everr != nil {
			o.logger.Warn("inline eviction check failed", zap.String("key", key.String()), zap.Error(everr))
		}
	}
	return out, cached, err
}

// runJob drives one job through resolve-inputs, package-assets,
// generate-code (each shared across targets) and then fans the per-target
// build stages out in parallel.
func (o *Orchestrator) runJob(job *Job, req stages.CompilationRequest) {
	job.transition(JobValidating, "resolve-inputs", 5)

	rawInputs := toCompilationInputs(req, nil)

	resolved, err := o.stageResolveInputs(job, rawInputs, req)
	if err != nil {
		o.failJob(job, "resolve-inputs", "", err)
		return
	}

	ci := ciFromResolved(req, resolved)

	job.transition(JobResolving, "package-assets", 20)

	manifest, packedDir, err := o.stagePackageAssets(ci, resolved)
	if err != nil {
		o.failJob(job, "package-assets", "", err)
		return
	}

	job.transition(JobPackaging, "generate-code", 40)

	code, err := o.stageGenerateCode(ci, resolved, manifest)
	if err != nil {
		o.failJob(job, "generate-code", "", err)
		return
	}

	job.transition(JobGenerating, "build", 60)
	job.transition(JobBuilding, "build", 65)

	var mu sync.Mutex
	outputs := make(map[string]string)

	buildErr := o.runTargetsParallel(resolved.Targets, func(target string) error {
		outDir, berr := o.stageBuild(ci, target, code, manifest, packedDir)
		if berr != nil {
			job.addError(toFieldError(berr, "build-"+target, target))
			return berr
		}
		mu.Lock()
		outputs[target] = outDir
		mu.Unlock()
		return nil
	})

	if buildErr != nil && len(outputs) == 0 {
		o.failJob(job, "build", "", buildErr)
		return
	}

	hash, _ := ci.Hash()
	snap := job.snapshot()
	result := &Result{
		CompilationID: job.ID,
		CacheKey:      hash,
		Outputs:       outputs,
		Metadata: ResultMetadata{
			AssetManifestVersion: manifest.Version,
			ComponentCount:       len(resolved.Components),
			TemplateID:           resolved.Template.ID,
		},
		CreatedAt: time.Now(),
		Errors:    snap.Errors,
		Warnings:  snap.Warnings,
	}
	job.complete(result)
}

// failJob records the failure on the job and logs it. Stage functions
// already return *stages.Error; anything else is wrapped with kind
// "execution" so the field is never empty.
func (o *Orchestrator) failJob(job *Job, stage, target string, err error) {
	o.logger.Warn("compilation stage failed", zap.String("job", job.ID), zap.String("stage", stage), zap.Error(err))
	job.fail(toFieldError(err, stage, target))
}

func toFieldError(err error, stage, target string) FieldError {
	if se, ok := err.(*stages.Error); ok {
		t := se.Target
		if t == "" {
			t = target
		}
		return FieldError{Kind: string(se.Kind), Message: se.Message, Stage: se.Stage, Target: t}
	}
	return FieldError{Kind: "execution", Message: err.Error(), Stage: stage, Target: target}
}

func (o *Orchestrator) stageResolveInputs(job *Job, ci hashkey.CompilationInputs, req stages.CompilationRequest) (stages.ResolvedInputs, error) {
	keyHash, err := ci.StageHash(hashkey.StageInputs)
	if err != nil {
		return stages.ResolvedInputs{}, err
	}
	key, err := cachestore.NewKey(compilationScope, keyHash, cachestore.StageInputs)
	if err != nil {
		return stages.ResolvedInputs{}, err
	}

	result, _, err := memoize(o, key, func() (stages.ResolvedInputs, error) {
		return stages.ResolveInputs(req, o.registry)
	})
	return result, err
}

func (o *Orchestrator) stagePackageAssets(ci hashkey.CompilationInputs, resolved stages.ResolvedInputs) (stages.AssetManifest, string, error) {
	keyHash, err := ci.StageHash(hashkey.StageAssets)
	if err != nil {
		return stages.AssetManifest{}, "", err
	}
	key, err := cachestore.NewKey(compilationScope, keyHash, cachestore.StageAssets)
	if err != nil {
		return stages.AssetManifest{}, "", err
	}

	packedDir := filepath.Join(o.cfg.CacheRoot, "packed-assets", keyHash)

	manifest, _, err := memoize(o, key, func() (stages.AssetManifest, error) {
		return stages.PackageAssets(resolved, o.policy, o.blobs, packedDir)
	})
	return manifest, packedDir, err
}

func (o *Orchestrator) stageGenerateCode(ci hashkey.CompilationInputs, resolved stages.ResolvedInputs, manifest stages.AssetManifest) (stages.GeneratedCode, error) {
	keyHash, err := ci.StageHash(hashkey.StageCode)
	if err != nil {
		return stages.GeneratedCode{}, err
	}
	key, err := cachestore.NewKey(compilationScope, keyHash, cachestore.StageCode)
	if err != nil {
		return stages.GeneratedCode{}, err
	}

	code, _, err := memoize(o, key, func() (stages.GeneratedCode, error) {
		return stages.GenerateCode(resolved, manifest)
	})
	return code, err
}

func (o *Orchestrator) stageBuild(ci hashkey.CompilationInputs, target string, code stages.GeneratedCode, manifest stages.AssetManifest, packedDir string) (string, error) {
	ci.Target = target

	var stageKind hashkey.StageKind
	var cacheStage cachestore.Stage
	switch target {
	case "desktop":
		stageKind, cacheStage = hashkey.StageDesktop, cachestore.StageDesktop
	case "web":
		stageKind, cacheStage = hashkey.StageWeb, cachestore.StageWeb
	default:
		return "", fmt.Errorf("orchestrator: unknown target %q", target)
	}

	keyHash, err := ci.StageHash(stageKind)
	if err != nil {
		return "", err
	}
	key, err := cachestore.NewKey(compilationScope, keyHash, cacheStage)
	if err != nil {
		return "", err
	}

	outDir := filepath.Join(o.cfg.CacheRoot, "builds", keyHash)

	var buildFn func() (stages.BuildOutput, error)
	switch target {
	case "desktop":
		buildFn = func() (stages.BuildOutput, error) { return stages.BuildDesktop(code, manifest, outDir) }
	case "web":
		buildFn = func() (stages.BuildOutput, error) { return stages.BuildWeb(code, manifest, outDir) }
	}

	if _, _, err := memoize(o, key, buildFn); err != nil {
		return "", err
	}
	return outDir, nil
}

// ciFromResolved rebuilds the hash input tuple from the registry-resolved
// form, so downstream stage keys see the resolved registry fields
// (registry_name/version/type) instead of the caller-supplied zero values
// used for the resolve-inputs key itself.
func ciFromResolved(req stages.CompilationRequest, resolved stages.ResolvedInputs) hashkey.CompilationInputs {
	comps := make([]hashkey.ResolvedComponent, len(resolved.Components))
	for i, c := range resolved.Components {
		comps[i] = hashkey.ResolvedComponent{
			ID:           c.ID,
			Config:       c.Config,
			RegistryName: c.Registry.Name,
			RegistryVer:  c.Registry.Version,
			RegistryType: c.Registry.Type,
		}
	}
	assets := make([]hashkey.ResolvedAsset, len(resolved.Assets))
	for i, a := range resolved.Assets {
		assets[i] = hashkey.ResolvedAsset{LogicalPath: a.LogicalPath, SourcePath: a.SourcePath, Transform: a.Transform}
	}
	return hashkey.CompilationInputs{
		TemplateID:      resolved.Template.ID,
		TemplateVersion: resolved.Template.Version,
		Components:      comps,
		Configuration:   resolved.Configuration,
		Assets:          assets,
	}
}
