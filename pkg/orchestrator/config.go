package orchestrator

import "time"

// Config bundles the process-wide configuration knobs.
type Config struct {
	CacheRoot string
	MaxBytes  int64

	CleanupThresholdPercent  float64
	TargetUtilizationPercent float64
	StageWeights             map[string]int

	AllowedAssetRoots      []string
	AllowedAssetExtensions []string
	AssetMaxFileBytes      int64

	MetricsExportEveryWrites  int64
	MetricsExportEverySeconds time.Duration

	JobReaperTTL time.Duration // zero means "never reap"

	// L1MaxBytes, when positive, fronts the cache store with an in-process
	// hot cache of this byte budget so repeat stage lookups within the
	// process lifetime skip the disk read. Zero disables it.
	L1MaxBytes int64
	L1TTL      time.Duration
	L1Shards   uint8
}

// DefaultConfig returns documented defaults for everything except
// CacheRoot, MaxBytes and AllowedAssetRoots, which have no sane process-wide
// default and must be supplied by the caller.
func DefaultConfig(cacheRoot string, maxBytes int64, allowedAssetRoots []string) Config {
	return Config{
		CacheRoot:                 cacheRoot,
		MaxBytes:                  maxBytes,
		CleanupThresholdPercent:   85,
		TargetUtilizationPercent:  60,
		AllowedAssetRoots:         allowedAssetRoots,
		AllowedAssetExtensions:    []string{".png", ".jpg", ".jpeg", ".webp", ".wav", ".ogg", ".mp3", ".ttf", ".otf", ".json"},
		AssetMaxFileBytes:         32 << 20,
		MetricsExportEveryWrites:  100,
		MetricsExportEverySeconds: 30 * time.Second,
		L1MaxBytes:                maxBytes / 8,
		L1TTL:                     5 * time.Minute,
		L1Shards:                  16,
	}
}
