package stages

import (
	"encoding/json"
	"time"

	"github.com/arcade-forge/compiler-core/pkg/cachestore"
)

// Memoize implements the stage caching wrapper every pipeline stage uses:
//
//	key = hash(stage_inputs)
//	on get(key) hit: return cached payload
//	payload = stage_fn(stage_input)
//	put(key, payload, {build_time})
//	return payload
//
// It is a cache-store-backed, JSON-serialized get-or-compute usable by any
// of the five stage functions.
func Memoize[Out any](store *cachestore.Store, key cachestore.Key, fn func() (Out, error)) (out Out, cached bool, err error) {
	if raw, _, ok, gerr := store.Get(key); gerr == nil && ok {
		var decoded Out
		if jerr := json.Unmarshal(raw, &decoded); jerr == nil {
			return decoded, true, nil
		}
		// Fall through to recompute: a decode failure here means the
		// payload shape changed underneath an unchanged hash, which should
		// not happen in practice but must never panic a caller.
	}

	start := time.Now()
	result, ferr := fn()
	if ferr != nil {
		return result, false, ferr
	}
	elapsed := time.Since(start)

	payload, jerr := json.Marshal(result)
	if jerr != nil {
		return result, false, jerr
	}
	if _, werr := store.Put(key, payload, nil, &elapsed); werr != nil {
		return result, false, werr
	}
	return result, false, nil
}
