package l1hot

// loaderfunc.go defines LoaderFunc – the user‑supplied callback that produces a
// value when Cache.GetOrLoad misses.  We place it in its own file so that it
// can be imported by multiple sub‑packages (cache.go, loader.go, etc.) without
// causing an import cycle.
//
// • GetOrLoad calls the loader without holding any shard lock and does not
//   store the value it returns; a loader that wants the value cached calls
//   Cache.Put itself (cachestore's L1 loader does exactly that).
// • It should honour the provided context for cancellation and deadlines.
// • If the loader returns an error, the error is propagated to the caller of
//   GetOrLoad.
//
// K – key type, comparable (same as Cache).
// V – value type.
//
// © 2025 compiler-core authors. MIT License.

import "context"

// LoaderFunc is invoked by GetOrLoad when a key is absent. Implementations
// return the loaded value or an error.  The same LoaderFunc instance
// may be invoked concurrently by different keys; it must therefore be
// thread‑safe.

type LoaderFunc[K comparable, V any] func(ctx context.Context, key K) (V, error)
