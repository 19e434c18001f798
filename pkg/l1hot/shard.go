package l1hot

import "context"

// getOrLoad retrieves a value from the shard or loads it using the provided loader function.
func (s *shard[K, V]) getOrLoad(ctx context.Context, key K, loader LoaderFunc[K, V]) (V, error) {
    // Attempt to get the value from the shard
    if val, ok := s.get(key); ok {
        return val, nil
    }
    // Load the value using the loader function
    return loader(ctx, key)
}

// sizeBytes returns the total size in bytes of the shard.
func (s *shard[K, V]) sizeBytes() int64 {
    // Calculate the size based on the entries in the shard
    var total int64
    for _, entry := range s.index {
        total += int64(entry.weight)
    }
    return total
}

// close releases resources used by the shard.
func (s *shard[K, V]) close() {
    // Perform any necessary cleanup for the shard
    // For example, freeing arenas or clearing indices
    s.index = nil
    s.clock = nil
    s.genRing = nil
}
