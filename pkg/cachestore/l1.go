package cachestore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/arcade-forge/compiler-core/internal/clockpro"
	"github.com/arcade-forge/compiler-core/pkg/l1hot"
)

// l1Payload is the value type held in the in-process hot cache: the raw
// entry bytes plus enough metadata to answer a Get without touching disk.
// Stage rides along so an eviction from the hot cache can still be
// attributed to the pipeline stage it belongs to, the same attribution the
// on-disk eviction engine reports through Sink.RecordEviction.
type l1Payload struct {
	Data  json.RawMessage
	Meta  Metadata
	Stage Stage
}

// WithL1Cache fronts the store with an in-process l1hot.Cache of the given
// byte budget, TTL and shard count. Repeat Get calls for the same key
// within the process lifetime are answered from memory; disk is only
// consulted on an L1 miss, and every successful Put populates L1 as well
// as disk so the two stay consistent.
func WithL1Cache(maxBytes int64, ttl time.Duration, shards uint8) Option {
	return func(s *Store) {
		s.l1MaxBytes, s.l1TTL, s.l1Shards = maxBytes, ttl, shards
	}
}

func (s *Store) initL1() error {
	if s.l1MaxBytes <= 0 {
		return nil
	}
	l1, err := l1hot.New[string, l1Payload](s.l1MaxBytes, s.l1TTL, s.l1Shards,
		l1hot.WithLogger[string, l1Payload](s.logger),
		l1hot.WithWeightFn[string, l1Payload](func(p l1Payload) int {
			if w := len(p.Data); w > 0 {
				return w
			}
			return 1
		}),
		// CLOCK-Pro only ever displaces a hot-cache resident for capacity
		// reasons (genRing rotation frees arenas without calling this
		// callback), so every call here is a real memory-pressure eviction
		// worth counting per stage, same as a disk eviction.
		l1hot.WithEjectCallback[string, l1Payload](func(_ string, p l1Payload, reason clockpro.EvictionReason) {
			if reason == clockpro.ReasonCapacity {
				s.sink.RecordEviction(string(p.Stage))
			}
		}),
	)
	if err != nil {
		return fmt.Errorf("cachestore: init l1 cache: %w", err)
	}
	s.l1 = l1
	return nil
}

// getL1 answers a Get through the hot cache, falling back to the disk read
// on a miss; a successful disk read populates L1 for next time. The disk
// path (inside the loader) records its own hit/miss through the Sink;
// an in-memory hit here records one of its own, since it never reaches
// getFromDisk.
func (s *Store) getL1(key Key) (json.RawMessage, Metadata, bool, error) {
	missedMemory := false
	entry, err := s.l1.GetOrLoad(context.Background(), key.String(), func(_ context.Context, _ string) (l1Payload, error) {
		missedMemory = true
		data, meta, ok, gerr := s.getFromDisk(key)
		if gerr != nil {
			return l1Payload{}, gerr
		}
		if !ok {
			return l1Payload{}, errL1Miss
		}
		payload := l1Payload{Data: data, Meta: meta, Stage: key.Stage}
		s.l1.Put(context.Background(), key.String(), payload, len(data))
		return payload, nil
	})
	if err != nil {
		if err == errL1Miss {
			return nil, Metadata{}, false, nil
		}
		return nil, Metadata{}, false, err
	}
	if !missedMemory {
		s.sink.RecordHit(string(key.Stage))
	}
	return entry.Data, entry.Meta, true, nil
}

// errL1Miss signals "not found on disk either" out of the GetOrLoad loader
// without being treated as a real I/O error by callers.
var errL1Miss = fmt.Errorf("cachestore: l1 loader miss")
