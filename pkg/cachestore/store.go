// Package cachestore implements the persistent on-disk cache manager: a
// concurrent-safe mapping from Key to (payload, metadata, last-access),
// with atomic durable writes.
//
// The write path carries the per-key mutex and atomic counter discipline of
// an in-memory index over to on-disk directories published via
// internal/fsatomic.
//
// © 2025 compiler-core authors. MIT License.
package cachestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/arcade-forge/compiler-core/internal/fsatomic"
	"github.com/arcade-forge/compiler-core/pkg/l1hot"
)

// Sink receives instrumentation events. It is declared here, consumer
// side, so cachestore never imports pkg/metrics — any type with these
// methods (including metrics.Collector) satisfies it.
type Sink interface {
	RecordHit(stage string)
	RecordMiss(stage string)
	RecordWrite(stage string, bytes int64, dur time.Duration)
	RecordError(stage string)
	RecordCorruption(stage string)
	RecordEviction(stage string)
}

type noopSink struct{}

func (noopSink) RecordHit(string)                       {}
func (noopSink) RecordMiss(string)                      {}
func (noopSink) RecordWrite(string, int64, time.Duration) {}
func (noopSink) RecordError(string)                     {}
func (noopSink) RecordCorruption(string)                {}
func (noopSink) RecordEviction(string)                  {}

// Store is the persistent cache store. It is safe for concurrent use by
// arbitrarily many goroutines.
type Store struct {
	root   string
	logger *zap.Logger
	sink   Sink

	locks *keyLocks

	totalBytes atomic.Int64
	entryCount atomic.Int64

	l1         *l1hot.Cache[string, l1Payload]
	l1MaxBytes int64
	l1TTL      time.Duration
	l1Shards   uint8
}

// Option configures Open using the functional-option pattern.
type Option func(*Store)

// WithLogger plugs a zap.Logger; the store never logs on the read/write hot
// path, only on corruption, reap, and eviction-adjacent events.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithSink plugs an instrumentation Sink; the default is a no-op.
func WithSink(sink Sink) Option {
	return func(s *Store) {
		if sink != nil {
			s.sink = sink
		}
	}
}

// Open opens (creating if necessary) a cache store rooted at root,
// performing a startup recovery pass: reaping orphan staging/backup
// directories and rebuilding the in-memory size accounting. An entry whose
// data and metadata are inconsistent is left out of the accounting but is
// neither removed nor logged here; it stays on disk until it is overwritten
// or a Get discards it (Get discards entries with malformed metadata,
// missing data or a size mismatch).
func Open(root string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("cachestore: mkdir root: %w", err)
	}

	s := &Store{
		root:   root,
		logger: zap.NewNop(),
		sink:   noopSink{},
		locks:  newKeyLocks(),
	}
	for _, opt := range opts {
		opt(s)
	}

	reaped, err := fsatomic.ReapOrphans(root)
	if err != nil {
		return nil, fmt.Errorf("cachestore: reap orphans: %w", err)
	}
	if reaped > 0 {
		s.logger.Info("reaped orphan staging/backup directories", zap.Int("count", reaped))
	}

	if err := s.rebuildAccounting(); err != nil {
		return nil, fmt.Errorf("cachestore: rebuild accounting: %w", err)
	}

	if err := s.initL1(); err != nil {
		return nil, err
	}

	return s, nil
}

// Close releases the in-process hot cache, if one was configured via
// WithL1Cache. A store opened without an L1 cache has nothing to release.
func (s *Store) Close() error {
	if s.l1 != nil {
		s.l1.Close()
	}
	return nil
}

func (s *Store) rebuildAccounting() error {
	var total int64
	var count int64
	entries, err := s.listEntriesUnlocked()
	if err != nil {
		return err
	}
	for _, e := range entries {
		total += e.SizeBytes
		count++
	}
	s.totalBytes.Store(total)
	s.entryCount.Store(count)
	return nil
}

// Get reads an entry, consulting the in-process hot cache first when one
// is configured (see WithL1Cache) and falling back to disk on a miss.
func (s *Store) Get(key Key) (payload json.RawMessage, meta Metadata, ok bool, err error) {
	if s.l1 != nil {
		return s.getL1(key)
	}
	return s.getFromDisk(key)
}

// getFromDisk reads an entry straight off disk: metadata first, absence
// treated as a miss; then data, size mismatch treated as a miss plus a
// logged corruption event; last_access touched only after a successful
// read.
func (s *Store) getFromDisk(key Key) (payload json.RawMessage, meta Metadata, ok bool, err error) {
	dir := key.path(s.root)

	metaBytes, err := os.ReadFile(filepath.Join(dir, metadataFileName))
	if err != nil {
		if os.IsNotExist(err) {
			s.sink.RecordMiss(string(key.Stage))
			return nil, Metadata{}, false, nil
		}
		return nil, Metadata{}, false, fmt.Errorf("cachestore: read metadata: %w", err)
	}

	var m Metadata
	if err := json.Unmarshal(metaBytes, &m); err != nil {
		s.discardCorrupt(key, "malformed metadata.json")
		return nil, Metadata{}, false, nil
	}

	dataBytes, err := os.ReadFile(filepath.Join(dir, dataFileName))
	if err != nil {
		if os.IsNotExist(err) {
			s.discardCorrupt(key, "metadata.json present without data.json")
			return nil, Metadata{}, false, nil
		}
		return nil, Metadata{}, false, fmt.Errorf("cachestore: read data: %w", err)
	}

	if int64(len(dataBytes)) != m.SizeBytes {
		s.discardCorrupt(key, "size_bytes mismatch against data.json")
		return nil, Metadata{}, false, nil
	}

	s.touchLastAccess(dir)
	s.sink.RecordHit(string(key.Stage))
	return json.RawMessage(dataBytes), m, true, nil
}

func (s *Store) discardCorrupt(key Key, reason string) {
	s.logger.Warn("discarding corrupt cache entry", zap.String("key", key.String()), zap.String("reason", reason))
	s.sink.RecordCorruption(string(key.Stage))
	_ = s.locks.withLock(key.String(), func() error {
		return s.removeEntryLocked(key)
	})
}

func (s *Store) touchLastAccess(dir string) {
	path := filepath.Join(dir, lastAccessFile)
	now := time.Now()
	// The file's own mtime is the timestamp; touching it is sufficient,
	// content is irrelevant and kept empty.
	if err := os.Chtimes(path, now, now); err != nil {
		if os.IsNotExist(err) {
			_ = os.WriteFile(path, nil, 0o644)
			return
		}
	}
}

// Put writes a new entry (or overwrites an existing one) atomically,
// following the staging/backup/rename protocol in internal/fsatomic.
func (s *Store) Put(key Key, payload json.RawMessage, custom map[string]any, buildTime *time.Duration) (wrote bool, err error) {
	start := time.Now()
	defer func() {
		if err != nil {
			s.sink.RecordError(string(key.Stage))
		}
	}()

	dest := key.path(s.root)
	scope := scopeDir(s.root, key.Scope)
	if err := os.MkdirAll(scope, 0o755); err != nil {
		return false, fmt.Errorf("cachestore: mkdir scope: %w", err)
	}
	staging := fsatomic.StagingDir(filepath.Dir(dest))
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return false, fmt.Errorf("cachestore: mkdir staging: %w", err)
	}

	meta := Metadata{
		CreatedAt: time.Now().UTC(),
		SizeBytes: int64(len(payload)),
		Custom:    custom,
	}
	if buildTime != nil {
		secs := buildTime.Seconds()
		meta.BuildTimeS = &secs
	}
	metaBytes, jerr := json.Marshal(meta)
	if jerr != nil {
		_ = os.RemoveAll(staging)
		return false, fmt.Errorf("cachestore: marshal metadata: %w", jerr)
	}

	if err := fsatomic.WriteFile(filepath.Join(staging, dataFileName), payload, 0o644); err != nil {
		_ = os.RemoveAll(staging)
		return false, err
	}
	if err := fsatomic.WriteFile(filepath.Join(staging, metadataFileName), metaBytes, 0o644); err != nil {
		_ = os.RemoveAll(staging)
		return false, err
	}
	if err := fsatomic.WriteFile(filepath.Join(staging, lastAccessFile), nil, 0o644); err != nil {
		_ = os.RemoveAll(staging)
		return false, err
	}

	var previousSize int64
	var hadPrevious bool

	publishErr := s.locks.withLock(key.String(), func() error {
		if prevMeta, perr := readMetadataOnly(dest); perr == nil {
			previousSize = prevMeta.SizeBytes
			hadPrevious = true
		}
		return fsatomic.Publish(staging, dest)
	})
	if publishErr != nil {
		return false, fmt.Errorf("cachestore: publish: %w", publishErr)
	}

	if hadPrevious {
		s.totalBytes.Add(meta.SizeBytes - previousSize)
	} else {
		s.totalBytes.Add(meta.SizeBytes)
		s.entryCount.Add(1)
	}

	s.sink.RecordWrite(string(key.Stage), meta.SizeBytes, time.Since(start))
	if s.l1 != nil {
		s.l1.Put(context.Background(), key.String(), l1Payload{Data: payload, Meta: meta, Stage: key.Stage}, len(payload))
	}
	return true, nil
}

func readMetadataOnly(dir string) (Metadata, error) {
	b, err := os.ReadFile(filepath.Join(dir, metadataFileName))
	if err != nil {
		return Metadata{}, err
	}
	var m Metadata
	if err := json.Unmarshal(b, &m); err != nil {
		return Metadata{}, err
	}
	return m, nil
}

// removeEntryLocked deletes the entry directory; caller must already hold
// the per-key lock.
func (s *Store) removeEntryLocked(key Key) error {
	dir := key.path(s.root)
	meta, err := readMetadataOnly(dir)
	existed := err == nil
	// Rename the entry out of its final path first so it disappears in one
	// step; the renamed directory is then deleted best-effort, and any
	// leftover is reaped by fsatomic.ReapOrphans on the next Open.
	grave := fsatomic.StagingDir(filepath.Dir(dir))
	if rerr := os.Rename(dir, grave); rerr != nil {
		if !os.IsNotExist(rerr) {
			return rerr
		}
	} else {
		_ = os.RemoveAll(grave)
	}
	if existed {
		s.totalBytes.Add(-meta.SizeBytes)
		s.entryCount.Add(-1)
	}
	if s.l1 != nil {
		s.l1.Delete(key.String())
	}
	return nil
}

// RemoveEntry removes a single entry, acquiring its per-key lock first. It
// is exposed for the eviction engine, which acquires each candidate's
// per-key mutex briefly and removes the directory atomically.
func (s *Store) RemoveEntry(key Key) error {
	return s.locks.withLock(key.String(), func() error {
		return s.removeEntryLocked(key)
	})
}

// Invalidate removes every entry under scope whose identifier matches the
// shell-style glob pattern (plain filepath.Match semantics).
func (s *Store) Invalidate(scope, identifierGlob string) (int, error) {
	entries, err := s.ListEntries()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, e := range entries {
		if e.Key.Scope != scope {
			continue
		}
		matched, merr := filepath.Match(identifierGlob, e.Key.Identifier)
		if merr != nil {
			return removed, fmt.Errorf("cachestore: bad glob %q: %w", identifierGlob, merr)
		}
		if !matched {
			continue
		}
		if err := s.RemoveEntry(e.Key); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// ListEntries enumerates every fully-present entry (data and metadata both
// exist and agree on size) across all scopes and stages. It does not
// update last_access.
func (s *Store) ListEntries() ([]EntryInfo, error) {
	return s.listEntriesUnlocked()
}

func (s *Store) listEntriesUnlocked() ([]EntryInfo, error) {
	var out []EntryInfo
	scopes, err := os.ReadDir(s.root)
	if err != nil {
		return nil, err
	}
	for _, scopeEnt := range scopes {
		if !scopeEnt.IsDir() || strings.HasPrefix(scopeEnt.Name(), "_") {
			continue
		}
		scopeName := scopeEnt.Name()
		idents, err := os.ReadDir(filepath.Join(s.root, scopeName))
		if err != nil {
			continue
		}
		for _, identEnt := range idents {
			if !identEnt.IsDir() || strings.HasPrefix(identEnt.Name(), "_") {
				continue
			}
			identName := identEnt.Name()
			stages, err := os.ReadDir(filepath.Join(s.root, scopeName, identName))
			if err != nil {
				continue
			}
			for _, stageEnt := range stages {
				if !stageEnt.IsDir() || strings.HasPrefix(stageEnt.Name(), "_") {
					continue
				}
				stage := Stage(stageEnt.Name())
				if _, ok := validStages[stage]; !ok {
					continue
				}
				key := Key{Scope: scopeName, Identifier: identName, Stage: stage}
				dir := key.path(s.root)
				meta, merr := readMetadataOnly(dir)
				if merr != nil {
					continue // not fully present: invisible to readers
				}
				dataInfo, derr := os.Stat(filepath.Join(dir, dataFileName))
				if derr != nil {
					continue
				}
				if dataInfo.Size() != meta.SizeBytes {
					continue // size mismatch: treated the same as absent
				}
				lastAccess := meta.CreatedAt
				if laInfo, laErr := os.Stat(filepath.Join(dir, lastAccessFile)); laErr == nil {
					lastAccess = laInfo.ModTime()
				}
				out = append(out, EntryInfo{
					Key:        key,
					SizeBytes:  meta.SizeBytes,
					CreatedAt:  meta.CreatedAt,
					LastAccess: lastAccess,
					Pinned:     meta.Pinned,
				})
			}
		}
	}
	return out, nil
}

// TotalBytes returns the live accounting total, tracked with an atomic
// counter rather than recomputed on every call.
func (s *Store) TotalBytes() int64 { return s.totalBytes.Load() }

// EntryCount returns the live accounting count.
func (s *Store) EntryCount() int64 { return s.entryCount.Load() }

// Root returns the store's root directory, used by callers (e.g. the
// eviction engine's periodic sweep) that need to re-walk the filesystem.
func (s *Store) Root() string { return s.root }

// Pin marks an entry as exempt from eviction by setting a pinned flag in
// its metadata.
func (s *Store) Pin(key Key, pinned bool) error {
	return s.locks.withLock(key.String(), func() error {
		dir := key.path(s.root)
		meta, err := readMetadataOnly(dir)
		if err != nil {
			return fmt.Errorf("cachestore: pin: %w", err)
		}
		meta.Pinned = pinned
		b, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		return fsatomic.WriteFile(filepath.Join(dir, metadataFileName), b, 0o644)
	})
}

// ErrNotFound is returned by helpers that look up a single entry by key when
// no such entry is present.
var ErrNotFound = errors.New("cachestore: entry not found")
