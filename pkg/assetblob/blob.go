// Package assetblob is a content-addressed blob store for packaged asset
// bytes, built on an embedded Badger database: an L2 store consulted on a
// cache miss, generalized into a deduplicating store that the
// package-assets stage writes through:
// byte-identical assets packaged across unrelated compilation requests
// share one physical copy.
//
// © 2025 compiler-core authors. MIT License.
package assetblob

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
)

// Store wraps a badger.DB keyed by the sha256 hex digest of the stored
// bytes.
type Store struct {
	db *badger.DB
}

// Open opens (creating if necessary) a blob store at dir.
func Open(dir string) (*Store, error) {
	db, err := badger.Open(badger.DefaultOptions(dir).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("assetblob: open badger at %s: %w", dir, err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Digest computes the content key for a blob without storing it.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Put stores data keyed by its own content digest and returns that digest.
// Writing the same bytes twice is a cheap no-op from the caller's
// perspective (Badger's Set on an identical value is idempotent).
func (s *Store) Put(data []byte) (digest string, err error) {
	digest = Digest(data)
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(digest), data)
	})
	if err != nil {
		return "", fmt.Errorf("assetblob: put: %w", err)
	}
	return digest, nil
}

// Get retrieves a blob by digest.
func (s *Store) Get(digest string) (data []byte, ok bool, err error) {
	err = s.db.View(func(txn *badger.Txn) error {
		item, gerr := txn.Get([]byte(digest))
		if gerr == badger.ErrKeyNotFound {
			return nil
		}
		if gerr != nil {
			return gerr
		}
		ok = true
		return item.Value(func(b []byte) error {
			data = append([]byte(nil), b...)
			return nil
		})
	})
	if err != nil {
		return nil, false, fmt.Errorf("assetblob: get: %w", err)
	}
	return data, ok, nil
}

// Count returns the number of blobs currently stored, used by /stats-style
// endpoints.
func (s *Store) Count() (int, error) {
	var n int
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("assetblob: count: %w", err)
	}
	return n, nil
}
