// Package fsatomic implements the staging/backup/rename protocol that gives
// the cache store its atomic, durable writes. It has no knowledge of cache
// keys or metadata schemas; it only
// knows how to publish a directory of files atomically and how to reap
// leftovers from an interrupted publish.
//
// © 2025 compiler-core authors. MIT License.
package fsatomic

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"
)

const (
	stagingPrefix = "_staging-"
	backupPrefix  = "_backup-"
)

var counter atomic.Uint64

func uniqueSuffix() string {
	return strconv.FormatInt(time.Now().UnixNano(), 36) + "-" + strconv.FormatUint(counter.Add(1), 36)
}

// StagingDir returns a fresh, not-yet-created staging directory name inside
// parent. The name is prefixed with an underscore so it is never mistaken
// for a valid entry name by a directory listing.
func StagingDir(parent string) string {
	return filepath.Join(parent, stagingPrefix+uniqueSuffix())
}

func backupDir(parent string) string {
	return filepath.Join(parent, backupPrefix+uniqueSuffix())
}

// WriteFile writes data to path inside a staging directory, fsyncing the
// file descriptor before returning, per step 2 of the protocol.
func WriteFile(path string, data []byte, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("fsatomic: open %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("fsatomic: write %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("fsatomic: fsync %s: %w", path, err)
	}
	return f.Close()
}

// SyncDir fsyncs a directory's metadata — required after creating or
// renaming entries inside it so the directory entry itself is durable.
func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("fsatomic: open dir %s: %w", dir, err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("fsatomic: fsync dir %s: %w", dir, err)
	}
	return nil
}

// Publish atomically replaces dest with the contents of staging, following
// steps 3–5 of the protocol:
//
//  1. rename dest -> backup (if dest exists)
//  2. rename staging -> dest
//  3. on failure of step 2, rename backup back to dest and fail
//  4. on success, best-effort remove backup
//
// The parent directory of dest need not exist beforehand; Publish creates
// it if missing (first write for a brand new key).
func Publish(staging, dest string) error {
	parent := filepath.Dir(dest)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return fmt.Errorf("fsatomic: mkdir %s: %w", parent, err)
	}
	if err := SyncDir(staging); err != nil {
		return err
	}

	var backup string
	if _, err := os.Stat(dest); err == nil {
		backup = backupDir(parent)
		if err := os.Rename(dest, backup); err != nil {
			return fmt.Errorf("fsatomic: rename old to backup: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("fsatomic: stat dest: %w", err)
	}

	if err := os.Rename(staging, dest); err != nil {
		if backup != "" {
			if rerr := os.Rename(backup, dest); rerr != nil {
				return fmt.Errorf("fsatomic: rename staging to dest failed (%v) and restore of backup also failed: %w", err, rerr)
			}
		}
		return fmt.Errorf("fsatomic: rename staging to dest: %w", err)
	}

	if err := SyncDir(parent); err != nil {
		return err
	}

	if backup != "" {
		_ = os.RemoveAll(backup) // best-effort per step 5
	}
	return nil
}

// ReapOrphans walks root recursively (scope/identifier/stage directories are
// three levels deep, and staging/backup dirs are created as siblings of the
// final destination at every level) and removes any leftover staging or
// backup directory from an interrupted Publish. It is meant to run once at
// cache-store startup.
func ReapOrphans(root string) (removed int, err error) {
	err = filepath.WalkDir(root, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if !d.IsDir() || path == root {
			return nil
		}
		name := d.Name()
		if hasPrefix(name, stagingPrefix) || hasPrefix(name, backupPrefix) {
			if rmErr := os.RemoveAll(path); rmErr != nil {
				return rmErr
			}
			removed++
			return filepath.SkipDir
		}
		return nil
	})
	return removed, err
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
