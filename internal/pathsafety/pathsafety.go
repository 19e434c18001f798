// Package pathsafety implements the asset path validation rules used by the
// package-assets stage, applied in priority order.
//
// © 2025 compiler-core authors. MIT License.
package pathsafety

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Policy bundles the configurable knobs: allowed roots,
// allowed extensions (case-insensitive) and a max file size.
type Policy struct {
	AllowedRoots      []string
	AllowedExtensions map[string]struct{} // lower-cased, including leading dot
	MaxFileBytes      int64
}

// NewPolicy builds a Policy, lower-casing and dot-normalizing extensions so
// callers can pass either "png" or ".PNG".
func NewPolicy(roots []string, extensions []string, maxFileBytes int64) (*Policy, error) {
	absRoots := make([]string, 0, len(roots))
	for _, r := range roots {
		abs, err := filepath.Abs(r)
		if err != nil {
			return nil, fmt.Errorf("pathsafety: resolve root %q: %w", r, err)
		}
		absRoots = append(absRoots, abs)
	}
	extSet := make(map[string]struct{}, len(extensions))
	for _, e := range extensions {
		e = strings.ToLower(e)
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		extSet[e] = struct{}{}
	}
	return &Policy{AllowedRoots: absRoots, AllowedExtensions: extSet, MaxFileBytes: maxFileBytes}, nil
}

// Violation names which of the five priority-ordered rules failed.
type Violation struct {
	Rule string
	Path string
	Detail string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("pathsafety: %s: %s (%s)", v.Rule, v.Path, v.Detail)
}

// Validate runs the five rules below in priority order against a
// source path, stat-ing the filesystem to check symlink targets and size.
// It returns the resolved (canonical, symlink-free) absolute path on
// success.
func (p *Policy) Validate(sourcePath string) (resolved string, err error) {
	// Rule 1: control characters / NUL.
	for _, r := range sourcePath {
		if r == 0x00 || (r < 0x20) || r == 0x7F {
			return "", &Violation{Rule: "control-character", Path: sourcePath, Detail: "path contains a NUL or control character"}
		}
	}

	// Rule 2: canonical form must stay within an allowed root.
	abs, err := filepath.Abs(sourcePath)
	if err != nil {
		return "", &Violation{Rule: "resolve", Path: sourcePath, Detail: err.Error()}
	}

	// Resolve symlinks along the way (rule 3 folds into this): EvalSymlinks
	// follows every symlink component and fails if any target is missing,
	// which is acceptable here — a dangling symlink is rejected too.
	canon, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", &Violation{Rule: "resolve", Path: sourcePath, Detail: err.Error()}
	}

	inRoot := false
	for _, root := range p.AllowedRoots {
		if isWithin(root, canon) {
			inRoot = true
			break
		}
	}
	if !inRoot {
		return "", &Violation{Rule: "escapes-roots", Path: sourcePath, Detail: "canonical path escapes allowed asset roots"}
	}

	// Rule 3 continued: even though EvalSymlinks already resolved the
	// target, re-check the immediate entry itself in case it is a symlink
	// whose resolved target coincidentally lands back inside a root but
	// through a path component that itself was a symlink to outside — lstat
	// the original (non-canonical) path's final component.
	if lst, lerr := os.Lstat(abs); lerr == nil && lst.Mode()&os.ModeSymlink != 0 {
		target, terr := filepath.EvalSymlinks(abs)
		if terr != nil {
			return "", &Violation{Rule: "symlink-escape", Path: sourcePath, Detail: terr.Error()}
		}
		within := false
		for _, root := range p.AllowedRoots {
			if isWithin(root, target) {
				within = true
				break
			}
		}
		if !within {
			return "", &Violation{Rule: "symlink-escape", Path: sourcePath, Detail: "symlink target lies outside allowed roots"}
		}
	}

	// Rule 4: extension allow-list.
	ext := strings.ToLower(filepath.Ext(canon))
	if _, ok := p.AllowedExtensions[ext]; !ok {
		return "", &Violation{Rule: "extension", Path: sourcePath, Detail: fmt.Sprintf("extension %q not permitted", ext)}
	}

	// Rule 5: size ceiling.
	info, err := os.Stat(canon)
	if err != nil {
		return "", &Violation{Rule: "stat", Path: sourcePath, Detail: err.Error()}
	}
	if info.Size() > p.MaxFileBytes {
		return "", &Violation{Rule: "size", Path: sourcePath, Detail: fmt.Sprintf("%d bytes exceeds maximum %d", info.Size(), p.MaxFileBytes)}
	}

	return canon, nil
}

// isWithin reports whether candidate is root itself or a descendant of it.
func isWithin(root, candidate string) bool {
	rel, err := filepath.Rel(root, candidate)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return !strings.HasPrefix(rel, "..") && rel != ".."
}
