package cachestore

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Stage is the closed set of pipeline stage tags a cache key may carry.
type Stage string

const (
	StageInputs  Stage = "inputs"
	StageAssets  Stage = "assets"
	StageCode    Stage = "code"
	StageDesktop Stage = "desktop"
	StageWeb     Stage = "web"
)

// validStages is used to reject keys outside the closed set at construction.
var validStages = map[Stage]struct{}{
	StageInputs:  {},
	StageAssets:  {},
	StageCode:    {},
	StageDesktop: {},
	StageWeb:     {},
}

// Key is the opaque triple (scope, identifier, stage) addressing one cache
// entry. Keys are comparable by exact string equality and never leak the
// underlying bytes that produced Identifier — callers are expected to have
// derived it via pkg/hashkey.
type Key struct {
	Scope      string
	Identifier string
	Stage      Stage
}

// NewKey validates and constructs a Key.
func NewKey(scope, identifier string, stage Stage) (Key, error) {
	if scope == "" {
		return Key{}, fmt.Errorf("cachestore: empty scope")
	}
	if identifier == "" {
		return Key{}, fmt.Errorf("cachestore: empty identifier")
	}
	if _, ok := validStages[stage]; !ok {
		return Key{}, fmt.Errorf("cachestore: unknown stage %q", stage)
	}
	if strings.ContainsAny(scope, "/\\") || strings.ContainsAny(identifier, "/\\") {
		return Key{}, fmt.Errorf("cachestore: scope/identifier must not contain path separators")
	}
	return Key{Scope: scope, Identifier: identifier, Stage: stage}, nil
}

// String renders the key as "scope/identifier/stage" for logs and error
// messages. It is not used for on-disk paths directly (see path()) but is
// kept identical in shape so the two stay easy to cross-reference.
func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Scope, k.Identifier, k.Stage)
}

// path returns the on-disk directory for the entry: the key's
// on-disk path is "<scope>/<identifier>/<stage>/".
func (k Key) path(root string) string {
	return filepath.Join(root, k.Scope, k.Identifier, string(k.Stage))
}

func scopeDir(root, scope string) string {
	return filepath.Join(root, scope)
}
