package cachestore

import "time"

const (
	dataFileName     = "data.json"
	metadataFileName = "metadata.json"
	lastAccessFile   = "last_access"
)

// Metadata is the persisted metadata.json schema:
// {created_at, size_bytes, build_time_s, custom}.
type Metadata struct {
	CreatedAt  time.Time      `json:"created_at"`
	SizeBytes  int64          `json:"size_bytes"`
	BuildTimeS *float64       `json:"build_time_s,omitempty"`
	Custom     map[string]any `json:"custom,omitempty"`
	Pinned     bool           `json:"pinned,omitempty"`
}

// EntryInfo is the read-only view of a present entry exposed to the eviction
// engine and to Stats(); it never exposes entry bytes, only accounting
// fields.
type EntryInfo struct {
	Key        Key
	SizeBytes  int64
	CreatedAt  time.Time
	LastAccess time.Time
	Pinned     bool
}
