package cachestore

import (
	"encoding/json"
	"testing"
	"time"
)

func mustKey(t *testing.T, scope, id string, stage Stage) Key {
	t.Helper()
	k, err := NewKey(scope, id, stage)
	if err != nil {
		t.Fatalf("NewKey: %v", err)
	}
	return k
}

func TestPutThenGetRoundTrips(t *testing.T) {
	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	key := mustKey(t, "game1", "abc123", StageInputs)
	payload := json.RawMessage(`{"ok":true}`)

	wrote, err := store.Put(key, payload, map[string]any{"note": "x"}, nil)
	if err != nil || !wrote {
		t.Fatalf("Put: wrote=%v err=%v", wrote, err)
	}

	got, meta, ok, err := store.Get(key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("expected hit after Put")
	}
	if string(got) != string(payload) {
		t.Fatalf("unexpected payload: %s", got)
	}
	if meta.SizeBytes != int64(len(payload)) {
		t.Fatalf("unexpected size_bytes: %d", meta.SizeBytes)
	}
}

func TestGetMissReturnsFalseNotError(t *testing.T) {
	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	key := mustKey(t, "game1", "doesnotexist", StageInputs)
	_, _, ok, err := store.Get(key)
	if err != nil {
		t.Fatalf("unexpected error on miss: %v", err)
	}
	if ok {
		t.Fatal("expected miss")
	}
}

func TestPutOverwriteUpdatesAccounting(t *testing.T) {
	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	key := mustKey(t, "game1", "abc", StageCode)

	if _, err := store.Put(key, json.RawMessage(`"short"`), nil, nil); err != nil {
		t.Fatal(err)
	}
	afterFirst := store.TotalBytes()
	if _, err := store.Put(key, json.RawMessage(`"a much longer payload than before"`), nil, nil); err != nil {
		t.Fatal(err)
	}
	afterSecond := store.TotalBytes()
	if afterSecond <= afterFirst {
		t.Fatalf("expected total bytes to grow on overwrite with larger payload: %d -> %d", afterFirst, afterSecond)
	}
	if store.EntryCount() != 1 {
		t.Fatalf("expected entry count to stay 1 after overwrite, got %d", store.EntryCount())
	}
}

func TestRemoveEntryClearsAccountingAndGet(t *testing.T) {
	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	key := mustKey(t, "game1", "removable", StageAssets)
	if _, err := store.Put(key, json.RawMessage(`{}`), nil, nil); err != nil {
		t.Fatal(err)
	}
	if err := store.RemoveEntry(key); err != nil {
		t.Fatalf("RemoveEntry: %v", err)
	}
	if _, _, ok, _ := store.Get(key); ok {
		t.Fatal("expected miss after RemoveEntry")
	}
	if store.EntryCount() != 0 {
		t.Fatalf("expected entry count 0 after removal, got %d", store.EntryCount())
	}
}

func TestInvalidateMatchesGlobWithinScope(t *testing.T) {
	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	a := mustKey(t, "game1", "build-001", StageDesktop)
	b := mustKey(t, "game1", "build-002", StageDesktop)
	c := mustKey(t, "game2", "build-001", StageDesktop)
	for _, k := range []Key{a, b, c} {
		if _, err := store.Put(k, json.RawMessage(`{}`), nil, nil); err != nil {
			t.Fatal(err)
		}
	}
	n, err := store.Invalidate("game1", "build-*")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("expected 2 invalidated entries, got %d", n)
	}
	if _, _, ok, _ := store.Get(c); !ok {
		t.Fatal("expected entry in another scope to survive Invalidate")
	}
}

func TestListEntriesReflectsAllStoredKeys(t *testing.T) {
	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	keys := []Key{
		mustKey(t, "game1", "a", StageInputs),
		mustKey(t, "game1", "a", StageAssets),
		mustKey(t, "game1", "b", StageCode),
	}
	for _, k := range keys {
		if _, err := store.Put(k, json.RawMessage(`{}`), nil, nil); err != nil {
			t.Fatal(err)
		}
	}
	entries, err := store.ListEntries()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != len(keys) {
		t.Fatalf("expected %d entries, got %d", len(keys), len(entries))
	}
}

func TestPinPersistsPinnedFlag(t *testing.T) {
	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	key := mustKey(t, "game1", "pinned", StageDesktop)
	if _, err := store.Put(key, json.RawMessage(`{}`), nil, nil); err != nil {
		t.Fatal(err)
	}
	if err := store.Pin(key, true); err != nil {
		t.Fatalf("Pin: %v", err)
	}
	entries, err := store.ListEntries()
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, e := range entries {
		if e.Key == key {
			found = true
			if !e.Pinned {
				t.Fatal("expected entry to be reported pinned")
			}
		}
	}
	if !found {
		t.Fatal("expected to find the pinned entry")
	}
}

func TestWithL1CacheServesRepeatGetsFromMemory(t *testing.T) {
	store, err := Open(t.TempDir(), WithL1Cache(1<<20, time.Minute, 4))
	if err != nil {
		t.Fatalf("Open with L1: %v", err)
	}
	defer store.Close()

	key := mustKey(t, "game1", "hot", StageCode)
	payload := json.RawMessage(`{"hot":true}`)
	if _, err := store.Put(key, payload, nil, nil); err != nil {
		t.Fatal(err)
	}

	got, _, ok, err := store.Get(key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok || string(got) != string(payload) {
		t.Fatalf("expected L1-served hit with matching payload, got ok=%v data=%s", ok, got)
	}

	if err := store.RemoveEntry(key); err != nil {
		t.Fatal(err)
	}
	if _, _, ok, _ := store.Get(key); ok {
		t.Fatal("expected miss after RemoveEntry even with L1 configured")
	}
}

func TestNewKeyRejectsPathSeparatorsAndUnknownStage(t *testing.T) {
	if _, err := NewKey("a/b", "c", StageInputs); err == nil {
		t.Fatal("expected error for scope containing a path separator")
	}
	if _, err := NewKey("a", "c", Stage("bogus")); err == nil {
		t.Fatal("expected error for unknown stage")
	}
}
