package kv

import (
	"errors"
	"testing"
)

func TestEstimateBytesCountsTwoPerUnit(t *testing.T) {
	t.Parallel()

	if got := EstimateBytes("ab", "cd"); got != 8 {
		t.Fatalf("expected 8 bytes for two ascii pairs, got %d", got)
	}
	// Astral-plane runes occupy two UTF-16 units.
	if got := EstimateBytes("", "\U0001F600"); got != 4 {
		t.Fatalf("expected 4 bytes for a surrogate pair, got %d", got)
	}
}

func TestMemoryRoundTrip(t *testing.T) {
	t.Parallel()

	store := NewMemory(0)
	if err := store.Set("a:1", "hello"); err != nil {
		t.Fatalf("set: %v", err)
	}

	value, err := store.Get("a:1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if value != "hello" {
		t.Fatalf("unexpected value: %q", value)
	}

	if _, err := store.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryQuotaEnforced(t *testing.T) {
	t.Parallel()

	store := NewMemory(20)
	if err := store.Set("k", "12345"); err != nil {
		t.Fatalf("set within quota: %v", err)
	}

	err := store.Set("k2", "1234567890")
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}

	// Overwriting the existing key reuses its budget.
	if err := store.Set("k", "123456789"); err != nil {
		t.Fatalf("overwrite within quota: %v", err)
	}
}

func TestMemoryDeleteIsIdempotent(t *testing.T) {
	t.Parallel()

	store := NewMemory(0)
	if err := store.Set("k", "v"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := store.Delete("k"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.Delete("k"); err != nil {
		t.Fatalf("delete absent key: %v", err)
	}
	if store.UsedBytes() != 0 {
		t.Fatalf("expected zero usage after delete, got %d", store.UsedBytes())
	}
}

func TestMemoryKeysFiltersByPrefix(t *testing.T) {
	t.Parallel()

	store := NewMemory(0)
	for _, key := range []string{"ns:stream-state:a", "ns:stream-state:b", "ns:stream-index", "other:x"} {
		if err := store.Set(key, "{}"); err != nil {
			t.Fatalf("set %s: %v", key, err)
		}
	}

	keys, err := store.Keys("ns:stream-state:")
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(keys) != 2 || keys[0] != "ns:stream-state:a" || keys[1] != "ns:stream-state:b" {
		t.Fatalf("unexpected keys: %+v", keys)
	}

	all, err := store.Keys("")
	if err != nil {
		t.Fatalf("keys all: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("expected 4 keys, got %d", len(all))
	}
}

func TestBuildDSNForLibsqlAddsToken(t *testing.T) {
	t.Parallel()

	dsn, err := buildDSN("libsql://streams.example.turso.io", "abc123")
	if err != nil {
		t.Fatalf("build dsn: %v", err)
	}
	if dsn != "libsql://streams.example.turso.io?authToken=abc123" {
		t.Fatalf("unexpected dsn: %s", dsn)
	}
}

func TestBuildDSNForFileURL(t *testing.T) {
	t.Parallel()

	dsn, err := buildDSN("file:streams.db", "ignored")
	if err != nil {
		t.Fatalf("build dsn: %v", err)
	}
	if dsn != "file:streams.db" {
		t.Fatalf("unexpected dsn: %s", dsn)
	}
}

func TestBuildDSNRejectsEmptyURL(t *testing.T) {
	t.Parallel()

	if _, err := buildDSN("  ", ""); err == nil {
		t.Fatal("expected error for empty url")
	}
}
