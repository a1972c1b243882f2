package bolt

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/goodtune/lexgate/internal/storage"
)

func TestStoreRoundTrip(t *testing.T) {
	store := openTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()

	if _, err := store.Get(ctx, "daily_limit_resumo-ia"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing key, got %v", err)
	}

	if err := store.Set(ctx, "daily_limit_resumo-ia", `{"date":"2025-01-01","count":2}`); err != nil {
		t.Fatalf("set: %v", err)
	}

	value, err := store.Get(ctx, "daily_limit_resumo-ia")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if value != `{"date":"2025-01-01","count":2}` {
		t.Fatalf("unexpected value %q", value)
	}

	if err := store.Remove(ctx, "daily_limit_resumo-ia"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := store.Get(ctx, "daily_limit_resumo-ia"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after remove, got %v", err)
	}

	// Removing twice is fine.
	if err := store.Remove(ctx, "daily_limit_resumo-ia"); err != nil {
		t.Fatalf("second remove: %v", err)
	}
}

func TestStoreKeysAndPrefix(t *testing.T) {
	store := openTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	alice := storage.ProfileStore(store, "alice")
	bob := storage.ProfileStore(store, "bob")

	if err := alice.Set(ctx, "daily_limit_a", "1"); err != nil {
		t.Fatalf("set alice a: %v", err)
	}
	if err := alice.Set(ctx, "daily_limit_b", "2"); err != nil {
		t.Fatalf("set alice b: %v", err)
	}
	if err := bob.Set(ctx, "daily_limit_a", "3"); err != nil {
		t.Fatalf("set bob a: %v", err)
	}

	keys, err := store.Keys(ctx, "profile:alice:")
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys for alice, got %d (%v)", len(keys), keys)
	}
	if keys[0] != "profile:alice:daily_limit_a" || keys[1] != "profile:alice:daily_limit_b" {
		t.Fatalf("unexpected keys %v", keys)
	}

	value, err := bob.Get(ctx, "daily_limit_a")
	if err != nil {
		t.Fatalf("get bob: %v", err)
	}
	if value != "3" {
		t.Fatalf("expected bob's own value, got %q", value)
	}
}

func TestStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "lexgate.bolt")

	store, err := Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.Set(context.Background(), "k", "v"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer func() { _ = reopened.Close() }()

	value, err := reopened.Get(context.Background(), "k")
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if value != "v" {
		t.Fatalf("expected v, got %q", value)
	}
}

func openTestStore(t *testing.T) *Store {
	t.Helper()

	path := filepath.Join(t.TempDir(), "lexgate.bolt")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return store
}
