package testsupport

import (
	"path/filepath"
	"testing"
	"time"

	"roam/internal/cache"
	"roam/internal/config"
	"roam/internal/queue"
	"roam/internal/storage"
)

// NewConfig returns a config rooted in a per-test temporary directory.
func NewConfig(t testing.TB) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.DataDir = filepath.Join(base, "data")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	return &cfg
}

// MustOpenDB opens the engine database for tests and registers cleanup.
func MustOpenDB(t testing.TB, cfg *config.Config) *storage.DB {
	t.Helper()

	db, err := storage.Open(cfg)
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})
	return db
}

// MustOpenQueue opens a queue store with test-friendly defaults.
func MustOpenQueue(t testing.TB, db *storage.DB) *queue.Store {
	t.Helper()

	store, err := queue.NewStore(db, queue.Defaults{MaxRetries: 3, Timeout: 30 * time.Second})
	if err != nil {
		t.Fatalf("queue.NewStore: %v", err)
	}
	return store
}

// MustOpenCache opens a cache store.
func MustOpenCache(t testing.TB, db *storage.DB) *cache.Store {
	t.Helper()

	store, err := cache.NewStore(db)
	if err != nil {
		t.Fatalf("cache.NewStore: %v", err)
	}
	return store
}
