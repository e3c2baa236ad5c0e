package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"roam/internal/storage"
)

// Item wraps a cached payload with the metadata needed for staleness and
// conflict decisions.
type Item struct {
	Key         string
	Payload     json.RawMessage
	Version     int64
	CachedAt    time.Time
	ExpiresAt   *time.Time
	Fingerprint string
}

// Expired reports whether the item's expiry instant has passed.
func (i *Item) Expired(now time.Time) bool {
	return i.ExpiresAt != nil && !now.Before(*i.ExpiresAt)
}

// Store manages versioned, TTL-aware snapshot rows backed by SQLite. Expired
// rows are evicted lazily on the next read rather than by a background sweep.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Option configures optional Store behavior.
type Option func(*Store)

// WithClock overrides the time source; tests use it to simulate expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore wraps the shared database with cache semantics.
func NewStore(db *storage.DB, opts ...Option) (*Store, error) {
	if db == nil || db.Handle() == nil {
		return nil, errors.New("cache store requires an open database")
	}
	store := &Store{db: db.Handle(), now: time.Now}
	for _, opt := range opts {
		opt(store)
	}
	return store, nil
}

// Put stores a payload under key, incrementing the per-key version (1 when no
// prior row exists). A non-positive ttl stores the item without expiry. The
// row is persisted before Put returns.
func (s *Store) Put(ctx context.Context, key string, payload []byte, ttl time.Duration) (*Item, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, errors.New("cache key is required")
	}

	now := s.now().UTC()
	item := &Item{
		Key:         key,
		Payload:     append(json.RawMessage(nil), payload...),
		CachedAt:    now,
		Fingerprint: Fingerprint(payload),
	}
	if ttl > 0 {
		expires := now.Add(ttl)
		item.ExpiresAt = &expires
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin cache tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var previous int64
	err = tx.QueryRowContext(ctx, `SELECT version FROM cache_items WHERE key = ?`, key).Scan(&previous)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("read cache version: %w", err)
	}
	item.Version = previous + 1

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO cache_items (key, payload, version, cached_at, expires_at, fingerprint)
         VALUES (?, ?, ?, ?, ?, ?)
         ON CONFLICT(key) DO UPDATE SET
             payload = excluded.payload,
             version = excluded.version,
             cached_at = excluded.cached_at,
             expires_at = excluded.expires_at,
             fingerprint = excluded.fingerprint`,
		key,
		[]byte(item.Payload),
		item.Version,
		now.Format(time.RFC3339Nano),
		nullableTime(item.ExpiresAt),
		item.Fingerprint,
	); err != nil {
		return nil, fmt.Errorf("store cache item: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit cache item: %w", err)
	}
	return item, nil
}

// GetItem returns the cached item for key, or nil when absent or expired.
// An expired row is deleted as a side effect.
func (s *Store) GetItem(ctx context.Context, key string) (*Item, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT key, payload, version, cached_at, expires_at, fingerprint FROM cache_items WHERE key = ?`,
		key,
	)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cache item: %w", err)
	}

	if item.Expired(s.now().UTC()) {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_items WHERE key = ?`, key); err != nil {
			return nil, fmt.Errorf("evict expired item: %w", err)
		}
		return nil, nil
	}
	return item, nil
}

// Get returns the cached payload for key, or ok=false when absent or expired.
func (s *Store) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	item, err := s.GetItem(ctx, key)
	if err != nil || item == nil {
		return nil, false, err
	}
	return item.Payload, true, nil
}

// IsStale reports absence-or-expiry without returning the payload, letting
// callers decide whether to force an out-of-cycle refresh.
func (s *Store) IsStale(ctx context.Context, key string) (bool, error) {
	var expiresRaw sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT expires_at FROM cache_items WHERE key = ?`, key).Scan(&expiresRaw)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("check cache staleness: %w", err)
	}
	if !expiresRaw.Valid {
		return false, nil
	}
	expires, err := time.Parse(time.RFC3339Nano, expiresRaw.String)
	if err != nil {
		return false, fmt.Errorf("parse cache expiry: %w", err)
	}
	return !s.now().UTC().Before(expires), nil
}

// Remove deletes a cached item explicitly.
func (s *Store) Remove(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_items WHERE key = ?`, key); err != nil {
		return fmt.Errorf("remove cache item: %w", err)
	}
	return nil
}

// Clear removes all cached items.
func (s *Store) Clear(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cache_items`)
	if err != nil {
		return 0, fmt.Errorf("clear cache: %w", err)
	}
	return res.RowsAffected()
}

// Keys lists stored cache keys in lexical order, including expired rows not
// yet lazily evicted.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM cache_items ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("list cache keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Fingerprint returns a cheap change-detection hash of a payload. Used only
// to answer "did this change", never for integrity.
func Fingerprint(payload []byte) string {
	return strconv.FormatUint(xxhash.Sum64(payload), 16)
}

func scanItem(scanner interface{ Scan(dest ...any) error }) (*Item, error) {
	var (
		key         string
		payload     []byte
		version     int64
		cachedRaw   string
		expiresRaw  sql.NullString
		fingerprint string
	)
	if err := scanner.Scan(&key, &payload, &version, &cachedRaw, &expiresRaw, &fingerprint); err != nil {
		return nil, err
	}

	item := &Item{
		Key:         key,
		Payload:     json.RawMessage(payload),
		Version:     version,
		Fingerprint: fingerprint,
	}
	if cached, err := time.Parse(time.RFC3339Nano, cachedRaw); err == nil {
		item.CachedAt = cached
	}
	if expiresRaw.Valid {
		if expires, err := time.Parse(time.RFC3339Nano, expiresRaw.String); err == nil {
			item.ExpiresAt = &expires
		}
	}
	return item, nil
}

func nullableTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return value.UTC().Format(time.RFC3339Nano)
}
