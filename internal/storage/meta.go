package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// GetMeta reads one row from the key/value metadata table.
func (d *DB) GetMeta(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := d.db.QueryRowContext(ctx, `SELECT value FROM sync_meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get meta %q: %w", key, err)
	}
	return value, true, nil
}

// PutMeta upserts one row in the key/value metadata table.
func (d *DB) PutMeta(ctx context.Context, key, value string) error {
	if _, err := d.db.ExecContext(ctx,
		`INSERT INTO sync_meta (key, value) VALUES (?, ?)
         ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	); err != nil {
		return fmt.Errorf("put meta %q: %w", key, err)
	}
	return nil
}

// DeleteMeta removes one row from the key/value metadata table.
func (d *DB) DeleteMeta(ctx context.Context, key string) error {
	if _, err := d.db.ExecContext(ctx, `DELETE FROM sync_meta WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete meta %q: %w", key, err)
	}
	return nil
}
