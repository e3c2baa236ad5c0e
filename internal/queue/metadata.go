package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const metadataKey = "queue_metadata"

// ewmaAlpha weights the most recent attempt in the rolling latency mean.
const ewmaAlpha = 0.2

// Metadata tracks queue throughput across the life of the database.
type Metadata struct {
	LastProcessedAt *time.Time `json:"last_processed_at,omitempty"`
	TotalProcessed  int64      `json:"total_processed"`
	TotalSucceeded  int64      `json:"total_succeeded"`
	TotalFailed     int64      `json:"total_failed"`
	AvgProcessingMs float64    `json:"avg_processing_ms"`
}

// Metadata returns the persisted queue counters.
func (s *Store) Metadata(ctx context.Context) (Metadata, error) {
	return loadMetadata(ctx, s.db)
}

type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func loadMetadata(ctx context.Context, q dbtx) (Metadata, error) {
	var raw string
	err := q.QueryRowContext(ctx, `SELECT value FROM sync_meta WHERE key = ?`, metadataKey).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return Metadata{}, nil
	}
	if err != nil {
		return Metadata{}, fmt.Errorf("load queue metadata: %w", err)
	}

	var meta Metadata
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return Metadata{}, fmt.Errorf("parse queue metadata: %w", err)
	}
	return meta, nil
}

// recordOutcome folds one terminal delivery outcome into the persisted
// counters. Called inside the same transaction as the status change so the
// counters never drift from the items.
func recordOutcome(ctx context.Context, tx dbtx, now time.Time, latency time.Duration, success bool) error {
	meta, err := loadMetadata(ctx, tx)
	if err != nil {
		return err
	}

	meta.TotalProcessed++
	if success {
		meta.TotalSucceeded++
	} else {
		meta.TotalFailed++
	}
	processedAt := now
	meta.LastProcessedAt = &processedAt

	latencyMs := float64(latency.Milliseconds())
	if meta.AvgProcessingMs == 0 {
		meta.AvgProcessingMs = latencyMs
	} else {
		meta.AvgProcessingMs = ewmaAlpha*latencyMs + (1-ewmaAlpha)*meta.AvgProcessingMs
	}

	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal queue metadata: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sync_meta (key, value) VALUES (?, ?)
         ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		metadataKey, string(data),
	); err != nil {
		return fmt.Errorf("store queue metadata: %w", err)
	}
	return nil
}
