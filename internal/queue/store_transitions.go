package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// MarkProcessing transitions a pending item to processing and stamps the
// attempt start used for latency metrics.
func (s *Store) MarkProcessing(ctx context.Context, id string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx,
		`UPDATE queue_items SET status = ?, started_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
		StatusProcessing, now, now, id, StatusPending,
	)
	if err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}
	return s.requireTransition(ctx, res, id, StatusProcessing)
}

// MarkCompleted transitions a processing item to completed and records the
// outcome in the rolling queue metrics.
func (s *Store) MarkCompleted(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin complete tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	item, err := getItemTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if item.Status != StatusProcessing {
		return fmt.Errorf("%w: %s is %s, expected %s", ErrInvalidTransition, id, item.Status, StatusProcessing)
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`UPDATE queue_items SET status = ?, last_error = NULL, updated_at = ? WHERE id = ?`,
		StatusCompleted, now.Format(time.RFC3339Nano), id,
	); err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}

	if err := recordOutcome(ctx, tx, now, attemptLatency(item, now), true); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit complete: %w", err)
	}
	return nil
}

// MarkFailed records a delivery failure. The item returns to pending for a
// future drain pass until its retry budget is exhausted, at which point it
// becomes terminally failed. There is no internal delay timer; backoff is a
// function of the outer drain cadence.
func (s *Store) MarkFailed(ctx context.Context, id string, failure string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin fail tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	item, err := getItemTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if item.Status != StatusProcessing {
		return fmt.Errorf("%w: %s is %s, expected %s", ErrInvalidTransition, id, item.Status, StatusProcessing)
	}

	now := time.Now().UTC()
	retryCount := item.RetryCount + 1
	next := StatusPending
	if retryCount > item.MaxRetries {
		next = StatusFailed
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE queue_items SET status = ?, retry_count = ?, last_error = ?, started_at = NULL, updated_at = ? WHERE id = ?`,
		next, retryCount, failure, now.Format(time.RFC3339Nano), id,
	); err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}

	if next == StatusFailed {
		if err := recordOutcome(ctx, tx, now, attemptLatency(item, now), false); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit fail: %w", err)
	}
	return nil
}

// Cancel flips a non-terminal item to cancelled and cascade-cancels every
// item that transitively depends on it; a cancelled dependency can never
// complete, so dependents would otherwise sit in pending forever. Cancel is
// cooperative: it cannot abort an in-flight call, whose late result the
// drain loop discards.
func (s *Store) Cancel(ctx context.Context, id string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin cancel tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	item, err := getItemTx(ctx, tx, id)
	if err != nil {
		return 0, err
	}
	if item.Status.Terminal() {
		return 0, fmt.Errorf("%w: %s is already %s", ErrInvalidTransition, id, item.Status)
	}

	targets, err := collectDependents(ctx, tx, id)
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	cancelled := 0
	for _, target := range targets {
		res, err := tx.ExecContext(ctx,
			`UPDATE queue_items SET status = ?, started_at = NULL, updated_at = ? WHERE id = ? AND status NOT IN (?, ?)`,
			StatusCancelled, now, target, StatusCompleted, StatusCancelled,
		)
		if err != nil {
			return 0, fmt.Errorf("cancel %s: %w", target, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("rows affected: %w", err)
		}
		cancelled += int(affected)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit cancel: %w", err)
	}
	return cancelled, nil
}

// collectDependents returns id plus every non-terminal item reachable by
// following dependency edges backwards, in breadth-first order.
func collectDependents(ctx context.Context, tx *sql.Tx, id string) ([]string, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT id, depends_on_json FROM queue_items WHERE status NOT IN (?, ?)`,
		StatusCompleted, StatusCancelled,
	)
	if err != nil {
		return nil, fmt.Errorf("load dependency edges: %w", err)
	}
	defer rows.Close()

	dependents := make(map[string][]string)
	for rows.Next() {
		var itemID string
		var dependsRaw sql.NullString
		if err := rows.Scan(&itemID, &dependsRaw); err != nil {
			return nil, err
		}
		deps, err := unmarshalStringSlice(dependsRaw.String)
		if err != nil {
			return nil, fmt.Errorf("parse dependencies for %s: %w", itemID, err)
		}
		for _, dep := range deps {
			dependents[dep] = append(dependents[dep], itemID)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	order := []string{id}
	seen := map[string]struct{}{id: {}}
	for cursor := 0; cursor < len(order); cursor++ {
		for _, child := range dependents[order[cursor]] {
			if _, ok := seen[child]; ok {
				continue
			}
			seen[child] = struct{}{}
			order = append(order, child)
		}
	}
	return order, nil
}

// Retry resets a failed item to pending with a fresh retry budget.
func (s *Store) Retry(ctx context.Context, id string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx,
		`UPDATE queue_items SET status = ?, retry_count = 0, last_error = NULL, updated_at = ? WHERE id = ? AND status = ?`,
		StatusPending, now, id, StatusFailed,
	)
	if err != nil {
		return fmt.Errorf("retry item: %w", err)
	}
	return s.requireTransition(ctx, res, id, StatusPending)
}

// RetryAllFailed resets every failed item to pending.
func (s *Store) RetryAllFailed(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE queue_items SET status = ?, retry_count = 0, last_error = NULL, updated_at = ? WHERE status = ?`,
		StatusPending, time.Now().UTC().Format(time.RFC3339Nano), StatusFailed,
	)
	if err != nil {
		return 0, fmt.Errorf("retry failed items: %w", err)
	}
	return res.RowsAffected()
}

// ResetInFlight returns items stuck in processing to pending. Runs on store
// open so a crash mid-delivery surfaces as a retry, never a lost item.
func (s *Store) ResetInFlight(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE queue_items SET status = ?, started_at = NULL, updated_at = ? WHERE status = ?`,
		StatusPending, time.Now().UTC().Format(time.RFC3339Nano), StatusProcessing,
	)
	if err != nil {
		return 0, fmt.Errorf("reset in-flight items: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) requireTransition(ctx context.Context, res sql.Result, id string, want Status) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}

	item, err := s.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if item == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return fmt.Errorf("%w: %s is %s, cannot become %s", ErrInvalidTransition, id, item.Status, want)
}

func getItemTx(ctx context.Context, tx *sql.Tx, id string) (*Item, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM queue_items WHERE id = ?`, id)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	return item, nil
}

func attemptLatency(item *Item, now time.Time) time.Duration {
	if item.StartedAt == nil {
		return 0
	}
	latency := now.Sub(*item.StartedAt)
	if latency < 0 {
		return 0
	}
	return latency
}
