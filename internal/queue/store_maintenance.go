package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Remove deletes an item outright. Removal is refused while any non-completed
// item still lists the target as a dependency; deleting it would leave the
// dependent gated on an edge that can never resolve.
func (s *Store) Remove(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin remove tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	referenced, err := hasActiveDependents(ctx, tx, id)
	if err != nil {
		return err
	}
	if referenced {
		return fmt.Errorf("%w: %s", ErrHasDependents, id)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM queue_items WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete item: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit remove: %w", err)
	}
	return nil
}

// RemoveCompleted reclaims completed items. Dependents treat a missing
// dependency as satisfied, so reclamation never blocks them.
func (s *Store) RemoveCompleted(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM queue_items WHERE status = ?`, StatusCompleted)
	if err != nil {
		return 0, fmt.Errorf("remove completed: %w", err)
	}
	return res.RowsAffected()
}

// RemoveOldFailed reclaims failed items whose last update is older than
// maxAge, skipping any still referenced by a non-completed dependent.
func (s *Store) RemoveOldFailed(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-maxAge).Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin reclaim tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM queue_items WHERE status = ? AND updated_at < ?`,
		StatusFailed, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("find old failed items: %w", err)
	}
	var candidates []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		candidates = append(candidates, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	var removed int64
	for _, id := range candidates {
		referenced, err := hasActiveDependents(ctx, tx, id)
		if err != nil {
			return 0, err
		}
		if referenced {
			continue
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM queue_items WHERE id = ?`, id); err != nil {
			return 0, fmt.Errorf("delete failed item %s: %w", id, err)
		}
		removed++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit reclaim: %w", err)
	}
	return removed, nil
}

// Clear removes all items from the queue.
func (s *Store) Clear(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM queue_items`)
	if err != nil {
		return 0, fmt.Errorf("clear queue: %w", err)
	}
	return res.RowsAffected()
}

func hasActiveDependents(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT id, depends_on_json FROM queue_items WHERE status != ? AND depends_on_json IS NOT NULL`,
		StatusCompleted,
	)
	if err != nil {
		return false, fmt.Errorf("scan dependents: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var itemID string
		var dependsRaw sql.NullString
		if err := rows.Scan(&itemID, &dependsRaw); err != nil {
			return false, err
		}
		deps, err := unmarshalStringSlice(dependsRaw.String)
		if err != nil {
			return false, fmt.Errorf("parse dependencies for %s: %w", itemID, err)
		}
		for _, dep := range deps {
			if dep == id {
				return true, nil
			}
		}
	}
	return false, rows.Err()
}
