package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"roam/internal/storage"
)

// Defaults are applied to add requests that omit the corresponding fields.
type Defaults struct {
	MaxRetries int
	Timeout    time.Duration
}

// Store manages queue persistence backed by SQLite. All status and retry
// mutations funnel through this type; each operation treats its
// load-mutate-save cycle as one transaction.
type Store struct {
	db       *sql.DB
	defaults Defaults
}

// NewStore wraps the shared database with queue semantics. Any item left in
// processing by a previous run is reset to pending: an in-flight outcome
// across a restart is unknown and must be treated as unconfirmed.
func NewStore(db *storage.DB, defaults Defaults) (*Store, error) {
	if db == nil || db.Handle() == nil {
		return nil, errors.New("queue store requires an open database")
	}
	if defaults.MaxRetries < 0 {
		defaults.MaxRetries = 0
	}
	if defaults.Timeout <= 0 {
		defaults.Timeout = 30 * time.Second
	}

	store := &Store{db: db.Handle(), defaults: defaults}
	if _, err := store.ResetInFlight(context.Background()); err != nil {
		return nil, fmt.Errorf("reset in-flight items: %w", err)
	}
	return store, nil
}

// AddRequest describes a remote operation to enqueue.
type AddRequest struct {
	Action   string
	Endpoint string
	Method   string
	Body     []byte
	Headers  map[string]string
	Priority Priority
	// MaxRetries overrides the store default when non-nil. A value of 0
	// marks the operation non-retryable.
	MaxRetries *int
	Timeout    time.Duration
	DependsOn  []string
	Metadata   map[string]string
}

// Add enqueues an operation, merging it into an existing pending item when the
// (action, endpoint, body) triple is already queued. On merge the surviving
// item keeps the higher of the two priorities and the existing id is returned.
func (s *Store) Add(ctx context.Context, req AddRequest) (string, error) {
	req.Action = strings.TrimSpace(req.Action)
	req.Endpoint = strings.TrimSpace(req.Endpoint)
	req.Method = strings.ToUpper(strings.TrimSpace(req.Method))
	if req.Action == "" {
		return "", errors.New("action is required")
	}
	if req.Endpoint == "" {
		return "", errors.New("endpoint is required")
	}
	if req.Method == "" {
		return "", errors.New("method is required")
	}
	if req.Priority == "" {
		req.Priority = PriorityNormal
	}
	if _, ok := priorityRanks[req.Priority]; !ok {
		return "", fmt.Errorf("unknown priority %q", req.Priority)
	}
	maxRetries := s.defaults.MaxRetries
	if req.MaxRetries != nil {
		if *req.MaxRetries < 0 {
			return "", errors.New("max retries must not be negative")
		}
		maxRetries = *req.MaxRetries
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = s.defaults.Timeout
	}

	hash := DedupHash(req.Action, req.Endpoint, req.Body)
	now := time.Now().UTC()
	timestamp := now.Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin add tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// The hash only narrows the lookup; the triple itself decides, so a hash
	// collision can never merge two distinct operations.
	dedupBody := req.Body
	if dedupBody == nil {
		dedupBody = []byte{}
	}
	var existingID string
	var existingRank int
	row := tx.QueryRowContext(ctx,
		`SELECT id, priority FROM queue_items
         WHERE dedup_hash = ? AND action = ? AND endpoint = ? AND IFNULL(body, x'') = ? AND status = ?
         ORDER BY rowid LIMIT 1`,
		hash, req.Action, req.Endpoint, dedupBody, StatusPending,
	)
	err = row.Scan(&existingID, &existingRank)
	switch {
	case err == nil:
		merged := higherPriority(priorityFromRank(existingRank), req.Priority)
		if _, err := tx.ExecContext(ctx,
			`UPDATE queue_items SET priority = ?, updated_at = ? WHERE id = ?`,
			merged.Rank(), timestamp, existingID,
		); err != nil {
			return "", fmt.Errorf("merge duplicate item: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return "", fmt.Errorf("commit merge: %w", err)
		}
		return existingID, nil
	case errors.Is(err, sql.ErrNoRows):
		// fall through to insert
	default:
		return "", fmt.Errorf("find duplicate item: %w", err)
	}

	id := uuid.NewString()
	headersJSON, err := marshalStringMap(req.Headers)
	if err != nil {
		return "", fmt.Errorf("marshal headers: %w", err)
	}
	metadataJSON, err := marshalStringMap(req.Metadata)
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}
	dependsJSON, err := marshalStringSlice(req.DependsOn)
	if err != nil {
		return "", fmt.Errorf("marshal dependencies: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO queue_items (
            id, action, endpoint, method, body, headers_json, priority, status,
            created_at, updated_at, retry_count, max_retries, timeout_ms,
            depends_on_json, metadata_json, dedup_hash
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?)`,
		id,
		req.Action,
		req.Endpoint,
		req.Method,
		req.Body,
		headersJSON,
		req.Priority.Rank(),
		StatusPending,
		timestamp,
		timestamp,
		maxRetries,
		timeout.Milliseconds(),
		dependsJSON,
		metadataJSON,
		hash,
	); err != nil {
		return "", fmt.Errorf("insert item: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit add: %w", err)
	}
	return id, nil
}

// GetByID fetches a queue item by identifier.
func (s *Store) GetByID(ctx context.Context, id string) (*Item, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM queue_items WHERE id = ?`, id)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	return item, nil
}

// NextEligible returns the first pending item, in priority then creation
// order, whose dependencies are all completed. Blocked items do not yield
// their place: the scan simply continues past them.
func (s *Store) NextEligible(ctx context.Context) (*Item, error) {
	items, err := s.List(ctx, StatusPending)
	if err != nil {
		return nil, err
	}
	for _, item := range items {
		eligible, err := s.DependenciesSatisfied(ctx, item)
		if err != nil {
			return nil, err
		}
		if eligible {
			return item, nil
		}
	}
	return nil, nil
}

// DependenciesSatisfied reports whether every declared dependency is
// completed. A dependency id no longer present was completed and reclaimed;
// removal of non-completed items is refused while dependents exist.
func (s *Store) DependenciesSatisfied(ctx context.Context, item *Item) (bool, error) {
	if !item.HasDependencies() {
		return true, nil
	}
	for _, depID := range item.DependsOn {
		var status Status
		row := s.db.QueryRowContext(ctx, `SELECT status FROM queue_items WHERE id = ?`, depID)
		err := row.Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("check dependency %s: %w", depID, err)
		}
		if status != StatusCompleted {
			return false, nil
		}
	}
	return true, nil
}

// List returns queue items filtered by status set (or all items when no
// status is provided), in priority then creation order.
func (s *Store) List(ctx context.Context, statuses ...Status) ([]*Item, error) {
	baseQuery := `SELECT ` + itemColumns + ` FROM queue_items`
	// rowid carries arrival order; the RFC3339Nano created_at strings do not
	// sort chronologically across a trailing-zero truncation.
	orderClause := ` ORDER BY priority, rowid`

	var (
		rows *sql.Rows
		err  error
	)
	if len(statuses) == 0 {
		rows, err = s.db.QueryContext(ctx, baseQuery+orderClause)
	} else {
		placeholders := makePlaceholders(len(statuses))
		args := make([]any, len(statuses))
		for i, status := range statuses {
			args[i] = status
		}
		rows, err = s.db.QueryContext(ctx, baseQuery+` WHERE status IN (`+placeholders+`)`+orderClause, args...)
	}
	if err != nil {
		return nil, fmt.Errorf("list queue items: %w", err)
	}
	defer rows.Close()

	var items []*Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// Stats returns a count of items grouped by status.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM queue_items GROUP BY status`)
	if err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	stats := Stats{}
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return Stats{}, err
		}
		stats.Total += count
		switch status {
		case StatusPending:
			stats.Pending += count
		case StatusProcessing:
			stats.Processing += count
		case StatusCompleted:
			stats.Completed += count
		case StatusFailed:
			stats.Failed += count
		case StatusCancelled:
			stats.Cancelled += count
		}
	}
	return stats, rows.Err()
}

// Length returns the number of items still awaiting delivery.
func (s *Store) Length(ctx context.Context) (int, error) {
	var count int
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM queue_items WHERE status IN (?, ?)`,
		StatusPending, StatusProcessing,
	)
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("queue length: %w", err)
	}
	return count, nil
}

const itemColumns = "id, action, endpoint, method, body, headers_json, priority, status, created_at, updated_at, started_at, retry_count, max_retries, last_error, timeout_ms, depends_on_json, metadata_json"

func scanItem(scanner interface{ Scan(dest ...any) error }) (*Item, error) {
	var (
		id          string
		action      string
		endpoint    string
		method      string
		body        []byte
		headersRaw  sql.NullString
		rank        int
		statusStr   string
		createdRaw  sql.NullString
		updatedRaw  sql.NullString
		startedRaw  sql.NullString
		retryCount  int
		maxRetries  int
		lastError   sql.NullString
		timeoutMs   int64
		dependsRaw  sql.NullString
		metadataRaw sql.NullString
	)

	if err := scanner.Scan(
		&id,
		&action,
		&endpoint,
		&method,
		&body,
		&headersRaw,
		&rank,
		&statusStr,
		&createdRaw,
		&updatedRaw,
		&startedRaw,
		&retryCount,
		&maxRetries,
		&lastError,
		&timeoutMs,
		&dependsRaw,
		&metadataRaw,
	); err != nil {
		return nil, err
	}

	item := &Item{
		ID:         id,
		Action:     action,
		Endpoint:   endpoint,
		Method:     method,
		Body:       body,
		Priority:   priorityFromRank(rank),
		Status:     Status(statusStr),
		RetryCount: retryCount,
		MaxRetries: maxRetries,
		LastError:  lastError.String,
		Timeout:    time.Duration(timeoutMs) * time.Millisecond,
	}

	var err error
	if item.Headers, err = unmarshalStringMap(headersRaw.String); err != nil {
		return nil, fmt.Errorf("parse headers for %s: %w", id, err)
	}
	if item.Metadata, err = unmarshalStringMap(metadataRaw.String); err != nil {
		return nil, fmt.Errorf("parse metadata for %s: %w", id, err)
	}
	if item.DependsOn, err = unmarshalStringSlice(dependsRaw.String); err != nil {
		return nil, fmt.Errorf("parse dependencies for %s: %w", id, err)
	}

	if created, err := parseTimeString(createdRaw.String); err == nil {
		item.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw.String); err == nil {
		item.UpdatedAt = updated
	}
	if startedRaw.Valid {
		if started, err := parseTimeString(startedRaw.String); err == nil {
			item.StartedAt = &started
		}
	}
	return item, nil
}

func marshalStringMap(value map[string]string) (any, error) {
	if len(value) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func unmarshalStringMap(value string) (map[string]string, error) {
	if strings.TrimSpace(value) == "" {
		return nil, nil
	}
	var out map[string]string
	if err := json.Unmarshal([]byte(value), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func marshalStringSlice(value []string) (any, error) {
	if len(value) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func unmarshalStringSlice(value string) ([]string, error) {
	if strings.TrimSpace(value) == "" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(value), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	return time.Parse(time.RFC3339Nano, value)
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}
	placeholders := make([]byte, 0, count*2)
	for i := 0; i < count; i++ {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
	}
	return string(placeholders)
}
