package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"roam/internal/events"
	"roam/internal/logging"
	"roam/internal/queue"
)

// drainQueue attempts delivery of every pending operation, one at a time in
// priority then FIFO order. The pending set is snapshotted up front so an
// item that fails and re-enters pending is not retried within the same pass;
// its retry waits for the next one.
func (e *Engine) drainQueue(ctx context.Context, result *Result) error {
	snapshot, err := e.queue.List(ctx, queue.StatusPending)
	if err != nil {
		return fmt.Errorf("snapshot pending items: %w", err)
	}

	for _, stale := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !e.monitor.Online() {
			e.logger.Info("connectivity lost mid-drain, stopping pass",
				logging.String(logging.FieldEventType, "drain_interrupted"),
			)
			return nil
		}

		// Reload: the snapshot entry may have been cancelled, merged, or
		// removed since the pass began.
		item, err := e.queue.GetByID(ctx, stale.ID)
		if err != nil {
			return err
		}
		if item == nil || item.Status != queue.StatusPending {
			result.Deferred++
			continue
		}

		eligible, err := e.queue.DependenciesSatisfied(ctx, item)
		if err != nil {
			return err
		}
		if !eligible {
			result.Deferred++
			continue
		}

		e.deliver(ctx, item, result)
		e.bus.Publish(events.SyncProgress, e.setProgress("queue", 0, result.DomainErrors))
	}
	return nil
}

// deliver performs one attempt of one item and records the outcome.
func (e *Engine) deliver(ctx context.Context, item *queue.Item, result *Result) {
	if err := e.queue.MarkProcessing(ctx, item.ID); err != nil {
		if errors.Is(err, queue.ErrInvalidTransition) || errors.Is(err, queue.ErrNotFound) {
			result.Deferred++
			return
		}
		e.logger.Error("failed to claim queue item",
			logging.Error(err),
			logging.String(logging.FieldItemID, item.ID),
		)
		return
	}
	result.Processed++

	attemptCtx, cancel := context.WithTimeout(ctx, item.Timeout)
	resp, err := e.client.Perform(attemptCtx, item.Method, e.endpointURL(item.Endpoint), item.Headers, item.Body)
	cancel()

	// A cancel issued while the call was in flight wins over its result.
	current, getErr := e.queue.GetByID(ctx, item.ID)
	if getErr == nil && (current == nil || current.Status == queue.StatusCancelled) {
		e.logger.Info("discarding result of cancelled operation",
			logging.String(logging.FieldItemID, item.ID),
			logging.String(logging.FieldAction, item.Action),
		)
		return
	}

	switch {
	case err != nil:
		e.recordFailure(ctx, item, result, fmt.Sprintf("request failed: %v", err))
	case resp.Success():
		if err := e.queue.MarkCompleted(ctx, item.ID); err != nil {
			e.logger.Error("failed to mark item completed",
				logging.Error(err),
				logging.String(logging.FieldItemID, item.ID),
			)
			return
		}
		result.Succeeded++
		e.logger.Info("operation delivered",
			logging.String(logging.FieldEventType, "operation_delivered"),
			logging.String(logging.FieldItemID, item.ID),
			logging.String(logging.FieldAction, item.Action),
		)
		e.bus.Publish(events.ActionEvent(item.Action), DeliveredOperation{
			ID:       item.ID,
			Action:   item.Action,
			Response: resp.Body,
		})
	default:
		// A rejection is still subject to the retry budget; operations that
		// must never be re-sent opt out with maxRetries = 0.
		e.recordFailure(ctx, item, result, fmt.Sprintf("server returned %d", resp.StatusCode))
	}
}

// DeliveredOperation is the payload published on action events after a
// queued operation reaches the server.
type DeliveredOperation struct {
	ID       string
	Action   string
	Response []byte
}

func (e *Engine) recordFailure(ctx context.Context, item *queue.Item, result *Result, message string) {
	if err := e.queue.MarkFailed(ctx, item.ID, message); err != nil {
		e.logger.Error("failed to record delivery failure",
			logging.Error(err),
			logging.String(logging.FieldItemID, item.ID),
		)
		return
	}

	result.Failed++
	impact := "operation will be retried on a later pass"
	hint := "no action needed, delivery retries automatically"
	if item.RetryCount+1 > item.MaxRetries {
		impact = "operation failed permanently"
		hint = "inspect the item and requeue it with a manual retry"
	}
	e.logger.Warn("operation delivery failed",
		logging.String(logging.FieldEventType, "operation_failed"),
		logging.String(logging.FieldItemID, item.ID),
		logging.String(logging.FieldAction, item.Action),
		logging.String("reason", message),
		logging.String(logging.FieldImpact, impact),
		logging.String(logging.FieldErrorHint, hint),
	)
}

func (e *Engine) endpointURL(endpoint string) string {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint
	}
	base := strings.TrimRight(e.cfg.Sync.BaseURL, "/")
	if !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}
	return base + endpoint
}
