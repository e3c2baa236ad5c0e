package sync

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"roam/internal/cache"
	"roam/internal/config"
	"roam/internal/events"
	"roam/internal/logging"
	"roam/internal/resolver"
)

// CacheRefresh is the payload published on cache_update and per-domain
// events after a domain's cached copy changes.
type CacheRefresh struct {
	Domain  string
	Key     string
	Version int64
	Winner  resolver.Winner
}

// refreshDomains fetches each configured domain in declaration order.
// Failures are recorded per domain and never abort the loop, so a single
// misbehaving endpoint cannot starve the others.
func (e *Engine) refreshDomains(ctx context.Context, force bool, result *Result) {
	for i, domain := range e.cfg.Sync.Domains {
		if err := ctx.Err(); err != nil {
			return
		}
		if !e.monitor.Online() {
			return
		}
		e.bus.Publish(events.SyncProgress, e.setProgress("domain:"+domain.Name, 1+i, result.DomainErrors))

		if !force {
			stale, err := e.cache.IsStale(ctx, domain.Name)
			if err != nil {
				result.DomainErrors = append(result.DomainErrors, domainError(domain.Name, err.Error(), false))
				continue
			}
			if !stale {
				continue
			}
		}

		if err := e.refreshDomain(ctx, domain, result); err != nil {
			e.logger.Warn("domain refresh failed",
				logging.Error(err),
				logging.String(logging.FieldEventType, "domain_refresh_failed"),
				logging.String(logging.FieldDomain, domain.Name),
				logging.String(logging.FieldImpact, "stale cached data served until the next successful refresh"),
				logging.String(logging.FieldErrorHint, "check the domain endpoint, the next pass retries it"),
			)
		}
	}
}

func (e *Engine) refreshDomain(ctx context.Context, domain config.Domain, result *Result) error {
	strategy, err := resolver.ParseStrategy(domain.Strategy)
	if err != nil {
		result.DomainErrors = append(result.DomainErrors, domainError(domain.Name, err.Error(), false))
		return err
	}

	attemptCtx, cancel := context.WithTimeout(ctx, e.cfg.QueueTimeout())
	resp, err := e.client.Perform(attemptCtx, http.MethodGet, e.endpointURL(domain.Path), nil, nil)
	cancel()
	if err != nil {
		result.DomainErrors = append(result.DomainErrors, domainError(domain.Name, err.Error(), true))
		return err
	}
	if !resp.Success() {
		message := fmt.Sprintf("server returned %d", resp.StatusCode)
		result.DomainErrors = append(result.DomainErrors, domainError(domain.Name, message, resp.Retryable()))
		return fmt.Errorf("refresh %s: %s", domain.Name, message)
	}

	previous, err := e.cache.GetItem(ctx, domain.Name)
	if err != nil {
		result.DomainErrors = append(result.DomainErrors, domainError(domain.Name, err.Error(), false))
		return err
	}

	payload := resp.Body
	winner := resolver.WinnerServer
	changed := previous == nil || previous.Fingerprint != cache.Fingerprint(resp.Body)

	if previous != nil && changed {
		serverTime := resp.ServerTime
		if serverTime.IsZero() {
			serverTime = time.Now().UTC()
		}
		resolution, err := resolver.Resolve(strategy,
			resolver.Version{Payload: previous.Payload, ModifiedAt: previous.CachedAt},
			resolver.Version{Payload: resp.Body, ModifiedAt: serverTime},
		)
		if err != nil {
			result.DomainErrors = append(result.DomainErrors, domainError(domain.Name, err.Error(), false))
			return err
		}
		payload = resolution.Payload
		winner = resolution.Winner
		e.logger.Info("resolved domain conflict",
			logging.String(logging.FieldEventType, "conflict_resolved"),
			logging.String(logging.FieldDomain, domain.Name),
			logging.String("strategy", string(strategy)),
			logging.String("winner", string(winner)),
		)
	}

	item, err := e.cache.Put(ctx, domain.Name, payload, domain.TTL())
	if err != nil {
		result.DomainErrors = append(result.DomainErrors, domainError(domain.Name, err.Error(), false))
		return err
	}
	result.RefreshedDomains = append(result.RefreshedDomains, domain.Name)

	if changed {
		refresh := CacheRefresh{
			Domain:  domain.Name,
			Key:     item.Key,
			Version: item.Version,
			Winner:  winner,
		}
		e.bus.Publish(events.CacheUpdate, refresh)
		e.bus.Publish(events.DomainEvent(domain.Name), refresh)
	}

	e.logger.Info("domain refreshed",
		logging.String(logging.FieldEventType, "domain_refreshed"),
		logging.String(logging.FieldDomain, domain.Name),
		logging.String(logging.FieldCacheKey, item.Key),
		logging.Int64("version", item.Version),
		logging.Bool("changed", changed),
	)
	return nil
}

func domainError(domain, message string, retryable bool) DomainError {
	return DomainError{
		Domain:    domain,
		Message:   message,
		Timestamp: time.Now().UTC(),
		Retryable: retryable,
	}
}
