package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"roam/internal/cache"
	"roam/internal/config"
	"roam/internal/events"
	"roam/internal/logging"
	"roam/internal/netmon"
	"roam/internal/queue"
	"roam/internal/storage"
	"roam/internal/transport"
)

var (
	// ErrSyncInProgress reports that a sync pass is already running; the
	// caller's trigger was absorbed, not queued.
	ErrSyncInProgress = errors.New("sync already in progress")
	// ErrOffline reports that no sync pass ran because the network is
	// unreachable. Queued work is preserved for the next opportunity.
	ErrOffline = errors.New("network unreachable")
)

const (
	metaLastSync = "last_sync_at"
	metaNextSync = "next_sync_at"
)

// DomainError captures one domain refresh failure. Failures are isolated per
// domain: one bad endpoint never blocks the rest of the pass.
type DomainError struct {
	Domain    string
	Message   string
	Timestamp time.Time
	Retryable bool
}

// Result summarizes one sync pass.
type Result struct {
	StartedAt  time.Time
	FinishedAt time.Time

	// Queue drain counters. Deferred counts items skipped because their
	// dependencies were not yet satisfied or their status changed mid-pass.
	Processed int
	Succeeded int
	Failed    int
	Deferred  int

	RefreshedDomains []string
	DomainErrors     []DomainError

	ReclaimedCompleted int64
	ReclaimedFailed    int64
}

// Options wires the engine's collaborators.
type Options struct {
	Config  *config.Config
	Logger  *slog.Logger
	DB      *storage.DB
	Queue   *queue.Store
	Cache   *cache.Store
	Client  transport.Client
	Monitor netmon.Monitor
	Bus     *events.Bus
}

// Engine owns the sync lifecycle: it drains the offline queue, refreshes
// cached domains, reacts to connectivity changes, and runs a periodic
// safety-net pass. At most one pass runs at a time.
type Engine struct {
	cfg     *config.Config
	logger  *slog.Logger
	db      *storage.DB
	queue   *queue.Store
	cache   *cache.Store
	client  transport.Client
	monitor netmon.Monitor
	bus     *events.Bus

	kick chan struct{}

	mu          sync.Mutex
	syncing     bool
	progress    Progress
	running     bool
	quit        chan struct{}
	unsubscribe func()
	scheduler   *cron.Cron
}

// Progress describes how far the current pass has come. One step per phase:
// the queue drain, then each configured domain. Zero value while idle.
type Progress struct {
	Percent        float64
	Step           string
	CompletedSteps int
	TotalSteps     int
	Errors         []DomainError
}

// New assembles an engine. Config, DB, Queue, Cache, and Monitor are
// required; Client, Bus, and Logger default to production implementations.
func New(opts Options) (*Engine, error) {
	if opts.Config == nil {
		return nil, errors.New("sync engine requires configuration")
	}
	if opts.DB == nil || opts.Queue == nil || opts.Cache == nil {
		return nil, errors.New("sync engine requires storage, queue, and cache")
	}
	if opts.Monitor == nil {
		return nil, errors.New("sync engine requires a network monitor")
	}
	if opts.Client == nil {
		opts.Client = transport.NewHTTPClient()
	}
	if opts.Bus == nil {
		opts.Bus = events.NewBus(opts.Logger)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}

	return &Engine{
		cfg:     opts.Config,
		logger:  logging.NewComponentLogger(opts.Logger, "sync"),
		db:      opts.DB,
		queue:   opts.Queue,
		cache:   opts.Cache,
		client:  opts.Client,
		monitor: opts.Monitor,
		bus:     opts.Bus,
		kick:    make(chan struct{}, 1),
	}, nil
}

// Bus exposes the event bus for subscribers.
func (e *Engine) Bus() *events.Bus {
	return e.bus
}

// Cache exposes the read path for cached domain data.
func (e *Engine) Cache() *cache.Store {
	return e.cache
}

// Online reports current connectivity as seen by the monitor.
func (e *Engine) Online() bool {
	return e.monitor.Online()
}

// Syncing reports whether a pass is currently running.
func (e *Engine) Syncing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.syncing
}

// QueueLength reports how many operations await delivery.
func (e *Engine) QueueLength(ctx context.Context) (int, error) {
	return e.queue.Length(ctx)
}

// Start launches the background loop: connectivity subscription, periodic
// scheduler, and the trigger channel consumer.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	e.quit = make(chan struct{})
	e.running = true
	quit := e.quit

	e.unsubscribe = e.monitor.Subscribe(func(online bool) {
		e.bus.Publish(events.NetworkChange, online)
		if online {
			e.logger.Info("connectivity restored, scheduling sync",
				logging.String(logging.FieldEventType, "reconnect_sync"),
			)
			e.Kick()
		}
	})

	scheduler := cron.New()
	if interval := e.cfg.SyncInterval(); interval > 0 {
		if _, err := scheduler.AddFunc(fmt.Sprintf("@every %s", interval), e.Kick); err != nil {
			e.mu.Unlock()
			return fmt.Errorf("schedule periodic sync: %w", err)
		}
	}
	scheduler.Start()
	e.scheduler = scheduler
	e.mu.Unlock()

	if err := e.monitor.Start(ctx); err != nil {
		return fmt.Errorf("start network monitor: %w", err)
	}

	go e.triggerLoop(ctx, quit)

	e.logger.Info("sync engine started",
		logging.String(logging.FieldEventType, "engine_started"),
		logging.Duration("interval", e.cfg.SyncInterval()),
	)
	return nil
}

// Stop halts the background loop. In-flight passes finish on their own.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running {
		return
	}
	if e.quit != nil {
		close(e.quit)
		e.quit = nil
	}
	if e.scheduler != nil {
		e.scheduler.Stop()
		e.scheduler = nil
	}
	if e.unsubscribe != nil {
		e.unsubscribe()
		e.unsubscribe = nil
	}
	e.running = false

	e.logger.Info("sync engine stopped",
		logging.String(logging.FieldEventType, "engine_stopped"),
	)
}

// Kick requests a sync pass without blocking. Multiple kicks while a pass is
// running collapse into one follow-up pass.
func (e *Engine) Kick() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

func (e *Engine) triggerLoop(ctx context.Context, quit <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-quit:
			return
		case <-e.kick:
			if _, err := e.SyncAll(ctx, false); err != nil && !errors.Is(err, ErrOffline) && !errors.Is(err, ErrSyncInProgress) {
				e.logger.Warn("background sync failed",
					logging.Error(err),
					logging.String(logging.FieldEventType, "background_sync_failed"),
				)
			}
		}
	}
}

// Enqueue stores an operation for delivery and, when online, requests an
// immediate drain. The operation is durable before Enqueue returns.
func (e *Engine) Enqueue(ctx context.Context, req queue.AddRequest) (string, error) {
	if req.Timeout <= 0 {
		req.Timeout = e.cfg.QueueTimeout()
	}
	id, err := e.queue.Add(ctx, req)
	if err != nil {
		return "", err
	}
	if e.monitor.Online() {
		e.Kick()
	}
	return id, nil
}

// SyncAll runs one full pass: drain the queue, then refresh each configured
// domain in order, then reclaim terminal queue items. force refreshes every
// domain even when its cached copy is still fresh. Offline or concurrent
// invocations are no-ops.
func (e *Engine) SyncAll(ctx context.Context, force bool) (*Result, error) {
	if !e.monitor.Online() {
		return nil, ErrOffline
	}

	totalSteps := 1 + len(e.cfg.Sync.Domains)
	e.mu.Lock()
	if e.syncing {
		e.mu.Unlock()
		return nil, ErrSyncInProgress
	}
	e.syncing = true
	e.progress = Progress{Step: "queue", TotalSteps: totalSteps}
	e.mu.Unlock()

	result := &Result{StartedAt: time.Now().UTC()}
	e.bus.Publish(events.SyncStart, result.StartedAt)
	e.logger.Info("sync pass started",
		logging.String(logging.FieldEventType, "sync_started"),
		logging.Bool("force", force),
	)

	// Completion runs on every pass that emitted a start event, aborted or
	// not: listeners always see a matching sync_complete and the last/next
	// instants are persisted even when ctx was cancelled mid-drain.
	defer func() {
		result.FinishedAt = time.Now().UTC()
		if err := e.recordPass(context.WithoutCancel(ctx), result); err != nil {
			e.logger.Warn("failed to persist sync bookkeeping", logging.Error(err))
		}
		e.bus.Publish(events.SyncComplete, result)
		e.logger.Info("sync pass finished",
			logging.String(logging.FieldEventType, "sync_finished"),
			logging.Int("processed", result.Processed),
			logging.Int("succeeded", result.Succeeded),
			logging.Int("failed", result.Failed),
			logging.Int("domains", len(result.RefreshedDomains)),
			logging.Int("domain_errors", len(result.DomainErrors)),
		)
		e.mu.Lock()
		e.syncing = false
		e.progress = Progress{}
		e.mu.Unlock()
	}()

	if err := e.drainQueue(ctx, result); err != nil {
		return result, err
	}
	e.refreshDomains(ctx, force, result)
	e.bus.Publish(events.SyncProgress, e.setProgress("reclaim", totalSteps, result.DomainErrors))
	e.reclaim(ctx, result)
	return result, nil
}

// setProgress advances the current pass's progress under the engine lock and
// returns a snapshot suitable for publishing.
func (e *Engine) setProgress(step string, completed int, errs []DomainError) Progress {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.progress.Step = step
	e.progress.CompletedSteps = completed
	if e.progress.TotalSteps > 0 {
		e.progress.Percent = float64(completed) / float64(e.progress.TotalSteps) * 100
	}
	e.progress.Errors = append([]DomainError(nil), errs...)
	return e.progress
}

// reclaim removes completed items and failed items past the retention window.
func (e *Engine) reclaim(ctx context.Context, result *Result) {
	removed, err := e.queue.RemoveCompleted(ctx)
	if err != nil {
		e.logger.Warn("failed to reclaim completed items", logging.Error(err))
	} else {
		result.ReclaimedCompleted = removed
	}

	removed, err = e.queue.RemoveOldFailed(ctx, e.cfg.FailedRetention())
	if err != nil {
		e.logger.Warn("failed to reclaim old failed items", logging.Error(err))
	} else {
		result.ReclaimedFailed = removed
	}
}

func (e *Engine) recordPass(ctx context.Context, result *Result) error {
	if err := e.db.PutMeta(ctx, metaLastSync, result.FinishedAt.Format(time.RFC3339Nano)); err != nil {
		return err
	}
	next := result.FinishedAt.Add(e.cfg.SyncInterval())
	return e.db.PutMeta(ctx, metaNextSync, next.Format(time.RFC3339Nano))
}

// Status is a point-in-time view of the engine for CLI and diagnostics use.
// Progress is meaningful only while Syncing is true.
type Status struct {
	Online     bool
	Syncing    bool
	Progress   Progress
	QueueStats queue.Stats
	Metadata   queue.Metadata
	LastSyncAt *time.Time
	NextSyncAt *time.Time
}

// Status gathers current engine state.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	stats, err := e.queue.Stats(ctx)
	if err != nil {
		return Status{}, err
	}
	metadata, err := e.queue.Metadata(ctx)
	if err != nil {
		return Status{}, err
	}

	status := Status{
		Online:     e.monitor.Online(),
		QueueStats: stats,
		Metadata:   metadata,
	}
	e.mu.Lock()
	status.Syncing = e.syncing
	status.Progress = e.progress
	e.mu.Unlock()
	status.LastSyncAt, err = e.readMetaTime(ctx, metaLastSync)
	if err != nil {
		return Status{}, err
	}
	status.NextSyncAt, err = e.readMetaTime(ctx, metaNextSync)
	if err != nil {
		return Status{}, err
	}
	return status, nil
}

func (e *Engine) readMetaTime(ctx context.Context, key string) (*time.Time, error) {
	value, ok, err := e.db.GetMeta(ctx, key)
	if err != nil || !ok {
		return nil, err
	}
	parsed, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", key, err)
	}
	return &parsed, nil
}
