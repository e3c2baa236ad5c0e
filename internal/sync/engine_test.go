package sync_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	stdsync "sync"
	"testing"
	"time"

	"roam/internal/config"
	"roam/internal/events"
	"roam/internal/netmon"
	"roam/internal/queue"
	"roam/internal/storage"
	"roam/internal/sync"
	"roam/internal/testsupport"
)

type fixture struct {
	engine  *sync.Engine
	queue   *queue.Store
	monitor *netmon.ManualMonitor
	cfg     *config.Config
	db      *storage.DB
}

func newFixture(t *testing.T, handler http.Handler, domains ...config.Domain) *fixture {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := testsupport.NewConfig(t)
	cfg.Sync.BaseURL = server.URL
	cfg.Sync.Domains = domains

	db := testsupport.MustOpenDB(t, cfg)
	queueStore := testsupport.MustOpenQueue(t, db)
	cacheStore := testsupport.MustOpenCache(t, db)
	monitor := netmon.NewManualMonitor(true)

	engine, err := sync.New(sync.Options{
		Config:  cfg,
		DB:      db,
		Queue:   queueStore,
		Cache:   cacheStore,
		Monitor: monitor,
	})
	if err != nil {
		t.Fatalf("sync.New: %v", err)
	}
	return &fixture{engine: engine, queue: queueStore, monitor: monitor, cfg: cfg, db: db}
}

func TestSyncAllOfflineIsNoOp(t *testing.T) {
	fx := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("server reached while offline")
	}))
	fx.monitor.SetOnline(false)
	ctx := context.Background()

	if _, err := fx.queue.Add(ctx, queue.AddRequest{
		Action: "submit_rating", Endpoint: "/ratings", Method: http.MethodPost, Body: []byte(`{}`),
	}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if _, err := fx.engine.SyncAll(ctx, false); !errors.Is(err, sync.ErrOffline) {
		t.Fatalf("SyncAll offline err = %v, want ErrOffline", err)
	}

	length, err := fx.engine.QueueLength(ctx)
	if err != nil {
		t.Fatalf("QueueLength: %v", err)
	}
	if length != 1 {
		t.Fatalf("queue length = %d, want item preserved", length)
	}
}

func TestSyncAllDrainsQueueInPriorityOrder(t *testing.T) {
	var mu stdsync.Mutex
	var order []string
	fx := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		order = append(order, r.URL.Path)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	ctx := context.Background()

	add := func(endpoint string, priority queue.Priority) {
		t.Helper()
		if _, err := fx.queue.Add(ctx, queue.AddRequest{
			Action: "op", Endpoint: endpoint, Method: http.MethodPost, Priority: priority,
		}); err != nil {
			t.Fatalf("Add %s: %v", endpoint, err)
		}
	}
	add("/low", queue.PriorityLow)
	add("/critical", queue.PriorityCritical)
	add("/normal", queue.PriorityNormal)
	add("/high", queue.PriorityHigh)

	result, err := fx.engine.SyncAll(ctx, false)
	if err != nil {
		t.Fatalf("SyncAll: %v", err)
	}
	if result.Processed != 4 || result.Succeeded != 4 {
		t.Fatalf("result = %+v, want 4 processed and succeeded", result)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"/critical", "/high", "/normal", "/low"}
	if len(order) != len(want) {
		t.Fatalf("order = %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestOfflineBacklogDeliveredInOrderAfterReconnect(t *testing.T) {
	var mu stdsync.Mutex
	var order []string
	fx := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		order = append(order, r.URL.Path)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	fx.monitor.SetOnline(false)
	ctx := context.Background()

	enqueue := func(endpoint string, priority queue.Priority) {
		t.Helper()
		if _, err := fx.engine.Enqueue(ctx, queue.AddRequest{
			Action: "op", Endpoint: endpoint, Method: http.MethodPost, Priority: priority,
		}); err != nil {
			t.Fatalf("Enqueue %s: %v", endpoint, err)
		}
	}
	enqueue("/c1", queue.PriorityCritical)
	enqueue("/n1", queue.PriorityNormal)
	enqueue("/c2", queue.PriorityCritical)

	fx.monitor.SetOnline(true)
	result, err := fx.engine.SyncAll(ctx, false)
	if err != nil {
		t.Fatalf("SyncAll: %v", err)
	}
	if result.Succeeded != 3 {
		t.Fatalf("result = %+v, want 3 succeeded", result)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"/c1", "/c2", "/n1"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}

	items, err := fx.queue.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("queue holds %d items, want all reclaimed after completion", len(items))
	}
}

func TestRetryableFailureWaitsForNextPass(t *testing.T) {
	var mu stdsync.Mutex
	attempts := 0
	fx := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		mu.Unlock()
		w.WriteHeader(http.StatusInternalServerError)
	}))
	ctx := context.Background()

	two := 2
	id, err := fx.queue.Add(ctx, queue.AddRequest{
		Action: "op", Endpoint: "/flaky", Method: http.MethodPost, MaxRetries: &two,
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	// First pass attempts once; the item re-enters pending but is not
	// retried until the next pass.
	result, err := fx.engine.SyncAll(ctx, false)
	if err != nil {
		t.Fatalf("SyncAll #1: %v", err)
	}
	if result.Processed != 1 || result.Failed != 1 {
		t.Fatalf("pass 1 result = %+v", result)
	}
	mu.Lock()
	if attempts != 1 {
		t.Fatalf("attempts after pass 1 = %d, want 1", attempts)
	}
	mu.Unlock()

	// Two more passes exhaust the budget: three attempts total.
	for pass := 2; pass <= 3; pass++ {
		if _, err := fx.engine.SyncAll(ctx, false); err != nil {
			t.Fatalf("SyncAll #%d: %v", pass, err)
		}
	}

	item, err := fx.queue.GetByID(ctx, id)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if item.Status != queue.StatusFailed {
		t.Fatalf("status = %s, want failed after exhausting retries", item.Status)
	}
	if item.RetryCount != 3 {
		t.Fatalf("retry count = %d, want 3", item.RetryCount)
	}

	// A fourth pass must not touch the terminally failed item.
	mu.Lock()
	before := attempts
	mu.Unlock()
	if _, err := fx.engine.SyncAll(ctx, false); err != nil {
		t.Fatalf("SyncAll #4: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if attempts != before {
		t.Fatal("failed item was attempted again")
	}
}

func TestNonRetryableOperationFailsOnFirstRejection(t *testing.T) {
	fx := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	ctx := context.Background()

	// maxRetries = 0 marks the operation unsafe to re-send.
	zero := 0
	id, err := fx.queue.Add(ctx, queue.AddRequest{
		Action: "op", Endpoint: "/bad", Method: http.MethodPost, MaxRetries: &zero,
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	result, err := fx.engine.SyncAll(ctx, false)
	if err != nil {
		t.Fatalf("SyncAll: %v", err)
	}
	if result.Failed != 1 {
		t.Fatalf("result = %+v, want 1 failed", result)
	}

	item, err := fx.queue.GetByID(ctx, id)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if item.Status != queue.StatusFailed {
		t.Fatalf("status = %s, want failed without further retries", item.Status)
	}
	if item.LastError != "server returned 422" {
		t.Fatalf("last error = %q", item.LastError)
	}
}

func TestDependentDeliveredAfterDependency(t *testing.T) {
	var mu stdsync.Mutex
	var order []string
	fx := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		order = append(order, r.URL.Path)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	ctx := context.Background()

	parentID, err := fx.queue.Add(ctx, queue.AddRequest{
		Action: "create", Endpoint: "/posts", Method: http.MethodPost, Priority: queue.PriorityLow,
	})
	if err != nil {
		t.Fatalf("Add parent: %v", err)
	}
	if _, err := fx.queue.Add(ctx, queue.AddRequest{
		Action: "comment", Endpoint: "/comments", Method: http.MethodPost,
		Priority: queue.PriorityCritical, DependsOn: []string{parentID},
	}); err != nil {
		t.Fatalf("Add dependent: %v", err)
	}

	// Pass one: the dependent outranks its dependency but is blocked, so
	// only the parent goes out.
	if _, err := fx.engine.SyncAll(ctx, false); err != nil {
		t.Fatalf("SyncAll #1: %v", err)
	}
	if _, err := fx.engine.SyncAll(ctx, false); err != nil {
		t.Fatalf("SyncAll #2: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "/posts" || order[1] != "/comments" {
		t.Fatalf("order = %v, want parent before dependent", order)
	}
}

func TestDomainRefreshPopulatesCacheAndPublishes(t *testing.T) {
	payload := `{"stages":["main","river"]}`
	fx := newFixture(t,
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/api/schedule" {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			_, _ = w.Write([]byte(payload))
		}),
		config.Domain{Name: "schedule", Path: "/api/schedule", TTLSeconds: 900, Strategy: "server-wins"},
	)
	ctx := context.Background()

	var mu stdsync.Mutex
	var updates []sync.CacheRefresh
	fx.engine.Bus().Subscribe(events.CacheUpdate, func(e events.Event) {
		mu.Lock()
		defer mu.Unlock()
		if refresh, ok := e.Payload.(sync.CacheRefresh); ok {
			updates = append(updates, refresh)
		}
	})

	result, err := fx.engine.SyncAll(ctx, false)
	if err != nil {
		t.Fatalf("SyncAll: %v", err)
	}
	if len(result.RefreshedDomains) != 1 || result.RefreshedDomains[0] != "schedule" {
		t.Fatalf("refreshed = %v", result.RefreshedDomains)
	}
	if len(result.DomainErrors) != 0 {
		t.Fatalf("domain errors = %v", result.DomainErrors)
	}

	mu.Lock()
	if len(updates) != 1 || updates[0].Version != 1 {
		t.Fatalf("updates = %+v, want one update at version 1", updates)
	}
	mu.Unlock()

	// Unchanged payload on a forced refresh: no new update event.
	if _, err := fx.engine.SyncAll(ctx, true); err != nil {
		t.Fatalf("SyncAll force: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(updates) != 1 {
		t.Fatalf("updates after unchanged refresh = %d, want still 1", len(updates))
	}
}

func TestDomainFailureIsIsolated(t *testing.T) {
	fx := newFixture(t,
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case "/api/broken":
				w.WriteHeader(http.StatusInternalServerError)
			default:
				_, _ = w.Write([]byte(`{"ok":true}`))
			}
		}),
		config.Domain{Name: "broken", Path: "/api/broken", TTLSeconds: 900, Strategy: "server-wins"},
		config.Domain{Name: "news", Path: "/api/news", TTLSeconds: 900, Strategy: "server-wins"},
	)
	ctx := context.Background()

	result, err := fx.engine.SyncAll(ctx, false)
	if err != nil {
		t.Fatalf("SyncAll: %v", err)
	}

	if len(result.DomainErrors) != 1 || result.DomainErrors[0].Domain != "broken" {
		t.Fatalf("domain errors = %+v", result.DomainErrors)
	}
	if !result.DomainErrors[0].Retryable {
		t.Fatal("5xx domain error should be retryable")
	}
	if len(result.RefreshedDomains) != 1 || result.RefreshedDomains[0] != "news" {
		t.Fatalf("refreshed = %v, want news despite broken sibling", result.RefreshedDomains)
	}
}

func TestReconnectTriggersSync(t *testing.T) {
	var mu stdsync.Mutex
	delivered := 0
	fx := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		delivered++
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	fx.monitor.SetOnline(false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := fx.engine.Enqueue(ctx, queue.AddRequest{
		Action: "op", Endpoint: "/offline-work", Method: http.MethodPost,
	}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if err := fx.engine.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer fx.engine.Stop()

	fx.monitor.SetOnline(true)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		done := delivered == 1
		mu.Unlock()
		if done {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	if delivered != 1 {
		t.Fatalf("delivered = %d, want 1 after reconnect", delivered)
	}
}

func TestSyncAllRecordsBookkeeping(t *testing.T) {
	fx := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	ctx := context.Background()

	if _, err := fx.queue.Add(ctx, queue.AddRequest{
		Action: "op", Endpoint: "/x", Method: http.MethodPost,
	}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := fx.engine.SyncAll(ctx, false); err != nil {
		t.Fatalf("SyncAll: %v", err)
	}

	status, err := fx.engine.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.LastSyncAt == nil || status.NextSyncAt == nil {
		t.Fatalf("status timestamps missing: %+v", status)
	}
	if !status.NextSyncAt.After(*status.LastSyncAt) {
		t.Fatal("next sync not after last sync")
	}
	if status.Metadata.TotalSucceeded != 1 {
		t.Fatalf("metadata = %+v, want one success recorded", status.Metadata)
	}
	// Completed item was reclaimed at the end of the pass.
	if status.QueueStats.Completed != 0 || status.QueueStats.Total != 0 {
		t.Fatalf("queue stats = %+v, want reclaimed", status.QueueStats)
	}
}

func TestAbortedPassStillCompletesBookkeeping(t *testing.T) {
	fx := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("server reached with cancelled context")
	}))
	ctx := context.Background()

	if _, err := fx.queue.Add(ctx, queue.AddRequest{
		Action: "op", Endpoint: "/x", Method: http.MethodPost,
	}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	completions := 0
	fx.engine.Bus().Subscribe(events.SyncComplete, func(e events.Event) {
		completions++
	})

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := fx.engine.SyncAll(cancelled, false); err == nil {
		t.Fatal("expected error from cancelled pass")
	}

	// Listeners that saw the start event must see the matching completion,
	// and the pass instants must be persisted despite the abort.
	if completions != 1 {
		t.Fatalf("completions = %d, want 1", completions)
	}
	status, err := fx.engine.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.LastSyncAt == nil || status.NextSyncAt == nil {
		t.Fatalf("sync instants not persisted: %+v", status)
	}
	if status.Syncing {
		t.Fatal("syncing flag stuck after aborted pass")
	}
}

func TestSyncProgressReportsStepsAndErrors(t *testing.T) {
	fx := newFixture(t,
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case "/x", "/api/news":
				_, _ = w.Write([]byte(`{"ok":true}`))
			default:
				w.WriteHeader(http.StatusInternalServerError)
			}
		}),
		config.Domain{Name: "news", Path: "/api/news", TTLSeconds: 900, Strategy: "server-wins"},
		config.Domain{Name: "broken", Path: "/api/broken", TTLSeconds: 900, Strategy: "server-wins"},
	)
	ctx := context.Background()

	if _, err := fx.queue.Add(ctx, queue.AddRequest{
		Action: "op", Endpoint: "/x", Method: http.MethodPost,
	}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	var progresses []sync.Progress
	fx.engine.Bus().Subscribe(events.SyncProgress, func(e events.Event) {
		if p, ok := e.Payload.(sync.Progress); ok {
			progresses = append(progresses, p)
		}
	})

	if _, err := fx.engine.SyncAll(ctx, false); err != nil {
		t.Fatalf("SyncAll: %v", err)
	}

	if len(progresses) < 4 {
		t.Fatalf("got %d progress events, want queue, both domains, reclaim", len(progresses))
	}
	first := progresses[0]
	if first.Step != "queue" || first.TotalSteps != 3 || first.CompletedSteps != 0 {
		t.Fatalf("first progress = %+v", first)
	}
	steps := make(map[string]sync.Progress, len(progresses))
	for _, p := range progresses {
		steps[p.Step] = p
	}
	if p, ok := steps["domain:news"]; !ok || p.CompletedSteps != 1 {
		t.Fatalf("domain:news progress = %+v", p)
	}
	if p, ok := steps["domain:broken"]; !ok || p.CompletedSteps != 2 {
		t.Fatalf("domain:broken progress = %+v", p)
	}
	last := progresses[len(progresses)-1]
	if last.Step != "reclaim" || last.CompletedSteps != last.TotalSteps || last.Percent != 100 {
		t.Fatalf("final progress = %+v", last)
	}
	if len(last.Errors) != 1 || last.Errors[0].Domain != "broken" {
		t.Fatalf("final progress errors = %+v", last.Errors)
	}

	// Progress resets once the pass is over.
	status, err := fx.engine.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.Syncing || status.Progress.Step != "" || status.Progress.TotalSteps != 0 {
		t.Fatalf("status after pass = %+v, want idle progress", status.Progress)
	}
}

func TestDeliveryFailureLogsImpactAndHint(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(server.Close)

	cfg := testsupport.NewConfig(t)
	cfg.Sync.BaseURL = server.URL
	db := testsupport.MustOpenDB(t, cfg)

	var buf bytes.Buffer
	engine, err := sync.New(sync.Options{
		Config:  cfg,
		Logger:  slog.New(slog.NewJSONHandler(&buf, nil)),
		DB:      db,
		Queue:   testsupport.MustOpenQueue(t, db),
		Cache:   testsupport.MustOpenCache(t, db),
		Monitor: netmon.NewManualMonitor(true),
	})
	if err != nil {
		t.Fatalf("sync.New: %v", err)
	}

	zero := 0
	if _, err := engine.Enqueue(context.Background(), queue.AddRequest{
		Action: "op", Endpoint: "/boom", Method: http.MethodPost, MaxRetries: &zero,
	}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := engine.SyncAll(context.Background(), false); err != nil {
		t.Fatalf("SyncAll: %v", err)
	}

	logged := buf.String()
	if !strings.Contains(logged, `"impact":"operation failed permanently"`) {
		t.Fatalf("failure log missing impact attr:\n%s", logged)
	}
	if !strings.Contains(logged, `"error_hint"`) {
		t.Fatalf("failure log missing error_hint attr:\n%s", logged)
	}
}

func TestFieldMergeRefreshKeepsLocalOnlyFields(t *testing.T) {
	first := true
	fx := newFixture(t,
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if first {
				first = false
				_, _ = w.Write([]byte(`{"title":"opening night","attending":true}`))
				return
			}
			_, _ = w.Write([]byte(`{"title":"opening night (moved)"}`))
		}),
		config.Domain{Name: "event", Path: "/api/event", TTLSeconds: 900, Strategy: "field-merge"},
	)
	ctx := context.Background()

	if _, err := fx.engine.SyncAll(ctx, false); err != nil {
		t.Fatalf("SyncAll #1: %v", err)
	}
	if _, err := fx.engine.SyncAll(ctx, true); err != nil {
		t.Fatalf("SyncAll #2: %v", err)
	}

	cacheStore := testsupport.MustOpenCache(t, fx.db)
	item, err := cacheStore.GetItem(ctx, "event")
	if err != nil || item == nil {
		t.Fatalf("GetItem: item=%v err=%v", item, err)
	}

	var merged map[string]any
	if err := json.Unmarshal(item.Payload, &merged); err != nil {
		t.Fatalf("merged payload invalid: %v", err)
	}
	if merged["title"] != "opening night (moved)" {
		t.Fatalf("title = %v, want server's newer value", merged["title"])
	}
	if merged["attending"] != true {
		t.Fatalf("attending = %v, want carried from previous snapshot", merged["attending"])
	}
}
