package events

import (
	"log/slog"
	"sync"
	"time"

	"roam/internal/logging"
)

// Well-known event names. Domain refreshes and queue actions additionally
// publish under names built by DomainEvent and ActionEvent.
const (
	SyncStart     = "sync_start"
	SyncProgress  = "sync_progress"
	SyncComplete  = "sync_complete"
	NetworkChange = "network_change"
	CacheUpdate   = "cache_update"
)

// DomainEvent names the per-domain refresh event, e.g. "domain:schedule".
func DomainEvent(domain string) string {
	return "domain:" + domain
}

// ActionEvent names the per-action completion event, e.g. "action:submit_rating".
func ActionEvent(action string) string {
	return "action:" + action
}

// Event is one published occurrence.
type Event struct {
	Name    string
	At      time.Time
	Payload any
}

// Handler receives published events. Handlers run synchronously on the
// publisher's goroutine and must not block.
type Handler func(Event)

// Bus is an in-process publish/subscribe hub. Subscriptions and publishes
// are safe for concurrent use.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]Handler
	logger *slog.Logger
}

// NewBus creates an event bus. A nil logger discards handler panic reports.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Bus{
		subs:   make(map[string]map[int]Handler),
		logger: logging.NewComponentLogger(logger, "events"),
	}
}

// Subscribe registers a handler for one event name and returns a function
// that removes the subscription. Unsubscribing twice is harmless.
func (b *Bus) Subscribe(name string, handler Handler) func() {
	if handler == nil {
		return func() {}
	}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	if b.subs[name] == nil {
		b.subs[name] = make(map[int]Handler)
	}
	b.subs[name][id] = handler
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if handlers, ok := b.subs[name]; ok {
			delete(handlers, id)
			if len(handlers) == 0 {
				delete(b.subs, name)
			}
		}
	}
}

// Publish delivers an event to every handler subscribed to its name. A
// panicking handler is logged and skipped; it never stops delivery to the
// rest or unwinds into the publisher.
func (b *Bus) Publish(name string, payload any) {
	event := Event{Name: name, At: time.Now().UTC(), Payload: payload}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[name]))
	for _, handler := range b.subs[name] {
		handlers = append(handlers, handler)
	}
	b.mu.RUnlock()

	for _, handler := range handlers {
		b.deliver(handler, event)
	}
}

func (b *Bus) deliver(handler Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				logging.String("event", event.Name),
				logging.Any("panic", r),
			)
		}
	}()
	handler(event)
}

// SubscriberCount reports how many handlers are registered for an event name.
func (b *Bus) SubscriberCount(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[name])
}
