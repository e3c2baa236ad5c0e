package events_test

import (
	"sync"
	"testing"

	"roam/internal/events"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	bus := events.NewBus(nil)

	var got []string
	bus.Subscribe(events.SyncStart, func(e events.Event) {
		got = append(got, "first:"+e.Name)
	})
	bus.Subscribe(events.SyncStart, func(e events.Event) {
		got = append(got, "second:"+e.Name)
	})
	bus.Subscribe(events.SyncComplete, func(events.Event) {
		t.Error("handler for other event fired")
	})

	bus.Publish(events.SyncStart, nil)

	if len(got) != 2 {
		t.Fatalf("delivered to %d handlers, want 2", len(got))
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := events.NewBus(nil)

	calls := 0
	unsubscribe := bus.Subscribe(events.CacheUpdate, func(events.Event) {
		calls++
	})

	bus.Publish(events.CacheUpdate, nil)
	unsubscribe()
	unsubscribe() // second call is a no-op
	bus.Publish(events.CacheUpdate, nil)

	if calls != 1 {
		t.Fatalf("handler called %d times, want 1", calls)
	}
	if bus.SubscriberCount(events.CacheUpdate) != 0 {
		t.Fatal("subscriber still registered after unsubscribe")
	}
}

func TestPanickingHandlerDoesNotStopOthers(t *testing.T) {
	bus := events.NewBus(nil)

	delivered := 0
	bus.Subscribe(events.NetworkChange, func(events.Event) {
		panic("listener bug")
	})
	bus.Subscribe(events.NetworkChange, func(events.Event) {
		delivered++
	})

	bus.Publish(events.NetworkChange, true)

	if delivered != 1 {
		t.Fatalf("surviving handler called %d times, want 1", delivered)
	}
}

func TestPublishCarriesPayload(t *testing.T) {
	bus := events.NewBus(nil)

	var payload any
	bus.Subscribe(events.DomainEvent("schedule"), func(e events.Event) {
		payload = e.Payload
	})

	bus.Publish(events.DomainEvent("schedule"), 42)

	if payload != 42 {
		t.Fatalf("payload = %v, want 42", payload)
	}
}

func TestConcurrentSubscribeAndPublish(t *testing.T) {
	bus := events.NewBus(nil)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			off := bus.Subscribe(events.SyncProgress, func(events.Event) {})
			off()
		}()
		go func() {
			defer wg.Done()
			bus.Publish(events.SyncProgress, nil)
		}()
	}
	wg.Wait()
}
