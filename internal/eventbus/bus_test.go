package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestPublishDeliversToSubscribers(t *testing.T) {
	b := NewWithConfig(2, 10)
	defer b.Close(context.Background())

	var wg sync.WaitGroup
	wg.Add(2)
	got := make(chan string, 2)
	for _, name := range []string{"ledger", "mqtt"} {
		name := name
		b.Subscribe(EventTypeOverride, func(e Event) {
			defer wg.Done()
			got <- name + ":" + e.Data["area"].(string)
		})
	}
	b.Subscribe(EventTypeTransition, func(Event) {
		t.Error("transition handler called for override event")
	})

	b.Publish(Event{Type: EventTypeOverride, Data: map[string]interface{}{"area": "hall"}})
	wg.Wait()
	close(got)

	seen := map[string]bool{}
	for s := range got {
		seen[s] = true
	}
	if !seen["ledger:hall"] || !seen["mqtt:hall"] {
		t.Errorf("deliveries = %v", seen)
	}
}

func TestPublishDropsWhenQueueFull(t *testing.T) {
	b := NewWithConfig(1, 1)
	defer b.Close(context.Background())

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	var calls sync.WaitGroup
	b.Subscribe(EventTypePresence, func(Event) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		calls.Done()
	})

	calls.Add(1)
	b.Publish(Event{Type: EventTypePresence})
	<-started // worker busy

	calls.Add(1)
	b.Publish(Event{Type: EventTypePresence}) // fills the queue
	b.Publish(Event{Type: EventTypePresence}) // dropped, must not block

	close(release)
	calls.Wait()
}

func TestHandlerPanicDoesNotKillWorker(t *testing.T) {
	b := NewWithConfig(1, 10)
	defer b.Close(context.Background())

	done := make(chan struct{})
	b.Subscribe(EventTypeCommandFailed, func(e Event) {
		if e.Data == nil {
			panic("boom")
		}
		close(done)
	})

	b.Publish(Event{Type: EventTypeCommandFailed})
	b.Publish(Event{Type: EventTypeCommandFailed, Data: map[string]interface{}{}})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not survive handler panic")
	}
}

func TestPublishAfterCloseIsDropped(t *testing.T) {
	b := NewWithConfig(1, 1)
	b.SubscribeAll(func(Event) { t.Error("handler called after close") })
	b.Close(context.Background())
	b.Close(context.Background())

	b.Publish(Event{Type: EventTypeTransition})
}
