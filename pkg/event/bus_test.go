package event_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/randalmurphal/recordsaga/pkg/event"
)

func TestLocalBus_Subscribe(t *testing.T) {
	bus := event.NewLocalBus(event.BusConfig{BufferSize: 10})
	defer bus.Close()

	var received atomic.Int32
	sub := bus.Subscribe("record.created", func(_ context.Context, _ event.Event) error {
		received.Add(1)
		return nil
	})
	defer sub.Unsubscribe()

	err := bus.Publish(context.Background(), event.NewEvent("record.created", "saga-1", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if received.Load() != 1 {
		t.Errorf("expected 1 received event, got %d", received.Load())
	}

	bus.Publish(context.Background(), event.NewEvent("draft.published", "saga-2", nil))
	time.Sleep(50 * time.Millisecond)
	if received.Load() != 1 {
		t.Errorf("expected still 1 received event, got %d", received.Load())
	}
}

func TestLocalBus_SubscribeAll(t *testing.T) {
	bus := event.NewLocalBus(event.BusConfig{BufferSize: 10})
	defer bus.Close()

	var received atomic.Int32
	sub := bus.SubscribeAll(func(_ context.Context, _ event.Event) error {
		received.Add(1)
		return nil
	})
	defer sub.Unsubscribe()

	bus.Publish(context.Background(), event.NewEvent("record.created", "s1", nil))
	bus.Publish(context.Background(), event.NewEvent("draft.published", "s2", nil))
	bus.Publish(context.Background(), event.NewEvent("record.archived", "s3", nil))

	time.Sleep(50 * time.Millisecond)
	if received.Load() != 3 {
		t.Errorf("expected 3 received events, got %d", received.Load())
	}
}

func TestLocalBus_PauseResume(t *testing.T) {
	bus := event.NewLocalBus(event.BusConfig{BufferSize: 10})
	defer bus.Close()

	var received atomic.Int32
	sub := bus.Subscribe("record.created", func(_ context.Context, _ event.Event) error {
		received.Add(1)
		return nil
	})
	defer sub.Unsubscribe()

	sub.Pause()
	if !sub.IsPaused() {
		t.Fatal("expected subscription to be paused")
	}
	bus.Publish(context.Background(), event.NewEvent("record.created", "s1", nil))
	time.Sleep(50 * time.Millisecond)
	if received.Load() != 0 {
		t.Errorf("expected 0 received events while paused, got %d", received.Load())
	}

	sub.Resume()
	bus.Publish(context.Background(), event.NewEvent("record.created", "s2", nil))
	time.Sleep(50 * time.Millisecond)
	if received.Load() != 1 {
		t.Errorf("expected 1 received event after resume, got %d", received.Load())
	}
}

func TestLocalBus_Unsubscribe(t *testing.T) {
	bus := event.NewLocalBus(event.BusConfig{BufferSize: 10})
	defer bus.Close()

	var received atomic.Int32
	sub := bus.Subscribe("record.created", func(_ context.Context, _ event.Event) error {
		received.Add(1)
		return nil
	})
	sub.Unsubscribe()

	bus.Publish(context.Background(), event.NewEvent("record.created", "s1", nil))
	time.Sleep(50 * time.Millisecond)
	if received.Load() != 0 {
		t.Errorf("expected 0 received events after unsubscribe, got %d", received.Load())
	}
}

func TestLocalBus_Deduplicate(t *testing.T) {
	bus := event.NewLocalBus(event.BusConfig{BufferSize: 10, DeduplicateTTL: time.Minute})
	defer bus.Close()

	var received atomic.Int32
	sub := bus.Subscribe("record.created", func(_ context.Context, _ event.Event) error {
		received.Add(1)
		return nil
	})
	defer sub.Unsubscribe()

	evt := event.NewEvent("record.created", "s1", nil)
	bus.Publish(context.Background(), evt)
	bus.Publish(context.Background(), evt)

	time.Sleep(50 * time.Millisecond)
	if received.Load() != 1 {
		t.Errorf("expected duplicate publish to be suppressed, got %d", received.Load())
	}
}

func TestLocalBus_ClosedRejectsPublish(t *testing.T) {
	bus := event.NewLocalBus(event.DefaultBusConfig())
	bus.Close()

	if err := bus.Publish(context.Background(), event.NewEvent("record.created", "s1", nil)); err == nil {
		t.Error("expected error publishing to a closed bus")
	}
}
