package observability

import (
	"testing"
	"time"
)

func TestBus_EmitAndSubscribe(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(4)
	defer cancel()

	bus.Emit(KindDigest, "cycle_done", map[string]any{"written": 1})

	select {
	case ev := <-ch:
		if ev.Kind != KindDigest {
			t.Errorf("Kind = %v, want %v", ev.Kind, KindDigest)
		}
		if ev.Name != "cycle_done" {
			t.Errorf("Name = %v, want cycle_done", ev.Name)
		}
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
}

func TestBus_SlowSubscriberDoesNotBlock(t *testing.T) {
	bus := NewBus()
	_, cancel := bus.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Emit(KindPipeline, "stage", nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit blocked on a full subscriber")
	}
}

func TestBus_CancelStopsDelivery(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(1)
	cancel()

	if _, ok := <-ch; ok {
		t.Error("channel should be closed after cancel")
	}
}
