package eventbus

import (
	"testing"
	"time"
)

func TestSubscribeFiltersByPrefix(t *testing.T) {
	t.Parallel()
	bus := New()
	notify, unsubNotify := bus.Subscribe(4, "notify.")
	defer unsubNotify()
	all, unsubAll := bus.Subscribe(4)
	defer unsubAll()

	bus.Publish(Event{Type: "config.reloaded"})
	bus.Publish(Event{Type: "notify.sent", Data: "x"})

	select {
	case e := <-notify:
		if e.Type != "notify.sent" || e.Time.IsZero() {
			t.Fatalf("unexpected event %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("notify subscriber got nothing")
	}
	select {
	case e := <-notify:
		t.Fatalf("unexpected second event %+v", e)
	default:
	}

	if n := len(all); n != 2 {
		t.Fatalf("catch-all subscriber got %d events, want 2", n)
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	t.Parallel()
	bus := New()
	_, unsub := bus.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Publish(Event{Type: "x"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	t.Parallel()
	bus := New()
	ch, unsub := bus.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed")
	}
	bus.Publish(Event{Type: "after"})
}
