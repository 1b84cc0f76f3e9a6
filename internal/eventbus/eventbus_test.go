package eventbus

import (
	"testing"
	"time"

	"github.com/SchirmForge/ssh-tunnel-manager/internal/model"
)

func TestPublish_DeliversToAllSubscribers(t *testing.T) {
	bus := New(4)
	subA := bus.Subscribe()
	subB := bus.Subscribe()
	defer subA.Close()
	defer subB.Close()

	bus.Publish(model.NewStarting("tunnel-1"))

	for _, sub := range []*Subscription{subA, subB} {
		select {
		case ev := <-sub.Events:
			if ev.TunnelID != "tunnel-1" || ev.Type != model.EventStarting {
				t.Fatalf("unexpected event: %+v", ev)
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive published event")
		}
	}
}

func TestPublish_NonBlockingOnFullQueueSignalsLag(t *testing.T) {
	bus := New(1)
	sub := bus.Subscribe()
	defer sub.Close()

	bus.Publish(model.NewStarting("t1"))
	done := make(chan struct{})
	go func() {
		bus.Publish(model.NewStarting("t2")) // queue is full; must not block
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber queue")
	}

	select {
	case <-sub.Lagged:
	case <-time.After(time.Second):
		t.Fatal("overflowing subscriber never received a lag signal")
	}

	// The one event that did fit is still delivered.
	select {
	case ev := <-sub.Events:
		if ev.TunnelID != "t1" {
			t.Fatalf("unexpected surviving event: %+v", ev)
		}
	default:
		t.Fatal("queued event missing after overflow")
	}
}

func TestClose_StopsDelivery(t *testing.T) {
	bus := New(4)
	sub := bus.Subscribe()
	sub.Close()

	bus.Publish(model.NewStarting("t1")) // must not panic on a closed subscriber

	if _, ok := <-sub.Events; ok {
		t.Fatal("Events channel should be closed after Close")
	}
}

func TestPublish_DeliversHeartbeatEvents(t *testing.T) {
	bus := New(4)
	sub := bus.Subscribe()
	defer sub.Close()

	// Publish heartbeats directly every 10ms rather than running
	// RunHeartbeat, which would mean waiting out HeartbeatInterval.
	go func() {
		for i := 0; i < 3; i++ {
			bus.Publish(model.NewHeartbeat())
			time.Sleep(10 * time.Millisecond)
		}
	}()

	seen := 0
	timeout := time.After(time.Second)
	for seen < 3 {
		select {
		case ev := <-sub.Events:
			if ev.Type != model.EventHeartbeat {
				t.Fatalf("unexpected event type %v", ev.Type)
			}
			seen++
		case <-timeout:
			t.Fatalf("only saw %d heartbeat events, want 3", seen)
		}
	}
}
