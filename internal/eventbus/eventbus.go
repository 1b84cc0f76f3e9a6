// Package eventbus implements the bounded broadcast bus from
// spec.md §4.F: every subscriber gets its own buffered channel, a
// publish never blocks the caller, and a subscriber whose queue fills
// up gets a lag signal instead of stalling every other subscriber.
package eventbus

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/SchirmForge/ssh-tunnel-manager/internal/model"
)

// DefaultCapacity is the per-subscriber queue depth spec.md §4.F calls
// "capacity ≈100".
const DefaultCapacity = 100

// HeartbeatInterval is how often RunHeartbeat publishes a Heartbeat
// event, within the 10-15s window spec.md §4.F names.
const HeartbeatInterval = 12 * time.Second

type subscriber struct {
	events chan model.TunnelEvent
	lagged chan struct{}
}

// Bus is a process-wide multi-producer, multi-consumer event broadcast.
// The zero value is not usable; construct with New.
type Bus struct {
	mu       sync.RWMutex
	subs     map[string]*subscriber
	capacity int
}

// New returns a Bus whose subscribers each get a queue of depth
// capacity (DefaultCapacity if capacity <= 0).
func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bus{subs: make(map[string]*subscriber), capacity: capacity}
}

// Subscription is a live subscriber handle returned by Subscribe.
// Events delivers published events in order; Lagged fires (without
// blocking the publisher) whenever this subscriber's queue overflowed
// and an event was dropped for it — the spec's contract is that the
// subscriber must keep consuming from Events rather than treat this as
// fatal, except where §4.H calls a specific event critical.
type Subscription struct {
	id     string
	Events <-chan model.TunnelEvent
	Lagged <-chan struct{}
	bus    *Bus
}

// Subscribe registers a new subscriber and returns its handle. The
// subscription must eventually be closed with Close, or its channel
// leaks until the bus itself is discarded.
func (b *Bus) Subscribe() *Subscription {
	sub := &subscriber{
		events: make(chan model.TunnelEvent, b.capacity),
		lagged: make(chan struct{}, 1),
	}
	id := uuid.NewString()

	b.mu.Lock()
	b.subs[id] = sub
	b.mu.Unlock()

	return &Subscription{id: id, Events: sub.events, Lagged: sub.lagged, bus: b}
}

// Close unregisters the subscription and closes its Events channel.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if sub, ok := s.bus.subs[s.id]; ok {
		close(sub.events)
		delete(s.bus.subs, s.id)
	}
}

// Publish delivers ev to every current subscriber without blocking.
// A subscriber whose queue is already full is skipped for this event
// and notified on Lagged instead.
func (b *Bus) Publish(ev model.TunnelEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		select {
		case sub.events <- ev:
		default:
			select {
			case sub.lagged <- struct{}{}:
			default:
			}
		}
	}
}

// CloseAll unregisters and closes every current subscriber. Intended
// for daemon shutdown.
func (b *Bus) CloseAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subs {
		close(sub.events)
		delete(b.subs, id)
	}
}

// RunHeartbeat publishes a Heartbeat event every HeartbeatInterval
// until ctx is cancelled. Callers run this once per daemon process on
// its own goroutine.
func (b *Bus) RunHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.Publish(model.NewHeartbeat())
		}
	}
}
