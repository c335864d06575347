// Package bus fans decoded sync events out to in-process subscribers. A Bus
// is an instance, not a package-level registry, so its lifetime is tied to
// the connection that feeds it and tests can run independent buses.
package bus

import (
	"context"
	"sync"

	"snagline/internal/domain"
	"snagline/internal/logging"
)

// Listener receives every published event in publish order.
type Listener func(domain.SyncEvent)

// UnsubscribeFunc removes exactly the subscription that produced it.
// Calling it more than once is a no-op.
type UnsubscribeFunc func()

type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]Listener
	order  []int
	log    logging.Logger
}

func New(log logging.Logger) *Bus {
	if log == nil {
		log = logging.Nop{}
	}
	return &Bus{
		subs: make(map[int]Listener),
		log:  log,
	}
}

// Subscribe registers listener. Each call is an independent subscription,
// even for the same function value.
func (b *Bus) Subscribe(listener Listener) UnsubscribeFunc {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.subs[id] = listener
	b.order = append(b.order, id)
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; !ok {
			return
		}
		delete(b.subs, id)
		for i, other := range b.order {
			if other == id {
				b.order = append(b.order[:i], b.order[i+1:]...)
				break
			}
		}
	}
}

// Publish delivers evt to every current subscriber in subscription order. A
// panicking listener is contained and logged; it stays subscribed and does
// not break delivery to the others.
func (b *Bus) Publish(evt domain.SyncEvent) {
	b.mu.Lock()
	listeners := make([]Listener, 0, len(b.subs))
	for _, id := range b.order {
		if l, ok := b.subs[id]; ok {
			listeners = append(listeners, l)
		}
	}
	b.mu.Unlock()

	for _, l := range listeners {
		b.deliver(l, evt)
	}
}

// Len reports the number of active subscriptions.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Bus) deliver(l Listener, evt domain.SyncEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error(context.Background(), "event listener panicked", "type", evt.Type, "event", evt.Event, "panic", r)
		}
	}()
	l(evt)
}
