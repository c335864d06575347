package bus

import (
	"encoding/json"
	"testing"

	"snagline/internal/domain"
)

func event(kind string) domain.SyncEvent {
	return domain.SyncEvent{
		Type:  domain.EventTypeSnagUpdate,
		Event: kind,
		Data:  json.RawMessage(`{"id":"S1"}`),
	}
}

func TestFanOutOrder(t *testing.T) {
	b := New(nil)
	var got []string
	b.Subscribe(func(e domain.SyncEvent) { got = append(got, "a:"+e.Event) })
	b.Subscribe(func(e domain.SyncEvent) { got = append(got, "b:"+e.Event) })

	b.Publish(event(domain.EventCreated))
	b.Publish(event(domain.EventDeleted))

	want := []string{"a:created", "b:created", "a:deleted", "b:deleted"}
	if len(got) != len(want) {
		t.Fatalf("deliveries = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("deliveries = %v, want %v", got, want)
		}
	}
}

func TestUnsubscribeIsExact(t *testing.T) {
	b := New(nil)
	var first, second int
	listener := func(domain.SyncEvent) { first++ }
	unsub := b.Subscribe(listener)
	// Same logical consumer subscribed twice: independent registrations.
	b.Subscribe(func(domain.SyncEvent) { second++ })

	b.Publish(event(domain.EventUpdated))
	unsub()
	unsub() // second call is a no-op
	b.Publish(event(domain.EventUpdated))

	if first != 1 {
		t.Fatalf("first listener deliveries = %d, want 1", first)
	}
	if second != 2 {
		t.Fatalf("second listener deliveries = %d, want 2", second)
	}
	if b.Len() != 1 {
		t.Fatalf("active subscriptions = %d, want 1", b.Len())
	}
}

func TestSubscriptionChurnLeavesNoResidue(t *testing.T) {
	b := New(nil)
	keep := b.Subscribe(func(domain.SyncEvent) {})
	for i := 0; i < 1000; i++ {
		b.Subscribe(func(domain.SyncEvent) {})()
	}

	if b.Len() != 1 {
		t.Fatalf("active subscriptions = %d, want 1", b.Len())
	}
	// A long attach/detach cycle, as views come and go, must not leave
	// bookkeeping behind for dead subscriptions.
	if got := len(b.order); got != 1 {
		t.Fatalf("retained order entries = %d, want 1", got)
	}
	keep()
	if got := len(b.order); got != 0 {
		t.Fatalf("retained order entries after last unsubscribe = %d, want 0", got)
	}
}

func TestPanickingListenerIsIsolated(t *testing.T) {
	b := New(nil)
	var after int
	b.Subscribe(func(domain.SyncEvent) { panic("listener bug") })
	b.Subscribe(func(domain.SyncEvent) { after++ })

	b.Publish(event(domain.EventCreated))
	b.Publish(event(domain.EventCreated))

	if after != 2 {
		t.Fatalf("later listener deliveries = %d, want 2", after)
	}
	// The panicking listener stays subscribed; it is not dropped implicitly.
	if b.Len() != 2 {
		t.Fatalf("active subscriptions = %d, want 2", b.Len())
	}
}
