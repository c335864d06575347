package sync

import (
	"context"
	"encoding/json"
	"fmt"
	gosync "sync"
	"testing"

	"snagline/internal/domain"
)

// fakeSource serves canned snags and can hold fetches open so tests can
// interleave them with later events.
type fakeSource struct {
	mu        gosync.Mutex
	snags     map[string]domain.Snag
	all       []domain.Snag
	oneCalls  int
	listCalls int
	gate      chan struct{} // when set, FetchSnag blocks until closed
}

func (f *fakeSource) FetchSnag(ctx context.Context, id string) (domain.Snag, error) {
	f.mu.Lock()
	f.oneCalls++
	gate := f.gate
	snag, ok := f.snags[id]
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if !ok {
		return domain.Snag{}, fmt.Errorf("snag %s not found", id)
	}
	return snag, nil
}

func (f *fakeSource) FetchSnags(ctx context.Context) ([]domain.Snag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	return append([]domain.Snag(nil), f.all...), nil
}

func snagUpdate(event, id string) domain.SyncEvent {
	return domain.SyncEvent{
		Type:  domain.EventTypeSnagUpdate,
		Event: event,
		Data:  json.RawMessage(fmt.Sprintf(`{"id":%q}`, id)),
	}
}

func seeded(ids ...string) (*Store, *fakeSource) {
	store := NewStore()
	src := &fakeSource{snags: make(map[string]domain.Snag)}
	var seq uint64
	for _, id := range ids {
		seq++
		s := domain.Snag{ID: id, Description: "seeded " + id, Status: domain.StatusOpen}
		store.Put(s, seq)
		src.snags[id] = s
		src.all = append(src.all, s)
	}
	return store, src
}

func TestDeleteIsLocalAndIdempotent(t *testing.T) {
	store, src := seeded("S1", "S2")
	r := NewReconciler(store, src, nil)

	evt := snagUpdate(domain.EventDeleted, "S1")
	r.Apply(evt)
	if store.Contains("S1") {
		t.Fatal("S1 still present after delete event")
	}
	if store.Len() != 1 {
		t.Fatalf("snapshot size = %d, want 1", store.Len())
	}

	// At-least-once delivery: the same event again changes nothing.
	r.Apply(evt)
	r.Wait()
	if store.Len() != 1 || store.Contains("S1") {
		t.Fatal("second delete application changed the snapshot")
	}
	if src.oneCalls != 0 || src.listCalls != 0 {
		t.Fatalf("delete must not hit the network: one=%d list=%d", src.oneCalls, src.listCalls)
	}
}

func TestUpdateRefetchesAndReplaces(t *testing.T) {
	store, src := seeded("S1")
	src.snags["S1"] = domain.Snag{ID: "S1", Description: "fresh", Status: domain.StatusInProgress}
	r := NewReconciler(store, src, nil)

	r.Apply(snagUpdate(domain.EventUpdated, "S1"))
	r.Wait()

	got, ok := store.Get("S1")
	if !ok {
		t.Fatal("S1 missing")
	}
	if got.Description != "fresh" || got.Status != domain.StatusInProgress {
		t.Fatalf("snag not replaced: %+v", got)
	}
	if src.oneCalls != 1 {
		t.Fatalf("single-snag fetches = %d, want 1", src.oneCalls)
	}
}

func TestUpdateForAbsentSnagIsNoop(t *testing.T) {
	store, src := seeded("S1")
	r := NewReconciler(store, src, nil)

	r.Apply(snagUpdate(domain.EventUpdated, "S9"))
	r.Wait()

	if src.oneCalls != 0 {
		t.Fatalf("fetch issued for snag outside the view: %d", src.oneCalls)
	}
	if store.Len() != 1 {
		t.Fatalf("snapshot size = %d, want 1", store.Len())
	}
}

func TestCreatedRefetchesCollection(t *testing.T) {
	store, src := seeded("S1")
	src.all = append(src.all, domain.Snag{ID: "S2", Description: "new arrival"})
	r := NewReconciler(store, src, nil)

	r.Apply(snagUpdate(domain.EventCreated, "S2"))
	r.Wait()

	if store.Len() != 2 {
		t.Fatalf("snapshot size = %d, want 2", store.Len())
	}
	if src.listCalls != 1 {
		t.Fatalf("collection fetches = %d, want 1", src.listCalls)
	}
}

func TestStaleFetchResultIsDiscarded(t *testing.T) {
	store, src := seeded("S1")
	r := NewReconciler(store, src, nil)

	// Hold the update's re-fetch open, then let a delete for the same id
	// land. When the fetch finally resolves it is older than the delete and
	// must not resurrect the snag.
	gate := make(chan struct{})
	src.mu.Lock()
	src.gate = gate
	src.mu.Unlock()

	r.Apply(snagUpdate(domain.EventUpdated, "S1"))
	r.Apply(snagUpdate(domain.EventDeleted, "S1"))
	close(gate)
	r.Wait()

	if store.Contains("S1") {
		t.Fatal("stale fetch resurrected a deleted snag")
	}
}

func TestNotificationEventsAreIgnored(t *testing.T) {
	store, src := seeded("S1")
	r := NewReconciler(store, src, nil)

	r.Apply(domain.SyncEvent{
		Type: domain.EventTypeNotification,
		Data: json.RawMessage(`{"snag_id":"S1","message":"assigned to you"}`),
	})
	r.Wait()

	if src.oneCalls != 0 || src.listCalls != 0 {
		t.Fatal("notification frame triggered a reconciliation fetch")
	}
}

func TestRefreshReplacesSnapshot(t *testing.T) {
	store, src := seeded("S1", "S2")
	src.all = []domain.Snag{{ID: "S3", Description: "only survivor"}}
	r := NewReconciler(store, src, nil)

	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if store.Len() != 1 || !store.Contains("S3") {
		t.Fatalf("snapshot after refresh: len=%d", store.Len())
	}
}

func TestReconcilerTakesOverRestoredSnapshot(t *testing.T) {
	// A store restored from the cache carries sequences from an earlier
	// session. A fresh reconciler over it must still win with new events.
	store := NewStore()
	store.Put(domain.Snag{ID: "S1", Description: "restored", Status: domain.StatusOpen}, 40)
	store.Put(domain.Snag{ID: "S2", Description: "restored", Status: domain.StatusOpen}, 41)

	src := &fakeSource{
		snags: map[string]domain.Snag{"S1": {ID: "S1", Description: "live", Status: domain.StatusResolved}},
		all:   []domain.Snag{{ID: "S1", Description: "live", Status: domain.StatusResolved}},
	}
	r := NewReconciler(store, src, nil)

	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if store.Contains("S2") {
		t.Fatal("refresh could not evict a restored entry")
	}
	got, ok := store.Get("S1")
	if !ok || got.Description != "live" {
		t.Fatalf("restored entry shadowed the fetched one: %+v", got)
	}

	r.Apply(snagUpdate(domain.EventDeleted, "S1"))
	r.Wait()
	if store.Contains("S1") {
		t.Fatal("delete event lost against a restored sequence")
	}
}

func TestStoreReplaceAllKeepsNewerWrites(t *testing.T) {
	store := NewStore()
	store.Put(domain.Snag{ID: "S1", Description: "old"}, 1)

	// A targeted update at seq 5 lands while a full fetch issued at seq 3
	// is still in flight.
	store.Put(domain.Snag{ID: "S1", Description: "newer"}, 5)
	store.ReplaceAll([]domain.Snag{{ID: "S1", Description: "from slow refresh"}}, 3)

	got, _ := store.Get("S1")
	if got.Description != "newer" {
		t.Fatalf("slow refresh rolled back a newer write: %q", got.Description)
	}
}

func TestStoreTombstoneOutlivesReplaceAll(t *testing.T) {
	store := NewStore()
	store.Put(domain.Snag{ID: "S1"}, 1)
	store.Remove("S1", 5)
	store.ReplaceAll([]domain.Snag{{ID: "S1", Description: "stale listing"}}, 3)
	if store.Contains("S1") {
		t.Fatal("stale full fetch resurrected a tombstoned snag")
	}
}

func TestListReturnsACopy(t *testing.T) {
	store, _ := seeded("S1")
	list := store.List()
	list[0].Description = "mutated"
	if got, _ := store.Get("S1"); got.Description == "mutated" {
		t.Fatal("List leaked a mutable reference into the store")
	}
}
