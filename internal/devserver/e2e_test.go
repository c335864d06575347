package devserver

import (
	"context"
	"testing"
	"time"

	"snagline/internal/api"
	"snagline/internal/bus"
	"snagline/internal/domain"
	"snagline/internal/realtime"
	"snagline/internal/sync"
)

// End-to-end: a live channel feeding the bus, the reconciler keeping a
// local store in step with snags created, updated and deleted over the
// REST surface.
func TestLiveSync(t *testing.T) {
	_, ts := newTestServer(t)
	manager, _ := login(t, ts, domain.RoleManager)
	ctx := context.Background()

	b := bus.New(nil)
	store := sync.NewStore()
	rec := sync.NewReconciler(store, api.SnagSource{Client: manager}, nil)
	rec.Attach(b)
	defer rec.Detach()

	ch := realtime.NewChannel(realtime.Config{
		URL:   manager.WebSocketURL(),
		Token: func() string { return manager.BearerToken },
		Bus:   b,
	})
	ch.Connect()
	defer ch.Disconnect()
	waitFor(t, "channel connect", func() bool { return ch.Connected() })

	snag, err := manager.CreateSnag(ctx, api.CreateSnagRequest{
		Description: "live one",
		ProjectName: "Block A",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	waitFor(t, "created snag synced", func() bool {
		return store.Contains(snag.ID)
	})

	desc := "live one, reworded"
	if _, err := manager.UpdateSnag(ctx, snag.ID, api.UpdateSnagRequest{Description: &desc}); err != nil {
		t.Fatalf("update: %v", err)
	}
	waitFor(t, "update synced", func() bool {
		got, ok := store.Get(snag.ID)
		return ok && got.Description == desc
	})

	if err := manager.DeleteSnag(ctx, snag.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	waitFor(t, "delete synced", func() bool {
		return !store.Contains(snag.ID)
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
