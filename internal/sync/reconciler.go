package sync

import (
	"context"
	gosync "sync"
	"sync/atomic"

	"snagline/internal/bus"
	"snagline/internal/domain"
	"snagline/internal/logging"
)

// Source is the slice of the backend API the reconciler fetches from.
type Source interface {
	FetchSnag(ctx context.Context, id string) (domain.Snag, error)
	FetchSnags(ctx context.Context) ([]domain.Snag, error)
}

// Reconciler folds snag_update events into a Store using the per-kind
// policies from the sync design: created re-fetches the collection (a new
// snag shifts sort order and aggregates), updated re-fetches the single
// snag and replaces it if present, deleted applies locally with no round
// trip. Every policy is idempotent, and fetches are fire-and-forget so
// event delivery never blocks on the network.
type Reconciler struct {
	store  *Store
	source Source
	log    logging.Logger

	seq   atomic.Uint64
	mu    gosync.Mutex
	unsub bus.UnsubscribeFunc
	wg    gosync.WaitGroup
}

func NewReconciler(store *Store, source Source, log logging.Logger) *Reconciler {
	if log == nil {
		log = logging.Nop{}
	}
	r := &Reconciler{store: store, source: source, log: log}
	// The store may carry a restored snapshot whose writes were tagged by an
	// earlier reconciler. Start above them or every new write would lose.
	r.seq.Store(store.MaxApplied())
	return r
}

// Store exposes the snapshot the reconciler maintains.
func (r *Reconciler) Store() *Store {
	return r.store
}

// Attach subscribes to b. While detached a view reconciles nothing; after
// re-attaching, call Refresh because events may have been missed.
func (r *Reconciler) Attach(b *bus.Bus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.unsub != nil {
		return
	}
	r.unsub = b.Subscribe(r.Apply)
}

// Detach unsubscribes. In-flight fetches finish and are still guarded by
// their sequence tags.
func (r *Reconciler) Detach() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.unsub != nil {
		r.unsub()
		r.unsub = nil
	}
}

// Refresh replaces the snapshot with a full fetch. Used for the initial
// load and whenever a view regains focus after being detached.
func (r *Reconciler) Refresh(ctx context.Context) error {
	seq := r.seq.Add(1)
	snags, err := r.source.FetchSnags(ctx)
	if err != nil {
		return err
	}
	r.store.ReplaceAll(snags, seq)
	return nil
}

// Apply dispatches one event to its reconciliation policy. Safe to call
// twice with the same event.
func (r *Reconciler) Apply(evt domain.SyncEvent) {
	if evt.Type != domain.EventTypeSnagUpdate {
		return
	}
	seq := r.seq.Add(1)
	switch evt.Event {
	case domain.EventCreated:
		r.refetchAll(seq)
	case domain.EventUpdated:
		id := evt.SnagID()
		if id == "" {
			r.log.Warn(context.Background(), "update event without id, dropping")
			return
		}
		// A snag outside the view before the update stays outside: no-op.
		if !r.store.Contains(id) {
			return
		}
		r.refetchOne(id, seq)
	case domain.EventDeleted:
		id := evt.SnagID()
		if id == "" {
			r.log.Warn(context.Background(), "delete event without id, dropping")
			return
		}
		r.store.Remove(id, seq)
	default:
		r.log.Warn(context.Background(), "unknown snag_update event", "event", evt.Event)
	}
}

// Wait blocks until all in-flight reconciliation fetches are done. Test
// hook; production callers never need it.
func (r *Reconciler) Wait() {
	r.wg.Wait()
}

func (r *Reconciler) refetchAll(seq uint64) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx := context.Background()
		snags, err := r.source.FetchSnags(ctx)
		if err != nil {
			r.log.Warn(ctx, "collection re-fetch failed", "error", err)
			return
		}
		r.store.ReplaceAll(snags, seq)
	}()
}

func (r *Reconciler) refetchOne(id string, seq uint64) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx := context.Background()
		snag, err := r.source.FetchSnag(ctx, id)
		if err != nil {
			r.log.Warn(ctx, "snag re-fetch failed", "id", id, "error", err)
			return
		}
		if !r.store.Put(snag, seq) {
			r.log.Debug(ctx, "discarding stale re-fetch result", "id", id, "seq", seq)
		}
	}()
}
