// Package sync holds a view's local snapshot of server-side snag state and
// the reconciler that folds incoming realtime events into it.
package sync

import (
	gosync "sync"

	"snagline/internal/domain"
)

// Store is the snapshot map (id -> snag) one view owns. Every write carries
// the logical sequence of the event that caused it; writes tagged with an
// older sequence than the one already applied for that id are discarded, so
// a re-fetch that resolves late cannot overwrite fresher data.
type Store struct {
	mu    gosync.Mutex
	snags map[string]domain.Snag
	// applied keeps the last applied sequence per id, including ids that
	// were removed (tombstones), so a stale fetch cannot resurrect them.
	applied map[string]uint64
}

func NewStore() *Store {
	return &Store{
		snags:   make(map[string]domain.Snag),
		applied: make(map[string]uint64),
	}
}

// Put inserts or replaces a snag if seq is at least as new as the last
// write for that id. It reports whether the write was applied.
func (s *Store) Put(snag domain.Snag, seq uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq < s.applied[snag.ID] {
		return false
	}
	s.snags[snag.ID] = snag
	s.applied[snag.ID] = seq
	return true
}

// Remove deletes a snag. Removing an absent id is a no-op, which makes the
// operation safe under at-least-once delivery. The tombstone keeps the
// sequence so later stale writes for the id are still rejected.
func (s *Store) Remove(id string, seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snags, id)
	if seq > s.applied[id] {
		s.applied[id] = seq
	}
}

// ReplaceAll swaps in a full snapshot fetched at seq. Ids with a newer
// per-id write than seq keep their current value (or stay absent), so a
// slow full fetch cannot roll back targeted updates that landed after it
// was issued.
func (s *Store) ReplaceAll(snags []domain.Snag, seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fresh := make(map[string]domain.Snag, len(snags))
	applied := make(map[string]uint64, len(snags))
	for _, snag := range snags {
		fresh[snag.ID] = snag
		applied[snag.ID] = seq
	}
	for id, at := range s.applied {
		if at <= seq {
			continue
		}
		applied[id] = at
		if cur, ok := s.snags[id]; ok {
			fresh[id] = cur
		} else {
			delete(fresh, id)
		}
	}
	s.snags = fresh
	s.applied = applied
}

// MaxApplied returns the highest sequence any write has carried, tombstones
// included. A reconciler taking over a pre-populated store starts its own
// counter above this value so its writes are never judged stale.
func (s *Store) MaxApplied() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var max uint64
	for _, at := range s.applied {
		if at > max {
			max = at
		}
	}
	return max
}

// Get returns the snag for id, if present.
func (s *Store) Get(id string) (domain.Snag, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snag, ok := s.snags[id]
	return snag, ok
}

// Contains reports presence without copying.
func (s *Store) Contains(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.snags[id]
	return ok
}

// List returns a copy of the snapshot. Callers may sort and slice it
// freely; the store is never mutated through the result.
func (s *Store) List() []domain.Snag {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Snag, 0, len(s.snags))
	for _, snag := range s.snags {
		out = append(out, snag)
	}
	return out
}

// Len reports the number of snags in the snapshot.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.snags)
}
