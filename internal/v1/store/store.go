// Package store provides the process-wide registry of live entities.
//
// Each entry pairs a value slot with its own mutex, so all concurrent users
// of the same id are serialized without any global lock on the hot path.
// The per-entry mutex is a weighted semaphore of capacity one, which makes
// acquisition honour context cancellation: a request cancelled before it
// acquires the handle is a no-op.
package store

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/harmonia-game/multiplayer-server/internal/v1/types"
)

// Store is a registry mapping id -> (value slot, per-entry mutex).
type Store[K comparable, V any] struct {
	mu      sync.Mutex
	entries map[K]*entry[V]
}

type entry[V any] struct {
	sem       *semaphore.Weighted
	item      *V
	destroyed bool
}

// New creates an empty store.
func New[K comparable, V any]() *Store[K, V] {
	return &Store[K, V]{entries: make(map[K]*entry[V])}
}

// Handle is a scoped exclusive-use token for one entry. It must not outlive
// a single logical operation: callers release it on every exit path.
type Handle[K comparable, V any] struct {
	store    *Store[K, V]
	key      K
	ent      *entry[V]
	finished bool
}

// GetForUse blocks until the entry's mutex is acquired and returns a handle.
// When no entry exists and allowCreate is false, the handle's Item is nil;
// with allowCreate the caller is expected to populate the slot via SetItem.
func (s *Store[K, V]) GetForUse(ctx context.Context, key K, allowCreate bool) (*Handle[K, V], error) {
	for {
		s.mu.Lock()
		ent, ok := s.entries[key]
		if !ok {
			ent = &entry[V]{sem: semaphore.NewWeighted(1)}
			s.entries[key] = ent
		}
		s.mu.Unlock()

		if err := ent.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}

		// The entry may have been destroyed (and possibly recreated) while
		// we were waiting. Retry against the current entry in that case.
		s.mu.Lock()
		current := s.entries[key] == ent && !ent.destroyed
		s.mu.Unlock()
		if current {
			return &Handle[K, V]{store: s, key: key, ent: ent}, nil
		}
		ent.sem.Release(1)
	}
}

// Item returns the entry's value slot, or nil when the slot is unpopulated.
func (h *Handle[K, V]) Item() *V {
	if h.finished {
		return nil
	}
	return h.ent.item
}

// SetItem populates the entry's value slot.
func (h *Handle[K, V]) SetItem(v *V) error {
	if h.finished {
		return fmt.Errorf("%w: handle already released", types.ErrInvalidState)
	}
	h.ent.item = v
	return nil
}

// Release unlocks the entry. Releasing a handle whose slot was never
// populated removes the speculative entry so later lookups see it absent.
func (h *Handle[K, V]) Release() {
	if h.finished {
		return
	}
	h.finished = true

	h.store.mu.Lock()
	if h.ent.item == nil && !h.ent.destroyed && h.store.entries[h.key] == h.ent {
		delete(h.store.entries, h.key)
	}
	h.store.mu.Unlock()

	h.ent.sem.Release(1)
}

// Destroy removes the entry so subsequent GetForUse sees it absent, then
// releases the handle.
func (h *Handle[K, V]) Destroy() error {
	if h.finished {
		return fmt.Errorf("%w: handle already released", types.ErrInvalidState)
	}
	h.finished = true

	h.store.mu.Lock()
	h.ent.destroyed = true
	if h.store.entries[h.key] == h.ent {
		delete(h.store.entries, h.key)
	}
	h.store.mu.Unlock()

	h.ent.sem.Release(1)
	return nil
}

// Len returns the number of live entries.
func (s *Store[K, V]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Clear removes all entries. Used only by test fixtures.
func (s *Store[K, V]) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[K]*entry[V])
}
