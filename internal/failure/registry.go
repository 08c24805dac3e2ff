package failure

import (
	"sync"

	"golang.org/x/exp/slices"
)

// Registry maps shuffle ids to trackers of one kind. It is the only owner of
// the trackers it holds.
//
// Concurrency Model:
//   - Lookups use RLock and run in parallel
//   - GetOrCreate re-checks under the write lock before inserting, so two
//     concurrent first reports for a shuffle always share one tracker
//   - Tracker state has its own lock; the registry lock only guards the map
type Registry[T any] struct {
	mu       sync.RWMutex
	trackers map[int]*T // shuffleID -> tracker
}

// NewRegistry creates an empty registry.
func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{
		trackers: make(map[int]*T),
	}
}

// Get returns the tracker for shuffleID, if any.
func (r *Registry[T]) Get(shuffleID int) (*T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.trackers[shuffleID]
	return t, ok
}

// GetOrCreate returns the tracker for shuffleID, building it with create when
// absent. created reports whether this call inserted it. If create fails
// nothing is inserted and the error is returned.
//
// create runs under the registry write lock and must not call back into the
// registry.
func (r *Registry[T]) GetOrCreate(shuffleID int, create func() (*T, error)) (t *T, created bool, err error) {
	r.mu.RLock()
	t, ok := r.trackers[shuffleID]
	r.mu.RUnlock()
	if ok {
		return t, false, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Another report may have inserted it while we waited for the lock
	if t, ok = r.trackers[shuffleID]; ok {
		return t, false, nil
	}

	t, err = create()
	if err != nil {
		return nil, false, err
	}
	r.trackers[shuffleID] = t
	return t, true, nil
}

// Forget removes the tracker for shuffleID. It reports whether one existed.
func (r *Registry[T]) Forget(shuffleID int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.trackers[shuffleID]
	delete(r.trackers, shuffleID)
	return ok
}

// Len returns the number of tracked shuffles.
func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.trackers)
}

// ShuffleIDs returns the tracked shuffle ids in ascending order.
func (r *Registry[T]) ShuffleIDs() []int {
	r.mu.RLock()
	ids := make([]int, 0, len(r.trackers))
	for id := range r.trackers {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	slices.Sort(ids)
	return ids
}
