// Package failure tracks shuffle write and fetch failures per stage attempt and
// decides when a stage should be resubmitted.
// See doc.go for complete package documentation.
package failure

import (
	"errors"
	"sync"
)

// ErrNegativeAttempt is returned when a report carries a stage attempt below zero.
var ErrNegativeAttempt = errors.New("stage attempt must be non-negative")

// Resolution is the result of comparing an incoming stage attempt with the
// attempt a tracker currently counts for.
type Resolution int

const (
	// Same means the incoming attempt equals the current one.
	Same Resolution = iota
	// Advanced means the incoming attempt was newer; counters were cleared and
	// the tracker now counts for the incoming attempt.
	Advanced
	// Stale means the incoming attempt is older than the current one. Nothing
	// was changed and the report must be rejected.
	Stale
)

// String returns a lowercase name for logging.
func (r Resolution) String() string {
	switch r {
	case Same:
		return "same"
	case Advanced:
		return "advanced"
	case Stale:
		return "stale"
	default:
		return "unknown"
	}
}

// Accepted reports whether a counter update may follow this resolution.
func (r Resolution) Accepted() bool {
	return r != Stale
}

// epochGate is the state shared by every tracker: the stage attempt currently
// counted and the lock that serializes all transitions on the tracker.
//
// The gate does not own the counters. Trackers embed it and hand resolveLocked
// a function that clears their counters when the attempt advances.
type epochGate struct {
	mu      sync.RWMutex
	attempt int
}

// resolveLocked must be called with mu held for writing.
func (g *epochGate) resolveLocked(incoming int, clear func()) Resolution {
	switch {
	case incoming > g.attempt:
		clear()
		g.attempt = incoming
		return Advanced
	case incoming < g.attempt:
		return Stale
	default:
		return Same
	}
}

// Attempt returns the stage attempt the tracker currently counts for.
func (g *epochGate) Attempt() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.attempt
}
