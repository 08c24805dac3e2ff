package failure

// WriteOutcome is the result of recording one write failure report.
type WriteOutcome struct {
	// Resolution tells whether the report was counted or rejected as Stale.
	Resolution Resolution
	// CurrentAttempt is the tracker's attempt after resolution.
	CurrentAttempt int
	// Server is the tracked server with the fewest failures. Empty when the
	// report was stale or nothing is tracked.
	Server string
	// Count is Server's failure count.
	Count int
	// Exceeded is true when Count is strictly greater than the threshold
	// passed to Record.
	Exceeded bool
}

// WriteTracker counts write failures per shuffle server of one shuffle for
// the current stage attempt.
//
// Servers enter the map on their first failure under an attempt; advancing
// to a newer attempt empties the map.
//
// The threshold decision looks at the server with the minimum failure count
// among all tracked servers, so a stage is only resubmitted once every
// tracked server has exceeded the threshold.
type WriteTracker struct {
	epochGate
	counts map[string]int // failure count per server id
}

// NewWriteTracker creates a tracker counting for attempt, with a zero counter
// for every seed server.
func NewWriteTracker(attempt int, seed []string) *WriteTracker {
	t := &WriteTracker{
		epochGate: epochGate{attempt: attempt},
		counts:    make(map[string]int, len(seed)),
	}
	for _, id := range seed {
		t.counts[id] = 0
	}
	return t
}

// ResolveAttempt compares attempt with the current one, forgetting every
// server and adopting attempt when it is newer.
func (t *WriteTracker) ResolveAttempt(attempt int) Resolution {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.resolveLocked(attempt, t.clearLocked)
}

// IncrementFailures adds one failure to each distinct server if attempt is
// the current attempt. It reports whether the counters were updated.
func (t *WriteTracker) IncrementFailures(attempt int, servers []string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if attempt != t.attempt {
		return false
	}
	t.incrementLocked(servers)
	return true
}

// FailureCount returns the failures recorded for server under attempt, zero
// for an unknown server or another attempt.
func (t *WriteTracker) FailureCount(attempt int, server string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if attempt != t.attempt {
		return 0
	}
	return t.counts[server]
}

// MinFailure returns the tracked server with the fewest failures. Ties go to
// the lowest server id. ok is false when no server is tracked.
func (t *WriteTracker) MinFailure() (server string, count int, ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.minLocked()
}

// Record resolves attempt, increments every reported server and evaluates the
// threshold against the minimum-count server, all inside one critical section.
func (t *WriteTracker) Record(attempt int, servers []string, threshold int) (WriteOutcome, error) {
	if attempt < 0 {
		return WriteOutcome{}, ErrNegativeAttempt
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	res := t.resolveLocked(attempt, t.clearLocked)
	if res == Stale {
		return WriteOutcome{Resolution: res, CurrentAttempt: t.attempt}, nil
	}

	t.incrementLocked(servers)

	out := WriteOutcome{Resolution: res, CurrentAttempt: t.attempt}
	if server, count, ok := t.minLocked(); ok {
		out.Server = server
		out.Count = count
		out.Exceeded = count > threshold
	}
	return out, nil
}

// Snapshot returns a copy of the current attempt and per-server counts.
func (t *WriteTracker) Snapshot() (attempt int, counts map[string]int) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	counts = make(map[string]int, len(t.counts))
	for id, n := range t.counts {
		counts[id] = n
	}
	return t.attempt, counts
}

func (t *WriteTracker) incrementLocked(servers []string) {
	seen := make(map[string]struct{}, len(servers))
	for _, id := range servers {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		t.counts[id]++
	}
}

func (t *WriteTracker) minLocked() (server string, count int, ok bool) {
	for id, n := range t.counts {
		if !ok || n < count || (n == count && id < server) {
			server, count, ok = id, n, true
		}
	}
	return server, count, ok
}

func (t *WriteTracker) clearLocked() {
	clear(t.counts)
}
