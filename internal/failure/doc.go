// Package failure implements the per-shuffle failure counters behind the
// shuffle manager's resubmission decisions.
//
// # Overview
//
// Executors report two kinds of faults: failures writing shuffle output to a
// shuffle server and failures fetching a partition back. Each report names a
// shuffle and the stage attempt it came from. Counts only matter within one
// stage attempt, so every tracker is gated by an epoch:
//
//	incoming attempt  vs  current attempt
//	      newer        →  clear counters, adopt attempt   (Advanced)
//	      equal        →  count                           (Same)
//	      older        →  reject, change nothing          (Stale)
//
// # Trackers
//
// FetchTracker: one per shuffle, a fixed-size slice of counts indexed by
// partition. Sized from the shuffle's partition count when created.
//
// WriteTracker: one per shuffle, a map of counts keyed by shuffle server id.
// Servers appear on their first failure and disappear when the attempt
// advances. Its threshold check uses the server with the minimum count.
//
// Registry: shuffle id → tracker, with an atomic get-or-create.
//
// # Concurrency
//
// Reports for the same shuffle arrive concurrently and out of order. Record
// on either tracker runs resolution, increment and the read that feeds the
// decision inside one exclusive critical section, so a report whose attempt
// goes stale halfway is a no-op rather than a partial update. Read-only
// accessors (Attempt, FailureCount, Snapshot) take the read lock and are
// never used to gate a mutation.
//
// Nothing in this package starts goroutines, sleeps or calls out to other
// components.
//
// # Example
//
//	fetches := failure.NewRegistry[failure.FetchTracker]()
//	t, _, err := fetches.GetOrCreate(shuffleID, func() (*failure.FetchTracker, error) {
//	    return failure.NewFetchTracker(partitionNum, attempt), nil
//	})
//	out, err := t.Record(attempt, partition)
//	if out.Resolution.Accepted() && out.Count >= maxFailures {
//	    // resubmit the stage
//	}
package failure
