package failure

import (
	"errors"
	"fmt"
)

// ErrPartitionOutOfRange is returned when a partition index falls outside
// [0, partitionNum) of the tracker.
var ErrPartitionOutOfRange = errors.New("partition out of range")

// FetchOutcome is the result of recording one fetch failure.
type FetchOutcome struct {
	// Resolution tells whether the report was counted (Same/Advanced) or
	// rejected as Stale.
	Resolution Resolution
	// CurrentAttempt is the tracker's attempt after resolution.
	CurrentAttempt int
	// Count is the partition's failure count after the increment. Zero when
	// the report was stale.
	Count int
}

// FetchTracker counts fetch failures per partition of one shuffle for the
// current stage attempt.
//
// The counter slice is sized once at creation; the partition count of a
// shuffle never changes. Advancing to a newer attempt zeroes every entry.
//
// Thread Safety:
// All methods are safe for concurrent use. Record performs resolution,
// increment and read-back under one exclusive lock so no other report can
// interleave between them.
type FetchTracker struct {
	epochGate
	counts []int // failure count per partition
}

// NewFetchTracker creates a tracker for a shuffle with partitionNum partitions,
// counting for the given stage attempt.
func NewFetchTracker(partitionNum, attempt int) *FetchTracker {
	if partitionNum < 0 {
		partitionNum = 0
	}
	return &FetchTracker{
		epochGate: epochGate{attempt: attempt},
		counts:    make([]int, partitionNum),
	}
}

// PartitionNum returns the number of partitions tracked.
func (t *FetchTracker) PartitionNum() int {
	return len(t.counts)
}

// ResolveAttempt compares attempt with the current one, clearing all partition
// counts and adopting attempt when it is newer.
func (t *FetchTracker) ResolveAttempt(attempt int) Resolution {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.resolveLocked(attempt, t.clearLocked)
}

// IncrementFailure adds one failure to partition if attempt is the current
// attempt. A report for any other attempt is silently ignored.
func (t *FetchTracker) IncrementFailure(attempt, partition int) error {
	if err := t.checkPartition(partition); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if attempt != t.attempt {
		return nil
	}
	t.counts[partition]++
	return nil
}

// FailureCount returns the failures recorded for partition under attempt.
// A query for an attempt other than the current one reads as zero.
func (t *FetchTracker) FailureCount(attempt, partition int) int {
	if t.checkPartition(partition) != nil {
		return 0
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	if attempt != t.attempt {
		return 0
	}
	return t.counts[partition]
}

// Record resolves attempt, increments partition's counter and returns the new
// count, all inside one critical section. Invalid input is rejected before
// anything is changed.
func (t *FetchTracker) Record(attempt, partition int) (FetchOutcome, error) {
	if attempt < 0 {
		return FetchOutcome{}, ErrNegativeAttempt
	}
	if err := t.checkPartition(partition); err != nil {
		return FetchOutcome{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	res := t.resolveLocked(attempt, t.clearLocked)
	if res == Stale {
		return FetchOutcome{Resolution: res, CurrentAttempt: t.attempt}, nil
	}

	t.counts[partition]++
	return FetchOutcome{
		Resolution:     res,
		CurrentAttempt: t.attempt,
		Count:          t.counts[partition],
	}, nil
}

// Snapshot returns a copy of the current attempt and its partition counts.
func (t *FetchTracker) Snapshot() (attempt int, counts []int) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	counts = make([]int, len(t.counts))
	copy(counts, t.counts)
	return t.attempt, counts
}

func (t *FetchTracker) clearLocked() {
	clear(t.counts)
}

func (t *FetchTracker) checkPartition(partition int) error {
	// len(t.counts) is fixed after construction, no lock needed
	if partition < 0 || partition >= len(t.counts) {
		return fmt.Errorf("%w: partition %d, must be in range [0, %d)",
			ErrPartitionOutOfRange, partition, len(t.counts))
	}
	return nil
}
