// Package storage holds the shuffle manager's registered shuffle handles:
// partition counts, partition-to-server assignments and remote storage
// descriptors.
//
// # Overview
//
// HandleStore is the interface the shuffle manager programs against;
// MemoryStore is the in-memory implementation used today. Handles are
// values, and every implementation must copy on the way in and on the way
// out so callers never share maps with the store.
//
//	┌────────────────────┐
//	│  shuffle.Manager   │
//	└─────────┬──────────┘
//	          │ Get / Put / Delete / List
//	          ▼
//	┌────────────────────┐
//	│    HandleStore     │
//	├────────────────────┤
//	│    MemoryStore     │  map[shuffleID]ShuffleHandleInfo + RWMutex
//	└────────────────────┘
//
// # Errors
//
// Get returns ErrShuffleNotFound for an unregistered shuffle. Delete is
// idempotent.
package storage
