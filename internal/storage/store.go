package storage

import (
	"errors"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/dreamware/rssmanager/internal/cluster"
)

// ErrShuffleNotFound is returned when no handle is stored for a shuffle id
var ErrShuffleNotFound = errors.New("shuffle not found")

// HandleStore defines the interface for shuffle handle storage
// All implementations must be thread-safe for concurrent access
type HandleStore interface {
	// Get retrieves the handle of a shuffle
	// Returns ErrShuffleNotFound if the shuffle isn't registered
	Get(shuffleID int) (cluster.ShuffleHandleInfo, error)

	// Put stores a handle under its ShuffleID
	// Overwrites any existing handle for the shuffle
	Put(handle cluster.ShuffleHandleInfo) error

	// Delete removes a shuffle's handle
	// No error if the shuffle doesn't exist
	Delete(shuffleID int) error

	// List returns all stored shuffle ids in ascending order
	List() []int

	// Stats returns storage statistics
	Stats() StoreStats
}

// StoreStats contains statistics about the store
type StoreStats struct {
	Shuffles   int // Number of stored handles
	Partitions int // Total partitions across all handles
}

// MemoryStore implements HandleStore with in-memory storage
// Uses sync.RWMutex for thread-safe concurrent access
type MemoryStore struct {
	mu      sync.RWMutex                      // Protects concurrent access
	handles map[int]cluster.ShuffleHandleInfo // shuffleID -> handle
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		handles: make(map[int]cluster.ShuffleHandleInfo),
	}
}

// Get retrieves a handle by shuffle id
// Returns a copy of the handle to prevent external modification
func (m *MemoryStore) Get(shuffleID int) (cluster.ShuffleHandleInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	handle, exists := m.handles[shuffleID]
	if !exists {
		return cluster.ShuffleHandleInfo{}, ErrShuffleNotFound
	}
	return handle.Clone(), nil
}

// Put stores a handle under its ShuffleID
// Makes a copy of the handle to prevent external modification
func (m *MemoryStore) Put(handle cluster.ShuffleHandleInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.handles[handle.ShuffleID] = handle.Clone()
	return nil
}

// Delete removes a handle
// No error if the shuffle doesn't exist (idempotent)
func (m *MemoryStore) Delete(shuffleID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.handles, shuffleID)
	return nil
}

// List returns all stored shuffle ids in ascending order
func (m *MemoryStore) List() []int {
	m.mu.RLock()
	ids := make([]int, 0, len(m.handles))
	for id := range m.handles {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	slices.Sort(ids)
	return ids
}

// Stats returns storage statistics
func (m *MemoryStore) Stats() StoreStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	partitions := 0
	for _, h := range m.handles {
		partitions += h.NumPartitions
	}

	return StoreStats{
		Shuffles:   len(m.handles),
		Partitions: partitions,
	}
}
