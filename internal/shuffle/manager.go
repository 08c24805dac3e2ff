package shuffle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/rssmanager/internal/cluster"
	"github.com/dreamware/rssmanager/internal/storage"
)

// ServerSource lists the shuffle servers that can receive reassigned partitions.
type ServerSource interface {
	Servers(ctx context.Context) ([]cluster.ServerInfo, error)
}

// StaticServers is a fixed ServerSource.
type StaticServers []cluster.ServerInfo

// Servers returns a copy of the list.
func (s StaticServers) Servers(context.Context) ([]cluster.ServerInfo, error) {
	return append([]cluster.ServerInfo(nil), s...), nil
}

// reassignKey identifies one stage attempt of one shuffle.
type reassignKey struct {
	shuffleID    int
	stageAttempt int
}

// failMark records a failing server. Marks set by the health monitor are
// cleared when the server answers probes again; marks set by failure
// reports stay until an operator removes them.
type failMark struct {
	at        time.Time
	byMonitor bool
}

// Manager owns the static metadata of an application's shuffles and decides
// where partitions go when servers fail.
//
// Architecture:
//
//	┌─────────────────────────────────────────┐
//	│               Manager                   │
//	├─────────────────────────────────────────┤
//	│  handles:  HandleStore (shuffle→handle) │
//	│  failing:  server id → marked at        │
//	│  reassigned: (shuffle, attempt) set     │
//	│  sources:  coordinators / static list   │
//	└─────────────────────────────────────────┘
//
// Concurrency Model:
//   - failing and reassigned are guarded by mu
//   - handle writes are serialized by storeMu, which is taken before mu
//   - Server sources are queried with no lock held; a reassignment is only
//     stored if the handle's generation did not move meanwhile
//
// Manager satisfies service.ShuffleManager.
type Manager struct {
	appID            string
	maxFetchFailures atomic.Int64

	handles storage.HandleStore
	sources []ServerSource
	logger  *zap.Logger

	storeMu sync.Mutex
	gens    map[int]uint64 // shuffle id -> generation of its stored handle
	lastGen uint64

	mu         sync.RWMutex
	failing    map[string]failMark      // server id -> why and when it was marked
	reassigned map[reassignKey]struct{} // stage attempts already reassigned

	hooksMu      sync.RWMutex
	onUnregister []func(shuffleID int)
}

// NewManager creates a manager for appID. sources are tried in order when
// reassigning; a nil logger disables logging.
func NewManager(appID string, maxFetchFailures int, handles storage.HandleStore, sources []ServerSource, logger *zap.Logger) *Manager {
	if handles == nil {
		handles = storage.NewMemoryStore()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		appID:      appID,
		handles:    handles,
		sources:    sources,
		logger:     logger,
		gens:       make(map[int]uint64),
		failing:    make(map[string]failMark),
		reassigned: make(map[reassignKey]struct{}),
	}
	m.maxFetchFailures.Store(int64(maxFetchFailures))
	return m
}

// AppID returns the application this manager serves.
func (m *Manager) AppID() string {
	return m.appID
}

// MaxFetchFailures returns the current failure threshold.
func (m *Manager) MaxFetchFailures() int {
	return int(m.maxFetchFailures.Load())
}

// SetMaxFetchFailures changes the failure threshold. Decisions made after
// the call use the new value.
func (m *Manager) SetMaxFetchFailures(n int) {
	m.maxFetchFailures.Store(int64(n))
}

// OnUnregister adds a hook run after a shuffle is unregistered.
func (m *Manager) OnUnregister(hook func(shuffleID int)) {
	m.hooksMu.Lock()
	defer m.hooksMu.Unlock()
	m.onUnregister = append(m.onUnregister, hook)
}

// RegisterShuffle validates and stores a shuffle handle, replacing any
// previous handle for the same shuffle.
func (m *Manager) RegisterShuffle(handle cluster.ShuffleHandleInfo) error {
	if handle.ShuffleID < 0 {
		return fmt.Errorf("invalid shuffle ID %d, must be non-negative", handle.ShuffleID)
	}
	if handle.NumPartitions <= 0 {
		return fmt.Errorf("invalid partition count %d for shuffle %d", handle.NumPartitions, handle.ShuffleID)
	}
	for p := range handle.PartitionToServers {
		if p < 0 || p >= handle.NumPartitions {
			return fmt.Errorf("invalid partition %d for shuffle %d, must be in range [0, %d)",
				p, handle.ShuffleID, handle.NumPartitions)
		}
	}

	m.storeMu.Lock()
	err := m.handles.Put(handle)
	if err == nil {
		m.lastGen++
		m.gens[handle.ShuffleID] = m.lastGen
	}
	m.storeMu.Unlock()
	if err != nil {
		return fmt.Errorf("store shuffle %d: %w", handle.ShuffleID, err)
	}
	m.logger.Info("registered shuffle",
		zap.Int("shuffle_id", handle.ShuffleID),
		zap.Int("partitions", handle.NumPartitions))
	return nil
}

// UnregisterShuffle removes a shuffle's handle and runs the unregister hooks.
// It reports whether the shuffle was registered.
func (m *Manager) UnregisterShuffle(shuffleID int) bool {
	m.storeMu.Lock()
	_, err := m.handles.Get(shuffleID)
	existed := err == nil
	_ = m.handles.Delete(shuffleID)
	delete(m.gens, shuffleID)

	m.mu.Lock()
	for k := range m.reassigned {
		if k.shuffleID == shuffleID {
			delete(m.reassigned, k)
		}
	}
	m.mu.Unlock()
	m.storeMu.Unlock()

	m.hooksMu.RLock()
	hooks := append([]func(int){}, m.onUnregister...)
	m.hooksMu.RUnlock()
	for _, hook := range hooks {
		hook(shuffleID)
	}

	if existed {
		m.logger.Info("unregistered shuffle", zap.Int("shuffle_id", shuffleID))
	}
	return existed
}

// Shuffles returns the registered shuffle ids in ascending order.
func (m *Manager) Shuffles() []int {
	return m.handles.List()
}

// PartitionNum returns the partition count of a registered shuffle, 0 otherwise.
func (m *Manager) PartitionNum(shuffleID int) int {
	handle, err := m.handles.Get(shuffleID)
	if err != nil {
		return 0
	}
	return handle.NumPartitions
}

// ShuffleHandleInfo returns a copy of a registered shuffle's handle.
func (m *Manager) ShuffleHandleInfo(shuffleID int) (cluster.ShuffleHandleInfo, bool) {
	handle, err := m.handles.Get(shuffleID)
	if err != nil {
		return cluster.ShuffleHandleInfo{}, false
	}
	return handle, true
}

// AddFailingServer marks a server as failing. Failing servers receive no
// partitions on reassignment. The mark outlives health probe recoveries.
func (m *Manager) AddFailingServer(serverID string) {
	m.mu.Lock()
	mark, already := m.failing[serverID]
	if !already {
		mark.at = time.Now()
	}
	mark.byMonitor = false
	m.failing[serverID] = mark
	m.mu.Unlock()

	if !already {
		m.logger.Warn("marked shuffle server as failing", zap.String("server_id", serverID))
	}
}

// MarkUnreachable marks a server as failing on behalf of the health monitor.
// An existing mark is left as is.
func (m *Manager) MarkUnreachable(serverID string) {
	m.mu.Lock()
	_, already := m.failing[serverID]
	if !already {
		m.failing[serverID] = failMark{at: time.Now(), byMonitor: true}
	}
	m.mu.Unlock()

	if !already {
		m.logger.Warn("marked unreachable shuffle server as failing", zap.String("server_id", serverID))
	}
}

// ClearUnreachable removes a mark set by MarkUnreachable. Marks set by
// AddFailingServer are kept.
func (m *Manager) ClearUnreachable(serverID string) {
	m.mu.Lock()
	mark, ok := m.failing[serverID]
	cleared := ok && mark.byMonitor
	if cleared {
		delete(m.failing, serverID)
	}
	m.mu.Unlock()

	switch {
	case cleared:
		m.logger.Info("shuffle server recovered", zap.String("server_id", serverID))
	case ok:
		m.logger.Info("shuffle server answers probes but stays failing after failure reports",
			zap.String("server_id", serverID))
	}
}

// RemoveFailingServer clears a server's failing mark, whoever set it, and
// reports whether the server was marked.
func (m *Manager) RemoveFailingServer(serverID string) bool {
	m.mu.Lock()
	_, existed := m.failing[serverID]
	delete(m.failing, serverID)
	m.mu.Unlock()

	if existed {
		m.logger.Info("shuffle server recovered", zap.String("server_id", serverID))
	}
	return existed
}

// IsFailing reports whether a server is marked failing.
func (m *Manager) IsFailing(serverID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.failing[serverID]
	return ok
}

// FailingServers returns the failing server ids in ascending order.
func (m *Manager) FailingServers() []string {
	m.mu.RLock()
	ids := make([]string, 0, len(m.failing))
	for id := range m.failing {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	slices.Sort(ids)
	return ids
}

// KnownServers returns every server referenced by a registered shuffle,
// sorted by id.
func (m *Manager) KnownServers() []cluster.ServerInfo {
	byID := make(map[string]cluster.ServerInfo)
	for _, id := range m.handles.List() {
		handle, err := m.handles.Get(id)
		if err != nil {
			continue
		}
		for _, s := range handle.Servers() {
			byID[s.ID] = s
		}
	}

	out := make([]cluster.ServerInfo, 0, len(byID))
	for _, s := range byID {
		out = append(out, s)
	}
	slices.SortFunc(out, compareServers)
	return out
}

// ReassignShuffleServers moves a shuffle's partitions off failing servers
// for one stage attempt, distributing them round-robin over healthy
// candidates. It reports whether a new assignment was stored.
//
// Each (shuffle, stage attempt) is reassigned at most once; later calls for
// the same attempt return false. Nothing is reassigned when no assigned
// server is failing or no healthy candidate exists.
func (m *Manager) ReassignShuffleServers(ctx context.Context, stageID, stageAttemptNumber, shuffleID, numPartitions int) bool {
	key := reassignKey{shuffleID: shuffleID, stageAttempt: stageAttemptNumber}

	m.mu.RLock()
	_, done := m.reassigned[key]
	m.mu.RUnlock()
	if done {
		return false
	}

	handle, gen, err := m.loadHandle(shuffleID)
	if err != nil {
		m.logger.Warn("reassignment requested for unknown shuffle",
			zap.Int("shuffle_id", shuffleID), zap.Int("stage_id", stageID))
		return false
	}
	if !m.hasFailingServer(handle) {
		return false
	}

	candidates, err := m.candidates(ctx)
	if err != nil {
		m.logger.Warn("no shuffle servers available for reassignment",
			zap.Int("shuffle_id", shuffleID), zap.Error(err))
		return false
	}

	if numPartitions <= 0 || numPartitions > handle.NumPartitions {
		numPartitions = handle.NumPartitions
	}
	assignment := make(map[int][]cluster.ServerInfo, handle.NumPartitions)
	for p := 0; p < handle.NumPartitions; p++ {
		if p < numPartitions {
			assignment[p] = []cluster.ServerInfo{candidates[p%len(candidates)]}
		} else if servers, ok := handle.PartitionToServers[p]; ok {
			assignment[p] = servers
		}
	}

	m.storeMu.Lock()
	defer m.storeMu.Unlock()
	if _, err := m.handles.Get(shuffleID); err != nil || m.gens[shuffleID] != gen {
		m.logger.Warn("shuffle changed during reassignment, dropping it",
			zap.Int("shuffle_id", shuffleID), zap.Int("stage_attempt", stageAttemptNumber))
		return false
	}

	m.mu.Lock()
	if _, done := m.reassigned[key]; done {
		m.mu.Unlock()
		return false
	}
	m.reassigned[key] = struct{}{}
	m.mu.Unlock()

	handle.PartitionToServers = assignment
	if err := m.handles.Put(handle); err != nil {
		m.logger.Error("failed to store reassignment", zap.Int("shuffle_id", shuffleID), zap.Error(err))
		return false
	}
	m.lastGen++
	m.gens[shuffleID] = m.lastGen

	m.logger.Info("reassigned shuffle servers",
		zap.Int("shuffle_id", shuffleID),
		zap.Int("stage_id", stageID),
		zap.Int("stage_attempt", stageAttemptNumber),
		zap.Int("partitions", numPartitions),
		zap.Int("servers", len(candidates)))
	return true
}

// loadHandle reads a handle together with its generation.
func (m *Manager) loadHandle(shuffleID int) (cluster.ShuffleHandleInfo, uint64, error) {
	m.storeMu.Lock()
	defer m.storeMu.Unlock()
	handle, err := m.handles.Get(shuffleID)
	if err != nil {
		return cluster.ShuffleHandleInfo{}, 0, err
	}
	return handle, m.gens[shuffleID], nil
}

func (m *Manager) hasFailingServer(handle cluster.ShuffleHandleInfo) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, servers := range handle.PartitionToServers {
		for _, s := range servers {
			if _, bad := m.failing[s.ID]; bad {
				return true
			}
		}
	}
	return false
}

// candidates returns healthy servers from the first source that answers.
func (m *Manager) candidates(ctx context.Context) ([]cluster.ServerInfo, error) {
	if len(m.sources) == 0 {
		return nil, errors.New("no server sources configured")
	}

	var lastErr error
	for _, src := range m.sources {
		servers, err := src.Servers(ctx)
		if err != nil {
			lastErr = err
			continue
		}
		healthy := servers[:0:0]
		for _, s := range servers {
			if !m.IsFailing(s.ID) {
				healthy = append(healthy, s)
			}
		}
		if len(healthy) == 0 {
			lastErr = errors.New("all candidate servers are failing")
			continue
		}
		slices.SortFunc(healthy, compareServers)
		return healthy, nil
	}
	return nil, lastErr
}

func compareServers(a, b cluster.ServerInfo) int {
	return strings.Compare(a.ID, b.ID)
}
