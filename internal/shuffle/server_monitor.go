package shuffle

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/rssmanager/internal/cluster"
)

// Health states reported by ServerMonitor.
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
	StatusUnknown   = "unknown"
)

// ServerHealth tracks the health status of a single shuffle server.
// Thread-safe: Protected by ServerMonitor's mutex when accessed.
type ServerHealth struct {
	LastCheck        time.Time // Timestamp of the last probe
	LastHealthy      time.Time // Timestamp of the last successful probe
	ServerID         string    // Shuffle server id
	Status           string    // "healthy", "unhealthy" or "unknown"
	ConsecutiveFails int       // Failed probes since the last success
}

// ServerMonitor probes shuffle servers periodically and reports servers that
// fail maxFailures probes in a row. It complements the failure reports sent
// by executors: a server nobody writes to can still be found dead here.
// Thread-safe: All methods are safe for concurrent access.
type ServerMonitor struct {
	servers     map[string]*ServerHealth // Current health per server id
	httpClient  *http.Client             // Client for the default probe
	checkFunc   func(ctx context.Context, addr string) error
	onUnhealthy func(serverID string) // Called when a server turns unhealthy
	onRecovered func(serverID string) // Called when an unhealthy server answers again
	logger      *zap.Logger
	ctx         context.Context
	cancel      context.CancelFunc
	interval    time.Duration
	timeout     time.Duration
	mu          sync.RWMutex // Protects servers and callbacks
	wg          sync.WaitGroup
	maxFailures int
	parallelism int // Maximum concurrent probes per round
}

// NewServerMonitor creates a monitor that probes every interval and marks a
// server unhealthy after maxFailures consecutive failures.
//
// Example:
//
//	monitor := NewServerMonitor(5*time.Second, 3, logger)
//	monitor.SetOnUnhealthy(manager.MarkUnreachable)
//	monitor.SetOnRecovered(manager.ClearUnreachable)
//	go monitor.Start(ctx, manager.KnownServers)
func NewServerMonitor(interval time.Duration, maxFailures int, logger *zap.Logger) *ServerMonitor {
	ctx, cancel := context.WithCancel(context.Background())
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxFailures <= 0 {
		maxFailures = 3
	}

	m := &ServerMonitor{
		interval:    interval,
		timeout:     2 * time.Second,
		maxFailures: maxFailures,
		parallelism: 16,
		servers:     make(map[string]*ServerHealth),
		httpClient:  &http.Client{Timeout: 2 * time.Second},
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
	}
	m.checkFunc = m.defaultHealthCheck
	return m
}

// SetOnUnhealthy sets the callback invoked when a server becomes unhealthy.
func (m *ServerMonitor) SetOnUnhealthy(callback func(serverID string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onUnhealthy = callback
}

// SetOnRecovered sets the callback invoked when an unhealthy server passes a probe.
func (m *ServerMonitor) SetOnRecovered(callback func(serverID string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRecovered = callback
}

// SetCheckFunction overrides the probe, mainly for tests.
func (m *ServerMonitor) SetCheckFunction(checkFunc func(ctx context.Context, addr string) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkFunc = checkFunc
}

// Start probes the servers returned by serverProvider every interval until
// ctx or the monitor is cancelled. It blocks; run it in its own goroutine.
func (m *ServerMonitor) Start(ctx context.Context, serverProvider func() []cluster.ServerInfo) {
	m.wg.Add(1)
	defer m.wg.Done()

	if ctx == nil {
		ctx = m.ctx
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Info("shuffle server monitor started", zap.Duration("interval", m.interval))

	m.CheckAll(ctx, serverProvider())

	for {
		select {
		case <-ticker.C:
			m.CheckAll(ctx, serverProvider())
		case <-ctx.Done():
			m.logger.Info("shuffle server monitor stopping due to context cancellation")
			return
		case <-m.ctx.Done():
			m.logger.Info("shuffle server monitor stopping due to internal cancellation")
			return
		}
	}
}

// Stop cancels the monitoring loop and waits for it to return.
func (m *ServerMonitor) Stop() {
	m.cancel()
	m.wg.Wait()
}

// CheckAll probes servers in parallel and forgets servers no longer listed.
func (m *ServerMonitor) CheckAll(ctx context.Context, servers []cluster.ServerInfo) {
	current := make(map[string]bool, len(servers))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.parallelism)
	for _, s := range servers {
		if current[s.ID] {
			continue
		}
		current[s.ID] = true
		s := s
		g.Go(func() error {
			m.checkServer(gctx, s)
			return nil
		})
	}
	_ = g.Wait()

	m.mu.Lock()
	for id := range m.servers {
		if !current[id] {
			delete(m.servers, id)
			m.logger.Debug("removed shuffle server from monitoring", zap.String("server_id", id))
		}
	}
	m.mu.Unlock()
}

// checkServer probes one server and updates its record. Callbacks run after
// the lock is released.
func (m *ServerMonitor) checkServer(ctx context.Context, server cluster.ServerInfo) {
	m.mu.Lock()
	health, exists := m.servers[server.ID]
	if !exists {
		health = &ServerHealth{
			ServerID:    server.ID,
			Status:      StatusUnknown,
			LastCheck:   time.Now(),
			LastHealthy: time.Now(),
		}
		m.servers[server.ID] = health
	}
	check := m.checkFunc
	m.mu.Unlock()

	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	err := check(probeCtx, server.Addr())
	cancel()

	var callback func(string)

	m.mu.Lock()
	health.LastCheck = time.Now()
	if err != nil {
		health.ConsecutiveFails++
		m.logger.Debug("shuffle server probe failed",
			zap.String("server_id", server.ID),
			zap.Int("attempt", health.ConsecutiveFails),
			zap.Int("max_failures", m.maxFailures),
			zap.Error(err))

		if health.ConsecutiveFails >= m.maxFailures && health.Status != StatusUnhealthy {
			health.Status = StatusUnhealthy
			callback = m.onUnhealthy
			m.logger.Warn("shuffle server marked unhealthy",
				zap.String("server_id", server.ID),
				zap.Int("failures", health.ConsecutiveFails))
		}
	} else {
		if health.Status == StatusUnhealthy {
			callback = m.onRecovered
			m.logger.Info("shuffle server recovered", zap.String("server_id", server.ID))
		}
		health.Status = StatusHealthy
		health.ConsecutiveFails = 0
		health.LastHealthy = time.Now()
	}
	m.mu.Unlock()

	if callback != nil {
		callback(server.ID)
	}
}

// defaultHealthCheck GETs http://addr/health and expects 200.
func (m *ServerMonitor) defaultHealthCheck(ctx context.Context, addr string) error {
	url := addr
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		url = fmt.Sprintf("http://%s", addr)
	}
	if !strings.HasSuffix(url, "/health") {
		url = strings.TrimRight(url, "/") + "/health"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

// ServerHealth returns a copy of a server's record, or nil if unmonitored.
func (m *ServerMonitor) ServerHealth(serverID string) *ServerHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()

	health, exists := m.servers[serverID]
	if !exists {
		return nil
	}
	cp := *health
	return &cp
}

// AllServerHealth returns copies of every monitored server's record.
func (m *ServerMonitor) AllServerHealth() map[string]*ServerHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]*ServerHealth, len(m.servers))
	for id, health := range m.servers {
		cp := *health
		result[id] = &cp
	}
	return result
}

// IsHealthy reports whether a server passed its latest probe streak.
// Unmonitored servers are not healthy.
func (m *ServerMonitor) IsHealthy(serverID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	health, exists := m.servers[serverID]
	return exists && health.Status == StatusHealthy
}
