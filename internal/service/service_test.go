package service

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/dreamware/rssmanager/internal/cluster"
)

const testApp = "app-1"

type mockManager struct {
	mock.Mock
}

func (m *mockManager) AppID() string {
	return m.Called().String(0)
}

func (m *mockManager) MaxFetchFailures() int {
	return m.Called().Int(0)
}

func (m *mockManager) PartitionNum(shuffleID int) int {
	return m.Called(shuffleID).Int(0)
}

func (m *mockManager) ShuffleHandleInfo(shuffleID int) (cluster.ShuffleHandleInfo, bool) {
	args := m.Called(shuffleID)
	return args.Get(0).(cluster.ShuffleHandleInfo), args.Bool(1)
}

func (m *mockManager) ReassignShuffleServers(ctx context.Context, stageID, stageAttemptNumber, shuffleID, numPartitions int) bool {
	return m.Called(stageID, stageAttemptNumber, shuffleID, numPartitions).Bool(0)
}

func (m *mockManager) AddFailingServer(serverID string) {
	m.Called(serverID)
}

// newTestService returns a service over a mock manager for testApp with the
// given threshold and 4 partitions per shuffle.
func newTestService(t *testing.T, threshold int) (*Service, *mockManager, *observer.ObservedLogs) {
	t.Helper()
	m := &mockManager{}
	m.On("AppID").Return(testApp).Maybe()
	m.On("MaxFetchFailures").Return(threshold).Maybe()
	m.On("PartitionNum", mock.Anything).Return(4).Maybe()

	core, logs := observer.New(zapcore.DebugLevel)
	return New(m, zap.New(core)), m, logs
}

func fetchReq(shuffle, attempt, partition int) cluster.FetchFailureRequest {
	return cluster.FetchFailureRequest{
		AppID:          testApp,
		ShuffleID:      shuffle,
		StageAttemptID: attempt,
		PartitionID:    partition,
	}
}

func writeReq(shuffle, attempt int, servers ...string) cluster.WriteFailureRequest {
	req := cluster.WriteFailureRequest{
		AppID:              testApp,
		ShuffleID:          shuffle,
		StageAttemptNumber: attempt,
	}
	for _, id := range servers {
		req.ShuffleServerIDs = append(req.ShuffleServerIDs, cluster.ServerInfo{ID: id, Host: "h-" + id, Port: 19999})
	}
	return req
}

// TestNewNilLogger verifies a nil logger is replaced.
func TestNewNilLogger(t *testing.T) {
	svc := New(&mockManager{}, nil)
	require.NotNil(t, svc.logger)
}

// TestReportFetchFailureThreshold checks the inclusive boundary with T=3.
func TestReportFetchFailureThreshold(t *testing.T) {
	svc, _, _ := newTestService(t, 3)
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		resp := svc.ReportFetchFailure(ctx, fetchReq(1, 0, 2))
		assert.Equal(t, cluster.StatusSuccess, resp.Status)
		assert.False(t, resp.ReSubmitWholeStage, "report %d", i)
		assert.Equal(t, "don't report shuffle fetch failure", resp.Message)
	}

	resp := svc.ReportFetchFailure(ctx, fetchReq(1, 0, 2))
	assert.Equal(t, cluster.StatusSuccess, resp.Status)
	assert.True(t, resp.ReSubmitWholeStage)
	assert.Equal(t, "report shuffle fetch failure as maximum number(3) of shuffle fetch is occurred", resp.Message)

	// Other partitions count separately
	resp = svc.ReportFetchFailure(ctx, fetchReq(1, 0, 1))
	assert.False(t, resp.ReSubmitWholeStage)

	stats := svc.Stats()
	assert.EqualValues(t, 4, stats.Accepted)
	assert.EqualValues(t, 1, stats.Resubmits)
}

// TestReportFetchFailureNewAttemptResets verifies a newer attempt starts counting from zero.
func TestReportFetchFailureNewAttemptResets(t *testing.T) {
	svc, _, _ := newTestService(t, 2)
	ctx := context.Background()

	svc.ReportFetchFailure(ctx, fetchReq(1, 0, 0))
	resp := svc.ReportFetchFailure(ctx, fetchReq(1, 0, 0))
	require.True(t, resp.ReSubmitWholeStage)

	resp = svc.ReportFetchFailure(ctx, fetchReq(1, 1, 0))
	assert.Equal(t, cluster.StatusSuccess, resp.Status)
	assert.False(t, resp.ReSubmitWholeStage)

	resp = svc.ReportFetchFailure(ctx, fetchReq(1, 1, 0))
	assert.True(t, resp.ReSubmitWholeStage)
}

// TestReportFetchFailureStale verifies stale reports are rejected and logged.
func TestReportFetchFailureStale(t *testing.T) {
	svc, _, logs := newTestService(t, 10)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		svc.ReportFetchFailure(ctx, fetchReq(1, 3, 0))
	}

	resp := svc.ReportFetchFailure(ctx, fetchReq(1, 2, 0))
	assert.Equal(t, cluster.StatusInvalidRequest, resp.Status)
	assert.False(t, resp.ReSubmitWholeStage)
	assert.Equal(t, "got an old stage(3 vs 2) shuffle fetch failure report, which should be impossible.", resp.Message)

	warned := logs.FilterLevelExact(zapcore.WarnLevel).FilterMessage(resp.Message)
	assert.Equal(t, 1, warned.Len())

	tracker, ok := svc.fetches.Get(1)
	require.True(t, ok)
	assert.Equal(t, 5, tracker.FailureCount(3, 0))
	assert.EqualValues(t, 1, svc.Stats().Stale)

	// The service keeps serving after a stale report
	resp = svc.ReportFetchFailure(ctx, fetchReq(1, 3, 0))
	assert.Equal(t, cluster.StatusSuccess, resp.Status)
}

// TestReportFetchFailureInvalid covers out-of-range partitions and unknown shuffles.
func TestReportFetchFailureInvalid(t *testing.T) {
	m := &mockManager{}
	m.On("AppID").Return(testApp)
	m.On("MaxFetchFailures").Return(3).Maybe()
	m.On("PartitionNum", 1).Return(2)
	m.On("PartitionNum", 9).Return(0)
	svc := New(m, nil)
	ctx := context.Background()

	resp := svc.ReportFetchFailure(ctx, fetchReq(1, 0, 5))
	assert.Equal(t, cluster.StatusInvalidRequest, resp.Status)
	assert.Contains(t, resp.Message, "partition out of range")

	resp = svc.ReportFetchFailure(ctx, fetchReq(1, 0, -1))
	assert.Equal(t, cluster.StatusInvalidRequest, resp.Status)

	resp = svc.ReportFetchFailure(ctx, fetchReq(9, 0, 0))
	assert.Equal(t, cluster.StatusInvalidRequest, resp.Status)
	assert.Contains(t, resp.Message, "unknown shuffle 9")
	_, ok := svc.fetches.Get(9)
	assert.False(t, ok, "no tracker for an unknown shuffle")

	// Rejected first reports create nothing, so each one asked for the count
	_, ok = svc.fetches.Get(1)
	assert.False(t, ok)
	m.AssertNumberOfCalls(t, "PartitionNum", 3)

	// Once created, the partition count is not read again
	svc.ReportFetchFailure(ctx, fetchReq(1, 0, 1))
	svc.ReportFetchFailure(ctx, fetchReq(1, 0, 0))
	m.AssertNumberOfCalls(t, "PartitionNum", 4)
	assert.EqualValues(t, 3, svc.Stats().Rejected)
}

// TestRejectedFirstReportLeavesNoTracker verifies a refused first report
// doesn't pin the stage attempt for later valid reports.
func TestRejectedFirstReportLeavesNoTracker(t *testing.T) {
	svc, _, _ := newTestService(t, 3)
	ctx := context.Background()

	resp := svc.ReportFetchFailure(ctx, fetchReq(1, 5, 99))
	require.Equal(t, cluster.StatusInvalidRequest, resp.Status)
	resp = svc.ReportFetchFailure(ctx, fetchReq(1, -1, 0))
	require.Equal(t, cluster.StatusInvalidRequest, resp.Status)
	_, ok := svc.fetches.Get(1)
	assert.False(t, ok)

	resp = svc.ReportFetchFailure(ctx, fetchReq(1, 3, 0))
	assert.Equal(t, cluster.StatusSuccess, resp.Status)
	tracker, ok := svc.fetches.Get(1)
	require.True(t, ok)
	assert.Equal(t, 3, tracker.Attempt())

	resp = svc.ReportWriteFailure(ctx, writeReq(2, -1, "s1"))
	require.Equal(t, cluster.StatusInvalidRequest, resp.Status)
	_, ok = svc.writes.Get(2)
	assert.False(t, ok)

	resp = svc.ReportWriteFailure(ctx, writeReq(2, 0, "s1"))
	assert.Equal(t, cluster.StatusSuccess, resp.Status)
}

// TestReportFetchFailureIdentityMismatch verifies a foreign app id changes nothing.
func TestReportFetchFailureIdentityMismatch(t *testing.T) {
	svc, _, logs := newTestService(t, 3)
	ctx := context.Background()

	svc.ReportFetchFailure(ctx, fetchReq(1, 2, 0))
	before, ok := svc.fetches.Get(1)
	require.True(t, ok)
	attemptBefore, countsBefore := before.Snapshot()

	req := fetchReq(1, 7, 0)
	req.AppID = "other-app"
	resp := svc.ReportFetchFailure(ctx, req)

	assert.Equal(t, cluster.StatusInvalidRequest, resp.Status)
	assert.False(t, resp.ReSubmitWholeStage)
	assert.Equal(t, "got a wrong shuffle fetch failure report from appId: other-app, expected appId: app-1", resp.Message)
	assert.Equal(t, 1, logs.FilterMessage(resp.Message).Len())

	attemptAfter, countsAfter := before.Snapshot()
	assert.Equal(t, attemptBefore, attemptAfter)
	assert.Equal(t, countsBefore, countsAfter)
	assert.EqualValues(t, 1, svc.Stats().IdentityMismatches)

	// No tracker is created for a mismatched report either
	req.ShuffleID = 2
	svc.ReportFetchFailure(ctx, req)
	_, ok = svc.fetches.Get(2)
	assert.False(t, ok)
}

// TestUnregisterShuffleForgetsHistory verifies a report after unregistering starts fresh.
func TestUnregisterShuffleForgetsHistory(t *testing.T) {
	svc, _, _ := newTestService(t, 3)
	ctx := context.Background()

	svc.ReportFetchFailure(ctx, fetchReq(1, 5, 0))
	svc.ReportFetchFailure(ctx, fetchReq(1, 5, 0))
	svc.ReportWriteFailure(ctx, writeReq(1, 5, "s1"))

	svc.UnregisterShuffle(1)
	fetch, write := svc.TrackedShuffles()
	assert.Empty(t, fetch)
	assert.Empty(t, write)

	// Attempt 2 would be stale against the old tracker; it is accepted now
	resp := svc.ReportFetchFailure(ctx, fetchReq(1, 2, 0))
	assert.Equal(t, cluster.StatusSuccess, resp.Status)
	tracker, ok := svc.fetches.Get(1)
	require.True(t, ok)
	assert.Equal(t, 2, tracker.Attempt())
	assert.Equal(t, 1, tracker.FailureCount(2, 0))

	resp = svc.ReportWriteFailure(ctx, writeReq(1, 0, "s1"))
	assert.Equal(t, cluster.StatusSuccess, resp.Status)

	// Unregistering an unknown shuffle is a no-op
	svc.UnregisterShuffle(42)
}

// TestReportWriteFailureMinimumServer documents the minimum-count decision
// with T=3 and counts reaching {s1: 2, s2: 5}.
func TestReportWriteFailureMinimumServer(t *testing.T) {
	svc, m, _ := newTestService(t, 3)
	m.On("AddFailingServer", "s1").Return().Once()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		resp := svc.ReportWriteFailure(ctx, writeReq(1, 0, "s1", "s2"))
		require.Equal(t, cluster.StatusSuccess, resp.Status)
		assert.False(t, resp.ReSubmitWholeStage)
	}
	for i := 0; i < 3; i++ {
		resp := svc.ReportWriteFailure(ctx, writeReq(1, 0, "s2"))
		assert.False(t, resp.ReSubmitWholeStage, "s2 alone exceeding the maximum is masked by s1")
		assert.Equal(t, "don't report shuffle write failure", resp.Message)
	}
	m.AssertNotCalled(t, "AddFailingServer", mock.Anything)

	resp := svc.ReportWriteFailure(ctx, writeReq(1, 0, "s1"))
	assert.False(t, resp.ReSubmitWholeStage, "s1 at 3 only reaches the maximum")

	resp = svc.ReportWriteFailure(ctx, writeReq(1, 0, "s1"))
	assert.Equal(t, cluster.StatusSuccess, resp.Status)
	assert.True(t, resp.ReSubmitWholeStage)
	assert.Equal(t, "report shuffle write failure as maximum number(3) of shuffle write is occurred", resp.Message)
	m.AssertCalled(t, "AddFailingServer", "s1")
}

// TestReportWriteFailureStale verifies stale write reports are rejected without counting.
func TestReportWriteFailureStale(t *testing.T) {
	svc, m, logs := newTestService(t, 0)
	m.On("AddFailingServer", mock.Anything).Return()
	ctx := context.Background()

	resp := svc.ReportWriteFailure(ctx, writeReq(4, 2, "s1"))
	require.Equal(t, cluster.StatusSuccess, resp.Status)

	resp = svc.ReportWriteFailure(ctx, writeReq(4, 1, "s1"))
	assert.Equal(t, cluster.StatusInvalidRequest, resp.Status)
	assert.False(t, resp.ReSubmitWholeStage)
	assert.Equal(t, "got an old stage(2 vs 1) shuffle write failure report, which should be impossible.", resp.Message)
	assert.Equal(t, 1, logs.FilterLevelExact(zapcore.WarnLevel).Len())

	tracker, ok := svc.writes.Get(4)
	require.True(t, ok)
	assert.Equal(t, 1, tracker.FailureCount(2, "s1"))
	m.AssertNumberOfCalls(t, "AddFailingServer", 1)
}

// TestReportWriteFailureIdentityMismatch verifies a foreign app id leaves write state alone.
func TestReportWriteFailureIdentityMismatch(t *testing.T) {
	svc, _, _ := newTestService(t, 3)
	ctx := context.Background()

	svc.ReportWriteFailure(ctx, writeReq(1, 0, "s1"))

	req := writeReq(1, 3, "s1", "s2")
	req.AppID = "intruder"
	resp := svc.ReportWriteFailure(ctx, req)
	assert.Equal(t, cluster.StatusInvalidRequest, resp.Status)
	assert.Equal(t, "got a wrong shuffle write failure report from appId: intruder, expected appId: app-1", resp.Message)

	tracker, ok := svc.writes.Get(1)
	require.True(t, ok)
	attempt, counts := tracker.Snapshot()
	assert.Equal(t, 0, attempt)
	assert.Equal(t, map[string]int{"s1": 1}, counts)
}

// TestReportWriteFailureNegativeAttempt verifies malformed attempts are rejected.
func TestReportWriteFailureNegativeAttempt(t *testing.T) {
	svc, _, _ := newTestService(t, 3)
	resp := svc.ReportWriteFailure(context.Background(), writeReq(1, -1, "s1"))
	assert.Equal(t, cluster.StatusInvalidRequest, resp.Status)
	assert.Contains(t, resp.Message, "non-negative")
}

// TestReportFetchFailureConcurrent verifies no lost updates through the service.
func TestReportFetchFailureConcurrent(t *testing.T) {
	svc, _, _ := newTestService(t, 1<<30)
	ctx := context.Background()

	const reporters = 50
	const perReporter = 20

	var wg sync.WaitGroup
	for i := 0; i < reporters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perReporter; j++ {
				svc.ReportFetchFailure(ctx, fetchReq(1, 0, 3))
			}
		}()
	}
	wg.Wait()

	tracker, ok := svc.fetches.Get(1)
	require.True(t, ok)
	assert.Equal(t, reporters*perReporter, tracker.FailureCount(0, 3))
	assert.EqualValues(t, reporters*perReporter, svc.Stats().Accepted)
}

// TestReportWriteFailureConcurrentAttempts races two attempts across many shuffles.
func TestReportWriteFailureConcurrentAttempts(t *testing.T) {
	svc, _, _ := newTestService(t, 1<<30)
	ctx := context.Background()

	var wg sync.WaitGroup
	for shuffle := 0; shuffle < 8; shuffle++ {
		for i := 0; i < 40; i++ {
			wg.Add(1)
			go func(shuffle, i int) {
				defer wg.Done()
				svc.ReportWriteFailure(ctx, writeReq(shuffle, i%2, fmt.Sprintf("s%d", i%3)))
			}(shuffle, i)
		}
	}
	wg.Wait()

	_, write := svc.TrackedShuffles()
	assert.Len(t, write, 8)
	for _, shuffle := range write {
		tracker, _ := svc.writes.Get(shuffle)
		attempt, counts := tracker.Snapshot()
		assert.Equal(t, 1, attempt)
		total := 0
		for _, c := range counts {
			total += c
		}
		assert.LessOrEqual(t, total, 20, "only attempt 1 reports survive")
		assert.Positive(t, total)
	}
}

// TestPartitionToServers covers the pass-through and the unknown shuffle case.
func TestPartitionToServers(t *testing.T) {
	svc, m, _ := newTestService(t, 3)
	handle := cluster.ShuffleHandleInfo{
		ShuffleID:          1,
		NumPartitions:      1,
		PartitionToServers: map[int][]cluster.ServerInfo{0: {{ID: "s1"}}},
		RemoteStorage:      cluster.RemoteStorageInfo{Path: "hdfs://rss/app-1"},
	}
	m.On("ShuffleHandleInfo", 1).Return(handle, true)
	m.On("ShuffleHandleInfo", 2).Return(cluster.ShuffleHandleInfo{}, false)

	resp := svc.PartitionToServers(context.Background(), cluster.PartitionToServersRequest{ShuffleID: 1})
	assert.Equal(t, cluster.StatusSuccess, resp.Status)
	assert.Equal(t, handle.PartitionToServers, resp.PartitionToServers)
	require.NotNil(t, resp.RemoteStorage)
	assert.Equal(t, "hdfs://rss/app-1", resp.RemoteStorage.Path)

	resp = svc.PartitionToServers(context.Background(), cluster.PartitionToServersRequest{ShuffleID: 2})
	assert.Equal(t, cluster.StatusInvalidRequest, resp.Status)
	assert.Empty(t, resp.PartitionToServers)
	assert.Nil(t, resp.RemoteStorage)
}

// TestReassignServers verifies the request is delegated unchanged.
func TestReassignServers(t *testing.T) {
	svc, m, _ := newTestService(t, 3)
	m.On("ReassignShuffleServers", 4, 1, 2, 8).Return(true).Once()
	m.On("ReassignShuffleServers", 4, 1, 3, 8).Return(false).Once()

	resp := svc.ReassignServers(context.Background(), cluster.ReassignRequest{
		StageID: 4, StageAttemptNumber: 1, ShuffleID: 2, NumPartitions: 8,
	})
	assert.Equal(t, cluster.StatusSuccess, resp.Status)
	assert.True(t, resp.NeedReassign)

	resp = svc.ReassignServers(context.Background(), cluster.ReassignRequest{
		StageID: 4, StageAttemptNumber: 1, ShuffleID: 3, NumPartitions: 8,
	})
	assert.Equal(t, cluster.StatusSuccess, resp.Status)
	assert.False(t, resp.NeedReassign)
	m.AssertExpectations(t)
}
