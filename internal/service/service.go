// Package service implements the shuffle manager's request handling: it
// validates failure reports, routes them to the per-shuffle failure trackers
// and turns the trackers' outcomes into resubmission decisions.
package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/dreamware/rssmanager/internal/cluster"
	"github.com/dreamware/rssmanager/internal/failure"
)

// errUnknownShuffle is returned by the fetch tracker factory when the shuffle
// manager has no partition count for a shuffle.
var errUnknownShuffle = errors.New("unknown shuffle")

// ShuffleManager is the collaborator that owns static shuffle metadata and
// the server reassignment policy. The service depends on it and never
// implements it.
type ShuffleManager interface {
	// AppID returns the application this manager serves.
	AppID() string
	// MaxFetchFailures returns the failure threshold. Read on every decision.
	MaxFetchFailures() int
	// PartitionNum returns the partition count of a shuffle, or 0 if unknown.
	PartitionNum(shuffleID int) int
	// ShuffleHandleInfo returns the current handle of a shuffle.
	ShuffleHandleInfo(shuffleID int) (cluster.ShuffleHandleInfo, bool)
	// ReassignShuffleServers reassigns servers for a stage attempt and
	// reports whether anything was reassigned.
	ReassignShuffleServers(ctx context.Context, stageID, stageAttemptNumber, shuffleID, numPartitions int) bool
	// AddFailingServer marks a shuffle server as failing.
	AddFailingServer(serverID string)
}

// Service is the failure report router.
//
// Architecture:
//
//	report ──▶ app id check ──▶ registry.GetOrCreate ──▶ tracker.Record
//	                                                        │
//	              FailureResponse ◀── threshold check ◀─────┘
//
// Concurrency Model:
//   - Trackers serialize their own state; the service holds no lock
//   - The ShuffleManager is only called with no tracker lock held
//   - Every call returns its decision synchronously
type Service struct {
	manager ShuffleManager
	logger  *zap.Logger

	fetches *failure.Registry[failure.FetchTracker]
	writes  *failure.Registry[failure.WriteTracker]

	stats Stats
}

// New creates a service bound to manager. A nil logger disables logging.
func New(manager ShuffleManager, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		manager: manager,
		logger:  logger,
		fetches: failure.NewRegistry[failure.FetchTracker](),
		writes:  failure.NewRegistry[failure.WriteTracker](),
	}
}

// ReportWriteFailure records a shuffle write failure against the reported
// servers and decides whether the whole stage must be resubmitted.
func (s *Service) ReportWriteFailure(_ context.Context, req cluster.WriteFailureRequest) cluster.FailureResponse {
	if resp, ok := s.checkApp("write", req.AppID); !ok {
		return resp
	}

	if req.StageAttemptNumber < 0 {
		return s.reject(fmt.Sprintf("invalid shuffle write failure report: %v", failure.ErrNegativeAttempt))
	}

	servers := cluster.ServerIDs(req.ShuffleServerIDs)
	tracker, created, _ := s.writes.GetOrCreate(req.ShuffleID, func() (*failure.WriteTracker, error) {
		return failure.NewWriteTracker(req.StageAttemptNumber, servers), nil
	})
	if created {
		s.logger.Debug("tracking shuffle write failures",
			zap.Int("shuffle_id", req.ShuffleID),
			zap.Int("stage_attempt", req.StageAttemptNumber))
	}

	threshold := s.manager.MaxFetchFailures()
	out, err := tracker.Record(req.StageAttemptNumber, servers, threshold)
	if err != nil {
		return s.reject(fmt.Sprintf("invalid shuffle write failure report: %v", err))
	}
	if !out.Resolution.Accepted() {
		return s.rejectStale("write", req.ShuffleID, out.CurrentAttempt, req.StageAttemptNumber)
	}
	s.stats.Accepted.Add(1)

	if !out.Exceeded {
		return cluster.FailureResponse{
			Status:  cluster.StatusSuccess,
			Message: "don't report shuffle write failure",
		}
	}

	s.manager.AddFailingServer(out.Server)
	s.stats.Resubmits.Add(1)
	s.logger.Info("shuffle write failures exceeded maximum, resubmitting stage",
		zap.Int("shuffle_id", req.ShuffleID),
		zap.Int("stage_attempt", req.StageAttemptNumber),
		zap.String("server_id", out.Server),
		zap.Int("failures", out.Count),
		zap.Int("max_failures", threshold))
	return cluster.FailureResponse{
		Status:             cluster.StatusSuccess,
		ReSubmitWholeStage: true,
		Message: fmt.Sprintf(
			"report shuffle write failure as maximum number(%d) of shuffle write is occurred", threshold),
	}
}

// ReportFetchFailure records a partition fetch failure and decides whether
// the whole stage must be resubmitted. The threshold is inclusive: the report
// that reaches it triggers resubmission.
func (s *Service) ReportFetchFailure(_ context.Context, req cluster.FetchFailureRequest) cluster.FailureResponse {
	if resp, ok := s.checkApp("fetch", req.AppID); !ok {
		return resp
	}

	if req.StageAttemptID < 0 {
		return s.reject(fmt.Sprintf("invalid shuffle fetch failure report: %v", failure.ErrNegativeAttempt))
	}

	// A report the new tracker would reject must not leave the tracker behind.
	tracker, created, err := s.fetches.GetOrCreate(req.ShuffleID, func() (*failure.FetchTracker, error) {
		partitionNum := s.manager.PartitionNum(req.ShuffleID)
		if partitionNum <= 0 {
			return nil, fmt.Errorf("%w %d", errUnknownShuffle, req.ShuffleID)
		}
		if req.PartitionID < 0 || req.PartitionID >= partitionNum {
			return nil, fmt.Errorf("%w: partition %d, must be in range [0, %d)",
				failure.ErrPartitionOutOfRange, req.PartitionID, partitionNum)
		}
		return failure.NewFetchTracker(partitionNum, req.StageAttemptID), nil
	})
	if err != nil {
		s.logger.Warn("rejected shuffle fetch failure report",
			zap.Int("shuffle_id", req.ShuffleID),
			zap.Int("partition_id", req.PartitionID),
			zap.Error(err))
		return s.reject(fmt.Sprintf("invalid shuffle fetch failure report: %v", err))
	}
	if created {
		s.logger.Debug("tracking shuffle fetch failures",
			zap.Int("shuffle_id", req.ShuffleID),
			zap.Int("partitions", tracker.PartitionNum()),
			zap.Int("stage_attempt", req.StageAttemptID))
	}

	out, err := tracker.Record(req.StageAttemptID, req.PartitionID)
	if err != nil {
		s.logger.Warn("rejected shuffle fetch failure report",
			zap.Int("shuffle_id", req.ShuffleID),
			zap.Int("partition_id", req.PartitionID),
			zap.Error(err))
		return s.reject(fmt.Sprintf("invalid shuffle fetch failure report: %v", err))
	}
	if !out.Resolution.Accepted() {
		return s.rejectStale("fetch", req.ShuffleID, out.CurrentAttempt, req.StageAttemptID)
	}
	s.stats.Accepted.Add(1)

	threshold := s.manager.MaxFetchFailures()
	if out.Count < threshold {
		return cluster.FailureResponse{
			Status:  cluster.StatusSuccess,
			Message: "don't report shuffle fetch failure",
		}
	}

	s.stats.Resubmits.Add(1)
	s.logger.Info("shuffle fetch failures reached maximum, resubmitting stage",
		zap.Int("shuffle_id", req.ShuffleID),
		zap.Int("stage_attempt", req.StageAttemptID),
		zap.Int("partition_id", req.PartitionID),
		zap.Int("failures", out.Count),
		zap.Int("max_failures", threshold))
	return cluster.FailureResponse{
		Status:             cluster.StatusSuccess,
		ReSubmitWholeStage: true,
		Message: fmt.Sprintf(
			"report shuffle fetch failure as maximum number(%d) of shuffle fetch is occurred", threshold),
	}
}

// PartitionToServers returns the current partition assignment and remote
// storage of a shuffle.
func (s *Service) PartitionToServers(_ context.Context, req cluster.PartitionToServersRequest) cluster.PartitionToServersResponse {
	handle, ok := s.manager.ShuffleHandleInfo(req.ShuffleID)
	if !ok {
		return cluster.PartitionToServersResponse{
			Status:             cluster.StatusInvalidRequest,
			PartitionToServers: map[int][]cluster.ServerInfo{},
		}
	}
	remote := handle.RemoteStorage
	return cluster.PartitionToServersResponse{
		Status:             cluster.StatusSuccess,
		PartitionToServers: handle.PartitionToServers,
		RemoteStorage:      &remote,
	}
}

// ReassignServers delegates a reassignment request to the shuffle manager.
func (s *Service) ReassignServers(ctx context.Context, req cluster.ReassignRequest) cluster.ReassignResponse {
	need := s.manager.ReassignShuffleServers(ctx, req.StageID, req.StageAttemptNumber, req.ShuffleID, req.NumPartitions)
	return cluster.ReassignResponse{
		Status:       cluster.StatusSuccess,
		NeedReassign: need,
	}
}

// UnregisterShuffle drops all failure state of a shuffle. The owner calls it
// when the shuffle is no longer needed.
func (s *Service) UnregisterShuffle(shuffleID int) {
	fetch := s.fetches.Forget(shuffleID)
	write := s.writes.Forget(shuffleID)
	if fetch || write {
		s.logger.Debug("forgot shuffle failure state", zap.Int("shuffle_id", shuffleID))
	}
}

// TrackedShuffles returns the shuffle ids with fetch and write failure state.
func (s *Service) TrackedShuffles() (fetch, write []int) {
	return s.fetches.ShuffleIDs(), s.writes.ShuffleIDs()
}

// Stats returns a snapshot of the report counters.
func (s *Service) Stats() StatsSnapshot {
	return s.stats.Snapshot()
}

func (s *Service) checkApp(kind, appID string) (cluster.FailureResponse, bool) {
	expected := s.manager.AppID()
	if appID == expected {
		return cluster.FailureResponse{}, true
	}
	s.stats.IdentityMismatches.Add(1)
	msg := fmt.Sprintf("got a wrong shuffle %s failure report from appId: %s, expected appId: %s",
		kind, appID, expected)
	s.logger.Warn(msg)
	return cluster.FailureResponse{Status: cluster.StatusInvalidRequest, Message: msg}, false
}

func (s *Service) rejectStale(kind string, shuffleID, current, reported int) cluster.FailureResponse {
	s.stats.Stale.Add(1)
	msg := fmt.Sprintf("got an old stage(%d vs %d) shuffle %s failure report, which should be impossible.",
		current, reported, kind)
	s.logger.Warn(msg, zap.Int("shuffle_id", shuffleID))
	return cluster.FailureResponse{Status: cluster.StatusInvalidRequest, Message: msg}
}

func (s *Service) reject(msg string) cluster.FailureResponse {
	s.stats.Rejected.Add(1)
	return cluster.FailureResponse{Status: cluster.StatusInvalidRequest, Message: msg}
}
