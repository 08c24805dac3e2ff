package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/rssmanager/internal/client"
	"github.com/dreamware/rssmanager/internal/cluster"
	"github.com/dreamware/rssmanager/internal/config"
	"github.com/dreamware/rssmanager/internal/service"
	"github.com/dreamware/rssmanager/internal/shuffle"
	"github.com/dreamware/rssmanager/internal/storage"
)

// server wires the failure service to HTTP.
type server struct {
	cfg     *config.Config
	logger  *zap.Logger
	store   *storage.MemoryStore
	manager *shuffle.Manager
	svc     *service.Service
	monitor *shuffle.ServerMonitor

	monitorWG sync.WaitGroup
}

func newServer(cfg *config.Config, logger *zap.Logger) (*server, error) {
	sources, err := buildSources(cfg, client.NewCache(logger.Named("client")))
	if err != nil {
		return nil, err
	}

	store := storage.NewMemoryStore()
	manager := shuffle.NewManager(cfg.AppID, cfg.MaxFetchFailures, store, sources, logger.Named("manager"))
	svc := service.New(manager, logger.Named("service"))
	manager.OnUnregister(svc.UnregisterShuffle)

	s := &server{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		manager: manager,
		svc:     svc,
	}
	if cfg.Monitor.Enabled {
		s.monitor = shuffle.NewServerMonitor(cfg.Monitor.Interval, cfg.Monitor.MaxFailures, logger.Named("monitor"))
		s.monitor.SetOnUnhealthy(manager.MarkUnreachable)
		s.monitor.SetOnRecovered(manager.ClearUnreachable)
	}
	return s, nil
}

// buildSources returns the coordinators from cfg followed by the static
// server list, if any.
func buildSources(cfg *config.Config, cache *client.Cache) ([]shuffle.ServerSource, error) {
	var sources []shuffle.ServerSource
	if cfg.Coordinators != "" {
		clientType, err := client.ParseClientType(cfg.ClientType)
		if err != nil {
			return nil, err
		}
		coordinators, err := cache.CreateClients(clientType, cfg.Coordinators)
		if err != nil {
			return nil, err
		}
		for _, c := range coordinators {
			sources = append(sources, c)
		}
	}
	if len(cfg.ShuffleServers) > 0 {
		sources = append(sources, shuffle.StaticServers(cfg.ShuffleServers))
	}
	return sources, nil
}

func (s *server) startMonitor(ctx context.Context) {
	if s.monitor == nil {
		return
	}
	s.monitorWG.Add(1)
	go func() {
		defer s.monitorWG.Done()
		s.monitor.Start(ctx, s.monitoredServers)
	}()
}

func (s *server) stopMonitor() {
	if s.monitor == nil {
		return
	}
	s.monitor.Stop()
	s.monitorWG.Wait()
}

// monitoredServers is every server assigned to a shuffle plus the static list.
func (s *server) monitoredServers() []cluster.ServerInfo {
	servers := s.manager.KnownServers()
	for _, extra := range s.cfg.ShuffleServers {
		if !slices.ContainsFunc(servers, func(si cluster.ServerInfo) bool { return si.ID == extra.ID }) {
			servers = append(servers, extra)
		}
	}
	return servers
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /shuffle/write-failure", s.handleWriteFailure)
	mux.HandleFunc("POST /shuffle/fetch-failure", s.handleFetchFailure)
	mux.HandleFunc("POST /shuffle/partition-servers", s.handlePartitionServers)
	mux.HandleFunc("POST /shuffle/reassign", s.handleReassign)
	mux.HandleFunc("POST /shuffles", s.handleRegisterShuffle)
	mux.HandleFunc("DELETE /shuffles/{id}", s.handleUnregisterShuffle)
	mux.HandleFunc("DELETE /servers/failing/{id}", s.handleClearFailingServer)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func (s *server) handleWriteFailure(w http.ResponseWriter, r *http.Request) {
	var req cluster.WriteFailureRequest
	if !decode(w, r, &req) {
		return
	}
	writeJSON(w, s.svc.ReportWriteFailure(r.Context(), req))
}

func (s *server) handleFetchFailure(w http.ResponseWriter, r *http.Request) {
	var req cluster.FetchFailureRequest
	if !decode(w, r, &req) {
		return
	}
	writeJSON(w, s.svc.ReportFetchFailure(r.Context(), req))
}

func (s *server) handlePartitionServers(w http.ResponseWriter, r *http.Request) {
	var req cluster.PartitionToServersRequest
	if !decode(w, r, &req) {
		return
	}
	writeJSON(w, s.svc.PartitionToServers(r.Context(), req))
}

func (s *server) handleReassign(w http.ResponseWriter, r *http.Request) {
	var req cluster.ReassignRequest
	if !decode(w, r, &req) {
		return
	}
	writeJSON(w, s.svc.ReassignServers(r.Context(), req))
}

func (s *server) handleRegisterShuffle(w http.ResponseWriter, r *http.Request) {
	var req cluster.RegisterShuffleRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.manager.RegisterShuffle(req.Handle); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleUnregisterShuffle(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid shuffle id %q", r.PathValue("id")), http.StatusBadRequest)
		return
	}
	if !s.manager.UnregisterShuffle(id) {
		http.Error(w, fmt.Sprintf("shuffle %d not found", id), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleClearFailingServer lets an operator return a server to the candidate
// pool after a failure report marked it.
func (s *server) handleClearFailingServer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.manager.RemoveFailingServer(id) {
		http.Error(w, fmt.Sprintf("server %q is not marked failing", id), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type statsResponse struct {
	AppID          string                `json:"app_id"`
	Reports        service.StatsSnapshot `json:"reports"`
	Shuffles       int                   `json:"shuffles"`
	Partitions     int                   `json:"partitions"`
	FetchTrackers  []int                 `json:"fetch_trackers"`
	WriteTrackers  []int                 `json:"write_trackers"`
	FailingServers []string              `json:"failing_servers"`
}

func (s *server) handleStats(w http.ResponseWriter, _ *http.Request) {
	fetch, write := s.svc.TrackedShuffles()
	st := s.store.Stats()
	writeJSON(w, statsResponse{
		AppID:          s.manager.AppID(),
		Reports:        s.svc.Stats(),
		Shuffles:       st.Shuffles,
		Partitions:     st.Partitions,
		FetchTrackers:  fetch,
		WriteTrackers:  write,
		FailingServers: s.manager.FailingServers(),
	})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
