package client

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/rssmanager/internal/cluster"
)

func splitServerURL(t *testing.T, url string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(strings.TrimPrefix(url, "http://"))
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

// TestCoordinatorClientServers verifies the server list is fetched and decoded.
func TestCoordinatorClientServers(t *testing.T) {
	want := []cluster.ServerInfo{
		{ID: "s1", Host: "10.0.0.1", Port: 19999},
		{ID: "s2", Host: "10.0.0.2", Port: 19999},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/servers", r.URL.Path)
		assert.Equal(t, http.MethodGet, r.Method)
		_ = json.NewEncoder(w).Encode(cluster.ServerListResponse{Servers: want})
	}))
	defer srv.Close()

	host, port := splitServerURL(t, srv.URL)
	got, err := NewCoordinatorClient(ClientTypeGRPC, host, port).Servers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

// TestCoordinatorClientError verifies HTTP errors are wrapped.
func TestCoordinatorClientError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	host, port := splitServerURL(t, srv.URL)
	_, err := NewCoordinatorClient(ClientTypeGRPC, host, port).Servers(context.Background())
	require.Error(t, err)

	var statusErr *cluster.StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusServiceUnavailable, statusErr.Code)
}

// TestManagerClient verifies each call hits the right endpoint.
func TestManagerClient(t *testing.T) {
	var (
		mu    sync.Mutex
		paths []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.Method+" "+r.URL.Path)
		mu.Unlock()
		switch r.URL.Path {
		case "/shuffle/write-failure":
			var req cluster.WriteFailureRequest
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "app-1", req.AppID)
			_ = json.NewEncoder(w).Encode(cluster.FailureResponse{Status: cluster.StatusSuccess, ReSubmitWholeStage: true})
		case "/shuffle/fetch-failure":
			_ = json.NewEncoder(w).Encode(cluster.FailureResponse{Status: cluster.StatusInvalidRequest, Message: "nope"})
		case "/shuffle/partition-servers":
			_ = json.NewEncoder(w).Encode(cluster.PartitionToServersResponse{
				Status:             cluster.StatusSuccess,
				PartitionToServers: map[int][]cluster.ServerInfo{0: {{ID: "s1", Host: "h", Port: 1}}},
			})
		case "/shuffle/reassign":
			_ = json.NewEncoder(w).Encode(cluster.ReassignResponse{Status: cluster.StatusSuccess, NeedReassign: true})
		case "/shuffles":
			w.WriteHeader(http.StatusCreated)
		case "/shuffles/7":
			w.WriteHeader(http.StatusNoContent)
		case "/shuffles/8":
			http.NotFound(w, r)
		case "/health":
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	c := NewManagerClient(strings.TrimPrefix(srv.URL, "http://") + "/")

	wr, err := c.ReportWriteFailure(ctx, cluster.WriteFailureRequest{AppID: "app-1"})
	require.NoError(t, err)
	assert.True(t, wr.ReSubmitWholeStage)

	fr, err := c.ReportFetchFailure(ctx, cluster.FetchFailureRequest{AppID: "app-1"})
	require.NoError(t, err)
	assert.Equal(t, cluster.StatusInvalidRequest, fr.Status)
	assert.Equal(t, "nope", fr.Message)

	pr, err := c.PartitionToServers(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, pr.PartitionToServers[0], 1)

	rr, err := c.Reassign(ctx, cluster.ReassignRequest{ShuffleID: 1})
	require.NoError(t, err)
	assert.True(t, rr.NeedReassign)

	require.NoError(t, c.RegisterShuffle(ctx, cluster.ShuffleHandleInfo{ShuffleID: 7, NumPartitions: 1}))
	require.NoError(t, c.UnregisterShuffle(ctx, 7))

	err = c.UnregisterShuffle(ctx, 8)
	var statusErr *cluster.StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusNotFound, statusErr.Code)

	require.NoError(t, c.Health(ctx))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"POST /shuffle/write-failure",
		"POST /shuffle/fetch-failure",
		"POST /shuffle/partition-servers",
		"POST /shuffle/reassign",
		"POST /shuffles",
		"DELETE /shuffles/7",
		"DELETE /shuffles/8",
		"GET /health",
	}, paths)
}
