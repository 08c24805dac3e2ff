package client

import (
	"context"
	"fmt"
	"strings"

	"github.com/dreamware/rssmanager/internal/cluster"
)

// ManagerClient calls a shuffle manager's HTTP endpoints.
type ManagerClient struct {
	baseURL string
}

// NewManagerClient creates a client for the shuffle manager at baseURL,
// e.g. "http://127.0.0.1:19990".
func NewManagerClient(baseURL string) *ManagerClient {
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		baseURL = "http://" + baseURL
	}
	return &ManagerClient{baseURL: strings.TrimRight(baseURL, "/")}
}

func (c *ManagerClient) ReportWriteFailure(ctx context.Context, req cluster.WriteFailureRequest) (cluster.FailureResponse, error) {
	var resp cluster.FailureResponse
	err := cluster.PostJSON(ctx, c.baseURL+"/shuffle/write-failure", req, &resp)
	return resp, err
}

func (c *ManagerClient) ReportFetchFailure(ctx context.Context, req cluster.FetchFailureRequest) (cluster.FailureResponse, error) {
	var resp cluster.FailureResponse
	err := cluster.PostJSON(ctx, c.baseURL+"/shuffle/fetch-failure", req, &resp)
	return resp, err
}

func (c *ManagerClient) PartitionToServers(ctx context.Context, shuffleID int) (cluster.PartitionToServersResponse, error) {
	var resp cluster.PartitionToServersResponse
	err := cluster.PostJSON(ctx, c.baseURL+"/shuffle/partition-servers",
		cluster.PartitionToServersRequest{ShuffleID: shuffleID}, &resp)
	return resp, err
}

func (c *ManagerClient) Reassign(ctx context.Context, req cluster.ReassignRequest) (cluster.ReassignResponse, error) {
	var resp cluster.ReassignResponse
	err := cluster.PostJSON(ctx, c.baseURL+"/shuffle/reassign", req, &resp)
	return resp, err
}

// RegisterShuffle registers or replaces a shuffle handle.
func (c *ManagerClient) RegisterShuffle(ctx context.Context, handle cluster.ShuffleHandleInfo) error {
	return cluster.PostJSON(ctx, c.baseURL+"/shuffles", cluster.RegisterShuffleRequest{Handle: handle}, nil)
}

// UnregisterShuffle drops a shuffle and its failure state. Unknown shuffles
// yield a *cluster.StatusError with code 404.
func (c *ManagerClient) UnregisterShuffle(ctx context.Context, shuffleID int) error {
	return cluster.DeleteJSON(ctx, fmt.Sprintf("%s/shuffles/%d", c.baseURL, shuffleID), nil)
}

// Health checks that the manager is serving.
func (c *ManagerClient) Health(ctx context.Context) error {
	return cluster.GetJSON(ctx, c.baseURL+"/health", nil)
}
