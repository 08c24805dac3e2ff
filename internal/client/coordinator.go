package client

import (
	"context"
	"fmt"

	"github.com/dreamware/rssmanager/internal/cluster"
)

// CoordinatorClient talks to a coordinator over HTTP/JSON. It satisfies
// shuffle.ServerSource.
type CoordinatorClient struct {
	clientType ClientType
	endpoint   Endpoint
	baseURL    string
}

// NewCoordinatorClient creates a client for the coordinator at host:port.
// Most callers should go through Cache.
func NewCoordinatorClient(clientType ClientType, host string, port int) *CoordinatorClient {
	ep := Endpoint{Host: host, Port: port}
	return &CoordinatorClient{
		clientType: clientType,
		endpoint:   ep,
		baseURL:    "http://" + ep.String(),
	}
}

// Desc describes the client for logs.
func (c *CoordinatorClient) Desc() string {
	return fmt.Sprintf("coordinator %s client ref to %s", c.clientType, c.endpoint)
}

// Endpoint returns the coordinator address.
func (c *CoordinatorClient) Endpoint() Endpoint {
	return c.endpoint
}

// Servers lists the shuffle servers the coordinator considers available.
func (c *CoordinatorClient) Servers(ctx context.Context) ([]cluster.ServerInfo, error) {
	var resp cluster.ServerListResponse
	if err := cluster.GetJSON(ctx, c.baseURL+"/servers", &resp); err != nil {
		return nil, fmt.Errorf("list servers from %s: %w", c.endpoint, err)
	}
	return resp.Servers, nil
}
