package client

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrUnsupportedClientType is returned for client types with no implementation.
	ErrUnsupportedClientType = errors.New("unsupported client type")
	// ErrInvalidQuorum is returned when a coordinator quorum string can't be parsed.
	ErrInvalidQuorum = errors.New("invalid coordinator quorum")
)

// ClientType selects the coordinator client implementation.
type ClientType string

const (
	ClientTypeGRPC      ClientType = "GRPC"
	ClientTypeGRPCNetty ClientType = "GRPC_NETTY"
)

// ParseClientType parses a client type name, case-insensitively.
func ParseClientType(s string) (ClientType, error) {
	t := ClientType(strings.ToUpper(strings.TrimSpace(s)))
	if !t.Supported() {
		return "", fmt.Errorf("%w %q", ErrUnsupportedClientType, s)
	}
	return t, nil
}

// Supported reports whether a client can be built for t. Both types are
// served by the HTTP coordinator client.
func (t ClientType) Supported() bool {
	return t == ClientTypeGRPC || t == ClientTypeGRPCNetty
}

// Endpoint is a coordinator host and port.
type Endpoint struct {
	Host string
	Port int
}

// String returns host:port.
func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// ParseQuorum parses a comma separated "host:port" list. It fails on the
// first malformed entry.
func ParseQuorum(quorum string) ([]Endpoint, error) {
	quorum = strings.TrimSpace(quorum)
	if quorum == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidQuorum)
	}

	var endpoints []Endpoint
	for _, entry := range strings.Split(quorum, ",") {
		entry = strings.TrimSpace(entry)
		parts := strings.Split(entry, ":")
		if len(parts) != 2 || parts[0] == "" {
			return nil, fmt.Errorf("%w: invalid coordinator format %q", ErrInvalidQuorum, entry)
		}
		port, err := strconv.Atoi(parts[1])
		if err != nil || port <= 0 || port > 65535 {
			return nil, fmt.Errorf("%w: invalid port in %q", ErrInvalidQuorum, entry)
		}
		endpoints = append(endpoints, Endpoint{Host: parts[0], Port: port})
	}
	return endpoints, nil
}

// key identifies one cached client.
type key struct {
	clientType ClientType
	addr       string
}

func (k key) String() string {
	return string(k.clientType) + "/" + k.addr
}

// Cache hands out one CoordinatorClient per (client type, host:port) and
// reuses it for later requests.
//
// Concurrency Model:
//   - Lookups take a read lock only
//   - Concurrent misses for the same key share one construction via singleflight
//   - The insert re-checks the map under the write lock
type Cache struct {
	logger *zap.Logger

	mu      sync.RWMutex
	clients map[key]*CoordinatorClient
	group   singleflight.Group
}

// NewCache creates an empty cache. A nil logger disables logging.
func NewCache(logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		logger:  logger,
		clients: make(map[key]*CoordinatorClient),
	}
}

// GetOrCreate returns the client for host:port, creating it on first use.
func (c *Cache) GetOrCreate(clientType ClientType, host string, port int) (*CoordinatorClient, error) {
	if !clientType.Supported() {
		return nil, fmt.Errorf("%w %q", ErrUnsupportedClientType, clientType)
	}
	k := key{clientType: clientType, addr: Endpoint{Host: host, Port: port}.String()}

	if cl, ok := c.lookup(k); ok {
		return cl, nil
	}

	v, err, _ := c.group.Do(k.String(), func() (any, error) {
		if cl, ok := c.lookup(k); ok {
			return cl, nil
		}
		cl := NewCoordinatorClient(clientType, host, port)

		c.mu.Lock()
		defer c.mu.Unlock()
		if existing, ok := c.clients[k]; ok {
			return existing, nil
		}
		c.clients[k] = cl
		c.logger.Debug("created coordinator client", zap.String("client", cl.Desc()))
		return cl, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*CoordinatorClient), nil
}

// CreateClients parses quorum and returns a client per entry, in order.
func (c *Cache) CreateClients(clientType ClientType, quorum string) ([]*CoordinatorClient, error) {
	c.logger.Info("creating coordinator clients", zap.String("quorum", quorum))

	endpoints, err := ParseQuorum(quorum)
	if err != nil {
		c.logger.Error("rejected coordinator quorum", zap.String("quorum", quorum), zap.Error(err))
		return nil, err
	}

	clients := make([]*CoordinatorClient, 0, len(endpoints))
	descs := make([]string, 0, len(endpoints))
	for _, ep := range endpoints {
		cl, err := c.GetOrCreate(clientType, ep.Host, ep.Port)
		if err != nil {
			return nil, err
		}
		clients = append(clients, cl)
		descs = append(descs, cl.Desc())
	}
	c.logger.Info("coordinator clients ready", zap.Strings("clients", descs))
	return clients, nil
}

// Len returns the number of cached clients.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.clients)
}

func (c *Cache) lookup(k key) (*CoordinatorClient, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cl, ok := c.clients[k]
	return cl, ok
}
