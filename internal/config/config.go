// Package config loads the shuffle manager's configuration from a YAML file
// and RSS_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/dreamware/rssmanager/internal/client"
	"github.com/dreamware/rssmanager/internal/cluster"
)

// Environment variables read by ApplyEnv.
const (
	EnvListen           = "RSS_LISTEN"
	EnvAppID            = "RSS_APP_ID"
	EnvMaxFetchFailures = "RSS_MAX_FETCH_FAILURES"
	EnvCoordinators     = "RSS_COORDINATORS"
	EnvShuffleServers   = "RSS_SHUFFLE_SERVERS"
)

// Config is the shuffle manager configuration.
type Config struct {
	Listen           string `yaml:"listen"`
	AppID            string `yaml:"app_id"`
	MaxFetchFailures int    `yaml:"max_fetch_failures"`

	// Coordinators is a "host:port,host:port" quorum queried for candidate servers.
	Coordinators string `yaml:"coordinators"`
	ClientType   string `yaml:"client_type"`

	// ShuffleServers is a fallback candidate list used when no coordinator answers.
	ShuffleServers []cluster.ServerInfo `yaml:"shuffle_servers"`

	Monitor MonitorConfig `yaml:"monitor"`
	Log     LogConfig     `yaml:"log"`
}

// MonitorConfig controls shuffle server health probing.
type MonitorConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Interval    time.Duration `yaml:"interval"`
	MaxFailures int           `yaml:"max_failures"`
}

// LogConfig controls the logger built by the binaries.
type LogConfig struct {
	Development bool   `yaml:"development"`
	Level       string `yaml:"level"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Listen:           ":19990",
		MaxFetchFailures: 4,
		ClientType:       string(client.ClientTypeGRPC),
		Monitor: MonitorConfig{
			Enabled:     true,
			Interval:    5 * time.Second,
			MaxFailures: 3,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads path over the defaults and applies environment overrides.
// An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()

		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from the RSS_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvListen); ok && v != "" {
		c.Listen = v
	}
	if v, ok := lookup(EnvAppID); ok && v != "" {
		c.AppID = v
	}
	if v, ok := lookup(EnvMaxFetchFailures); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvMaxFetchFailures, err)
		}
		c.MaxFetchFailures = n
	}
	if v, ok := lookup(EnvCoordinators); ok && v != "" {
		c.Coordinators = v
	}
	if v, ok := lookup(EnvShuffleServers); ok && v != "" {
		servers, err := ParseServers(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvShuffleServers, err)
		}
		c.ShuffleServers = servers
	}
	return nil
}

// Complete fills values that have no static default. A missing app id is
// replaced by a random one.
func (c *Config) Complete() {
	if c.AppID == "" {
		c.AppID = uuid.NewString()
	}
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs error
	if c.Listen == "" {
		errs = multierr.Append(errs, errors.New("listen address must be set"))
	}
	if c.AppID == "" {
		errs = multierr.Append(errs, errors.New("app_id must be set"))
	}
	if c.MaxFetchFailures <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("max_fetch_failures must be positive, got %d", c.MaxFetchFailures))
	}
	if _, err := client.ParseClientType(c.ClientType); err != nil {
		errs = multierr.Append(errs, err)
	}
	if c.Coordinators != "" {
		if _, err := client.ParseQuorum(c.Coordinators); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	seen := make(map[string]bool, len(c.ShuffleServers))
	for i, s := range c.ShuffleServers {
		if s.ID == "" || s.Host == "" || s.Port <= 0 {
			errs = multierr.Append(errs, fmt.Errorf("shuffle_servers[%d]: id, host and port are required", i))
			continue
		}
		if seen[s.ID] {
			errs = multierr.Append(errs, fmt.Errorf("shuffle_servers[%d]: duplicate id %q", i, s.ID))
		}
		seen[s.ID] = true
	}
	if c.Monitor.Enabled {
		if c.Monitor.Interval <= 0 {
			errs = multierr.Append(errs, errors.New("monitor.interval must be positive"))
		}
		if c.Monitor.MaxFailures <= 0 {
			errs = multierr.Append(errs, errors.New("monitor.max_failures must be positive"))
		}
	}
	return errs
}

// ParseServers parses a comma separated list of "host:port" or
// "id@host:port" entries. Without an id, the server id is "host-port".
func ParseServers(s string) ([]cluster.ServerInfo, error) {
	var servers []cluster.ServerInfo
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		id, addr, hasID := strings.Cut(entry, "@")
		if !hasID {
			addr = entry
		}
		host, portStr, ok := strings.Cut(addr, ":")
		if !ok || host == "" {
			return nil, fmt.Errorf("invalid shuffle server %q, want host:port", entry)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil || port <= 0 || port > 65535 {
			return nil, fmt.Errorf("invalid port in shuffle server %q", entry)
		}
		if !hasID {
			id = host + "-" + portStr
		}
		servers = append(servers, cluster.ServerInfo{ID: id, Host: host, Port: port})
	}
	return servers, nil
}
