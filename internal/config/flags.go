package config

import (
	"fmt"

	"github.com/spf13/pflag"
)

// Flag names registered by RegisterFlags.
const (
	FlagConfig           = "config"
	FlagListen           = "listen"
	FlagAppID            = "app-id"
	FlagMaxFetchFailures = "max-fetch-failures"
	FlagCoordinators     = "coordinators"
	FlagClientType       = "client-type"
	FlagShuffleServers   = "shuffle-servers"
	FlagDevelopment      = "dev"
)

// RegisterFlags adds the command line overrides to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	def := Default()
	fs.String(FlagConfig, "", "path to a YAML config file")
	fs.String(FlagListen, def.Listen, "HTTP listen address")
	fs.String(FlagAppID, "", "application id served by this manager (random if unset)")
	fs.Int(FlagMaxFetchFailures, def.MaxFetchFailures, "failures that trigger a stage resubmission")
	fs.String(FlagCoordinators, "", "coordinator quorum, host:port[,host:port]")
	fs.String(FlagClientType, def.ClientType, "coordinator client type (GRPC or GRPC_NETTY)")
	fs.String(FlagShuffleServers, "", "fallback shuffle servers, [id@]host:port[,...]")
	fs.Bool(FlagDevelopment, false, "use a development logger")
}

// LoadWithFlags loads the file named by --config, applies the environment
// and then every flag set explicitly on fs.
func LoadWithFlags(fs *pflag.FlagSet) (*Config, error) {
	path, err := fs.GetString(FlagConfig)
	if err != nil {
		return nil, err
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyFlags(fs); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyFlags copies the flags changed on fs into c.
func (c *Config) ApplyFlags(fs *pflag.FlagSet) error {
	var err error
	fs.Visit(func(f *pflag.Flag) {
		if err != nil {
			return
		}
		switch f.Name {
		case FlagListen:
			c.Listen, err = fs.GetString(f.Name)
		case FlagAppID:
			c.AppID, err = fs.GetString(f.Name)
		case FlagMaxFetchFailures:
			c.MaxFetchFailures, err = fs.GetInt(f.Name)
		case FlagCoordinators:
			c.Coordinators, err = fs.GetString(f.Name)
		case FlagClientType:
			c.ClientType, err = fs.GetString(f.Name)
		case FlagShuffleServers:
			var raw string
			if raw, err = fs.GetString(f.Name); err == nil {
				c.ShuffleServers, err = ParseServers(raw)
			}
		case FlagDevelopment:
			c.Log.Development, err = fs.GetBool(f.Name)
		}
		if err != nil {
			err = fmt.Errorf("--%s: %w", f.Name, err)
		}
	})
	return err
}
