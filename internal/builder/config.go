// Package builder implements the builder-side client: it maintains the
// websocket to the sentinel server, heartbeats over it, and toggles
// local sleep suppression on the server's keep-awake commands.
package builder

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/nathanregner/hydra-sentinel/internal/config"
)

// Config holds the builder client configuration: an optional TOML/JSON
// file (first CLI argument) merged with HYDRA_SENTINEL_* environment
// overrides.
type Config struct {
	// ServerAddr is the host:port of the sentinel server.
	ServerAddr string `toml:"server_addr" json:"server_addr"`

	// HostName identifies this builder in the server's fleet catalog.
	HostName string `toml:"host_name" json:"host_name"`

	// HeartbeatInterval is how often a ping is sent over the websocket.
	HeartbeatInterval config.Duration `toml:"heartbeat_interval" json:"heartbeat_interval"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `toml:"log_level" json:"log_level"`
}

// LoadConfig loads the builder configuration. args are the CLI
// arguments after the program name; the first, if present, is a config
// file path.
func LoadConfig(args []string) (*Config, error) {
	cfg := &Config{
		HeartbeatInterval: config.Duration(30 * time.Second),
		LogLevel:          "info",
	}

	if len(args) > 0 && args[0] != "" {
		if err := config.LoadFile(args[0], cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := config.Getenv("server_addr"); v != "" {
		c.ServerAddr = v
	}
	if v := config.Getenv("host_name"); v != "" {
		c.HostName = v
	}
	if v := config.Getenv("heartbeat_interval"); v != "" {
		if err := c.HeartbeatInterval.UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("heartbeat_interval: %w", err)
		}
	}
	if v := config.Getenv("log_level"); v != "" {
		c.LogLevel = v
	}
	return nil
}

func (c *Config) validate() error {
	var errs []string

	if c.ServerAddr == "" {
		errs = append(errs, "server_addr is required")
	}
	if c.HostName == "" {
		errs = append(errs, "host_name is required")
	}
	if c.HeartbeatInterval <= 0 {
		errs = append(errs, "heartbeat_interval must be positive")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// ServerURL is the websocket URL the client dials.
func (c *Config) ServerURL() string {
	return fmt.Sprintf("ws://%s/ws?host_name=%s", c.ServerAddr, url.QueryEscape(c.HostName))
}
