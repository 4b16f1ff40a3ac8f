package sentinel

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/nathanregner/hydra-sentinel/internal/config"
	"github.com/nathanregner/hydra-sentinel/internal/model"
)

// Config holds the server configuration: an optional TOML/JSON file
// (first CLI argument) merged with HYDRA_SENTINEL_* environment
// overrides.
type Config struct {
	// HydraBaseURL is the base URL of the Hydra server.
	HydraBaseURL string `toml:"hydra_base_url" json:"hydra_base_url"`

	// HydraMachinesFile is the path of the dynamically generated machines
	// spec managed by the sentinel. Must be writable.
	HydraMachinesFile string `toml:"hydra_machines_file" json:"hydra_machines_file"`

	// ListenAddr is the address+port the HTTP server binds.
	ListenAddr string `toml:"listen_addr" json:"listen_addr"`

	// GithubWebhookSecretFile is the path of the webhook HMAC secret.
	GithubWebhookSecretFile string `toml:"github_webhook_secret_file" json:"github_webhook_secret_file"`

	// AllowedIPs whitelists builder source networks for /ws.
	AllowedIPs []string `toml:"allowed_ips" json:"allowed_ips"`

	// HeartbeatTimeout is how long after last hearing from a builder it
	// is considered dead.
	HeartbeatTimeout config.Duration `toml:"heartbeat_timeout" json:"heartbeat_timeout"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `toml:"log_level" json:"log_level"`

	// BuildMachines is the static fleet catalog.
	BuildMachines []model.BuildMachine `toml:"build_machines" json:"build_machines"`

	allowedNets   []netip.Prefix
	webhookSecret []byte
}

// LoadConfig loads the server configuration. args are the CLI arguments
// after the program name; the first, if present, is a config file path.
func LoadConfig(args []string) (*Config, error) {
	cfg := &Config{
		ListenAddr:       ":3001",
		HeartbeatTimeout: config.Duration(90 * time.Second),
		LogLevel:         "info",
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
	if v := config.Getenv("hydra_base_url"); v != "" {
		c.HydraBaseURL = v
	}
	if v := config.Getenv("hydra_machines_file"); v != "" {
		c.HydraMachinesFile = v
	}
	if v := config.Getenv("listen_addr"); v != "" {
		c.ListenAddr = v
	}
	if v := config.Getenv("github_webhook_secret_file"); v != "" {
		c.GithubWebhookSecretFile = v
	}
	if v := config.Getenv("allowed_ips"); v != "" {
		c.AllowedIPs = nil
		for _, part := range strings.Split(v, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				c.AllowedIPs = append(c.AllowedIPs, trimmed)
			}
		}
	}
	if v := config.Getenv("heartbeat_timeout"); v != "" {
		if err := c.HeartbeatTimeout.UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("heartbeat_timeout: %w", err)
		}
	}
	if v := config.Getenv("log_level"); v != "" {
		c.LogLevel = v
	}
	return nil
}

func (c *Config) validate() error {
	var errs []string

	if c.HydraBaseURL == "" {
		errs = append(errs, "hydra_base_url is required")
	} else if u, err := url.Parse(c.HydraBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Sprintf("hydra_base_url %q is not a valid URL", c.HydraBaseURL))
	}
	if c.HydraMachinesFile == "" {
		errs = append(errs, "hydra_machines_file is required")
	}
	if c.GithubWebhookSecretFile == "" {
		errs = append(errs, "github_webhook_secret_file is required")
	}
	if c.HeartbeatTimeout <= 0 {
		errs = append(errs, "heartbeat_timeout must be positive")
	}

	for _, ip := range c.AllowedIPs {
		prefix, err := parsePrefix(ip)
		if err != nil {
			errs = append(errs, fmt.Sprintf("allowed_ips: %v", err))
			continue
		}
		c.allowedNets = append(c.allowedNets, prefix)
	}

	seen := make(map[string]struct{}, len(c.BuildMachines))
	for i := range c.BuildMachines {
		m := &c.BuildMachines[i]
		if err := m.Validate(); err != nil {
			errs = append(errs, fmt.Sprintf("build_machines: %v", err))
			continue
		}
		if _, dup := seen[m.HostName]; dup {
			errs = append(errs, fmt.Sprintf("build_machines: duplicate host name %q", m.HostName))
		}
		seen[m.HostName] = struct{}{}
	}

	if c.GithubWebhookSecretFile != "" {
		secret, err := os.ReadFile(c.GithubWebhookSecretFile)
		if err != nil {
			errs = append(errs, fmt.Sprintf("github_webhook_secret_file: %v", err))
		} else if c.webhookSecret = []byte(strings.TrimSpace(string(secret))); len(c.webhookSecret) == 0 {
			errs = append(errs, fmt.Sprintf("github_webhook_secret_file %s is empty", c.GithubWebhookSecretFile))
		}
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// parsePrefix accepts a CIDR like "10.0.0.0/24" or a bare address, which
// becomes a single-host prefix.
func parsePrefix(s string) (netip.Prefix, error) {
	if strings.Contains(s, "/") {
		return netip.ParsePrefix(s)
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// AllowsIP reports whether the remote address is in the allow-list.
func (c *Config) AllowsIP(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, prefix := range c.allowedNets {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// WebhookSecret returns the HMAC secret loaded from
// GithubWebhookSecretFile.
func (c *Config) WebhookSecret() []byte { return c.webhookSecret }
