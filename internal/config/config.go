// Package config holds the file and environment configuration plumbing
// shared by the sentinel binaries. Each binary owns its Config struct;
// this package only knows how to fill one in: an optional TOML or JSON
// file first, then HYDRA_SENTINEL_* environment overrides on top.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// EnvPrefix is stripped from environment variables before they are
// matched against config field names.
const EnvPrefix = "HYDRA_SENTINEL_"

// LoadFile decodes the config file at path into cfg. The format is
// chosen by extension: .json is JSON, everything else is TOML.
func LoadFile(path string, cfg any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	if strings.EqualFold(filepath.Ext(path), ".json") {
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		return nil
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// Getenv returns the value of the HYDRA_SENTINEL_-prefixed variable for
// the given field name, matched case-insensitively. Empty if unset.
func Getenv(name string) string {
	want := EnvPrefix + name
	for _, env := range os.Environ() {
		k, v, ok := strings.Cut(env, "=")
		if ok && strings.EqualFold(k, want) {
			return v
		}
	}
	return ""
}

// Duration is a time.Duration that decodes from strings like "90s" in
// TOML, JSON, and environment values.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}
