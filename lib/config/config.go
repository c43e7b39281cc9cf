// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bureau-foundation/scuttle/lib/ref"
	"github.com/bureau-foundation/scuttle/transport"
)

// Environment represents the deployment environment.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

// Config is the node configuration.
type Config struct {
	Environment Environment `yaml:"environment"`

	Repo        RepoConfig        `yaml:"repo"`
	Network     NetworkConfig     `yaml:"network"`
	Replication ReplicationConfig `yaml:"replication"`
	Rooms       RoomsConfig       `yaml:"rooms"`
	Logging     LoggingConfig     `yaml:"logging"`

	// Per-environment overrides, applied after the base config is
	// loaded.
	Development *ConfigOverrides `yaml:"development,omitempty"`
	Staging     *ConfigOverrides `yaml:"staging,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains fields that can be overridden per environment.
type ConfigOverrides struct {
	Repo        *RepoConfig        `yaml:"repo,omitempty"`
	Network     *NetworkConfig     `yaml:"network,omitempty"`
	Replication *ReplicationConfig `yaml:"replication,omitempty"`
	Logging     *LoggingConfig     `yaml:"logging,omitempty"`
}

// RepoConfig locates the repository directory.
type RepoConfig struct {
	// Path holds the log, index, blobs and secret.
	Path string `yaml:"path"`

	// Secret overrides the identity file location. Default:
	// <path>/secret.
	Secret string `yaml:"secret"`
}

// NetworkConfig configures listening and dialing.
type NetworkConfig struct {
	// ListenAddr is the TCP address for incoming peers. Empty disables
	// listening.
	ListenAddr string `yaml:"listen_addr"`

	// NetworkKey is the base64 network key. Peers with a different
	// key cannot connect. Empty selects the default network.
	NetworkKey string `yaml:"network_key"`

	// ControlSocket is the Unix socket the CLI talks to.
	ControlSocket string `yaml:"control_socket"`

	// DialTimeout bounds dialing plus handshake. Default: 15s.
	DialTimeout string `yaml:"dial_timeout"`
}

// ReplicationConfig tunes the replication engine.
type ReplicationConfig struct {
	// Window is the number of messages requested per round trip.
	Window int `yaml:"window"`

	// BytesPerSecond limits outbound traffic per connection. Zero is
	// unlimited.
	BytesPerSecond int `yaml:"bytes_per_second"`

	// Follow lists feeds to replicate in addition to those already
	// recorded in the repository.
	Follow []string `yaml:"follow"`

	// Peers lists addresses added to the address book at startup.
	Peers []string `yaml:"peers"`
}

// RoomsConfig configures alias calls to rooms.
type RoomsConfig struct {
	// Timeout bounds one alias operation. Default: 30s.
	Timeout string `yaml:"timeout"`
}

// LoggingConfig sets the log level: debug, info, warn or error.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration the file is loaded over.
func Default() *Config {
	return &Config{
		Environment: Development,
		Repo: RepoConfig{
			Path: "${HOME}/.scuttle",
		},
		Network: NetworkConfig{
			ListenAddr:    ":8008",
			ControlSocket: "${SCUTTLE_REPO}/control.sock",
			DialTimeout:   "15s",
		},
		Replication: ReplicationConfig{
			Window: 64,
		},
		Rooms: RoomsConfig{
			Timeout: "30s",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from the file named by SCUTTLE_CONFIG.
// There is no discovery: if SCUTTLE_CONFIG is not set, Load fails.
func Load() (*Config, error) {
	configPath := os.Getenv("SCUTTLE_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("SCUTTLE_CONFIG environment variable not set; " +
			"set it to the path of your scuttle.yaml config file, or use --config flag")
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from path. Environment variables do
// not override values; only ${VAR} references in path fields are
// expanded.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}
	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides
	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
		if overrides == nil {
			overrides = &ConfigOverrides{Logging: &LoggingConfig{Level: "warn"}}
		}
	}
	if overrides == nil {
		return
	}

	if overrides.Repo != nil {
		if overrides.Repo.Path != "" {
			c.Repo.Path = overrides.Repo.Path
		}
		if overrides.Repo.Secret != "" {
			c.Repo.Secret = overrides.Repo.Secret
		}
	}
	if overrides.Network != nil {
		if overrides.Network.ListenAddr != "" {
			c.Network.ListenAddr = overrides.Network.ListenAddr
		}
		if overrides.Network.NetworkKey != "" {
			c.Network.NetworkKey = overrides.Network.NetworkKey
		}
		if overrides.Network.ControlSocket != "" {
			c.Network.ControlSocket = overrides.Network.ControlSocket
		}
		if overrides.Network.DialTimeout != "" {
			c.Network.DialTimeout = overrides.Network.DialTimeout
		}
	}
	if overrides.Replication != nil {
		if overrides.Replication.Window != 0 {
			c.Replication.Window = overrides.Replication.Window
		}
		if overrides.Replication.BytesPerSecond != 0 {
			c.Replication.BytesPerSecond = overrides.Replication.BytesPerSecond
		}
		if len(overrides.Replication.Follow) > 0 {
			c.Replication.Follow = overrides.Replication.Follow
		}
		if len(overrides.Replication.Peers) > 0 {
			c.Replication.Peers = overrides.Replication.Peers
		}
	}
	if overrides.Logging != nil && overrides.Logging.Level != "" {
		c.Logging.Level = overrides.Logging.Level
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} in path fields.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}
	c.Repo.Path = expandVars(c.Repo.Path, vars)
	vars["SCUTTLE_REPO"] = c.Repo.Path

	c.Repo.Secret = expandVars(c.Repo.Secret, vars)
	c.Network.ControlSocket = expandVars(c.Network.ControlSocket, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Staging && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}
	if c.Repo.Path == "" {
		errs = append(errs, fmt.Errorf("repo.path is required"))
	}
	if c.Network.NetworkKey != "" {
		if _, err := transport.ParseNetworkKey(c.Network.NetworkKey); err != nil {
			errs = append(errs, fmt.Errorf("network.network_key: %w", err))
		}
	}
	if _, err := c.DialTimeout(); err != nil {
		errs = append(errs, fmt.Errorf("network.dial_timeout: %w", err))
	}
	if _, err := c.RoomTimeout(); err != nil {
		errs = append(errs, fmt.Errorf("rooms.timeout: %w", err))
	}
	if c.Replication.Window < 0 {
		errs = append(errs, fmt.Errorf("replication.window must not be negative"))
	}
	if c.Replication.BytesPerSecond < 0 {
		errs = append(errs, fmt.Errorf("replication.bytes_per_second must not be negative"))
	}
	for _, feed := range c.Replication.Follow {
		if _, err := ref.ParseFeedID(feed); err != nil {
			errs = append(errs, fmt.Errorf("replication.follow: %w", err))
		}
	}
	for _, address := range c.Replication.Peers {
		if _, err := ref.ParseAddress(address); err != nil {
			errs = append(errs, fmt.Errorf("replication.peers: %w", err))
		}
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level must be one of: debug, info, warn, error"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// SecretPath is where the node identity is stored.
func (c *Config) SecretPath() string {
	if c.Repo.Secret != "" {
		return c.Repo.Secret
	}
	return filepath.Join(c.Repo.Path, "secret")
}

// DialTimeout parses network.dial_timeout. Empty means the default.
func (c *Config) DialTimeout() (time.Duration, error) {
	return parseDuration(c.Network.DialTimeout)
}

// RoomTimeout parses rooms.timeout. Empty means the default.
func (c *Config) RoomTimeout() (time.Duration, error) {
	return parseDuration(c.Rooms.Timeout)
}

func parseDuration(value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, err
	}
	if duration < 0 {
		return 0, fmt.Errorf("duration %s is negative", value)
	}
	return duration, nil
}

// EnsurePaths creates the repository directory.
func (c *Config) EnsurePaths() error {
	if err := os.MkdirAll(c.Repo.Path, 0o700); err != nil {
		return fmt.Errorf("creating %s: %w", c.Repo.Path, err)
	}
	return nil
}
