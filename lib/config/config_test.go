// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/scuttle/lib/keys"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scuttle.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Environment != Development {
		t.Errorf("expected environment=development, got %s", cfg.Environment)
	}
	if cfg.Network.ListenAddr != ":8008" {
		t.Errorf("expected listen_addr=:8008, got %s", cfg.Network.ListenAddr)
	}
	if cfg.Replication.Window != 64 {
		t.Errorf("expected window=64, got %d", cfg.Replication.Window)
	}
}

func TestLoad_RequiresScuttleConfig(t *testing.T) {
	t.Setenv("SCUTTLE_CONFIG", "")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error when SCUTTLE_CONFIG not set, got nil")
	}
	if !strings.HasPrefix(err.Error(), "SCUTTLE_CONFIG environment variable not set") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestLoad_WithScuttleConfig(t *testing.T) {
	path := writeConfig(t, `
environment: staging
repo:
  path: /srv/scuttle
network:
  listen_addr: 127.0.0.1:9000
replication:
  bytes_per_second: 65536
`)
	t.Setenv("SCUTTLE_CONFIG", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Environment != Staging {
		t.Errorf("expected environment=staging, got %s", cfg.Environment)
	}
	if cfg.Repo.Path != "/srv/scuttle" {
		t.Errorf("expected repo.path=/srv/scuttle, got %s", cfg.Repo.Path)
	}
	if cfg.Network.ControlSocket != "/srv/scuttle/control.sock" {
		t.Errorf("control socket not expanded against repo: %s", cfg.Network.ControlSocket)
	}
	if cfg.Replication.BytesPerSecond != 65536 {
		t.Errorf("expected bytes_per_second=65536, got %d", cfg.Replication.BytesPerSecond)
	}
	if cfg.SecretPath() != "/srv/scuttle/secret" {
		t.Errorf("SecretPath = %s", cfg.SecretPath())
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	path := writeConfig(t, `
environment: development
repo:
  path: /base
development:
  repo:
    path: /dev
  logging:
    level: debug
production:
  repo:
    path: /prod
`)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Repo.Path != "/dev" || cfg.Logging.Level != "debug" {
		t.Errorf("development overrides not applied: repo=%s level=%s", cfg.Repo.Path, cfg.Logging.Level)
	}
}

func TestProductionDefaultsToWarn(t *testing.T) {
	cfg, err := LoadFile(writeConfig(t, "environment: production\n"))
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("production log level = %s, want warn", cfg.Logging.Level)
	}
}

func TestExpandVars(t *testing.T) {
	t.Setenv("SCUTTLE_TEST_DIR", "/from/env")
	vars := map[string]string{"HOME": "/home/test"}
	tests := []struct {
		input string
		want  string
	}{
		{"${HOME}/.scuttle", "/home/test/.scuttle"},
		{"${SCUTTLE_TEST_DIR}/x", "/from/env/x"},
		{"${SCUTTLE_UNSET_VAR:-/fallback}", "/fallback"},
		{"/plain/path", "/plain/path"},
	}
	for _, test := range tests {
		if got := expandVars(test.input, vars); got != test.want {
			t.Errorf("expandVars(%q) = %q, want %q", test.input, got, test.want)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"bad environment", func(c *Config) { c.Environment = "qa" }, "invalid environment"},
		{"no repo", func(c *Config) { c.Repo.Path = "" }, "repo.path"},
		{"bad network key", func(c *Config) { c.Network.NetworkKey = "!!" }, "network.network_key"},
		{"bad dial timeout", func(c *Config) { c.Network.DialTimeout = "soon" }, "network.dial_timeout"},
		{"negative rate", func(c *Config) { c.Replication.BytesPerSecond = -1 }, "bytes_per_second"},
		{"bad follow", func(c *Config) { c.Replication.Follow = []string{"alice"} }, "replication.follow"},
		{"bad peer", func(c *Config) { c.Replication.Peers = []string{"localhost"} }, "replication.peers"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg := Default()
			cfg.expandVariables()
			test.mutate(cfg)
			err := cfg.Validate()
			if test.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), test.wantErr) {
				t.Fatalf("Validate = %v, want error mentioning %q", err, test.wantErr)
			}
		})
	}
}

func TestDurations(t *testing.T) {
	cfg := Default()
	dial, err := cfg.DialTimeout()
	if err != nil || dial != 15*time.Second {
		t.Errorf("DialTimeout = %v, %v", dial, err)
	}
	cfg.Rooms.Timeout = ""
	if room, err := cfg.RoomTimeout(); err != nil || room != 0 {
		t.Errorf("empty RoomTimeout = %v, %v; want 0 (default)", room, err)
	}
}

func TestParseBridge(t *testing.T) {
	identity, err := keys.FromSeed(make([]byte, 32))
	if err != nil {
		t.Fatalf("FromSeed: %v", err)
	}
	blob, err := identity.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON: %v", err)
	}
	quoted := strings.ReplaceAll(string(blob), `"`, `\"`)
	data := []byte(`{
		// written by the app
		"AppKey": "1KHLiKZvAvjbY1ziZEHMXawbCEIM6qwjCDm3VYRan/s=",
		"KeyBlob": "` + quoted + `",
		"Repo": "` + t.TempDir() + `",
		"ListenAddr": ":8008",
		"ServicePubs": ["` + identity.Feed().String() + `"],
		"Testing": true,
	}`)

	bridge, err := ParseBridge(data)
	if err != nil {
		t.Fatalf("ParseBridge: %v", err)
	}
	cfg, err := bridge.Config()
	if err != nil {
		t.Fatalf("Config: %v", err)
	}
	if cfg.Logging.Level != "debug" || cfg.Environment != Development {
		t.Errorf("Testing did not select debug: %s %s", cfg.Environment, cfg.Logging.Level)
	}
	if len(cfg.Replication.Follow) != 1 {
		t.Errorf("follow = %v", cfg.Replication.Follow)
	}
	parsed, err := bridge.Identity()
	if err != nil {
		t.Fatalf("Identity: %v", err)
	}
	if parsed.Feed() != identity.Feed() {
		t.Errorf("identity = %s, want %s", parsed.Feed(), identity.Feed())
	}
}

func TestParseBridgeRequiresRepo(t *testing.T) {
	if _, err := ParseBridge([]byte(`{"AppKey": ""}`)); err == nil {
		t.Fatal("ParseBridge accepted a config without Repo")
	}
}
