// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/jsonc"

	"github.com/bureau-foundation/scuttle/lib/keys"
)

// Bridge is the configuration an embedding application passes to the
// bridge at init. Field names follow the application's JSON.
type Bridge struct {
	// AppKey is the base64 network key.
	AppKey string `json:"AppKey"`

	// KeyBlob is the identity in secret file form. Empty means the
	// repository's own secret, created on first start.
	KeyBlob string `json:"KeyBlob"`

	Repo       string `json:"Repo"`
	ListenAddr string `json:"ListenAddr"`

	// ServicePubs are feeds to replicate from the start.
	ServicePubs []string `json:"ServicePubs"`

	// Peers are addresses added to the address book.
	Peers []string `json:"Peers"`

	// Testing turns on debug logging.
	Testing bool `json:"Testing"`
}

// ParseBridge decodes the bridge JSON.
func ParseBridge(data []byte) (*Bridge, error) {
	var bridge Bridge
	if err := json.Unmarshal(jsonc.ToJSON(data), &bridge); err != nil {
		return nil, fmt.Errorf("parsing bridge config: %w", err)
	}
	if bridge.Repo == "" {
		return nil, fmt.Errorf("bridge config: Repo is required")
	}
	return &bridge, nil
}

// Config maps the bridge settings onto a validated Config.
func (b *Bridge) Config() (*Config, error) {
	cfg := Default()
	cfg.Environment = Production
	cfg.Repo.Path = b.Repo
	cfg.Network.ListenAddr = b.ListenAddr
	cfg.Network.NetworkKey = b.AppKey
	cfg.Network.ControlSocket = ""
	cfg.Replication.Follow = b.ServicePubs
	cfg.Replication.Peers = b.Peers
	cfg.Logging.Level = "warn"
	if b.Testing {
		cfg.Environment = Development
		cfg.Logging.Level = "debug"
	}
	cfg.expandVariables()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Identity parses KeyBlob. It returns nil, nil when KeyBlob is empty.
func (b *Bridge) Identity() (*keys.KeyPair, error) {
	if b.KeyBlob == "" {
		return nil, nil
	}
	identity, err := keys.Parse([]byte(b.KeyBlob))
	if err != nil {
		return nil, fmt.Errorf("bridge config: KeyBlob: %w", err)
	}
	return identity, nil
}
