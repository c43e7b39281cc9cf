// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package room

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bureau-foundation/scuttle/lib/keys"
	"github.com/bureau-foundation/scuttle/lib/ref"
)

// DefaultTimeout bounds one alias operation, including connecting to
// the room.
const DefaultTimeout = 30 * time.Second

// Connector opens a connection to a peer. *peers.Manager implements
// it.
type Connector interface {
	Connect(ctx context.Context, address ref.Address) error
}

// Caller makes calls over running connections. *replication.Engine
// implements it.
type Caller interface {
	Await(ctx context.Context, remote ref.FeedID) error
	Call(ctx context.Context, remote ref.FeedID, method string, args, result any) error
}

// ClientConfig configures NewClient.
type ClientConfig struct {
	Identity  keys.Signer
	Connector Connector
	Caller    Caller

	// Timeout defaults to DefaultTimeout.
	Timeout time.Duration

	Logger *slog.Logger
}

// Client talks to room servers. It keeps no state between calls.
type Client struct {
	identity  keys.Signer
	connector Connector
	caller    Caller
	timeout   time.Duration
	logger    *slog.Logger
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Client{
		identity:  cfg.Identity,
		connector: cfg.Connector,
		caller:    cfg.Caller,
		timeout:   cfg.Timeout,
		logger:    cfg.Logger,
	}
}

// call connects to room if needed and makes one call, all within the
// client timeout.
func (c *Client) call(ctx context.Context, room ref.Address, method string, args, result any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.connector.Connect(ctx, room); err != nil {
		return fmt.Errorf("room: connecting to %s: %w", room.Feed().Short(), err)
	}
	if err := c.caller.Await(ctx, room.Feed()); err != nil {
		return fmt.Errorf("room: %s: %w", room.Feed().Short(), err)
	}
	if err := c.caller.Call(ctx, room.Feed(), method, args, result); err != nil {
		return fmt.Errorf("room: %s on %s: %w", method, room.Feed().Short(), err)
	}
	return nil
}

// ListAliases returns the aliases this node holds on room.
func (c *Client) ListAliases(ctx context.Context, room ref.Address) ([]ref.Alias, error) {
	var aliases []ref.Alias
	if err := c.call(ctx, room, MethodListAliases, nil, &aliases); err != nil {
		return nil, err
	}
	return aliases, nil
}

// RegisterAlias claims alias on room for this node and returns the
// alias URL the room assigned. Use KindOf to classify a failure.
func (c *Client) RegisterAlias(ctx context.Context, room ref.Address, alias ref.Alias) (string, error) {
	args := registration{
		Alias:     alias,
		Signature: c.identity.Sign(registrationPayload(room.Feed(), c.identity.Feed(), alias)),
	}
	var url string
	err := c.call(ctx, room, MethodRegisterAlias, args, &url)
	if err != nil {
		if remoteCode(err) == codeAliasTaken {
			return "", fmt.Errorf("%w: %s", ErrAliasTaken, alias)
		}
		return "", err
	}
	c.logger.Info("registered alias", "room", room.Feed().Short(), "alias", alias.String(), "url", url)
	return url, nil
}

// RevokeAlias releases alias on room.
func (c *Client) RevokeAlias(ctx context.Context, room ref.Address, alias ref.Alias) error {
	if err := c.call(ctx, room, MethodRevokeAlias, alias, nil); err != nil {
		return err
	}
	c.logger.Info("revoked alias", "room", room.Feed().Short(), "alias", alias.String())
	return nil
}
