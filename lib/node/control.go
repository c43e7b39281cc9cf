// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package node

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/bureau-foundation/scuttle/lib/codec"
	"github.com/bureau-foundation/scuttle/lib/offsetlog"
	"github.com/bureau-foundation/scuttle/lib/ref"
	"github.com/bureau-foundation/scuttle/lib/service"
)

// Control socket arguments. Results that are documents (status,
// stream pages, reports) travel as JSON bytes so the CLI prints them
// unchanged.

type PublishArgs struct {
	Content    string   `cbor:"content"`
	Recipients []string `cbor:"recipients,omitempty"`
}

type PublishResult struct {
	Key      string `cbor:"key"`
	Sequence uint64 `cbor:"sequence"`
}

type AddressArgs struct {
	Address string `cbor:"address"`
}

type CountArgs struct {
	Count int `cbor:"count"`
}

type FeedArgs struct {
	Feed     string `cbor:"feed"`
	Sequence uint64 `cbor:"sequence,omitempty"`
	Enable   bool   `cbor:"enable,omitempty"`
}

type BlobArgs struct {
	Blob string `cbor:"blob,omitempty"`
	Data []byte `cbor:"data,omitempty"`
}

type StreamArgs struct {
	Start int64 `cbor:"start"`
	Limit int   `cbor:"limit,omitempty"`
}

type FSCKArgs struct {
	Mode int `cbor:"mode"`
}

type AliasArgs struct {
	Room  string `cbor:"room"`
	Alias string `cbor:"alias,omitempty"`
}

type controller struct {
	node   *Node
	logger *slog.Logger
}

// RegisterControl registers every node operation on server.
func (n *Node) RegisterControl(server *service.SocketServer) {
	c := &controller{node: n, logger: n.logger.With("component", "control")}
	server.Handle("status", c.handleStatus)
	server.Handle("publish", c.handlePublish)
	server.Handle("connect", c.handleConnect)
	server.Handle("connect-peers", c.handleConnectPeers)
	server.Handle("disconnect-all", c.handleDisconnectAll)
	server.Handle("addresses", c.handleAddresses)
	server.Handle("replicate", c.handleReplicate)
	server.Handle("block", c.handleBlock)
	server.Handle("blob-want", c.handleBlobWant)
	server.Handle("blob-add", c.handleBlobAdd)
	server.Handle("blob-get", c.handleBlobGet)
	server.Handle("stream-root", c.handleStreamRoot)
	server.Handle("stream-private", c.handleStreamPrivate)
	server.Handle("stream-published", c.handleStreamPublished)
	server.Handle("fsck", c.handleFSCK)
	server.Handle("heal", c.handleHeal)
	server.Handle("drop-index", c.handleDropIndex)
	server.Handle("null-content", c.handleNullContent)
	server.Handle("null-feed", c.handleNullFeed)
	server.Handle("alias-list", c.handleAliasList)
	server.Handle("alias-register", c.handleAliasRegister)
	server.Handle("alias-revoke", c.handleAliasRevoke)
}

func (c *controller) handleStatus(ctx context.Context, raw codec.RawMessage) (any, error) {
	return c.node.StatusJSON(ctx)
}

func (c *controller) handlePublish(ctx context.Context, raw codec.RawMessage) (any, error) {
	var args PublishArgs
	if err := service.DecodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if len(args.Recipients) == 0 {
		message, err := c.node.Publish(ctx, []byte(args.Content))
		if err != nil {
			return nil, err
		}
		return PublishResult{Key: message.Key().String(), Sequence: message.Sequence}, nil
	}
	recipients := make([]ref.FeedID, 0, len(args.Recipients))
	for _, raw := range args.Recipients {
		feed, err := ref.ParseFeedID(raw)
		if err != nil {
			return nil, err
		}
		recipients = append(recipients, feed)
	}
	message, err := c.node.PublishPrivate(ctx, []byte(args.Content), recipients)
	if err != nil {
		return nil, err
	}
	return PublishResult{Key: message.Key().String(), Sequence: message.Sequence}, nil
}

func (c *controller) handleConnect(ctx context.Context, raw codec.RawMessage) (any, error) {
	var args AddressArgs
	if err := service.DecodeArgs(raw, &args); err != nil {
		return nil, err
	}
	address, err := ref.ParseAddress(args.Address)
	if err != nil {
		return nil, err
	}
	return nil, c.node.ConnectPeer(ctx, address)
}

func (c *controller) handleConnectPeers(ctx context.Context, raw codec.RawMessage) (any, error) {
	var args CountArgs
	if err := service.DecodeArgs(raw, &args); err != nil {
		return nil, err
	}
	return c.node.ConnectPeers(ctx, args.Count)
}

func (c *controller) handleDisconnectAll(ctx context.Context, raw codec.RawMessage) (any, error) {
	c.node.DisconnectAll()
	return nil, nil
}

func (c *controller) handleAddresses(ctx context.Context, raw codec.RawMessage) (any, error) {
	entries, err := c.node.Addresses(ctx)
	if err != nil {
		return nil, err
	}
	return json.Marshal(entries)
}

func (c *controller) handleReplicate(ctx context.Context, raw codec.RawMessage) (any, error) {
	feed, args, err := decodeFeed(raw)
	if err != nil {
		return nil, err
	}
	return nil, c.node.SetReplicate(ctx, feed, args.Enable)
}

func (c *controller) handleBlock(ctx context.Context, raw codec.RawMessage) (any, error) {
	feed, args, err := decodeFeed(raw)
	if err != nil {
		return nil, err
	}
	return nil, c.node.SetBlocked(ctx, feed, args.Enable)
}

func (c *controller) handleNullContent(ctx context.Context, raw codec.RawMessage) (any, error) {
	feed, args, err := decodeFeed(raw)
	if err != nil {
		return nil, err
	}
	if args.Sequence == 0 {
		return nil, fmt.Errorf("sequence is required")
	}
	return nil, c.node.NullContent(ctx, feed, args.Sequence)
}

func (c *controller) handleNullFeed(ctx context.Context, raw codec.RawMessage) (any, error) {
	feed, _, err := decodeFeed(raw)
	if err != nil {
		return nil, err
	}
	return nil, c.node.NullFeed(ctx, feed)
}

func decodeFeed(raw codec.RawMessage) (ref.FeedID, FeedArgs, error) {
	var args FeedArgs
	if err := service.DecodeArgs(raw, &args); err != nil {
		return ref.FeedID{}, args, err
	}
	feed, err := ref.ParseFeedID(args.Feed)
	return feed, args, err
}

func (c *controller) handleBlobWant(ctx context.Context, raw codec.RawMessage) (any, error) {
	blob, _, err := decodeBlob(raw)
	if err != nil {
		return nil, err
	}
	return c.node.WantBlob(blob), nil
}

func (c *controller) handleBlobAdd(ctx context.Context, raw codec.RawMessage) (any, error) {
	var args BlobArgs
	if err := service.DecodeArgs(raw, &args); err != nil {
		return nil, err
	}
	blob, err := c.node.AddBlob(bytes.NewReader(args.Data))
	if err != nil {
		return nil, err
	}
	return blob.String(), nil
}

func (c *controller) handleBlobGet(ctx context.Context, raw codec.RawMessage) (any, error) {
	blob, _, err := decodeBlob(raw)
	if err != nil {
		return nil, err
	}
	return c.node.GetBlob(blob)
}

func decodeBlob(raw codec.RawMessage) (ref.BlobRef, BlobArgs, error) {
	var args BlobArgs
	if err := service.DecodeArgs(raw, &args); err != nil {
		return ref.BlobRef{}, args, err
	}
	blob, err := ref.ParseBlobRef(args.Blob)
	return blob, args, err
}

func (c *controller) handleStreamRoot(ctx context.Context, raw codec.RawMessage) (any, error) {
	var args StreamArgs
	if err := service.DecodeArgs(raw, &args); err != nil {
		return nil, err
	}
	return c.node.StreamRootLog(ctx, args.Start, args.Limit)
}

func (c *controller) handleStreamPrivate(ctx context.Context, raw codec.RawMessage) (any, error) {
	var args StreamArgs
	if err := service.DecodeArgs(raw, &args); err != nil {
		return nil, err
	}
	return c.node.StreamPrivateLog(ctx, args.Start, args.Limit)
}

func (c *controller) handleStreamPublished(ctx context.Context, raw codec.RawMessage) (any, error) {
	var args StreamArgs
	if err := service.DecodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.Start < 0 {
		return nil, fmt.Errorf("start must not be negative")
	}
	return c.node.StreamPublishedLog(ctx, uint64(args.Start), args.Limit)
}

func (c *controller) handleFSCK(ctx context.Context, raw codec.RawMessage) (any, error) {
	var args FSCKArgs
	if err := service.DecodeArgs(raw, &args); err != nil {
		return nil, err
	}
	mode := offsetlog.Mode(args.Mode)
	if mode != offsetlog.ModeQuick && mode != offsetlog.ModeFull {
		return nil, fmt.Errorf("unknown fsck mode %d", args.Mode)
	}
	report, err := c.node.FSCK(ctx, mode, func(fraction float64, status string) {
		c.logger.Debug("fsck progress", "fraction", fraction, "status", status)
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(report)
}

func (c *controller) handleHeal(ctx context.Context, raw codec.RawMessage) (any, error) {
	report, err := c.node.Heal(ctx)
	if err != nil {
		return nil, err
	}
	return json.Marshal(report)
}

func (c *controller) handleDropIndex(ctx context.Context, raw codec.RawMessage) (any, error) {
	return nil, c.node.DropIndex(ctx)
}

func decodeAlias(raw codec.RawMessage, needAlias bool) (ref.Address, ref.Alias, error) {
	var args AliasArgs
	if err := service.DecodeArgs(raw, &args); err != nil {
		return ref.Address{}, ref.Alias{}, err
	}
	room, err := ref.ParseAddress(args.Room)
	if err != nil {
		return ref.Address{}, ref.Alias{}, err
	}
	if !needAlias {
		return room, ref.Alias{}, nil
	}
	alias, err := ref.ParseAlias(args.Alias)
	return room, alias, err
}

func (c *controller) handleAliasList(ctx context.Context, raw codec.RawMessage) (any, error) {
	room, _, err := decodeAlias(raw, false)
	if err != nil {
		return nil, err
	}
	aliases, err := c.node.RoomsListAliases(ctx, room)
	if err != nil {
		return nil, err
	}
	return json.Marshal(aliases)
}

func (c *controller) handleAliasRegister(ctx context.Context, raw codec.RawMessage) (any, error) {
	room, alias, err := decodeAlias(raw, true)
	if err != nil {
		return nil, err
	}
	result, err := c.node.RoomsRegisterAlias(ctx, room, alias)
	if err != nil {
		return nil, err
	}
	return json.Marshal(result)
}

func (c *controller) handleAliasRevoke(ctx context.Context, raw codec.RawMessage) (any, error) {
	room, alias, err := decodeAlias(raw, true)
	if err != nil {
		return nil, err
	}
	return nil, c.node.RoomsRevokeAlias(ctx, room, alias)
}
