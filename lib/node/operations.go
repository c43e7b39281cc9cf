// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package node

import (
	"context"
	"fmt"
	"io"
	"slices"

	"github.com/bureau-foundation/scuttle/lib/boxed"
	"github.com/bureau-foundation/scuttle/lib/feedlog"
	"github.com/bureau-foundation/scuttle/lib/offsetlog"
	"github.com/bureau-foundation/scuttle/lib/peers"
	"github.com/bureau-foundation/scuttle/lib/ref"
	"github.com/bureau-foundation/scuttle/lib/room"
)

// Publish appends content to the local feed.
func (n *Node) Publish(ctx context.Context, content []byte) (*feedlog.Message, error) {
	if err := n.check(); err != nil {
		return nil, err
	}
	message, err := n.log.Append(ctx, n.identity, feedlog.Draft{Content: content})
	if err != nil {
		return nil, err
	}
	n.logger.Debug("published", "sequence", message.Sequence, "key", message.Key())
	return message, nil
}

// PublishPrivate encrypts content for recipients and appends it to the
// local feed. The local feed is always added as a recipient so the
// author can read its own message back.
func (n *Node) PublishPrivate(ctx context.Context, content []byte, recipients []ref.FeedID) (*feedlog.Message, error) {
	if err := n.check(); err != nil {
		return nil, err
	}
	if len(recipients) == 0 {
		return nil, boxed.ErrNoRecipients
	}
	sealed, err := boxed.Seal(content, append(slices.Clone(recipients), n.identity.Feed()))
	if err != nil {
		return nil, err
	}
	return n.log.Append(ctx, n.identity, feedlog.Draft{Content: sealed, Private: true})
}

// ConnectPeer records address in the address book and dials it.
func (n *Node) ConnectPeer(ctx context.Context, address ref.Address) error {
	if err := n.check(); err != nil {
		return err
	}
	if err := n.peers.AddAddress(ctx, address); err != nil {
		return err
	}
	return n.peers.Connect(ctx, address)
}

// ConnectPeers dials up to count of the best address book entries and
// returns how many connected.
func (n *Node) ConnectPeers(ctx context.Context, count int) (int, error) {
	if err := n.check(); err != nil {
		return 0, err
	}
	return n.peers.ConnectPeers(ctx, count)
}

// DisconnectAll closes every peer connection.
func (n *Node) DisconnectAll() {
	n.peers.DisconnectAll()
}

// Peers lists open connections.
func (n *Node) Peers() []peers.Info {
	return n.peers.Peers()
}

// Addresses returns the address book.
func (n *Node) Addresses(ctx context.Context) ([]peers.AddressEntry, error) {
	return n.peers.Addresses(ctx)
}

// SetReplicate starts or stops replicating feed.
func (n *Node) SetReplicate(ctx context.Context, feed ref.FeedID, replicate bool) error {
	if err := n.check(); err != nil {
		return err
	}
	return n.peers.SetReplicate(ctx, feed, replicate)
}

// SetBlocked blocks or unblocks feed. Blocking tears down connections
// to it and stops accepting its messages from anyone.
func (n *Node) SetBlocked(ctx context.Context, feed ref.FeedID, blocked bool) error {
	if err := n.check(); err != nil {
		return err
	}
	if feed == n.identity.Feed() && blocked {
		return fmt.Errorf("node: refusing to block the local feed")
	}
	return n.peers.SetBlocked(ctx, feed, blocked)
}

// WantBlob asks connected and future peers for blob. It returns true
// when the blob is already stored and nothing needs fetching.
func (n *Node) WantBlob(blob ref.BlobRef) bool {
	return n.blobs.Want(blob)
}

// HasBlob reports whether blob is stored locally.
func (n *Node) HasBlob(blob ref.BlobRef) bool {
	return n.blobs.Has(blob)
}

// GetBlob returns a stored blob.
func (n *Node) GetBlob(blob ref.BlobRef) ([]byte, error) {
	return n.blobs.Get(blob)
}

// AddBlob stores the contents of r.
func (n *Node) AddBlob(r io.Reader) (ref.BlobRef, error) {
	if err := n.check(); err != nil {
		return ref.BlobRef{}, err
	}
	blob, _, err := n.blobs.Put(r)
	return blob, err
}

// FeedTips returns the latest stored sequence of every feed.
func (n *Node) FeedTips() map[ref.FeedID]uint64 {
	return n.log.Tips()
}

// NullContent drops the content of one message, keeping its signed
// metadata so the feed still verifies.
func (n *Node) NullContent(ctx context.Context, feed ref.FeedID, sequence uint64) error {
	if err := n.check(); err != nil {
		return err
	}
	return n.log.NullContent(ctx, feed, sequence)
}

// NullFeed removes every stored message of feed and clears its
// poisoned state, so it can be replicated again from scratch.
func (n *Node) NullFeed(ctx context.Context, feed ref.FeedID) error {
	if err := n.check(); err != nil {
		return err
	}
	return n.log.NullFeed(ctx, feed)
}

// FSCK checks the log. The report is kept for Status.
func (n *Node) FSCK(ctx context.Context, mode offsetlog.Mode, progress offsetlog.ProgressFunc) (*offsetlog.Report, error) {
	if err := n.check(); err != nil {
		return nil, err
	}
	report, err := n.log.Check(ctx, mode, progress)
	if err != nil {
		return nil, err
	}
	n.reportMu.Lock()
	n.lastReport = report
	n.reportMu.Unlock()
	if !report.Healthy {
		n.logger.Warn("integrity check found problems",
			"mode", mode, "broken_feeds", len(report.Broken), "problems", len(report.Problems))
	}
	return report, nil
}

// Heal repairs the log. It runs its own full check rather than trusting
// the last FSCK report, and clears that report. Connections are dropped
// first so no replicated write races the repair; callers reconnect
// afterwards.
func (n *Node) Heal(ctx context.Context) (*offsetlog.HealReport, error) {
	if err := n.check(); err != nil {
		return nil, err
	}
	n.peers.DisconnectAll()
	report, err := n.log.Heal(ctx)
	if err != nil {
		return nil, err
	}
	n.reportMu.Lock()
	n.lastReport = nil
	n.reportMu.Unlock()
	n.logger.Info("healed log",
		"authors", len(report.Authors), "messages", report.Messages, "truncated_bytes", report.TruncatedBytes)
	return report, nil
}

// DropIndex rebuilds the offset index from the log file.
func (n *Node) DropIndex(ctx context.Context) error {
	if err := n.check(); err != nil {
		return err
	}
	return n.log.Reindex(ctx)
}

// RoomsListAliases lists the aliases the local feed holds on room.
func (n *Node) RoomsListAliases(ctx context.Context, address ref.Address) ([]ref.Alias, error) {
	if err := n.check(); err != nil {
		return nil, err
	}
	return n.rooms.ListAliases(ctx, address)
}

// AliasResult is the outcome of RoomsRegisterAlias.
type AliasResult struct {
	Alias string         `json:"alias"`
	Err   room.ErrorKind `json:"err"`
}

// RoomsRegisterAlias registers alias on room. Failures are folded into
// the result's error kind; the error return is only for a closed node.
func (n *Node) RoomsRegisterAlias(ctx context.Context, address ref.Address, alias ref.Alias) (AliasResult, error) {
	if err := n.check(); err != nil {
		return AliasResult{Err: room.ErrorUnknown}, err
	}
	url, err := n.rooms.RegisterAlias(ctx, address, alias)
	if err != nil {
		n.logger.Info("alias registration failed", "room", address, "alias", alias, "error", err)
		return AliasResult{Err: room.KindOf(err)}, nil
	}
	return AliasResult{Alias: url, Err: room.ErrorNone}, nil
}

// RoomsRevokeAlias revokes alias on room.
func (n *Node) RoomsRevokeAlias(ctx context.Context, address ref.Address, alias ref.Alias) error {
	if err := n.check(); err != nil {
		return err
	}
	return n.rooms.RevokeAlias(ctx, address, alias)
}
