// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/bureau-foundation/scuttle/lib/keys"
	"github.com/bureau-foundation/scuttle/lib/offsetlog"
	"github.com/bureau-foundation/scuttle/lib/ref"
	"github.com/bureau-foundation/scuttle/lib/room"
)

func generateKey() (*keys.KeyPair, error) {
	return keys.Generate(nil)
}

func withTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), operationTimeout)
}

// Status returns the node status as JSON, or "" when no node runs.
func Status() (status string) {
	var err error
	defer guard("Status", &err)
	n, err := get()
	if err != nil {
		return ""
	}
	data, err := n.StatusJSON(context.Background())
	if err != nil {
		return ""
	}
	return string(data)
}

// Publish appends content, a JSON object with a "type" field, to the
// local feed and returns the new message key, or "" on failure.
func Publish(content string) (key string) {
	var err error
	defer guard("Publish", &err)
	n, err := get()
	if err != nil {
		return ""
	}
	message, err := n.Publish(context.Background(), []byte(content))
	if err != nil {
		return ""
	}
	return message.Key().String()
}

// PublishPrivate encrypts content for recipients, a JSON array of feed
// IDs, and appends it to the local feed.
func PublishPrivate(content, recipientsJSON string) (key string) {
	var err error
	defer guard("PublishPrivate", &err)
	n, err := get()
	if err != nil {
		return ""
	}
	var recipients []ref.FeedID
	if err = json.Unmarshal([]byte(recipientsJSON), &recipients); err != nil {
		return ""
	}
	message, err := n.PublishPrivate(context.Background(), []byte(content), recipients)
	if err != nil {
		return ""
	}
	return message.Key().String()
}

// ConnectPeer dials a multiserver address and reports whether the
// connection was established.
func ConnectPeer(address string) (ok bool) {
	var err error
	defer guard("ConnectPeer", &err)
	n, err := get()
	if err != nil {
		return false
	}
	parsed, err := ref.ParseAddress(address)
	if err != nil {
		return false
	}
	ctx, cancel := withTimeout()
	defer cancel()
	err = n.ConnectPeer(ctx, parsed)
	return err == nil
}

// ConnectPeers dials up to count address book entries and reports
// whether the attempt ran. Individual dial failures are recorded in the
// address book, not reported here.
func ConnectPeers(count uint32) (ok bool) {
	var err error
	defer guard("ConnectPeers", &err)
	n, err := get()
	if err != nil {
		return false
	}
	ctx, cancel := withTimeout()
	defer cancel()
	_, err = n.ConnectPeers(ctx, int(count))
	return err == nil
}

// DisconnectAllPeers closes every connection.
func DisconnectAllPeers() (ok bool) {
	var err error
	defer guard("DisconnectAllPeers", &err)
	n, err := get()
	if err != nil {
		return false
	}
	n.DisconnectAll()
	return true
}

// FeedReplicate starts or stops replicating feed.
func FeedReplicate(feed string, yes bool) {
	var err error
	defer guard("FeedReplicate", &err)
	n, err := get()
	if err != nil {
		return
	}
	parsed, err := ref.ParseFeedID(feed)
	if err != nil {
		return
	}
	err = n.SetReplicate(context.Background(), parsed, yes)
}

// FeedBlock blocks or unblocks feed.
func FeedBlock(feed string, yes bool) {
	var err error
	defer guard("FeedBlock", &err)
	n, err := get()
	if err != nil {
		return
	}
	parsed, err := ref.ParseFeedID(feed)
	if err != nil {
		return
	}
	err = n.SetBlocked(context.Background(), parsed, yes)
}

// ReplicateUpTo returns a JSON object mapping every stored feed to its
// latest sequence.
func ReplicateUpTo() (tips string) {
	var err error
	defer guard("ReplicateUpTo", &err)
	n, err := get()
	if err != nil {
		return ""
	}
	data, err := json.Marshal(n.FeedTips())
	if err != nil {
		return ""
	}
	return string(data)
}

// BlobsWant asks peers for blob. It reports false only for an invalid
// reference or a stopped node.
func BlobsWant(blob string) (ok bool) {
	var err error
	defer guard("BlobsWant", &err)
	n, err := get()
	if err != nil {
		return false
	}
	parsed, err := ref.ParseBlobRef(blob)
	if err != nil {
		return false
	}
	n.WantBlob(parsed)
	return true
}

// BlobsAdd stores data and returns its reference, or "" on failure.
func BlobsAdd(data []byte) (blob string) {
	var err error
	defer guard("BlobsAdd", &err)
	n, err := get()
	if err != nil {
		return ""
	}
	stored, err := n.AddBlob(bytes.NewReader(data))
	if err != nil {
		return ""
	}
	return stored.String()
}

// StreamRootLog returns up to limit messages received after receive
// sequence start as a JSON array, or "" on failure.
func StreamRootLog(start int64, limit int) (page string) {
	var err error
	defer guard("StreamRootLog", &err)
	n, err := get()
	if err != nil {
		return ""
	}
	data, err := n.StreamRootLog(context.Background(), start, limit)
	if err != nil {
		return ""
	}
	return string(data)
}

// StreamPrivateLog is StreamRootLog for private messages addressed to
// the local identity, decrypted.
func StreamPrivateLog(start int64, limit int) (page string) {
	var err error
	defer guard("StreamPrivateLog", &err)
	n, err := get()
	if err != nil {
		return ""
	}
	data, err := n.StreamPrivateLog(context.Background(), start, limit)
	if err != nil {
		return ""
	}
	return string(data)
}

// StreamPublishedLog returns the local feed's messages after sequence
// after. A negative after starts from the first message.
func StreamPublishedLog(after int64) (page string) {
	var err error
	defer guard("StreamPublishedLog", &err)
	n, err := get()
	if err != nil {
		return ""
	}
	if after < 0 {
		after = 0
	}
	data, err := n.StreamPublishedLog(context.Background(), uint64(after), 0)
	if err != nil {
		return ""
	}
	return string(data)
}

// FSCK result codes.
const (
	FSCKHealthy = 0
	FSCKBroken  = 1
	FSCKFailed  = 2
)

// OffsetFSCK checks the log in mode (1 quick, 2 full) and returns
// FSCKHealthy, FSCKBroken, or FSCKFailed when the check itself could
// not run. progress may be nil.
func OffsetFSCK(mode int, progress func(fraction float64, status string)) (code int) {
	var err error
	defer guard("OffsetFSCK", &err)
	code = FSCKFailed
	n, err := get()
	if err != nil {
		return FSCKFailed
	}
	report, err := n.FSCK(context.Background(), offsetlog.Mode(mode), progress)
	if err != nil {
		return FSCKFailed
	}
	if !report.Healthy {
		return FSCKBroken
	}
	return FSCKHealthy
}

// HealRepo repairs the log and returns the heal report as JSON, or ""
// on failure.
func HealRepo() (report string) {
	var err error
	defer guard("HealRepo", &err)
	n, err := get()
	if err != nil {
		return ""
	}
	healed, err := n.Heal(context.Background())
	if err != nil {
		return ""
	}
	data, err := json.Marshal(healed)
	if err != nil {
		return ""
	}
	return string(data)
}

// NullContent drops the content of one message. Returns 0 on success.
func NullContent(author string, sequence uint64) (code int) {
	var err error
	defer guard("NullContent", &err)
	code = 1
	n, err := get()
	if err != nil {
		return 1
	}
	feed, err := ref.ParseFeedID(author)
	if err != nil {
		return 1
	}
	if err = n.NullContent(context.Background(), feed, sequence); err != nil {
		return 1
	}
	return 0
}

// NullFeed removes every message of feed. Returns 0 on success.
func NullFeed(feed string) (code int) {
	var err error
	defer guard("NullFeed", &err)
	code = 1
	n, err := get()
	if err != nil {
		return 1
	}
	parsed, err := ref.ParseFeedID(feed)
	if err != nil {
		return 1
	}
	if err = n.NullFeed(context.Background(), parsed); err != nil {
		return 1
	}
	return 0
}

// DropIndexData rebuilds the index from the log.
func DropIndexData() (ok bool) {
	var err error
	defer guard("DropIndexData", &err)
	n, err := get()
	if err != nil {
		return false
	}
	err = n.DropIndex(context.Background())
	return err == nil
}

// RoomsListAliases returns the local feed's aliases on room as a JSON
// array, or "" on failure.
func RoomsListAliases(roomAddress string) (aliases string) {
	var err error
	defer guard("RoomsListAliases", &err)
	n, err := get()
	if err != nil {
		return ""
	}
	address, err := ref.ParseAddress(roomAddress)
	if err != nil {
		return ""
	}
	list, err := n.RoomsListAliases(context.Background(), address)
	if err != nil {
		return ""
	}
	data, err := json.Marshal(list)
	if err != nil {
		return ""
	}
	return string(data)
}

// AliasRegistration is the result of RoomsAliasRegister. Err is 0 on
// success, 1 for an unknown failure and 2 when the alias is taken.
type AliasRegistration struct {
	Alias string
	Err   int
}

// RoomsAliasRegister registers alias on room.
func RoomsAliasRegister(roomAddress, alias string) (result AliasRegistration) {
	var err error
	defer guard("RoomsAliasRegister", &err)
	result = AliasRegistration{Err: int(room.ErrorUnknown)}
	n, err := get()
	if err != nil {
		return result
	}
	address, err := ref.ParseAddress(roomAddress)
	if err != nil {
		return result
	}
	parsed, err := ref.ParseAlias(alias)
	if err != nil {
		return result
	}
	registered, err := n.RoomsRegisterAlias(context.Background(), address, parsed)
	if err != nil {
		return result
	}
	return AliasRegistration{Alias: registered.Alias, Err: int(registered.Err)}
}

// RoomsAliasRevoke revokes alias on room.
func RoomsAliasRevoke(roomAddress, alias string) (ok bool) {
	var err error
	defer guard("RoomsAliasRevoke", &err)
	n, err := get()
	if err != nil {
		return false
	}
	address, err := ref.ParseAddress(roomAddress)
	if err != nil {
		return false
	}
	parsed, err := ref.ParseAlias(alias)
	if err != nil {
		return false
	}
	err = n.RoomsRevokeAlias(context.Background(), address, parsed)
	return err == nil
}
