// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package node

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bureau-foundation/scuttle/lib/boxed"
	"github.com/bureau-foundation/scuttle/lib/feedlog"
	"github.com/bureau-foundation/scuttle/lib/offsetlog"
	"github.com/bureau-foundation/scuttle/lib/ref"
)

// MaxStreamLimit caps one page of any stream.
const MaxStreamLimit = 1000

// Entry is one message in a stream page.
type Entry struct {
	Key   ref.MessageKey `json:"key"`
	Value Value          `json:"value"`

	// RX is the receive sequence: the cursor to pass as start for the
	// next page. Zero in the published stream, which pages by feed
	// sequence.
	RX int64 `json:"rx,omitempty"`
}

// Value is the signed content of an Entry.
type Value struct {
	Author    ref.FeedID     `json:"author"`
	Sequence  uint64         `json:"sequence"`
	Previous  ref.MessageKey `json:"previous,omitzero"`
	Timestamp int64          `json:"timestamp"`
	Private   bool           `json:"private,omitempty"`

	// Content is the message JSON, null once nulled. Encrypted content
	// the node cannot open is a base64 string ending in ".box".
	Content json.RawMessage `json:"content"`
}

func entryOf(message *feedlog.Message, rx int64, content json.RawMessage) Entry {
	return Entry{
		Key: message.Key(),
		Value: Value{
			Author:    message.Author,
			Sequence:  message.Sequence,
			Previous:  message.Previous,
			Timestamp: message.Timestamp.UnixMilli(),
			Private:   message.Private,
			Content:   content,
		},
		RX: rx,
	}
}

// publicContent renders stored content for a stream.
func publicContent(message *feedlog.Message) json.RawMessage {
	switch {
	case message.Nulled():
		return json.RawMessage("null")
	case message.Private:
		boxText, _ := json.Marshal(base64.StdEncoding.EncodeToString(message.Content) + ".box")
		return boxText
	case json.Valid(message.Content):
		return json.RawMessage(message.Content)
	default:
		text, _ := json.Marshal(string(message.Content))
		return text
	}
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > MaxStreamLimit {
		return MaxStreamLimit
	}
	return limit
}

// StreamRootLog returns up to limit messages of every feed received
// after receive sequence start, as a JSON array in receive order.
func (n *Node) StreamRootLog(ctx context.Context, start int64, limit int) ([]byte, error) {
	if err := n.check(); err != nil {
		return nil, err
	}
	received, err := n.log.Stream(ctx, start, clampLimit(limit), offsetlog.StreamFilter{})
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(received))
	for _, item := range received {
		entries = append(entries, entryOf(item.Message, item.RX, publicContent(item.Message)))
	}
	return json.Marshal(entries)
}

// StreamPrivateLog is StreamRootLog restricted to private messages the
// local identity can open, with their content decrypted. Messages
// addressed to others are skipped, so a page may hold fewer than limit
// entries even when more follow; the last entry's rx is still the
// right cursor, and an empty page means the end.
func (n *Node) StreamPrivateLog(ctx context.Context, start int64, limit int) ([]byte, error) {
	if err := n.check(); err != nil {
		return nil, err
	}
	limit = clampLimit(limit)
	entries := make([]Entry, 0)
	cursor := start
	for len(entries) == 0 {
		received, err := n.log.Stream(ctx, cursor, limit, offsetlog.StreamFilter{PrivateOnly: true})
		if err != nil {
			return nil, err
		}
		if len(received) == 0 {
			break
		}
		for _, item := range received {
			cursor = item.RX
			if item.Message.Nulled() {
				continue
			}
			plaintext, err := boxed.Open(item.Message.Content, n.identity)
			if errors.Is(err, boxed.ErrNotRecipient) {
				continue
			}
			if err != nil {
				n.logger.Warn("undecryptable private message",
					"feed", item.Message.Author, "sequence", item.Message.Sequence, "error", err)
				continue
			}
			content := json.RawMessage(plaintext)
			if !json.Valid(plaintext) {
				content, _ = json.Marshal(string(plaintext))
			}
			entries = append(entries, entryOf(item.Message, item.RX, content))
		}
	}
	return json.Marshal(entries)
}

// StreamPublishedLog returns the local feed's own messages after
// sequence after, as a JSON array.
func (n *Node) StreamPublishedLog(ctx context.Context, after uint64, limit int) ([]byte, error) {
	if err := n.check(); err != nil {
		return nil, err
	}
	entries := make([]Entry, 0)
	for message, err := range n.log.ReadRange(ctx, n.identity.Feed(), after+1, clampLimit(limit)) {
		if err != nil {
			return nil, fmt.Errorf("reading published log: %w", err)
		}
		entries = append(entries, entryOf(message, 0, publicContent(message)))
	}
	return json.Marshal(entries)
}
