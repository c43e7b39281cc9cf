// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package feedlog

import (
	"context"
	"errors"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/scuttle/lib/offsetlog"
	"github.com/bureau-foundation/scuttle/lib/ref"
)

// Codec teaches the offset log how to read message envelopes.
type Codec struct{}

var _ offsetlog.Codec = Codec{}

func (Codec) Decode(payload []byte) (offsetlog.Meta, error) {
	message, err := Decode(payload)
	if err != nil {
		return offsetlog.Meta{}, err
	}
	return offsetlog.Meta{
		Feed:     message.Author,
		Sequence: message.Sequence,
		Key:      message.Key(),
		Previous: message.Previous,
		Private:  message.Private,
	}, nil
}

func (Codec) Verify(payload []byte) error {
	message, err := Decode(payload)
	if err != nil {
		return err
	}
	return message.Verify()
}

// Received is a stored message with its receive sequence.
type Received struct {
	RX      int64
	Message *Message
}

// Stream returns up to limit messages received after receive sequence
// after, oldest first.
func (l *Log) Stream(ctx context.Context, after int64, limit int, filter offsetlog.StreamFilter) ([]Received, error) {
	positions, err := l.offsets.Stream(ctx, after, limit, filter)
	if err != nil {
		return nil, err
	}
	received := make([]Received, 0, len(positions))
	for _, position := range positions {
		payload, _, err := l.offsets.ReadAt(position.Offset)
		if errors.Is(err, offsetlog.ErrNulled) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("feedlog: reading receive sequence %d: %w", position.RX, err)
		}
		message, err := Decode(payload)
		if err != nil {
			return nil, err
		}
		received = append(received, Received{RX: position.RX, Message: message})
	}
	return received, nil
}

// NullContent drops the content of feed's message at sequence. The
// message's metadata and signature stay, so the chain still verifies
// and peers can still replicate past it.
func (l *Log) NullContent(ctx context.Context, feed ref.FeedID, sequence uint64) error {
	l.quiesce.RLock()
	defer l.quiesce.RUnlock()
	state := l.feed(feed)
	state.mu.Lock()
	defer state.mu.Unlock()

	stored, kind, err := l.offsets.Get(ctx, feed, sequence)
	if errors.Is(err, offsetlog.ErrNotFound) || errors.Is(err, offsetlog.ErrNulled) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if kind == offsetlog.KindTombstone {
		return nil
	}
	message, err := Decode(stored)
	if err != nil {
		return err
	}
	payload, err := message.withoutContent().Encode()
	if err != nil {
		return fmt.Errorf("feedlog: encoding tombstone: %w", err)
	}
	if err := l.offsets.Tombstone(ctx, feed, sequence, payload); err != nil {
		return fmt.Errorf("feedlog: nulling content of %s:%d: %w", feed, sequence, err)
	}
	l.logger.Info("nulled message content", "feed", feed.String(), "sequence", sequence)
	return nil
}

// NullFeed removes every message of feed and clears its poisoned
// state, so it can be replicated again from scratch.
func (l *Log) NullFeed(ctx context.Context, feed ref.FeedID) error {
	l.quiesce.RLock()
	defer l.quiesce.RUnlock()
	state := l.feed(feed)
	state.mu.Lock()
	defer state.mu.Unlock()

	count, err := l.offsets.DropFeed(ctx, feed)
	if err != nil {
		return err
	}
	err = l.pool.Write(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "DELETE FROM feed_state WHERE feed = ?",
			&sqlitex.ExecOptions{Args: []any{feed.String()}})
	})
	if err != nil {
		return fmt.Errorf("feedlog: clearing state of %s: %w", feed, err)
	}
	state.tip = offsetlog.Tip{}
	state.poisoned = nil
	l.logger.Info("nulled feed", "feed", feed.String(), "messages", count)
	return nil
}

// Check runs an integrity check with appends quiesced.
func (l *Log) Check(ctx context.Context, mode offsetlog.Mode, progress offsetlog.ProgressFunc) (*offsetlog.Report, error) {
	l.quiesce.Lock()
	defer l.quiesce.Unlock()
	return l.offsets.Check(ctx, mode, progress)
}

// Heal repairs the log with appends quiesced, then reloads feed tips.
func (l *Log) Heal(ctx context.Context) (*offsetlog.HealReport, error) {
	l.quiesce.Lock()
	defer l.quiesce.Unlock()
	report, err := l.offsets.Heal(ctx)
	if err != nil {
		return nil, err
	}
	if err := l.load(ctx); err != nil {
		return nil, err
	}
	return report, nil
}

// Reindex rebuilds the offset index from the log and reloads tips.
func (l *Log) Reindex(ctx context.Context) error {
	l.quiesce.Lock()
	defer l.quiesce.Unlock()
	if err := l.offsets.Reindex(ctx); err != nil {
		return err
	}
	return l.load(ctx)
}
