// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package feedlog

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/scuttle/lib/clock"
	"github.com/bureau-foundation/scuttle/lib/keys"
	"github.com/bureau-foundation/scuttle/lib/offsetlog"
	"github.com/bureau-foundation/scuttle/lib/ref"
	"github.com/bureau-foundation/scuttle/lib/sqlitepool"
)

// Schema holds per-feed validation state.
const Schema = `
CREATE TABLE IF NOT EXISTS feed_state (
	feed        TEXT PRIMARY KEY,
	poisoned_at INTEGER NOT NULL,
	reason      TEXT    NOT NULL
);
`

// InitSchema creates the feed state table if it does not exist.
func InitSchema(ctx context.Context, pool *sqlitepool.Pool) error {
	return pool.With(ctx, func(conn *sqlite.Conn) error {
		if err := sqlitex.ExecuteScript(conn, Schema, nil); err != nil {
			return fmt.Errorf("feedlog: creating schema: %w", err)
		}
		return nil
	})
}

// Config configures Open.
type Config struct {
	// Offsets is the physical store. Its Codec must be Codec{}.
	Offsets *offsetlog.Log
	Pool    *sqlitepool.Pool
	Clock   clock.Clock
	Logger  *slog.Logger
}

// Log is the set of all feeds the node stores.
//
// Each feed has its own mutex, so appends to different feeds proceed
// concurrently while one feed only ever has one writer. The quiesce
// lock is held shared by every write and exclusively by Check, Heal
// and Reindex.
type Log struct {
	offsets *offsetlog.Log
	pool    *sqlitepool.Pool
	clock   clock.Clock
	logger  *slog.Logger

	quiesce sync.RWMutex

	mu    sync.Mutex
	feeds map[ref.FeedID]*feedState

	listenersMu  sync.Mutex
	listeners    map[int]func(*Message)
	nextListener int
}

type feedState struct {
	mu       sync.Mutex
	tip      offsetlog.Tip
	poisoned *poison
}

type poison struct {
	sequence uint64
	reason   string
}

// Open loads feed tips and poison state.
func Open(ctx context.Context, cfg Config) (*Log, error) {
	if cfg.Offsets == nil || cfg.Pool == nil {
		return nil, fmt.Errorf("feedlog: Offsets and Pool are required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	l := &Log{
		offsets:   cfg.Offsets,
		pool:      cfg.Pool,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
		listeners: make(map[int]func(*Message)),
	}
	if err := l.load(ctx); err != nil {
		return nil, err
	}
	return l, nil
}

// load rebuilds the in-memory feed table from the index. Callers hold
// quiesce exclusively or are in Open.
func (l *Log) load(ctx context.Context) error {
	tips, err := l.offsets.Tips(ctx)
	if err != nil {
		return err
	}
	feeds := make(map[ref.FeedID]*feedState, len(tips))
	for feed, tip := range tips {
		feeds[feed] = &feedState{tip: tip}
	}
	err = l.pool.With(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "SELECT feed, poisoned_at, reason FROM feed_state",
			&sqlitex.ExecOptions{ResultFunc: func(stmt *sqlite.Stmt) error {
				feed, err := ref.ParseFeedID(stmt.ColumnText(0))
				if err != nil {
					return err
				}
				state, ok := feeds[feed]
				if !ok {
					state = &feedState{}
					feeds[feed] = state
				}
				state.poisoned = &poison{sequence: uint64(stmt.ColumnInt64(1)), reason: stmt.ColumnText(2)}
				return nil
			}})
	})
	if err != nil {
		return fmt.Errorf("feedlog: loading feed state: %w", err)
	}
	l.mu.Lock()
	l.feeds = feeds
	l.mu.Unlock()
	return nil
}

func (l *Log) feed(id ref.FeedID) *feedState {
	l.mu.Lock()
	defer l.mu.Unlock()
	state, ok := l.feeds[id]
	if !ok {
		state = &feedState{}
		l.feeds[id] = state
	}
	return state
}

// Draft is content waiting to be signed into a message.
type Draft struct {
	Content []byte

	// Private marks Content as already encrypted for its recipients.
	Private bool
}

// Append signs draft as the next message of signer's feed and stores
// it.
func (l *Log) Append(ctx context.Context, signer keys.Signer, draft Draft) (*Message, error) {
	if len(draft.Content) > MaxContentSize {
		return nil, ErrContentTooLarge
	}
	if len(draft.Content) == 0 {
		return nil, ErrInvalidContent
	}
	if !draft.Private {
		if err := validatePublicContent(draft.Content); err != nil {
			return nil, err
		}
	}

	l.quiesce.RLock()
	defer l.quiesce.RUnlock()
	state := l.feed(signer.Feed())
	state.mu.Lock()
	defer state.mu.Unlock()

	if state.poisoned != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidFeedState, state.poisoned.reason)
	}
	message, err := sign(signer, state.tip.Sequence+1, state.tip.Key, l.clock.Now(), draft.Private, draft.Content)
	if err != nil {
		return nil, err
	}
	if err := l.store(ctx, state, message); err != nil {
		return nil, err
	}
	l.notify(message)
	return message, nil
}

// VerifyAndAppend validates a replicated message against the local
// copy of its feed and stores it.
//
// Exact re-delivery of a stored message succeeds without effect. A
// different message at an already stored sequence is a fork and fails
// with ErrHashMismatch, leaving the feed alone. A message that claims
// to extend the tip but has the wrong sequence, predecessor or
// signature poisons the feed.
//
// Nothing is written if ctx is done before the call starts.
func (l *Log) VerifyAndAppend(ctx context.Context, message *Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.quiesce.RLock()
	defer l.quiesce.RUnlock()
	state := l.feed(message.Author)
	state.mu.Lock()
	defer state.mu.Unlock()

	reject := func(kind error, poisonFeed bool, detail string) error {
		validation := &ValidationError{Kind: kind, Feed: message.Author, Sequence: message.Sequence, Detail: detail}
		if poisonFeed {
			if err := l.poison(ctx, state, message.Author, message.Sequence, fmt.Sprintf("%v: %s", kind, detail)); err != nil {
				return err
			}
			validation.Poisoned = true
		}
		return validation
	}

	if message.Sequence >= 1 && message.Sequence <= state.tip.Sequence {
		position, err := l.offsets.Lookup(ctx, message.Author, message.Sequence)
		if err == nil && position.Key == message.Key() {
			return l.refill(ctx, message)
		}
		if err != nil && !errors.Is(err, offsetlog.ErrNotFound) {
			return err
		}
		return reject(ErrHashMismatch, false, "conflicts with stored message")
	}
	if state.poisoned != nil {
		return reject(ErrInvalidFeedState, false, state.poisoned.reason)
	}
	if message.Sequence != state.tip.Sequence+1 {
		return reject(ErrSequenceGap, true, fmt.Sprintf("tip is %d", state.tip.Sequence))
	}
	if message.Previous != state.tip.Key {
		return reject(ErrHashMismatch, true, "previous does not match tip")
	}
	if err := message.Verify(); err != nil {
		if errors.Is(err, ErrHashMismatch) {
			return reject(ErrHashMismatch, true, err.Error())
		}
		return reject(ErrBadSignature, true, "")
	}
	if err := l.store(ctx, state, message); err != nil {
		return err
	}
	l.notify(message)
	return nil
}

// store persists message and advances the tip. Callers hold state.mu.
//
// A message that arrives without its content gets a frame large enough
// for the content, so refill can restore it from a later delivery.
func (l *Log) store(ctx context.Context, state *feedState, message *Message) error {
	payload, err := message.Encode()
	if err != nil {
		return fmt.Errorf("feedlog: encoding message: %w", err)
	}
	capacity := len(payload)
	if message.Content == nil && message.ContentSize > 0 {
		full := *message
		full.Content = make([]byte, message.ContentSize)
		if encoded, err := full.Encode(); err == nil {
			capacity = len(encoded)
		}
	}
	_, err = l.offsets.AppendReserved(ctx, offsetlog.Meta{
		Feed:     message.Author,
		Sequence: message.Sequence,
		Key:      message.Key(),
		Previous: message.Previous,
		Private:  message.Private,
	}, payload, capacity)
	if err != nil {
		return fmt.Errorf("feedlog: storing %s:%d: %w", message.Author, message.Sequence, err)
	}
	state.tip = offsetlog.Tip{Sequence: message.Sequence, Key: message.Key()}
	return nil
}

// refill restores the content of a stored copy of message that was
// replicated without it. Callers hold state.mu. Content nulled locally
// stays nulled, and a delivery whose content fails its digest is
// ignored like any other duplicate.
func (l *Log) refill(ctx context.Context, message *Message) error {
	if message.Content == nil {
		return nil
	}
	stored, err := l.Get(ctx, message.Author, message.Sequence)
	if err != nil || !stored.Nulled() {
		return nil
	}
	if err := message.Verify(); err != nil {
		l.logger.Debug("ignoring duplicate with bad content",
			"feed", message.Author.Short(), "sequence", message.Sequence, "error", err)
		return nil
	}
	payload, err := message.Encode()
	if err != nil {
		return fmt.Errorf("feedlog: encoding message: %w", err)
	}
	err = l.offsets.Refill(ctx, message.Author, message.Sequence, payload)
	switch {
	case errors.Is(err, offsetlog.ErrNotRefillable), errors.Is(err, offsetlog.ErrDoesNotFit):
		return nil
	case err != nil:
		return fmt.Errorf("feedlog: restoring content of %s:%d: %w", message.Author, message.Sequence, err)
	}
	l.logger.Debug("restored message content", "feed", message.Author.Short(), "sequence", message.Sequence)
	return nil
}

func (l *Log) poison(ctx context.Context, state *feedState, feed ref.FeedID, sequence uint64, reason string) error {
	err := l.pool.Write(context.WithoutCancel(ctx), func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			"INSERT OR REPLACE INTO feed_state (feed, poisoned_at, reason) VALUES (?, ?, ?)",
			&sqlitex.ExecOptions{Args: []any{feed.String(), int64(sequence), reason}})
	})
	if err != nil {
		return fmt.Errorf("feedlog: recording poisoned feed: %w", err)
	}
	state.poisoned = &poison{sequence: sequence, reason: reason}
	l.logger.Warn("feed poisoned", "feed", feed.String(), "sequence", sequence, "reason", reason)
	return nil
}

// Get returns feed's message at sequence.
func (l *Log) Get(ctx context.Context, feed ref.FeedID, sequence uint64) (*Message, error) {
	payload, _, err := l.offsets.Get(ctx, feed, sequence)
	if errors.Is(err, offsetlog.ErrNotFound) || errors.Is(err, offsetlog.ErrNulled) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return Decode(payload)
}

// readBatch is how many index entries ReadRange fetches at a time.
const readBatch = 64

// ReadRange yields up to limit messages of feed starting at sequence
// from, in order. limit <= 0 means no limit. Messages are fetched in
// batches as the caller consumes them; stopping early costs nothing.
// The sequence ends after the first error.
func (l *Log) ReadRange(ctx context.Context, feed ref.FeedID, from uint64, limit int) iter.Seq2[*Message, error] {
	return func(yield func(*Message, error) bool) {
		if from == 0 {
			from = 1
		}
		yielded := 0
		for {
			batch := readBatch
			if limit > 0 && limit-yielded < batch {
				batch = limit - yielded
			}
			if batch == 0 {
				return
			}
			positions, err := l.offsets.Range(ctx, feed, from, batch)
			if err != nil {
				yield(nil, err)
				return
			}
			if len(positions) == 0 {
				return
			}
			for _, position := range positions {
				payload, _, err := l.offsets.ReadAt(position.Offset)
				if err != nil {
					yield(nil, fmt.Errorf("feedlog: reading %s:%d: %w", feed, position.Sequence, err))
					return
				}
				message, err := Decode(payload)
				if err != nil {
					yield(nil, err)
					return
				}
				if !yield(message, nil) {
					return
				}
				yielded++
				from = position.Sequence + 1
			}
		}
	}
}

// Tip returns the newest sequence and key of feed (zero if unknown).
func (l *Log) Tip(feed ref.FeedID) (uint64, ref.MessageKey) {
	l.mu.Lock()
	state, ok := l.feeds[feed]
	l.mu.Unlock()
	if !ok {
		return 0, ref.MessageKey{}
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.tip.Sequence, state.tip.Key
}

// Tips returns the tip sequence of every stored feed.
func (l *Log) Tips() map[ref.FeedID]uint64 {
	l.mu.Lock()
	states := make(map[ref.FeedID]*feedState, len(l.feeds))
	for feed, state := range l.feeds {
		states[feed] = state
	}
	l.mu.Unlock()

	tips := make(map[ref.FeedID]uint64, len(states))
	for feed, state := range states {
		state.mu.Lock()
		if state.tip.Sequence > 0 {
			tips[feed] = state.tip.Sequence
		}
		state.mu.Unlock()
	}
	return tips
}

// Poisoned reports whether feed is poisoned, and why.
func (l *Log) Poisoned(feed ref.FeedID) (bool, string) {
	l.mu.Lock()
	state, ok := l.feeds[feed]
	l.mu.Unlock()
	if !ok {
		return false, ""
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	if state.poisoned == nil {
		return false, ""
	}
	return true, state.poisoned.reason
}

// Subscribe registers fn to be called after every stored message,
// local or replicated. fn runs on the appending goroutine and must
// not block. The returned function unsubscribes.
func (l *Log) Subscribe(fn func(*Message)) func() {
	l.listenersMu.Lock()
	defer l.listenersMu.Unlock()
	id := l.nextListener
	l.nextListener++
	l.listeners[id] = fn
	return func() {
		l.listenersMu.Lock()
		delete(l.listeners, id)
		l.listenersMu.Unlock()
	}
}

func (l *Log) notify(message *Message) {
	l.listenersMu.Lock()
	listeners := make([]func(*Message), 0, len(l.listeners))
	for _, fn := range l.listeners {
		listeners = append(listeners, fn)
	}
	l.listenersMu.Unlock()
	for _, fn := range listeners {
		fn(message)
	}
}
