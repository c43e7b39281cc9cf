// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package offsetlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/scuttle/lib/ref"
	"github.com/bureau-foundation/scuttle/lib/sqlitepool"
)

var (
	// ErrNotFound is returned when no message is indexed at the
	// requested position.
	ErrNotFound = errors.New("offsetlog: message not found")

	// ErrNulled is returned when the requested frame has been nulled.
	ErrNulled = errors.New("offsetlog: message has been nulled")

	// ErrNeedsRepair is returned by writes while the log has damage
	// that only Heal can resolve.
	ErrNeedsRepair = errors.New("offsetlog: log is damaged, run a check and heal")

	// ErrDoesNotFit is returned by Tombstone and Refill when the
	// replacement payload is larger than the original frame.
	ErrDoesNotFit = errors.New("offsetlog: replacement larger than original frame")

	// ErrNotRefillable is returned by Refill for a frame that is not a
	// plain message.
	ErrNotRefillable = errors.New("offsetlog: only message frames can be refilled")
)

// Meta is what the index needs to know about a payload.
type Meta struct {
	Feed     ref.FeedID
	Sequence uint64
	Key      ref.MessageKey
	Previous ref.MessageKey
	Private  bool
}

// Codec interprets payloads. The log itself stores bytes.
type Codec interface {
	// Decode extracts the metadata from a message or tombstone payload.
	Decode(payload []byte) (Meta, error)

	// Verify checks the payload's signature and content hash. Used by
	// full checks only.
	Verify(payload []byte) error
}

// Config configures Open.
type Config struct {
	Path   string
	Pool   *sqlitepool.Pool
	Codec  Codec
	Logger *slog.Logger
}

// Log is a framed append-only file plus its SQLite index.
//
// Writers (Append, Tombstone, DropFeed) hold mu for reading and
// serialize among themselves on writeMu. Check, Heal and Reindex hold
// mu for writing, which waits for in-flight appends and blocks new
// ones.
type Log struct {
	path   string
	pool   *sqlitepool.Pool
	codec  Codec
	logger *slog.Logger

	mu      sync.RWMutex
	writeMu sync.Mutex
	file    *os.File
	size    int64
	frames  int64
	damaged string
}

// Open opens or creates the log and indexes any frames that were
// written but not indexed before the last shutdown. Damage found while
// doing so does not fail Open; it is recorded and reported by Damage
// so the caller can run Check and Heal.
func Open(ctx context.Context, cfg Config) (*Log, error) {
	if cfg.Pool == nil || cfg.Codec == nil {
		return nil, fmt.Errorf("offsetlog: Pool and Codec are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	file, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("offsetlog: opening %s: %w", cfg.Path, err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("offsetlog: stat %s: %w", cfg.Path, err)
	}
	l := &Log{
		path:   cfg.Path,
		pool:   cfg.Pool,
		codec:  cfg.Codec,
		logger: logger,
		file:   file,
		size:   info.Size(),
	}
	if err := l.catchUp(ctx); err != nil {
		file.Close()
		return nil, err
	}
	return l, nil
}

// catchUp indexes frames past the index's high-water mark.
func (l *Log) catchUp(ctx context.Context) error {
	var mark progressMark
	err := l.pool.With(ctx, func(conn *sqlite.Conn) error {
		var err error
		mark, err = readMark(conn)
		return err
	})
	if err != nil {
		return fmt.Errorf("offsetlog: reading index mark: %w", err)
	}

	switch {
	case mark.indexedThrough > l.size:
		l.damaged = fmt.Sprintf("index covers %d bytes but log is %d bytes", mark.indexedThrough, l.size)
		l.logger.Error("offset log shorter than its index", "indexed_through", mark.indexedThrough, "size", l.size)
		return nil
	case mark.indexedThrough == l.size:
		l.frames = mark.frames
		return nil
	}

	indexed, end, scanErr := l.indexRange(ctx, mark)
	if scanErr != nil {
		var broken *frameError
		if !errors.As(scanErr, &broken) {
			return scanErr
		}
		l.damaged = broken.Error()
		l.logger.Error("offset log has a broken tail", "offset", broken.offset, "reason", broken.reason)
	}
	l.frames = mark.frames + int64(indexed)
	if indexed > 0 {
		l.logger.Info("indexed log tail", "messages", indexed, "through", end)
	}
	return nil
}

// indexRange scans frames from mark to the end of the log and indexes
// them in one transaction. Returns how many frames were scanned and
// the offset the index now covers. A frameError stops the scan but
// still commits the frames before it.
func (l *Log) indexRange(ctx context.Context, mark progressMark) (int, int64, error) {
	offset := mark.indexedThrough
	rx := mark.frames
	scanned := 0
	var scanErr error
	err := l.pool.Write(ctx, func(conn *sqlite.Conn) error {
		for offset < l.size {
			frameHeader, payload, err := readFrame(l.file, offset, l.size)
			if err != nil {
				scanErr = err
				break
			}
			if frameHeader.kind != KindNulled {
				meta, err := l.codec.Decode(payload)
				if err != nil {
					scanErr = &frameError{offset, "undecodable payload: " + err.Error()}
					break
				}
				err = insertPosition(conn, Position{
					RX: rx + 1, Offset: offset, Feed: meta.Feed, Sequence: meta.Sequence,
					Key: meta.Key, Private: meta.Private,
				})
				if err != nil {
					return err
				}
			}
			offset += frameHeader.frameSize()
			rx++
			scanned++
		}
		return writeMark(conn, progressMark{indexedThrough: offset, frames: rx})
	})
	if err != nil {
		return 0, 0, fmt.Errorf("offsetlog: indexing: %w", err)
	}
	return scanned, offset, scanErr
}

// Damage describes unresolved damage found at open, or "" if none.
func (l *Log) Damage() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.damaged
}

// Append writes payload as a new frame and indexes it. The frame is
// synced to disk before the index commit; if the commit fails the
// frame is cut off again so the two never disagree.
func (l *Log) Append(ctx context.Context, meta Meta, payload []byte) (Position, error) {
	return l.AppendReserved(ctx, meta, payload, len(payload))
}

// AppendReserved is Append with room for a payload of up to capacity
// bytes, so Refill can later grow the frame in place.
func (l *Log) AppendReserved(ctx context.Context, meta Meta, payload []byte, capacity int) (Position, error) {
	capacity = max(capacity, len(payload))
	if capacity > MaxPayload {
		return Position{}, fmt.Errorf("offsetlog: payload of %d bytes exceeds %d", capacity, MaxPayload)
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	if l.damaged != "" {
		return Position{}, ErrNeedsRepair
	}

	frame := encodeFrame(KindMessage, payload, capacity)
	offset := l.size
	if _, err := l.file.WriteAt(frame, offset); err != nil {
		l.truncateTo(offset)
		return Position{}, fmt.Errorf("offsetlog: writing frame: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		l.truncateTo(offset)
		return Position{}, fmt.Errorf("offsetlog: syncing frame: %w", err)
	}

	position := Position{
		RX: l.frames + 1, Offset: offset, Feed: meta.Feed, Sequence: meta.Sequence,
		Key: meta.Key, Private: meta.Private,
	}
	end := offset + int64(len(frame))
	err := l.pool.Write(context.WithoutCancel(ctx), func(conn *sqlite.Conn) error {
		if err := insertPosition(conn, position); err != nil {
			return err
		}
		return writeMark(conn, progressMark{indexedThrough: end, frames: l.frames + 1})
	})
	if err != nil {
		l.truncateTo(offset)
		return Position{}, fmt.Errorf("offsetlog: committing index: %w", err)
	}
	l.size = end
	l.frames++
	return position, nil
}

func (l *Log) truncateTo(offset int64) {
	if err := l.file.Truncate(offset); err != nil {
		l.damaged = fmt.Sprintf("could not roll back partial frame at %d: %v", offset, err)
		l.logger.Error("rolling back partial frame failed", "offset", offset, "error", err)
	}
}

// Get returns the payload of feed's message at sequence.
func (l *Log) Get(ctx context.Context, feed ref.FeedID, sequence uint64) ([]byte, Kind, error) {
	position, err := l.Lookup(ctx, feed, sequence)
	if err != nil {
		return nil, 0, err
	}
	return l.ReadAt(position.Offset)
}

// ReadAt returns the payload of the frame at offset.
func (l *Log) ReadAt(offset int64) ([]byte, Kind, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	frameHeader, payload, err := readFrame(l.file, offset, l.size)
	if err != nil {
		return nil, 0, err
	}
	if frameHeader.kind == KindNulled {
		return nil, KindNulled, ErrNulled
	}
	return payload, frameHeader.kind, nil
}

// Lookup finds the index entry for feed at sequence.
func (l *Log) Lookup(ctx context.Context, feed ref.FeedID, sequence uint64) (Position, error) {
	positions, err := l.Range(ctx, feed, sequence, 1)
	if err != nil {
		return Position{}, err
	}
	if len(positions) == 0 || positions[0].Sequence != sequence {
		return Position{}, ErrNotFound
	}
	return positions[0], nil
}

// Range returns up to limit index entries of feed with sequence >=
// from, in sequence order.
func (l *Log) Range(ctx context.Context, feed ref.FeedID, from uint64, limit int) ([]Position, error) {
	var positions []Position
	err := l.pool.With(ctx, func(conn *sqlite.Conn) error {
		var err error
		positions, err = queryPositions(conn,
			"SELECT "+positionColumns+" FROM log_messages WHERE feed = ? AND seq >= ? ORDER BY seq LIMIT ?",
			feed.String(), int64(from), int64(limit))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("offsetlog: range %s from %d: %w", feed, from, err)
	}
	return positions, nil
}

// StreamFilter narrows Stream.
type StreamFilter struct {
	// Feed, when set, restricts the stream to one feed.
	Feed ref.FeedID

	// PrivateOnly restricts the stream to private messages.
	PrivateOnly bool
}

// Stream returns up to limit entries with receive sequence > after, in
// receive order. Receive sequences start at 1.
func (l *Log) Stream(ctx context.Context, after int64, limit int, filter StreamFilter) ([]Position, error) {
	query := "SELECT " + positionColumns + " FROM log_messages WHERE rx > ?"
	args := []any{after}
	if !filter.Feed.IsZero() {
		query += " AND feed = ?"
		args = append(args, filter.Feed.String())
	}
	if filter.PrivateOnly {
		query += " AND private = 1"
	}
	query += " ORDER BY rx LIMIT ?"
	args = append(args, int64(limit))

	var positions []Position
	err := l.pool.With(ctx, func(conn *sqlite.Conn) error {
		var err error
		positions, err = queryPositions(conn, query, args...)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("offsetlog: stream after %d: %w", after, err)
	}
	return positions, nil
}

// Tips returns the indexed tip of every feed.
func (l *Log) Tips(ctx context.Context) (map[ref.FeedID]Tip, error) {
	tips := make(map[ref.FeedID]Tip)
	err := l.pool.With(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "SELECT feed, seq, msg_key FROM log_tips", &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				feed, err := ref.ParseFeedID(stmt.ColumnText(0))
				if err != nil {
					return err
				}
				key, err := ref.ParseMessageKey(stmt.ColumnText(2))
				if err != nil {
					return err
				}
				tips[feed] = Tip{Sequence: uint64(stmt.ColumnInt64(1)), Key: key}
				return nil
			},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("offsetlog: reading tips: %w", err)
	}
	return tips, nil
}

// Tombstone replaces the payload of feed's message at sequence with
// payload, which must fit in the original frame.
func (l *Log) Tombstone(ctx context.Context, feed ref.FeedID, sequence uint64, payload []byte) error {
	position, err := l.Lookup(ctx, feed, sequence)
	if err != nil {
		return err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return l.rewriteFrame(position.Offset, KindTombstone, payload)
}

// Refill replaces the payload of feed's message at sequence with
// payload, keeping the frame a message. Tombstoned and nulled frames
// are left alone.
func (l *Log) Refill(ctx context.Context, feed ref.FeedID, sequence uint64, payload []byte) error {
	position, err := l.Lookup(ctx, feed, sequence)
	if err != nil {
		return err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	frameHeader, _, err := readFrame(l.file, position.Offset, l.size)
	if err != nil {
		return err
	}
	if frameHeader.kind != KindMessage {
		return ErrNotRefillable
	}
	return l.rewriteFrame(position.Offset, KindMessage, payload)
}

// rewriteFrame overwrites the frame at offset in place, keeping its
// capacity. Callers hold writeMu (or mu exclusively).
func (l *Log) rewriteFrame(offset int64, kind Kind, payload []byte) error {
	frameHeader, _, err := readFrame(l.file, offset, l.size)
	if err != nil {
		return err
	}
	if len(payload) > int(frameHeader.capacity) {
		return ErrDoesNotFit
	}
	frame := encodeFrame(kind, payload, int(frameHeader.capacity))
	if _, err := l.file.WriteAt(frame, offset); err != nil {
		return fmt.Errorf("offsetlog: rewriting frame at %d: %w", offset, err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("offsetlog: syncing rewrite at %d: %w", offset, err)
	}
	return nil
}

// DropFeed nulls every frame of feed and removes it from the index.
// Returns the number of frames nulled.
func (l *Log) DropFeed(ctx context.Context, feed ref.FeedID) (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	var positions []Position
	err := l.pool.With(ctx, func(conn *sqlite.Conn) error {
		var err error
		positions, err = queryPositions(conn,
			"SELECT "+positionColumns+" FROM log_messages WHERE feed = ? ORDER BY seq", feed.String())
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("offsetlog: listing %s: %w", feed, err)
	}
	for _, position := range positions {
		if err := l.rewriteFrame(position.Offset, KindNulled, nil); err != nil {
			return 0, err
		}
	}
	err = l.pool.Write(ctx, func(conn *sqlite.Conn) error {
		if err := sqlitex.Execute(conn, "DELETE FROM log_messages WHERE feed = ?",
			&sqlitex.ExecOptions{Args: []any{feed.String()}}); err != nil {
			return err
		}
		return sqlitex.Execute(conn, "DELETE FROM log_tips WHERE feed = ?",
			&sqlitex.ExecOptions{Args: []any{feed.String()}})
	})
	if err != nil {
		return 0, fmt.Errorf("offsetlog: unindexing %s: %w", feed, err)
	}
	return len(positions), nil
}

// Reindex drops the index and rebuilds it from the log.
func (l *Log) Reindex(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reindexLocked(ctx)
}

func (l *Log) reindexLocked(ctx context.Context) error {
	err := l.pool.Write(ctx, clearIndex)
	if err != nil {
		return fmt.Errorf("offsetlog: clearing index: %w", err)
	}
	l.damaged = ""
	indexed, _, scanErr := l.indexRange(ctx, progressMark{})
	if scanErr != nil {
		var broken *frameError
		if !errors.As(scanErr, &broken) {
			return scanErr
		}
		l.damaged = broken.Error()
	}
	l.frames = int64(indexed)
	return nil
}

// Size returns the logical length of the log in bytes.
func (l *Log) Size() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.size
}

// Close closes the log file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
