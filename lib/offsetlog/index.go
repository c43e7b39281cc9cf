// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package offsetlog

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/scuttle/lib/ref"
	"github.com/bureau-foundation/scuttle/lib/sqlitepool"
)

// Schema is the index kept alongside the log. rx is the frame's
// 1-based ordinal in the log (the receive sequence), so rebuilding the
// index from the log reproduces it exactly.
const Schema = `
CREATE TABLE IF NOT EXISTS log_messages (
	rx      INTEGER PRIMARY KEY,
	pos     INTEGER NOT NULL UNIQUE,
	feed    TEXT    NOT NULL,
	seq     INTEGER NOT NULL,
	msg_key TEXT    NOT NULL,
	private INTEGER NOT NULL DEFAULT 0,
	UNIQUE (feed, seq)
);
CREATE INDEX IF NOT EXISTS log_messages_private ON log_messages (private, rx);

CREATE TABLE IF NOT EXISTS log_tips (
	feed    TEXT PRIMARY KEY,
	seq     INTEGER NOT NULL,
	msg_key TEXT    NOT NULL
);

CREATE TABLE IF NOT EXISTS log_meta (
	name  TEXT PRIMARY KEY,
	value INTEGER NOT NULL
);
`

const (
	metaIndexedThrough = "indexed_through"
	metaFrames         = "frames"
)

// InitSchema creates the index tables if they do not exist.
func InitSchema(ctx context.Context, pool *sqlitepool.Pool) error {
	return pool.With(ctx, func(conn *sqlite.Conn) error {
		if err := sqlitex.ExecuteScript(conn, Schema, nil); err != nil {
			return fmt.Errorf("offsetlog: creating schema: %w", err)
		}
		return nil
	})
}

// Position locates one indexed message.
type Position struct {
	RX       int64
	Offset   int64
	Feed     ref.FeedID
	Sequence uint64
	Key      ref.MessageKey
	Private  bool
}

// Tip is the newest indexed message of a feed.
type Tip struct {
	Sequence uint64
	Key      ref.MessageKey
}

type progressMark struct {
	indexedThrough int64
	frames         int64
}

func readMark(conn *sqlite.Conn) (progressMark, error) {
	var mark progressMark
	err := sqlitex.Execute(conn, "SELECT name, value FROM log_meta", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			switch stmt.ColumnText(0) {
			case metaIndexedThrough:
				mark.indexedThrough = stmt.ColumnInt64(1)
			case metaFrames:
				mark.frames = stmt.ColumnInt64(1)
			}
			return nil
		},
	})
	return mark, err
}

func writeMark(conn *sqlite.Conn, mark progressMark) error {
	const upsert = `INSERT INTO log_meta (name, value) VALUES (?, ?)
		ON CONFLICT (name) DO UPDATE SET value = excluded.value`
	if err := sqlitex.Execute(conn, upsert, &sqlitex.ExecOptions{Args: []any{metaIndexedThrough, mark.indexedThrough}}); err != nil {
		return err
	}
	return sqlitex.Execute(conn, upsert, &sqlitex.ExecOptions{Args: []any{metaFrames, mark.frames}})
}

func insertPosition(conn *sqlite.Conn, position Position) error {
	private := int64(0)
	if position.Private {
		private = 1
	}
	err := sqlitex.Execute(conn,
		`INSERT INTO log_messages (rx, pos, feed, seq, msg_key, private) VALUES (?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			position.RX, position.Offset, position.Feed.String(),
			int64(position.Sequence), position.Key.String(), private,
		}})
	if err != nil {
		return fmt.Errorf("indexing %s:%d: %w", position.Feed, position.Sequence, err)
	}
	return sqlitex.Execute(conn,
		`INSERT INTO log_tips (feed, seq, msg_key) VALUES (?, ?, ?)
		 ON CONFLICT (feed) DO UPDATE SET seq = excluded.seq, msg_key = excluded.msg_key
		 WHERE excluded.seq > log_tips.seq`,
		&sqlitex.ExecOptions{Args: []any{position.Feed.String(), int64(position.Sequence), position.Key.String()}})
}

const positionColumns = "rx, pos, feed, seq, msg_key, private"

func scanPosition(stmt *sqlite.Stmt) (Position, error) {
	feed, err := ref.ParseFeedID(stmt.ColumnText(2))
	if err != nil {
		return Position{}, err
	}
	key, err := ref.ParseMessageKey(stmt.ColumnText(4))
	if err != nil {
		return Position{}, err
	}
	return Position{
		RX:       stmt.ColumnInt64(0),
		Offset:   stmt.ColumnInt64(1),
		Feed:     feed,
		Sequence: uint64(stmt.ColumnInt64(3)),
		Key:      key,
		Private:  stmt.ColumnInt64(5) != 0,
	}, nil
}

func queryPositions(conn *sqlite.Conn, query string, args ...any) ([]Position, error) {
	var positions []Position
	err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			position, err := scanPosition(stmt)
			if err != nil {
				return err
			}
			positions = append(positions, position)
			return nil
		},
	})
	return positions, err
}

func clearIndex(conn *sqlite.Conn) error {
	return sqlitex.ExecuteScript(conn, `
		DELETE FROM log_messages;
		DELETE FROM log_tips;
		DELETE FROM log_meta;
	`, nil)
}
