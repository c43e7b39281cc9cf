// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package offsetlog

import (
	"context"
	"fmt"
	"sort"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/scuttle/lib/ref"
)

// HealReport says what Heal threw away.
type HealReport struct {
	// Authors whose messages were discarded, sorted.
	Authors []ref.FeedID `json:"authors"`

	// Messages is the number of indexed messages discarded.
	Messages int `json:"messages"`

	// TruncatedBytes is how much was cut off the end of the log.
	TruncatedBytes int64 `json:"truncated_bytes"`
}

// Heal repairs the log after a full check: it truncates the file at
// the last structurally valid frame, nulls every message of a broken
// feed from its first bad sequence on, and rebuilds the index. A
// healthy log is left untouched apart from an index rebuild when the
// index disagreed with the log.
//
// Heal only fails when storage cannot be read or written.
func (l *Log) Heal(ctx context.Context) (*HealReport, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	check, err := l.checkFull(ctx, func(float64, string) {})
	if err != nil {
		return nil, err
	}
	result := &HealReport{}
	if check.Healthy && l.damaged == "" {
		return result, nil
	}

	discarded := make(map[ref.FeedID]int)

	if check.ValidThrough < l.size {
		err := l.pool.With(ctx, func(conn *sqlite.Conn) error {
			return sqlitex.Execute(conn,
				"SELECT feed, COUNT(*) FROM log_messages WHERE pos >= ? GROUP BY feed",
				&sqlitex.ExecOptions{
					Args: []any{check.ValidThrough},
					ResultFunc: func(stmt *sqlite.Stmt) error {
						feed, err := ref.ParseFeedID(stmt.ColumnText(0))
						if err != nil {
							return err
						}
						discarded[feed] += stmt.ColumnInt(1)
						return nil
					},
				})
		})
		if err != nil {
			return nil, fmt.Errorf("offsetlog: attributing truncated messages: %w", err)
		}
		if err := l.file.Truncate(check.ValidThrough); err != nil {
			return nil, fmt.Errorf("offsetlog: truncating at %d: %w", check.ValidThrough, err)
		}
		if err := l.file.Sync(); err != nil {
			return nil, fmt.Errorf("offsetlog: syncing truncation: %w", err)
		}
		result.TruncatedBytes = l.size - check.ValidThrough
		l.size = check.ValidThrough
		l.logger.Warn("truncated offset log", "at", check.ValidThrough, "bytes", result.TruncatedBytes)
	}

	for _, frame := range check.discard {
		if err := l.rewriteFrame(frame.offset, KindNulled, nil); err != nil {
			return nil, fmt.Errorf("offsetlog: nulling broken message: %w", err)
		}
		discarded[frame.feed]++
	}

	if err := l.reindexLocked(ctx); err != nil {
		return nil, err
	}

	for feed, count := range discarded {
		result.Authors = append(result.Authors, feed)
		result.Messages += count
	}
	sort.Slice(result.Authors, func(i, j int) bool { return result.Authors[i].String() < result.Authors[j].String() })
	l.logger.Info("healed offset log",
		"authors", len(result.Authors),
		"messages", result.Messages,
		"truncated_bytes", result.TruncatedBytes,
	)
	return result, nil
}
