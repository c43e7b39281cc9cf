// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package offsetlog

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/scuttle/lib/ref"
)

// Mode selects how thorough Check is. The numeric values are part of
// the embedding API.
type Mode int

const (
	// ModeQuick inspects the index only: coverage of the log file,
	// per-feed sequence continuity, tips, and the newest frame.
	ModeQuick Mode = 1

	// ModeFull re-reads every frame and re-verifies checksums, hash
	// chains, signatures and index agreement.
	ModeFull Mode = 2
)

func (m Mode) String() string {
	switch m {
	case ModeQuick:
		return "quick"
	case ModeFull:
		return "full"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ProgressFunc receives the completed fraction (0 to 1) and a short
// status line.
type ProgressFunc func(fraction float64, status string)

// Report is the result of Check.
type Report struct {
	Mode     Mode  `json:"mode"`
	Healthy  bool  `json:"healthy"`
	Messages int   `json:"messages"`
	Size     int64 `json:"size"`

	// ValidThrough is the end of the last structurally sound frame.
	// Equal to Size when the log has no broken frames.
	ValidThrough int64 `json:"valid_through"`

	// Broken maps each feed with a content problem to the first bad
	// sequence.
	Broken map[ref.FeedID]uint64 `json:"broken,omitempty"`

	Problems []string `json:"problems,omitempty"`

	// discard lists frames belonging to broken feeds at or after
	// their first bad sequence. Populated by full checks.
	discard []discardFrame
}

type discardFrame struct {
	feed   ref.FeedID
	offset int64
}

func (r *Report) problem(format string, args ...any) {
	r.Problems = append(r.Problems, fmt.Sprintf(format, args...))
}

func (r *Report) markBroken(feed ref.FeedID, sequence uint64) {
	if _, already := r.Broken[feed]; !already {
		r.Broken[feed] = sequence
	}
}

// Check verifies the log and index. It takes the log exclusively for
// its whole duration; appends wait.
func (l *Log) Check(ctx context.Context, mode Mode, progress ProgressFunc) (*Report, error) {
	if progress == nil {
		progress = func(float64, string) {}
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	switch mode {
	case ModeQuick:
		return l.checkQuick(ctx, progress)
	case ModeFull:
		return l.checkFull(ctx, progress)
	default:
		return nil, fmt.Errorf("offsetlog: unknown check mode %d", int(mode))
	}
}

func (l *Log) newReport(mode Mode) *Report {
	return &Report{
		Mode:         mode,
		Size:         l.size,
		ValidThrough: l.size,
		Broken:       make(map[ref.FeedID]uint64),
	}
}

func (l *Log) checkQuick(ctx context.Context, progress ProgressFunc) (*Report, error) {
	report := l.newReport(ModeQuick)
	if l.damaged != "" {
		report.problem("%s", l.damaged)
	}

	err := l.pool.With(ctx, func(conn *sqlite.Conn) error {
		mark, err := readMark(conn)
		if err != nil {
			return err
		}
		if mark.indexedThrough != l.size {
			report.problem("index covers %d bytes, log is %d bytes", mark.indexedThrough, l.size)
			if mark.indexedThrough < report.ValidThrough {
				report.ValidThrough = mark.indexedThrough
			}
		}
		progress(0.25, "compared index coverage")

		type feedSpan struct {
			feed          ref.FeedID
			count, lo, hi int64
		}
		var spans []feedSpan
		err = sqlitex.Execute(conn,
			"SELECT feed, COUNT(*), MIN(seq), MAX(seq) FROM log_messages GROUP BY feed",
			&sqlitex.ExecOptions{ResultFunc: func(stmt *sqlite.Stmt) error {
				feed, err := ref.ParseFeedID(stmt.ColumnText(0))
				if err != nil {
					return err
				}
				spans = append(spans, feedSpan{feed, stmt.ColumnInt64(1), stmt.ColumnInt64(2), stmt.ColumnInt64(3)})
				report.Messages += int(stmt.ColumnInt64(1))
				return nil
			}})
		if err != nil {
			return err
		}
		for _, span := range spans {
			if span.lo == 1 && span.hi == span.count {
				continue
			}
			gap, err := firstGap(conn, span.feed)
			if err != nil {
				return err
			}
			report.markBroken(span.feed, gap)
			report.problem("feed %s has a sequence gap at %d", span.feed, gap)
		}
		progress(0.5, "checked sequence continuity")

		err = sqlitex.Execute(conn, `
			SELECT t.feed, t.seq, COALESCE(MAX(m.seq), 0)
			FROM log_tips t LEFT JOIN log_messages m ON m.feed = t.feed
			GROUP BY t.feed HAVING t.seq != COALESCE(MAX(m.seq), 0)`,
			&sqlitex.ExecOptions{ResultFunc: func(stmt *sqlite.Stmt) error {
				report.problem("feed %s tip is %d but newest indexed message is %d",
					stmt.ColumnText(0), stmt.ColumnInt64(1), stmt.ColumnInt64(2))
				return nil
			}})
		if err != nil {
			return err
		}
		progress(0.75, "checked feed tips")

		var newest int64 = -1
		err = sqlitex.Execute(conn, "SELECT pos FROM log_messages ORDER BY rx DESC LIMIT 1",
			&sqlitex.ExecOptions{ResultFunc: func(stmt *sqlite.Stmt) error {
				newest = stmt.ColumnInt64(0)
				return nil
			}})
		if err != nil {
			return err
		}
		if newest >= 0 {
			if _, _, err := readFrame(l.file, newest, l.size); err != nil {
				report.problem("newest indexed frame unreadable: %v", err)
				if newest < report.ValidThrough {
					report.ValidThrough = newest
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("offsetlog: quick check: %w", err)
	}
	progress(1, "quick check complete")
	report.Healthy = len(report.Problems) == 0
	return report, nil
}

func firstGap(conn *sqlite.Conn, feed ref.FeedID) (uint64, error) {
	expected := uint64(1)
	gap := uint64(0)
	err := sqlitex.Execute(conn, "SELECT seq FROM log_messages WHERE feed = ? ORDER BY seq",
		&sqlitex.ExecOptions{
			Args: []any{feed.String()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				if gap != 0 {
					return nil
				}
				if uint64(stmt.ColumnInt64(0)) != expected {
					gap = expected
				}
				expected++
				return nil
			},
		})
	if gap == 0 {
		gap = expected
	}
	return gap, err
}

// progressEvery is how many frames a full check handles between
// progress reports.
const progressEvery = 500

func (l *Log) checkFull(ctx context.Context, progress ProgressFunc) (*Report, error) {
	report := l.newReport(ModeFull)
	chains := make(map[ref.FeedID]Tip)

	err := l.pool.With(ctx, func(conn *sqlite.Conn) error {
		indexed := make(map[int64]int64)
		err := sqlitex.Execute(conn, "SELECT rx, pos FROM log_messages", &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				indexed[stmt.ColumnInt64(0)] = stmt.ColumnInt64(1)
				return nil
			},
		})
		if err != nil {
			return err
		}

		var offset, rx int64
		for offset < l.size {
			if err := ctx.Err(); err != nil {
				return err
			}
			frameHeader, payload, err := readFrame(l.file, offset, l.size)
			var broken *frameError
			if errors.As(err, &broken) {
				report.ValidThrough = offset
				report.problem("%s at offset %d", broken.reason, offset)
				break
			}
			if err != nil {
				return err
			}
			rx++

			if frameHeader.kind != KindNulled {
				meta, err := l.codec.Decode(payload)
				if err != nil {
					report.ValidThrough = offset
					report.problem("undecodable payload at offset %d: %v", offset, err)
					break
				}
				report.Messages++
				l.checkContent(report, chains, meta, payload, offset)

				if position, ok := indexed[rx]; !ok || position != offset {
					report.problem("index entry for receive sequence %d is missing or points elsewhere", rx)
				}
				delete(indexed, rx)
			}

			offset += frameHeader.frameSize()
			if rx%progressEvery == 0 {
				progress(float64(offset)/float64(max(l.size, 1)),
					fmt.Sprintf("verified %d messages", report.Messages))
			}
		}
		for stale := range indexed {
			if stale <= rx {
				report.problem("index entry for receive sequence %d points at a nulled frame", stale)
			} else {
				report.problem("index entry for receive sequence %d is past the end of the log", stale)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("offsetlog: full check: %w", err)
	}
	if l.damaged != "" && len(report.Problems) == 0 {
		report.problem("%s", l.damaged)
	}
	progress(1, fmt.Sprintf("verified %d messages", report.Messages))
	report.Healthy = len(report.Problems) == 0
	return report, nil
}

// checkContent verifies one message against its feed's chain so far.
// Once a feed is broken every later frame of it is slated for discard.
func (l *Log) checkContent(report *Report, chains map[ref.FeedID]Tip, meta Meta, payload []byte, offset int64) {
	if _, broken := report.Broken[meta.Feed]; broken {
		report.discard = append(report.discard, discardFrame{meta.Feed, offset})
		return
	}
	previous := chains[meta.Feed]
	switch {
	case meta.Sequence != previous.Sequence+1:
		report.problem("feed %s: sequence %d follows %d", meta.Feed, meta.Sequence, previous.Sequence)
	case meta.Previous != previous.Key:
		report.problem("feed %s: message %d does not link to message %d", meta.Feed, meta.Sequence, previous.Sequence)
	default:
		if err := l.codec.Verify(payload); err != nil {
			report.problem("feed %s: message %d: %v", meta.Feed, meta.Sequence, err)
		} else {
			chains[meta.Feed] = Tip{Sequence: meta.Sequence, Key: meta.Key}
			return
		}
	}
	report.markBroken(meta.Feed, meta.Sequence)
	report.discard = append(report.discard, discardFrame{meta.Feed, offset})
}

// BrokenFeeds returns the broken feeds in a stable order.
func (r *Report) BrokenFeeds() []ref.FeedID {
	feeds := make([]ref.FeedID, 0, len(r.Broken))
	for feed := range r.Broken {
		feeds = append(feeds, feed)
	}
	sort.Slice(feeds, func(i, j int) bool { return feeds[i].String() < feeds[j].String() })
	return feeds
}
