// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package peers

import (
	"context"
	"fmt"
	"sort"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/scuttle/lib/ref"
	"github.com/bureau-foundation/scuttle/lib/sqlitepool"
)

// Schema holds per-feed replication policy and the address book.
const Schema = `
CREATE TABLE IF NOT EXISTS feed_policy (
	feed      TEXT PRIMARY KEY,
	replicate INTEGER NOT NULL DEFAULT 0,
	blocked   INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS addresses (
	address     TEXT PRIMARY KEY,
	feed        TEXT NOT NULL,
	worked_last INTEGER NOT NULL DEFAULT 0,
	last_err    TEXT    NOT NULL DEFAULT '',
	use         INTEGER NOT NULL DEFAULT 1
);
`

// InitSchema creates the policy and address tables.
func InitSchema(ctx context.Context, pool *sqlitepool.Pool) error {
	return pool.With(ctx, func(conn *sqlite.Conn) error {
		if err := sqlitex.ExecuteScript(conn, Schema, nil); err != nil {
			return fmt.Errorf("peers: creating schema: %w", err)
		}
		return nil
	})
}

// Policy is the replication stance toward one feed.
type Policy struct {
	Replicate bool `json:"replicate"`
	Blocked   bool `json:"blocked"`
}

func (m *Manager) loadPolicies(ctx context.Context) error {
	policies := make(map[ref.FeedID]Policy)
	err := m.pool.With(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "SELECT feed, replicate, blocked FROM feed_policy",
			&sqlitex.ExecOptions{ResultFunc: func(stmt *sqlite.Stmt) error {
				feed, err := ref.ParseFeedID(stmt.ColumnText(0))
				if err != nil {
					return err
				}
				policies[feed] = Policy{Replicate: stmt.ColumnBool(1), Blocked: stmt.ColumnBool(2)}
				return nil
			}})
	})
	if err != nil {
		return fmt.Errorf("peers: loading feed policy: %w", err)
	}
	m.policyMu.Lock()
	m.policies = policies
	m.policyMu.Unlock()
	return nil
}

func (m *Manager) updatePolicy(ctx context.Context, feed ref.FeedID, change func(*Policy)) (Policy, error) {
	m.policyMu.Lock()
	policy := m.policies[feed]
	change(&policy)
	err := m.pool.Write(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`INSERT INTO feed_policy (feed, replicate, blocked) VALUES (?, ?, ?)
			 ON CONFLICT(feed) DO UPDATE SET replicate = excluded.replicate, blocked = excluded.blocked`,
			&sqlitex.ExecOptions{Args: []any{feed.String(), policy.Replicate, policy.Blocked}})
	})
	if err == nil {
		m.policies[feed] = policy
	}
	m.policyMu.Unlock()
	if err != nil {
		return Policy{}, fmt.Errorf("peers: storing policy for %s: %w", feed, err)
	}

	m.listenersMu.Lock()
	listeners := make([]func(ref.FeedID, Policy), 0, len(m.policyFns))
	for _, fn := range m.policyFns {
		listeners = append(listeners, fn)
	}
	m.listenersMu.Unlock()
	for _, fn := range listeners {
		fn(feed, policy)
	}
	return policy, nil
}

// SetReplicate marks feed as one to fetch from peers, or as known but
// not synced.
func (m *Manager) SetReplicate(ctx context.Context, feed ref.FeedID, replicate bool) error {
	_, err := m.updatePolicy(ctx, feed, func(p *Policy) { p.Replicate = replicate })
	if err == nil {
		m.logger.Info("replication policy changed", "feed", feed.String(), "replicate", replicate)
	}
	return err
}

// SetBlocked blocks or unblocks feed. Blocking refuses the feed at
// handshake and closes any open connection to it.
func (m *Manager) SetBlocked(ctx context.Context, feed ref.FeedID, blocked bool) error {
	if _, err := m.updatePolicy(ctx, feed, func(p *Policy) { p.Blocked = blocked }); err != nil {
		return err
	}
	m.logger.Info("block policy changed", "feed", feed.String(), "blocked", blocked)
	if blocked {
		for _, peer := range m.connected(feed) {
			peer.close(fmt.Errorf("feed blocked"))
		}
	}
	return nil
}

// Blocked reports whether feed is blocked.
func (m *Manager) Blocked(feed ref.FeedID) bool {
	m.policyMu.Lock()
	defer m.policyMu.Unlock()
	return m.policies[feed].Blocked
}

// Wanted returns the feeds to replicate: our own feed and every feed
// marked for replication that is not blocked, sorted.
func (m *Manager) Wanted() []ref.FeedID {
	m.policyMu.Lock()
	wanted := []ref.FeedID{m.identity.Feed()}
	for feed, policy := range m.policies {
		if policy.Replicate && !policy.Blocked && feed != m.identity.Feed() {
			wanted = append(wanted, feed)
		}
	}
	m.policyMu.Unlock()
	sort.Slice(wanted[1:], func(i, j int) bool { return wanted[1+i].String() < wanted[1+j].String() })
	return wanted
}

// OnPolicyChange registers fn to run after every policy change. The
// returned function unregisters it.
func (m *Manager) OnPolicyChange(fn func(ref.FeedID, Policy)) func() {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	id := m.nextListener
	m.nextListener++
	m.policyFns[id] = fn
	return func() {
		m.listenersMu.Lock()
		delete(m.policyFns, id)
		m.listenersMu.Unlock()
	}
}
