// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package peers

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/scuttle/lib/ref"
)

// connectWorkers is how many dials ConnectPeers runs at once.
const connectWorkers = 3

// AddressEntry is one row of the address book.
type AddressEntry struct {
	Address ref.Address `json:"address"`

	// WorkedLast is the Unix millisecond time of the last successful
	// connection, or zero.
	WorkedLast int64  `json:"worked_last"`
	LastError  string `json:"last_error,omitempty"`

	// Use is cleared when a dial fails and set again on success or
	// when the address is re-added.
	Use bool `json:"use"`
}

// AddAddress records address in the address book and marks it usable.
func (m *Manager) AddAddress(ctx context.Context, address ref.Address) error {
	err := m.pool.Write(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`INSERT INTO addresses (address, feed, use) VALUES (?, ?, 1)
			 ON CONFLICT(address) DO UPDATE SET use = 1`,
			&sqlitex.ExecOptions{Args: []any{address.String(), address.Feed().String()}})
	})
	if err != nil {
		return fmt.Errorf("peers: adding address %s: %w", address, err)
	}
	return nil
}

// Addresses returns the address book, most recently working first.
func (m *Manager) Addresses(ctx context.Context) ([]AddressEntry, error) {
	return m.queryAddresses(ctx, "SELECT address, worked_last, last_err, use FROM addresses ORDER BY worked_last DESC, address")
}

func (m *Manager) queryAddresses(ctx context.Context, query string, args ...any) ([]AddressEntry, error) {
	var entries []AddressEntry
	err := m.pool.With(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
			Args: args,
			ResultFunc: func(stmt *sqlite.Stmt) error {
				address, err := ref.ParseAddress(stmt.ColumnText(0))
				if err != nil {
					return err
				}
				entries = append(entries, AddressEntry{
					Address:    address,
					WorkedLast: stmt.ColumnInt64(1),
					LastError:  stmt.ColumnText(2),
					Use:        stmt.ColumnBool(3),
				})
				return nil
			},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("peers: reading address book: %w", err)
	}
	return entries, nil
}

// ConnectPeers dials up to n usable addresses whose feeds are not
// already connected, best first, and records each outcome. A failed
// address is marked unusable until it is added again. Returns how many
// connections were made.
func (m *Manager) ConnectPeers(ctx context.Context, n int) (int, error) {
	if n <= 0 {
		return 0, nil
	}
	candidates, err := m.queryAddresses(ctx,
		"SELECT address, worked_last, last_err, use FROM addresses WHERE use = 1 ORDER BY worked_last DESC, address")
	if err != nil {
		return 0, err
	}

	var selected []ref.Address
	for _, entry := range candidates {
		feed := entry.Address.Feed()
		if m.Blocked(feed) || len(m.connected(feed)) > 0 {
			continue
		}
		selected = append(selected, entry.Address)
		if len(selected) == n {
			break
		}
	}

	var connected atomic.Int32
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(connectWorkers)
	for _, address := range selected {
		group.Go(func() error {
			dialErr := m.Connect(groupCtx, address)
			if dialErr == nil {
				connected.Add(1)
			}
			return m.recordOutcome(context.WithoutCancel(groupCtx), address, dialErr)
		})
	}
	err = group.Wait()
	return int(connected.Load()), err
}

func (m *Manager) recordOutcome(ctx context.Context, address ref.Address, dialErr error) error {
	err := m.pool.Write(ctx, func(conn *sqlite.Conn) error {
		if dialErr == nil {
			return sqlitex.Execute(conn,
				"UPDATE addresses SET worked_last = ?, last_err = '', use = 1 WHERE address = ?",
				&sqlitex.ExecOptions{Args: []any{m.clock.Now().UnixMilli(), address.String()}})
		}
		return sqlitex.Execute(conn,
			"UPDATE addresses SET worked_last = 0, last_err = ?, use = 0 WHERE address = ?",
			&sqlitex.ExecOptions{Args: []any{dialErr.Error(), address.String()}})
	})
	if err != nil {
		return fmt.Errorf("peers: recording outcome for %s: %w", address, err)
	}
	if dialErr != nil {
		m.logger.Info("address failed", "address", address.String(), "error", dialErr)
	}
	return nil
}
