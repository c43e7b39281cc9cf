// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package migrate runs one-time repository upgrade steps in order and
// remembers which have completed.
package migrate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/scuttle/lib/clock"
	"github.com/bureau-foundation/scuttle/lib/sqlitepool"
)

const schema = `
CREATE TABLE IF NOT EXISTS migrations (
	name TEXT PRIMARY KEY,
	completed_at INTEGER NOT NULL
);`

// ErrorUnknown is the only error code OnError reports today.
const ErrorUnknown = 0

// Step is one named migration. Names must never be reused: a
// completed name is skipped on every later run.
type Step struct {
	Name string
	Run  func(ctx context.Context) error
}

// Listener follows a run. OnRunning fires before each step that has
// not completed yet. OnError or OnDone fires exactly once, last.
type Listener interface {
	OnRunning(index, count int)
	OnError(index, count, code int)
	OnDone(count int)
}

// Runner applies steps against a state database.
type Runner struct {
	pool   *sqlitepool.Pool
	clock  clock.Clock
	logger *slog.Logger
}

func NewRunner(pool *sqlitepool.Pool, clk clock.Clock, logger *slog.Logger) *Runner {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Runner{pool: pool, clock: clk, logger: logger}
}

// Run executes the steps that have not completed, in order, stopping
// at the first failure. listener may be nil.
func (r *Runner) Run(ctx context.Context, steps []Step, listener Listener) error {
	if listener == nil {
		listener = nopListener{}
	}
	count := len(steps)

	err := r.pool.Write(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.ExecuteScript(conn, schema, nil)
	})
	if err != nil {
		listener.OnError(0, count, ErrorUnknown)
		return fmt.Errorf("migrate: creating migrations table: %w", err)
	}

	for index, step := range steps {
		done, err := r.completed(ctx, step.Name)
		if err != nil {
			listener.OnError(index, count, ErrorUnknown)
			return fmt.Errorf("migrate: loading status of %s: %w", step.Name, err)
		}
		if done {
			continue
		}

		listener.OnRunning(index, count)
		r.logger.Info("running migration", "name", step.Name, "index", index, "count", count)
		started := r.clock.Now()
		if err := step.Run(ctx); err != nil {
			listener.OnError(index, count, ErrorUnknown)
			r.logger.Error("migration failed", "name", step.Name, "error", err)
			return fmt.Errorf("migrate: %s: %w", step.Name, err)
		}
		if err := r.markCompleted(ctx, step.Name); err != nil {
			listener.OnError(index, count, ErrorUnknown)
			return fmt.Errorf("migrate: recording %s: %w", step.Name, err)
		}
		r.logger.Info("migration complete", "name", step.Name, "elapsed", r.clock.Now().Sub(started))
	}

	listener.OnDone(count)
	return nil
}

func (r *Runner) completed(ctx context.Context, name string) (bool, error) {
	done := false
	err := r.pool.With(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "SELECT 1 FROM migrations WHERE name = ?", &sqlitex.ExecOptions{
			Args: []any{name},
			ResultFunc: func(*sqlite.Stmt) error {
				done = true
				return nil
			},
		})
	})
	return done, err
}

func (r *Runner) markCompleted(ctx context.Context, name string) error {
	return r.pool.Write(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "INSERT INTO migrations (name, completed_at) VALUES (?, ?)",
			&sqlitex.ExecOptions{Args: []any{name, r.clock.Now().UnixMilli()}})
	})
}

// Completed lists completed step names with their completion times.
func (r *Runner) Completed(ctx context.Context) (map[string]time.Time, error) {
	completed := make(map[string]time.Time)
	err := r.pool.With(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "SELECT name, completed_at FROM migrations", &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				completed[stmt.ColumnText(0)] = time.UnixMilli(stmt.ColumnInt64(1))
				return nil
			},
		})
	})
	if err != nil {
		return nil, err
	}
	return completed, nil
}

type nopListener struct{}

func (nopListener) OnRunning(int, int)     {}
func (nopListener) OnError(int, int, int) {}
func (nopListener) OnDone(int)            {}

// Funcs adapts three functions to Listener. Nil functions are skipped.
type Funcs struct {
	Running func(index, count int)
	Error   func(index, count, code int)
	Done    func(count int)
}

func (f Funcs) OnRunning(index, count int) {
	if f.Running != nil {
		f.Running(index, count)
	}
}

func (f Funcs) OnError(index, count, code int) {
	if f.Error != nil {
		f.Error(index, count, code)
	}
}

func (f Funcs) OnDone(count int) {
	if f.Done != nil {
		f.Done(count)
	}
}
