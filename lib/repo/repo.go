// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package repo owns the on-disk layout of a node's repository and the
// exclusive lock that keeps two processes from opening it at once.
//
//	<root>/lock          flock(2) target
//	<root>/secret        identity (see lib/keys)
//	<root>/log/offsets   framed message log (see lib/offsetlog)
//	<root>/state.db      SQLite: log index, feed state, address book
//	<root>/blobs/        content-addressed blobs (see lib/blobstore)
package repo

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/scuttle/lib/sqlitepool"
)

// ErrLocked is returned by Open when another process holds the lock.
var ErrLocked = errors.New("repo: repository is locked by another process")

// Repo is an opened, locked repository.
type Repo struct {
	root     string
	lockFile *os.File
	state    *sqlitepool.Pool
}

// Open creates the layout under root if needed, takes the lock and
// opens the state database.
func Open(root string, logger *slog.Logger) (*Repo, error) {
	if root == "" {
		return nil, fmt.Errorf("repo: root path is empty")
	}
	for _, directory := range []string{root, filepath.Join(root, "log"), filepath.Join(root, "blobs")} {
		if err := os.MkdirAll(directory, 0o700); err != nil {
			return nil, fmt.Errorf("repo: creating %s: %w", directory, err)
		}
	}

	lockFile, err := os.OpenFile(filepath.Join(root, "lock"), os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("repo: opening lock file: %w", err)
	}
	if err := unix.Flock(int(lockFile.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		lockFile.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("repo: locking: %w", err)
	}

	state, err := sqlitepool.Open(sqlitepool.Config{
		Path:    filepath.Join(root, "state.db"),
		Durable: true,
		Logger:  logger,
	})
	if err != nil {
		unix.Flock(int(lockFile.Fd()), unix.LOCK_UN)
		lockFile.Close()
		return nil, err
	}

	return &Repo{root: root, lockFile: lockFile, state: state}, nil
}

func (r *Repo) Root() string { return r.root }

// SecretPath is where the node identity lives.
func (r *Repo) SecretPath() string { return filepath.Join(r.root, "secret") }

// LogPath is the offset log file.
func (r *Repo) LogPath() string { return filepath.Join(r.root, "log", "offsets") }

// BlobsPath is the blob store root.
func (r *Repo) BlobsPath() string { return filepath.Join(r.root, "blobs") }

// State returns the state database pool.
func (r *Repo) State() *sqlitepool.Pool { return r.state }

// Close closes the state database and releases the lock.
func (r *Repo) Close() error {
	stateErr := r.state.Close()
	unlockErr := unix.Flock(int(r.lockFile.Fd()), unix.LOCK_UN)
	closeErr := r.lockFile.Close()
	return errors.Join(stateErr, unlockErr, closeErr)
}
