// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"github.com/bureau-foundation/scuttle/lib/config"
	"github.com/bureau-foundation/scuttle/lib/migrate"
	"github.com/bureau-foundation/scuttle/lib/node"
	"github.com/bureau-foundation/scuttle/lib/ref"
	"github.com/bureau-foundation/scuttle/lib/version"
)

// ErrNotRunning is logged by operations called before Init or after
// Stop.
var ErrNotRunning = errors.New("bridge: node is not running")

// Callbacks are the application's notification hooks. Any may be nil.
type Callbacks struct {
	// BlobDownloaded is called when a wanted blob arrives.
	BlobDownloaded func(blob string, size int64)

	// MigrationRunning, MigrationError and MigrationDone follow the
	// state database migration during Init. MigrationError or
	// MigrationDone is called exactly once, last.
	MigrationRunning func(index, count int)
	MigrationError   func(index, count, code int)
	MigrationDone    func(count int)
}

// operationTimeout bounds calls that wait on the network. Room calls
// carry their own shorter timeout.
const operationTimeout = time.Minute

var (
	mu      sync.Mutex
	current *node.Node
	logFile *os.File

	// logger starts out on stderr only; Init adds the repository's
	// debug log.
	logger = slog.New(slog.NewJSONHandler(os.Stderr, nil)).With("phase", "pre-init")
)

func get() (*node.Node, error) {
	mu.Lock()
	defer mu.Unlock()
	if current == nil || !current.Running() {
		return nil, ErrNotRunning
	}
	return current, nil
}

// guard is deferred by every exported function: it turns a panic into
// a logged error so nothing unwinds across the boundary, and logs the
// operation's error if it has one.
func guard(operation string, err *error) {
	if recovered := recover(); recovered != nil {
		*err = fmt.Errorf("panic: %v", recovered)
		logger.Error("bridge operation panicked",
			"operation", operation, "panic", recovered, "stack", string(debug.Stack()))
		return
	}
	if *err != nil {
		logger.Error("bridge operation failed", "operation", operation, "error", *err)
	}
}

// Init starts the node described by configJSON. It fails if a node is
// already running.
func Init(configJSON string, callbacks Callbacks) (ok bool) {
	var err error
	defer guard("Init", &err)

	mu.Lock()
	defer mu.Unlock()
	if current != nil && current.Running() {
		err = errors.New("bridge: node is already running")
		return false
	}

	bridgeConfig, err := config.ParseBridge([]byte(configJSON))
	if err != nil {
		return false
	}
	cfg, err := bridgeConfig.Config()
	if err != nil {
		return false
	}
	identity, err := bridgeConfig.Identity()
	if err != nil {
		return false
	}
	if err = openLog(cfg); err != nil {
		return false
	}

	options := node.Options{
		Config:   cfg,
		Identity: identity,
		Migrations: migrate.Funcs{
			Running: callbacks.MigrationRunning,
			Error:   callbacks.MigrationError,
			Done:    callbacks.MigrationDone,
		},
		Logger: logger,
	}
	if callbacks.BlobDownloaded != nil {
		options.OnBlobDownloaded = func(blob ref.BlobRef, size int64) {
			callbacks.BlobDownloaded(blob.String(), size)
		}
	}

	current, err = node.Start(context.Background(), options)
	if err != nil {
		current = nil
		return false
	}
	return true
}

// openLog points the logger at stderr plus a debug log file in the
// repository.
func openLog(cfg *config.Config) error {
	directory := filepath.Join(cfg.Repo.Path, "debug")
	if err := os.MkdirAll(directory, 0o700); err != nil {
		return fmt.Errorf("creating log directory: %w", err)
	}
	name := fmt.Sprintf("scuttle-%s.log", time.Now().UTC().Format("2006-01-02_15-04"))
	file, err := os.OpenFile(filepath.Join(directory, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("creating log file: %w", err)
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Logging.Level)); err != nil {
		file.Close()
		return fmt.Errorf("log level: %w", err)
	}
	if logFile != nil {
		logFile.Close()
	}
	logFile = file
	logger = slog.New(slog.NewJSONHandler(io.MultiWriter(os.Stderr, file), &slog.HandlerOptions{Level: level}))
	return nil
}

// Stop closes the running node. Stopping when nothing runs succeeds.
func Stop() (ok bool) {
	var err error
	defer guard("Stop", &err)

	mu.Lock()
	defer mu.Unlock()
	if current == nil {
		return true
	}
	err = current.Close()
	current = nil
	return err == nil
}

// IsRunning reports whether a node is running.
func IsRunning() (running bool) {
	var err error
	defer guard("IsRunning", &err)
	_, err = get()
	if errors.Is(err, ErrNotRunning) {
		err = nil
		return false
	}
	return err == nil
}

// Version returns the build version.
func Version() string {
	return version.Info()
}

// GenerateKey returns a fresh identity in secret file form, or "" on
// failure.
func GenerateKey() (secret string) {
	var err error
	defer guard("GenerateKey", &err)
	pair, err := generateKey()
	if err != nil {
		return ""
	}
	data, err := pair.MarshalJSON()
	if err != nil {
		return ""
	}
	return string(data)
}
