// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"log/slog"
	"os"
	"testing"
)

// SocketDir returns a short directory under /tmp for Unix sockets,
// whose paths are limited to 108 bytes. Removed on cleanup.
func SocketDir(t *testing.T) string {
	t.Helper()
	directory, err := os.MkdirTemp("/tmp", "scuttle-test-*")
	if err != nil {
		t.Fatalf("creating socket directory: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(directory) })
	return directory
}

// Logger returns a logger that discards everything, or writes text to
// stderr when SCUTTLE_TEST_LOG is set.
func Logger() *slog.Logger {
	if os.Getenv("SCUTTLE_TEST_LOG") != "" {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.DiscardHandler)
}
