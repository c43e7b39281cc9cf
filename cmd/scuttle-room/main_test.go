// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestVersionFlag(t *testing.T) {
	if err := run([]string{"--version"}); err != nil {
		t.Fatalf("run --version: %v", err)
	}
}

func TestRoomRequiresListenAddress(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scuttle.yaml")
	contents := "repo:\n  path: " + t.TempDir() + "\nnetwork:\n  listen_addr: \"\"\n"
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatal(err)
	}
	err := run([]string{"--config", path, "--listen", ""})
	if err == nil || !strings.Contains(err.Error(), "must listen") {
		t.Fatalf("run without listen address = %v", err)
	}
}
