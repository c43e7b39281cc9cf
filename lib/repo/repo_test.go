// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package repo

import (
	"errors"
	"os"
	"testing"
)

func TestOpenCreatesLayout(t *testing.T) {
	root := t.TempDir()
	opened, err := Open(root, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer opened.Close()

	for _, path := range []string{opened.BlobsPath(), root + "/log", root + "/state.db"} {
		if _, err := os.Stat(path); err != nil {
			t.Errorf("%s: %v", path, err)
		}
	}
}

func TestOpenIsExclusive(t *testing.T) {
	root := t.TempDir()
	first, err := Open(root, nil)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}

	if _, err := Open(root, nil); !errors.Is(err, ErrLocked) {
		t.Fatalf("second Open: err = %v, want ErrLocked", err)
	}

	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	second, err := Open(root, nil)
	if err != nil {
		t.Fatalf("Open after Close: %v", err)
	}
	second.Close()
}
