// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package blobstore

import (
	"bytes"
	"crypto/rand"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/bureau-foundation/scuttle/lib/digest"
	"github.com/bureau-foundation/scuttle/lib/ref"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return store
}

func TestPutGetRoundTrip(t *testing.T) {
	store := newStore(t)
	random := make([]byte, 100_000)
	rand.Read(random)

	tests := []struct {
		name string
		data []byte
	}{
		{"text", []byte(strings.Repeat("the quick brown fox ", 5000))},
		{"random", random},
		{"tiny", []byte("x")},
		{"empty", []byte{}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			blob, size, err := store.Put(bytes.NewReader(test.data))
			if err != nil {
				t.Fatalf("Put: %v", err)
			}
			if blob != digest.Blob(test.data) {
				t.Errorf("Put returned %s, want %s", blob, digest.Blob(test.data))
			}
			if size != int64(len(test.data)) {
				t.Errorf("size = %d, want %d", size, len(test.data))
			}
			if !store.Has(blob) {
				t.Error("Has = false after Put")
			}
			got, err := store.Get(blob)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if !bytes.Equal(got, test.data) {
				t.Error("Get returned different content")
			}
			if stored, err := store.Size(blob); err != nil || stored != int64(len(test.data)) {
				t.Errorf("Size = %d, %v", stored, err)
			}
		})
	}
}

func TestTextIsCompressedAtRest(t *testing.T) {
	store := newStore(t)
	data := []byte(strings.Repeat(`{"type":"post","text":"hello"}`, 2000))
	blob, _, err := store.Put(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	info, err := os.Stat(store.path(blob))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Size() >= int64(len(data))/2 {
		t.Errorf("file is %d bytes for %d bytes of repetitive JSON", info.Size(), len(data))
	}
}

func TestGetMissing(t *testing.T) {
	store := newStore(t)
	if _, err := store.Get(digest.Blob([]byte("absent"))); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestPutVerifiedRejectsMismatch(t *testing.T) {
	store := newStore(t)
	claimed := digest.Blob([]byte("what was asked for"))
	if err := store.PutVerified(claimed, []byte("something else")); !errors.Is(err, ErrHashMismatch) {
		t.Fatalf("err = %v, want ErrHashMismatch", err)
	}
	if store.Has(claimed) {
		t.Error("mismatched blob was stored")
	}
}

func TestPutRejectsOversized(t *testing.T) {
	store := newStore(t)
	if _, _, err := store.Put(bytes.NewReader(make([]byte, MaxSize+1))); !errors.Is(err, ErrTooLarge) {
		t.Errorf("err = %v, want ErrTooLarge", err)
	}
}

func TestGetDetectsCorruption(t *testing.T) {
	store := newStore(t)
	data := make([]byte, 4096)
	rand.Read(data)
	blob, _, _ := store.Put(bytes.NewReader(data))

	raw, _ := os.ReadFile(store.path(blob))
	raw[len(raw)-1] ^= 0xff
	os.WriteFile(store.path(blob), raw, 0o644)

	if _, err := store.Get(blob); err == nil {
		t.Error("Get returned corrupted content")
	}
}

func TestWantLifecycle(t *testing.T) {
	store := newStore(t)
	data := []byte("wanted content")
	blob := digest.Blob(data)

	var wanted []ref.BlobRef
	var added []ref.BlobRef
	store.OnWant(func(b ref.BlobRef) { wanted = append(wanted, b) })
	store.OnAdded(func(b ref.BlobRef, size int64) {
		if size != int64(len(data)) {
			t.Errorf("OnAdded size = %d", size)
		}
		added = append(added, b)
	})

	if store.Want(blob) {
		t.Fatal("Want reported a missing blob as present")
	}
	store.Want(blob)
	if len(wanted) != 1 {
		t.Errorf("want listeners called %d times, want 1", len(wanted))
	}
	if got := store.Wants(); len(got) != 1 || got[0] != blob {
		t.Errorf("Wants = %v", got)
	}

	if err := store.PutVerified(blob, data); err != nil {
		t.Fatalf("PutVerified: %v", err)
	}
	if store.Wanted(blob) {
		t.Error("want not cleared by arrival")
	}
	if len(added) != 1 || added[0] != blob {
		t.Errorf("added listeners saw %v", added)
	}

	if !store.Want(blob) {
		t.Error("Want of stored blob reported it missing")
	}
	if len(wanted) != 1 {
		t.Error("Want of stored blob notified listeners")
	}
}

func TestConcurrentPutsOfSameBlob(t *testing.T) {
	store := newStore(t)
	data := []byte(strings.Repeat("shared ", 1000))
	var group sync.WaitGroup
	for range 16 {
		group.Go(func() {
			if _, _, err := store.Put(bytes.NewReader(data)); err != nil {
				t.Errorf("Put: %v", err)
			}
		})
	}
	group.Wait()
	got, err := store.Get(digest.Blob(data))
	if err != nil || !bytes.Equal(got, data) {
		t.Errorf("Get after concurrent puts: %v", err)
	}
}
