// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package digest

import (
	"bytes"
	"slices"
	"testing"
)

func TestDomainsSeparate(t *testing.T) {
	data := []byte("same bytes")
	if Content(data) == Blob(data).Digest() {
		t.Error("content and blob domains collide")
	}
	if MessageKey(data, nil).Digest() == Content(data) {
		t.Error("message and content domains collide")
	}
}

func TestBlobHasherMatchesBlob(t *testing.T) {
	data := bytes.Repeat([]byte("0123456789"), 1000)
	hasher := NewBlobHasher()
	for chunk := range slices.Chunk(data, 333) {
		hasher.Write(chunk)
	}
	if hasher.Ref() != Blob(data) {
		t.Error("incremental digest differs from one-shot digest")
	}
	if hasher.Size() != int64(len(data)) {
		t.Errorf("Size = %d, want %d", hasher.Size(), len(data))
	}
}

func TestMessageKeyCoversSignature(t *testing.T) {
	signed := []byte("payload")
	if MessageKey(signed, []byte{1}) == MessageKey(signed, []byte{2}) {
		t.Error("different signatures produced the same key")
	}
}
