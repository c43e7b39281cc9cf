// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package digest computes the node's content digests with BLAKE3 in
// keyed mode. Each kind of hashed thing has its own domain key so the
// same bytes never yield the same digest in two roles.
package digest

import (
	"hash"

	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/scuttle/lib/ref"
)

// domain is a 32-byte BLAKE3 key: an ASCII label, zero padded.
type domain [32]byte

func newDomain(label string) domain {
	if len(label) > 32 {
		panic("digest: domain label longer than 32 bytes: " + label)
	}
	var key domain
	copy(key[:], label)
	return key
}

// Changing a label invalidates every stored digest of that kind.
var (
	messageDomain = newDomain("scuttle.message.key")
	contentDomain = newDomain("scuttle.message.content")
	blobDomain    = newDomain("scuttle.blob")
)

func newHasher(key domain) *blake3.Hasher {
	hasher, err := blake3.NewKeyed(key[:])
	if err != nil {
		panic("digest: BLAKE3 keyed initialization failed: " + err.Error())
	}
	return hasher
}

func sum(hasher hash.Hash) ref.Digest {
	var out ref.Digest
	copy(out[:], hasher.Sum(nil))
	return out
}

// MessageKey derives a message's key from its signed bytes and
// signature.
func MessageKey(signed, signature []byte) ref.MessageKey {
	hasher := newHasher(messageDomain)
	hasher.Write(signed)
	hasher.Write(signature)
	return ref.NewMessageKey(sum(hasher))
}

// Content digests message content. The digest is part of the signed
// metadata, so content can later be dropped without breaking the
// signature or the feed's hash chain.
func Content(content []byte) ref.Digest {
	hasher := newHasher(contentDomain)
	hasher.Write(content)
	return sum(hasher)
}

// Blob digests a complete blob.
func Blob(data []byte) ref.BlobRef {
	hasher := newHasher(blobDomain)
	hasher.Write(data)
	return ref.NewBlobRef(sum(hasher))
}

// BlobHasher digests a blob incrementally. It is an io.Writer.
type BlobHasher struct {
	hasher *blake3.Hasher
	size   int64
}

// NewBlobHasher returns an empty BlobHasher.
func NewBlobHasher() *BlobHasher {
	return &BlobHasher{hasher: newHasher(blobDomain)}
}

func (h *BlobHasher) Write(p []byte) (int, error) {
	h.size += int64(len(p))
	return h.hasher.Write(p)
}

// Size returns the number of bytes written so far.
func (h *BlobHasher) Size() int64 { return h.size }

// Ref returns the digest of everything written so far.
func (h *BlobHasher) Ref() ref.BlobRef { return ref.NewBlobRef(sum(h.hasher)) }
