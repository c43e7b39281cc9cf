// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	// DigestSize is the length of every content digest the node uses.
	DigestSize = 32

	hashSuffix = ".blake3"
)

// Digest is a raw 32-byte content digest.
type Digest [DigestSize]byte

// Hex returns the lowercase hex form, used for on-disk blob paths.
func (d Digest) Hex() string { return hex.EncodeToString(d[:]) }

// MessageKey identifies a message by the digest of its signed form.
type MessageKey struct {
	digest Digest
	valid  bool
}

// BlobRef identifies a blob by the digest of its bytes.
type BlobRef struct {
	digest Digest
	valid  bool
}

func NewMessageKey(digest Digest) MessageKey { return MessageKey{digest: digest, valid: true} }

func NewBlobRef(digest Digest) BlobRef { return BlobRef{digest: digest, valid: true} }

// ParseMessageKey parses "%<base64>.blake3".
func ParseMessageKey(raw string) (MessageKey, error) {
	digest, err := parseSigilDigest(raw, '%')
	if err != nil {
		return MessageKey{}, fmt.Errorf("invalid message key: %w", err)
	}
	return NewMessageKey(digest), nil
}

// ParseBlobRef parses "&<base64>.blake3".
func ParseBlobRef(raw string) (BlobRef, error) {
	digest, err := parseSigilDigest(raw, '&')
	if err != nil {
		return BlobRef{}, fmt.Errorf("invalid blob ref: %w", err)
	}
	return NewBlobRef(digest), nil
}

func MustParseMessageKey(raw string) MessageKey {
	key, err := ParseMessageKey(raw)
	if err != nil {
		panic(fmt.Sprintf("ref.MustParseMessageKey(%q): %v", raw, err))
	}
	return key
}

func MustParseBlobRef(raw string) BlobRef {
	blob, err := ParseBlobRef(raw)
	if err != nil {
		panic(fmt.Sprintf("ref.MustParseBlobRef(%q): %v", raw, err))
	}
	return blob
}

func (k MessageKey) Digest() Digest { return k.digest }
func (k MessageKey) IsZero() bool   { return !k.valid }
func (k MessageKey) String() string { return formatSigilDigest('%', k.digest, k.valid) }

func (b BlobRef) Digest() Digest { return b.digest }
func (b BlobRef) IsZero() bool   { return !b.valid }
func (b BlobRef) String() string { return formatSigilDigest('&', b.digest, b.valid) }

func (k MessageKey) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *MessageKey) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*k = MessageKey{}
		return nil
	}
	parsed, err := ParseMessageKey(string(data))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

func (b BlobRef) MarshalText() ([]byte, error) { return []byte(b.String()), nil }

func (b *BlobRef) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*b = BlobRef{}
		return nil
	}
	parsed, err := ParseBlobRef(string(data))
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

func parseSigilDigest(raw string, sigil byte) (Digest, error) {
	if len(raw) == 0 || raw[0] != sigil || !strings.HasSuffix(raw, hashSuffix) {
		return Digest{}, fmt.Errorf("%q: want %c<base64>%s", raw, sigil, hashSuffix)
	}
	decoded, err := base64.StdEncoding.DecodeString(raw[1 : len(raw)-len(hashSuffix)])
	if err != nil {
		return Digest{}, fmt.Errorf("%q: %w", raw, err)
	}
	if len(decoded) != DigestSize {
		return Digest{}, fmt.Errorf("%q: digest is %d bytes, want %d", raw, len(decoded), DigestSize)
	}
	var digest Digest
	copy(digest[:], decoded)
	return digest, nil
}

func formatSigilDigest(sigil byte, digest Digest, valid bool) string {
	if !valid {
		return ""
	}
	return string(sigil) + base64.StdEncoding.EncodeToString(digest[:]) + hashSuffix
}
