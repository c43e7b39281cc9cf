// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"strings"
)

const feedSuffix = ".ed25519"

// FeedID identifies a feed by the ed25519 public key that signs it.
type FeedID struct {
	key   [ed25519.PublicKeySize]byte
	valid bool
}

// NewFeedID wraps a public key. Returns an error if the key has the
// wrong length.
func NewFeedID(publicKey ed25519.PublicKey) (FeedID, error) {
	if len(publicKey) != ed25519.PublicKeySize {
		return FeedID{}, fmt.Errorf("feed public key is %d bytes, want %d", len(publicKey), ed25519.PublicKeySize)
	}
	var id FeedID
	copy(id.key[:], publicKey)
	id.valid = true
	return id, nil
}

// ParseFeedID parses "@<base64>.ed25519".
func ParseFeedID(raw string) (FeedID, error) {
	if !strings.HasPrefix(raw, "@") || !strings.HasSuffix(raw, feedSuffix) {
		return FeedID{}, fmt.Errorf("invalid feed id %q: want @<key>%s", raw, feedSuffix)
	}
	encoded := raw[1 : len(raw)-len(feedSuffix)]
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return FeedID{}, fmt.Errorf("invalid feed id %q: %w", raw, err)
	}
	id, err := NewFeedID(decoded)
	if err != nil {
		return FeedID{}, fmt.Errorf("invalid feed id %q: %w", raw, err)
	}
	return id, nil
}

// MustParseFeedID is ParseFeedID that panics on error.
func MustParseFeedID(raw string) FeedID {
	id, err := ParseFeedID(raw)
	if err != nil {
		panic(fmt.Sprintf("ref.MustParseFeedID(%q): %v", raw, err))
	}
	return id
}

// PublicKey returns a copy of the signing key.
func (f FeedID) PublicKey() ed25519.PublicKey {
	if !f.valid {
		return nil
	}
	key := make(ed25519.PublicKey, ed25519.PublicKeySize)
	copy(key, f.key[:])
	return key
}

func (f FeedID) String() string {
	if !f.valid {
		return ""
	}
	return "@" + base64.StdEncoding.EncodeToString(f.key[:]) + feedSuffix
}

// Short returns the first eight base64 characters, for logs.
func (f FeedID) Short() string {
	if !f.valid {
		return ""
	}
	return "@" + base64.StdEncoding.EncodeToString(f.key[:])[:8]
}

func (f FeedID) IsZero() bool { return !f.valid }

func (f FeedID) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

func (f *FeedID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*f = FeedID{}
		return nil
	}
	parsed, err := ParseFeedID(string(data))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}
