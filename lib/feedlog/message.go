// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package feedlog

import (
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bureau-foundation/scuttle/lib/codec"
	"github.com/bureau-foundation/scuttle/lib/digest"
	"github.com/bureau-foundation/scuttle/lib/keys"
	"github.com/bureau-foundation/scuttle/lib/ref"
)

// MaxContentSize bounds the content of one message, after encryption
// for private messages.
const MaxContentSize = 16 << 10

// Message is one signed entry of a feed.
//
// The signature covers the metadata, which includes a digest of the
// content rather than the content itself. Content can therefore be
// dropped (see Log.NullContent) while the message keeps its key and
// the feed's hash chain still verifies.
type Message struct {
	Author      ref.FeedID
	Sequence    uint64
	Previous    ref.MessageKey
	Timestamp   time.Time
	Private     bool
	ContentHash ref.Digest
	ContentSize int

	// Content is nil once the content has been nulled.
	Content []byte

	Signature []byte

	signed []byte
	key    ref.MessageKey
}

// signedFields is exactly what the author signs.
type signedFields struct {
	Author      ref.FeedID     `cbor:"author"`
	Sequence    uint64         `cbor:"sequence"`
	Previous    ref.MessageKey `cbor:"previous"`
	Timestamp   int64          `cbor:"timestamp"`
	Private     bool           `cbor:"private"`
	ContentHash []byte         `cbor:"content_hash"`
	ContentSize int            `cbor:"content_size"`
}

// envelope is the stored and transmitted form of a message.
type envelope struct {
	Signed    codec.RawMessage `cbor:"signed"`
	Signature []byte           `cbor:"signature"`
	Content   []byte           `cbor:"content,omitempty"`
}

// Key returns the message's key: the digest of its signed bytes and
// signature.
func (m *Message) Key() ref.MessageKey { return m.key }

// Nulled reports whether the content has been dropped.
func (m *Message) Nulled() bool { return m.Content == nil }

// sign builds and signs a new message.
func sign(signer keys.Signer, sequence uint64, previous ref.MessageKey, timestamp time.Time, private bool, content []byte) (*Message, error) {
	contentHash := digest.Content(content)
	fields := signedFields{
		Author:      signer.Feed(),
		Sequence:    sequence,
		Previous:    previous,
		Timestamp:   timestamp.UnixMilli(),
		Private:     private,
		ContentHash: contentHash[:],
		ContentSize: len(content),
	}
	signed, err := codec.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encoding signed fields: %w", err)
	}
	signature := signer.Sign(signed)
	return &Message{
		Author:      fields.Author,
		Sequence:    sequence,
		Previous:    previous,
		Timestamp:   time.UnixMilli(fields.Timestamp),
		Private:     private,
		ContentHash: contentHash,
		ContentSize: len(content),
		Content:     content,
		Signature:   signature,
		signed:      signed,
		key:         digest.MessageKey(signed, signature),
	}, nil
}

// Encode returns the envelope bytes for storage or transmission.
func (m *Message) Encode() ([]byte, error) {
	return codec.Marshal(envelope{Signed: m.signed, Signature: m.Signature, Content: m.Content})
}

// withoutContent returns a copy of m with its content dropped.
func (m *Message) withoutContent() *Message {
	stripped := *m
	stripped.Content = nil
	return &stripped
}

// errNonCanonical marks a signed section that does not re-encode to
// the same bytes. Accepting it would let two encodings share a key.
var errNonCanonical = errors.New("feedlog: signed section is not canonically encoded")

// Decode parses an envelope. It checks structure only; Verify checks
// the signature and content digest.
func Decode(data []byte) (*Message, error) {
	var wrapped envelope
	if err := codec.UnmarshalStrict(data, &wrapped); err != nil {
		return nil, fmt.Errorf("feedlog: decoding envelope: %w", err)
	}
	var fields signedFields
	if err := codec.UnmarshalStrict(wrapped.Signed, &fields); err != nil {
		return nil, fmt.Errorf("feedlog: decoding signed section: %w", err)
	}
	canonical, err := codec.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("feedlog: re-encoding signed section: %w", err)
	}
	if !bytes.Equal(canonical, wrapped.Signed) {
		return nil, errNonCanonical
	}
	if fields.Author.IsZero() {
		return nil, fmt.Errorf("feedlog: message has no author")
	}
	if len(fields.ContentHash) != ref.DigestSize {
		return nil, fmt.Errorf("feedlog: content hash is %d bytes, want %d", len(fields.ContentHash), ref.DigestSize)
	}
	if fields.ContentSize < 0 || fields.ContentSize > MaxContentSize {
		return nil, fmt.Errorf("feedlog: content size %d out of range", fields.ContentSize)
	}
	var contentHash ref.Digest
	copy(contentHash[:], fields.ContentHash)
	return &Message{
		Author:      fields.Author,
		Sequence:    fields.Sequence,
		Previous:    fields.Previous,
		Timestamp:   time.UnixMilli(fields.Timestamp),
		Private:     fields.Private,
		ContentHash: contentHash,
		ContentSize: fields.ContentSize,
		Content:     wrapped.Content,
		Signature:   wrapped.Signature,
		signed:      []byte(wrapped.Signed),
		key:         digest.MessageKey(wrapped.Signed, wrapped.Signature),
	}, nil
}

// Verify checks the author's signature and, unless the content has
// been nulled, that the content matches its digest. Errors wrap
// ErrBadSignature or ErrHashMismatch.
func (m *Message) Verify() error {
	if len(m.Signature) != ed25519.SignatureSize || !keys.Verify(m.Author, m.signed, m.Signature) {
		return ErrBadSignature
	}
	if m.Content != nil {
		if len(m.Content) != m.ContentSize || digest.Content(m.Content) != m.ContentHash {
			return fmt.Errorf("%w: content does not match its digest", ErrHashMismatch)
		}
	}
	return nil
}

// validatePublicContent requires a JSON object.
func validatePublicContent(content []byte) error {
	trimmed := bytes.TrimSpace(content)
	if len(trimmed) == 0 || trimmed[0] != '{' || !json.Valid(trimmed) {
		return ErrInvalidContent
	}
	return nil
}
