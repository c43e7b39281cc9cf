// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package ref defines the node's identifier types.
//
// Every identifier that crosses a package boundary is a small immutable
// value type with a Parse constructor, a MustParse variant for tests,
// String, IsZero, and text marshaling. Values are comparable and can be
// used as map keys.
//
//	@<base64 ed25519 public key>.ed25519      FeedID
//	%<base64 blake3 digest>.blake3            MessageKey
//	&<base64 blake3 digest>.blake3            BlobRef
//	net:<host>:<port>~shs:<base64 key>        Address
//	lowercase letters and digits              Alias
//
// Parsing happens at the edges (bridge calls, wire frames, the secret
// file). Internal code passes the typed values around and never
// re-validates.
package ref
