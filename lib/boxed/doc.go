// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package boxed encrypts private message content to a set of feeds.
//
// A feed's ed25519 key doubles as its encryption key: [Seal] wraps
// filippo.io/age with its ssh-ed25519 recipient type, so any holder of
// a recipient feed's secret can [Open] the result and nobody needs a
// second keypair. The ciphertext is stored as the message content; the
// signed metadata only records that the message is private.
package boxed
