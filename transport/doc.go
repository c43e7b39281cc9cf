// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport carries peer connections: raw TCP listening and
// dialing, the authenticating handshake, and the encrypted frame
// stream that replication runs over.
//
// [Listener] and [Dialer] produce raw net.Conns. [Handshake] runs the
// mutual ed25519 challenge over a fresh X25519 exchange, gated by a
// shared [NetworkKey], and returns a [Conn] whose frames are sealed
// with ChaCha20-Poly1305 under per-direction HKDF keys. Outbound
// callers pass the identity from the dialled address so a peer cannot
// answer for someone else.
package transport
