// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package peers manages connections to other nodes.
//
// A [Manager] dials outbound addresses, accepts inbound connections,
// authenticates both through transport.Handshake, and runs a [Handler]
// (the replication engine) on each authenticated [Peer] until it ends.
// Each connection moves through the [State] machine Dialing,
// Handshaking, Authenticated, Replicating, Closed.
//
// The manager also keeps per-feed policy in SQLite: whether a feed is
// replicated and whether it is blocked. Blocked feeds are refused
// during the handshake and existing connections to them are torn down
// when the block is set. The address book records which addresses
// worked; [Manager.ConnectPeers] uses it to pick dial targets.
package peers
