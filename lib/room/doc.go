// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package room registers and looks up aliases on room servers.
//
// A room is a peer that hands out human-readable aliases for feeds. The
// [Client] connects to the room through the peer manager and speaks to
// it with request/reply calls carried on the replication connection.
// [Server] is the room side: an in-memory alias registry that accepts a
// registration only when it carries the registering feed's signature
// over the room, the feed and the alias.
package room
