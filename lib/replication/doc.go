// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package replication exchanges feeds and blobs with connected peers.
//
// Each connection starts with both sides sending a clock: the feeds
// they want and how far they hold each. From then on a peer that is
// ahead on a wanted feed is asked for the missing range, one window of
// messages at a time, and every message received is checked with
// [feedlog.Log.VerifyAndAppend] before it is stored. New messages are
// announced to peers that want their feed as they are stored, so a
// connection stays live without polling.
//
// Blobs are fetched on demand: wanting a blob asks every connected
// peer, the first to answer that it has the blob is asked for the
// bytes, and the bytes are stored only if they hash to the wanted
// reference.
//
// The same connection carries request/reply calls (see [Engine.Call]),
// which the room client uses to talk to a room server.
package replication
