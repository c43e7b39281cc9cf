// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package node assembles a running feed node from its parts: the
// locked repository, the offset log and feed log on top of it, the
// blob store, the peer connection manager and the replication engine
// that runs on every connection, and the room client that rides on
// both.
//
// [Start] migrates the state database with a [migrate.Runner] before
// anything else opens it, reporting progress to the caller's
// listener. Every operation an embedding application or the control
// socket needs is a method on [Node]; [Node.RegisterControl] exposes
// them all on a [service.SocketServer].
//
// Stream methods return JSON arrays of [Entry] values. Root and
// private streams page by receive sequence (the "rx" of the last entry
// is the next start); the published stream pages by the local feed's
// own sequence.
package node
