// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package offsetlog is the node's physical message store: a single
// append-only file of checksummed frames and a SQLite index mapping
// (feed, sequence) and receive sequence to file offsets.
//
// The log does not understand message bytes. A Codec supplied by the
// feed layer decodes the metadata needed for indexing and verifies
// signatures during full checks.
//
// Integrity tooling lives here too. Check inspects the index (quick)
// or every frame (full) and produces a Report; Heal acts on a fresh
// full check by truncating trailing garbage, nulling broken feeds from
// their first bad message, and rebuilding the index.
package offsetlog
