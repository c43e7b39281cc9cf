// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package feedlog stores signed, hash-chained feeds on top of the
// offset log.
//
// A message at sequence N is accepted only if it links to the stored
// message N-1 and carries a valid signature by the feed's key. Local
// publishing goes through Append; replicated messages go through
// VerifyAndAppend, which rejects gaps, forks and bad signatures with a
// ValidationError. A rejection that claims to extend the tip poisons
// the feed: no further writes are accepted until NullFeed clears it.
package feedlog
