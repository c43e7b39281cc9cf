// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool wraps zombiezen's sqlitex.Pool with the pragmas
// the node's state database expects (WAL, foreign keys, a busy
// timeout) and two conveniences: With for reads and Write for
// IMMEDIATE transactions.
package sqlitepool
