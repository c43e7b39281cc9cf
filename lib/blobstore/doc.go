// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package blobstore stores content-addressed blobs and tracks the
// blobs the node wants from peers.
//
// Blobs are referenced by their keyed BLAKE3 digest (see lib/digest)
// and compressed at rest with zstd or LZ4 when that pays off. Content
// is re-verified against its reference on every read.
//
// The want registry is in memory. [Store.Want] announces a new want to
// [Store.OnWant] listeners (the replication engine asks connected
// peers); storing the blob through [Store.Put] or [Store.PutVerified]
// clears the want and fires [Store.OnAdded].
package blobstore
