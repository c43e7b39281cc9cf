// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package bridge is the flat call surface an embedding application
// (a mobile app linking the node as a library) drives a single
// process-wide node through.
//
// Every function takes and returns plain values: strings holding JSON
// documents, booleans, and integer codes. Errors never cross the
// boundary. Each function logs its failure and returns its zero or
// failure value instead, and a panic inside an operation is recovered
// and logged the same way. Long operations report progress through
// callbacks: [Callbacks] for migrations and downloaded blobs at
// [Init], a progress function for [OffsetFSCK].
//
// [Init] takes the application's JSON configuration (comments are
// tolerated) and starts the node; [Stop] closes it. Calls made while
// no node runs fail with their failure value.
package bridge
