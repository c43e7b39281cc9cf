// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// scuttle-room runs a room: a listening node that also keeps an alias
// registry, so members can register, list and revoke aliases for their
// feeds over the replication connection. Aliases live in memory and
// are lost on restart.
//
// The room takes the same configuration as scuttle-node and requires a
// listen address. --domain makes registered aliases resolve as
// https://<alias>.<domain>.
package main
