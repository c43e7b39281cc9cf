// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package service is the control socket of a scuttle node: a CBOR
// request-response protocol on a Unix socket, plus the logger daemons
// start with.
//
// Each connection carries exactly one request and one response. A
// request is a CBOR map with an "action" field naming the operation
// and an optional "args" field holding its arguments. The response is
// a [Response]: ok, an error string when ok is false, and the
// operation's result as nested CBOR in "data".
//
// Access control is the socket file's mode: the server creates it
// 0600, so only the node's user can drive the node.
package service
