// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec holds the node's CBOR configuration.
//
// CBOR is used for everything the node signs, stores or sends to
// another node: message payloads, offset log frames, replication
// frames and control socket requests. JSON appears only at the edges
// (the embedding bridge, CLI output, the secret file).
//
// Encoding is core deterministic, so hashing and signing the output of
// Marshal is safe. Two decoders are offered: Unmarshal tolerates
// unknown fields, UnmarshalStrict does not and is meant for signed
// content.
//
// Struct tags: use `cbor` for types that are only ever CBOR, and
// `json` for types that are also rendered as JSON (fxamacker falls back
// to json tags).
package codec
