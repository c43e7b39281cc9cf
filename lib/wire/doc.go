// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire defines the frames peers exchange once a secure
// connection is up.
//
// Every frame is a CBOR map {type, body}. [Parse] checks the envelope
// and rejects unknown types; [Frame.Decode] decodes the body into the
// struct for its type. Bodies decode leniently so fields can be added
// without a version bump.
package wire
