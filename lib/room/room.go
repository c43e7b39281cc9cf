// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package room

import (
	"errors"

	"github.com/bureau-foundation/scuttle/lib/ref"
	"github.com/bureau-foundation/scuttle/lib/replication"
)

// Call methods understood by Server.
const (
	MethodListAliases   = "room.listAliases"
	MethodRegisterAlias = "room.registerAlias"
	MethodRevokeAlias   = "room.revokeAlias"
)

// ErrorKind classifies a failed alias registration. The values are
// part of the embedding interface and must not change.
type ErrorKind int

const (
	ErrorNone       ErrorKind = 0
	ErrorUnknown    ErrorKind = 1
	ErrorAliasTaken ErrorKind = 2
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorNone:
		return "none"
	case ErrorAliasTaken:
		return "alias_taken"
	default:
		return "unknown"
	}
}

// ErrAliasTaken is returned by RegisterAlias when another feed holds
// the alias.
var ErrAliasTaken = errors.New("room: alias is already taken")

// codeAliasTaken is the call error code a room uses for a taken alias.
const codeAliasTaken = int(ErrorAliasTaken)

// KindOf maps a RegisterAlias error to its ErrorKind.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ErrorNone
	case errors.Is(err, ErrAliasTaken):
		return ErrorAliasTaken
	default:
		return ErrorUnknown
	}
}

// registration is the argument of MethodRegisterAlias.
type registration struct {
	Alias     ref.Alias `cbor:"alias"`
	Signature []byte    `cbor:"signature"`
}

// registrationPayload is what a feed signs to claim alias in room.
func registrationPayload(room, user ref.FeedID, alias ref.Alias) []byte {
	return []byte("=room-alias-registration:" + room.String() + ":" + user.String() + ":" + alias.String())
}

func remoteCode(err error) int {
	var remote *replication.RemoteError
	if errors.As(err, &remote) {
		return remote.Code
	}
	return 0
}
