// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package peers

import "fmt"

// State is where a connection is in its lifecycle.
//
//	Dialing -> Handshaking -> Authenticated -> Replicating -> Closed
//
// Any state can move to Closed. Inbound connections start at
// Handshaking.
type State int

const (
	StateDialing State = iota
	StateHandshaking
	StateAuthenticated
	StateReplicating
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDialing:
		return "dialing"
	case StateHandshaking:
		return "handshaking"
	case StateAuthenticated:
		return "authenticated"
	case StateReplicating:
		return "replicating"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MarshalText renders the state name in status output.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// open reports whether a connection in this state counts as open.
func (s State) open() bool {
	return s == StateAuthenticated || s == StateReplicating
}
