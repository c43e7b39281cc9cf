// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"net"
)

// ConnHandler receives each accepted raw connection. It owns the
// connection and must close it.
type ConnHandler func(net.Conn)

// Listener accepts inbound connections from peers.
type Listener interface {
	// Serve accepts connections and hands each to handler on its own
	// goroutine. Blocks until ctx is cancelled or Close is called.
	// Returns nil on clean shutdown.
	Serve(ctx context.Context, handler ConnHandler) error

	// Address returns the host:port peers should dial.
	Address() string

	// Close stops accepting. Connections already handed out stay open.
	Close() error
}

// Dialer opens raw connections to peers. The caller runs Handshake on
// the result.
type Dialer interface {
	DialContext(ctx context.Context, address string) (net.Conn, error)
}
