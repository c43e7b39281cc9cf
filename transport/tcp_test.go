// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/scuttle/lib/ref"
)

func TestTCPListener_Address(t *testing.T) {
	listener, err := NewTCPListener("127.0.0.1:0")
	if err != nil {
		t.Fatalf("NewTCPListener() error: %v", err)
	}
	defer listener.Close()

	address := listener.Address()
	if !strings.Contains(address, ":") {
		t.Errorf("Address() = %q, expected host:port format", address)
	}
}

func TestTCPHandshakeRoundTrip(t *testing.T) {
	alice, bob := testIdentity(t, 1), testIdentity(t, 2)
	listener, err := NewTCPListener("127.0.0.1:0")
	if err != nil {
		t.Fatalf("NewTCPListener() error: %v", err)
	}
	defer listener.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	echoed := make(chan error, 1)
	go listener.Serve(ctx, func(raw net.Conn) {
		defer raw.Close()
		conn, err := Handshake(ctx, raw, HandshakeConfig{NetworkKey: DefaultNetworkKey, Identity: bob}, ref.FeedID{})
		if err != nil {
			echoed <- err
			return
		}
		payload, err := conn.ReadFrame()
		if err == nil {
			err = conn.WriteFrame(append([]byte("echo: "), payload...))
		}
		echoed <- err
	})

	dialer := &TCPDialer{Timeout: 5 * time.Second}
	raw, err := dialer.DialContext(ctx, listener.Address())
	if err != nil {
		t.Fatalf("DialContext: %v", err)
	}
	defer raw.Close()
	conn, err := Handshake(ctx, raw, HandshakeConfig{NetworkKey: DefaultNetworkKey, Identity: alice}, bob.Feed())
	if err != nil {
		t.Fatalf("Handshake: %v", err)
	}
	if err := conn.WriteFrame([]byte("hello")); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	reply, err := conn.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if string(reply) != "echo: hello" {
		t.Errorf("reply = %q", reply)
	}
	if err := <-echoed; err != nil {
		t.Errorf("server side: %v", err)
	}
}

func TestTCPListenerStopsOnCancel(t *testing.T) {
	listener, err := NewTCPListener("127.0.0.1:0")
	if err != nil {
		t.Fatalf("NewTCPListener() error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- listener.Serve(ctx, func(conn net.Conn) { conn.Close() }) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancellation")
	}
}
