// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package peers

import (
	"bytes"
	"context"
	"errors"
	"net"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/scuttle/lib/keys"
	"github.com/bureau-foundation/scuttle/lib/ref"
	"github.com/bureau-foundation/scuttle/lib/sqlitepool"
	"github.com/bureau-foundation/scuttle/lib/testutil"
	"github.com/bureau-foundation/scuttle/transport"
)

// holdHandler reads and discards frames until the connection fails,
// so a teardown on either side is noticed by both.
type holdHandler struct {
	mu    sync.Mutex
	seen  []ref.FeedID
	start chan ref.FeedID
}

func newHoldHandler() *holdHandler {
	return &holdHandler{start: make(chan ref.FeedID, 16)}
}

func (h *holdHandler) HandlePeer(ctx context.Context, peer *Peer) error {
	h.mu.Lock()
	h.seen = append(h.seen, peer.Feed)
	h.mu.Unlock()
	peer.MarkReplicating()
	h.start <- peer.Feed
	for {
		if _, err := peer.Conn().ReadFrame(); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
	}
}

type testNode struct {
	identity *keys.KeyPair
	manager  *Manager
	handler  *holdHandler
	address  ref.Address
}

func newTestNode(t *testing.T, seed byte) *testNode {
	t.Helper()
	ctx := context.Background()
	identity, err := keys.FromSeed(bytes.Repeat([]byte{seed}, 32))
	if err != nil {
		t.Fatalf("FromSeed: %v", err)
	}
	pool, err := sqlitepool.Open(sqlitepool.Config{Path: filepath.Join(t.TempDir(), "state.db")})
	if err != nil {
		t.Fatalf("sqlitepool.Open: %v", err)
	}
	t.Cleanup(func() { pool.Close() })
	if err := InitSchema(ctx, pool); err != nil {
		t.Fatalf("InitSchema: %v", err)
	}
	handler := newHoldHandler()
	manager, err := New(ctx, Config{
		Identity:   identity,
		NetworkKey: transport.DefaultNetworkKey,
		Pool:       pool,
		Handler:    handler,
		Logger:     testutil.Logger(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	listener, err := transport.NewTCPListener("127.0.0.1:0")
	if err != nil {
		t.Fatalf("NewTCPListener: %v", err)
	}
	serveCtx, cancel := context.WithCancel(ctx)
	go manager.Serve(serveCtx, listener)
	t.Cleanup(func() {
		cancel()
		manager.Close()
	})

	host, portText, _ := net.SplitHostPort(listener.Address())
	port, _ := strconv.Atoi(portText)
	address, err := ref.NewAddress(host, port, identity.Feed())
	if err != nil {
		t.Fatalf("NewAddress: %v", err)
	}
	return &testNode{identity: identity, manager: manager, handler: handler, address: address}
}

func TestConnectAndDisconnectAll(t *testing.T) {
	alice, bob := newTestNode(t, 1), newTestNode(t, 2)
	ctx := context.Background()

	if err := alice.manager.Connect(ctx, bob.address); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := testutil.RequireReceive(t, alice.handler.start, 5*time.Second, "alice handler"); got != bob.identity.Feed() {
		t.Errorf("alice handler saw %s", got.Short())
	}
	if got := testutil.RequireReceive(t, bob.handler.start, 5*time.Second, "bob handler"); got != alice.identity.Feed() {
		t.Errorf("bob handler saw %s", got.Short())
	}
	if count := alice.manager.OpenConnectionCount(); count != 1 {
		t.Errorf("alice OpenConnectionCount = %d, want 1", count)
	}
	infos := alice.manager.Peers()
	if len(infos) != 1 || infos[0].State != StateReplicating || infos[0].Inbound {
		t.Errorf("alice peers = %+v", infos)
	}

	// A second Connect to the same feed reuses the connection.
	if err := alice.manager.Connect(ctx, bob.address); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	if count := alice.manager.OpenConnectionCount(); count != 1 {
		t.Errorf("OpenConnectionCount after reconnect = %d, want 1", count)
	}

	alice.manager.DisconnectAll()
	if count := alice.manager.OpenConnectionCount(); count != 0 {
		t.Errorf("OpenConnectionCount after DisconnectAll = %d", count)
	}
	testutil.Eventually(t, 5*time.Second, func() bool { return bob.manager.OpenConnectionCount() == 0 },
		"bob notices the disconnect")
}

func TestConnectWrongIdentityFails(t *testing.T) {
	alice, bob, carol := newTestNode(t, 1), newTestNode(t, 2), newTestNode(t, 3)
	impostor, _ := ref.NewAddress(bob.address.Host(), portOf(t, bob.address), carol.identity.Feed())

	err := alice.manager.Connect(context.Background(), impostor)
	if !errors.Is(err, transport.ErrUnexpectedPeer) {
		t.Fatalf("err = %v, want ErrUnexpectedPeer", err)
	}
	if count := alice.manager.OpenConnectionCount(); count != 0 {
		t.Errorf("OpenConnectionCount = %d", count)
	}
}

func portOf(t *testing.T, address ref.Address) int {
	t.Helper()
	_, portText, _ := net.SplitHostPort(address.HostPort())
	port, err := strconv.Atoi(portText)
	if err != nil {
		t.Fatalf("port of %s: %v", address, err)
	}
	return port
}

func TestConnectUnreachable(t *testing.T) {
	alice, bob := newTestNode(t, 1), newTestNode(t, 2)
	bob.manager.Close()
	closed, _ := ref.NewAddress("127.0.0.1", 1, bob.identity.Feed())
	if err := alice.manager.Connect(context.Background(), closed); err == nil {
		t.Fatal("Connect to a closed port succeeded")
	}
	if len(alice.manager.Peers()) != 0 {
		t.Error("failed dial left a tracked peer")
	}
}

func TestBlockTearsDownAndRefuses(t *testing.T) {
	alice, bob := newTestNode(t, 1), newTestNode(t, 2)
	ctx := context.Background()
	if err := alice.manager.Connect(ctx, bob.address); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	testutil.RequireReceive(t, bob.handler.start, 5*time.Second, "bob handler")

	if err := bob.manager.SetBlocked(ctx, alice.identity.Feed(), true); err != nil {
		t.Fatalf("SetBlocked: %v", err)
	}
	testutil.Eventually(t, 5*time.Second, func() bool {
		return bob.manager.OpenConnectionCount() == 0 && alice.manager.OpenConnectionCount() == 0
	}, "blocked connection torn down")

	if err := alice.manager.Connect(ctx, bob.address); err == nil {
		t.Fatal("blocked feed reconnected")
	}
	if err := bob.manager.Connect(ctx, alice.address); !errors.Is(err, ErrBlocked) {
		t.Errorf("dialing a blocked feed: err = %v, want ErrBlocked", err)
	}

	if err := bob.manager.SetBlocked(ctx, alice.identity.Feed(), false); err != nil {
		t.Fatalf("unblock: %v", err)
	}
	if err := alice.manager.Connect(ctx, bob.address); err != nil {
		t.Fatalf("Connect after unblock: %v", err)
	}
}

func TestPolicyPersistsAndNotifies(t *testing.T) {
	alice := newTestNode(t, 1)
	ctx := context.Background()
	friend, _ := keys.FromSeed(bytes.Repeat([]byte{9}, 32))

	var changes []Policy
	alice.manager.OnPolicyChange(func(feed ref.FeedID, policy Policy) {
		if feed == friend.Feed() {
			changes = append(changes, policy)
		}
	})
	if err := alice.manager.SetReplicate(ctx, friend.Feed(), true); err != nil {
		t.Fatalf("SetReplicate: %v", err)
	}
	wanted := alice.manager.Wanted()
	if len(wanted) != 2 || wanted[0] != alice.identity.Feed() || wanted[1] != friend.Feed() {
		t.Errorf("Wanted = %v", wanted)
	}

	alice.manager.SetBlocked(ctx, friend.Feed(), true)
	if wanted := alice.manager.Wanted(); len(wanted) != 1 {
		t.Errorf("blocked feed still wanted: %v", wanted)
	}
	if len(changes) != 2 || !changes[1].Blocked || !changes[1].Replicate {
		t.Errorf("policy changes = %+v", changes)
	}

	reloaded, err := New(ctx, Config{Identity: alice.identity, Pool: alice.manager.pool, Handler: alice.handler})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer reloaded.Close()
	if !reloaded.Blocked(friend.Feed()) {
		t.Error("block not persisted")
	}
}

func TestConnectPeersUsesAddressBook(t *testing.T) {
	alice, bob, carol := newTestNode(t, 1), newTestNode(t, 2), newTestNode(t, 3)
	ctx := context.Background()
	dead, _ := ref.NewAddress("127.0.0.1", 1, newTestNode(t, 4).identity.Feed())

	for _, address := range []ref.Address{bob.address, carol.address, dead} {
		if err := alice.manager.AddAddress(ctx, address); err != nil {
			t.Fatalf("AddAddress: %v", err)
		}
	}
	connected, err := alice.manager.ConnectPeers(ctx, 5)
	if err != nil {
		t.Fatalf("ConnectPeers: %v", err)
	}
	if connected != 2 {
		t.Errorf("connected = %d, want 2", connected)
	}

	entries, err := alice.manager.Addresses(ctx)
	if err != nil {
		t.Fatalf("Addresses: %v", err)
	}
	for _, entry := range entries {
		switch entry.Address {
		case dead:
			if entry.Use || entry.LastError == "" {
				t.Errorf("dead address entry = %+v", entry)
			}
		default:
			if !entry.Use || entry.WorkedLast == 0 {
				t.Errorf("working address entry = %+v", entry)
			}
		}
	}

	// Nothing left to dial: both live peers are connected and the dead
	// one is disabled.
	connected, err = alice.manager.ConnectPeers(ctx, 5)
	if err != nil || connected != 0 {
		t.Errorf("second ConnectPeers = %d, %v", connected, err)
	}
}
