// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package peers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/scuttle/lib/clock"
	"github.com/bureau-foundation/scuttle/lib/keys"
	"github.com/bureau-foundation/scuttle/lib/ref"
	"github.com/bureau-foundation/scuttle/lib/sqlitepool"
	"github.com/bureau-foundation/scuttle/transport"
)

// DefaultDialTimeout bounds dialing plus handshake for one Connect.
const DefaultDialTimeout = 15 * time.Second

var (
	// ErrBlocked is returned by Connect for an address whose feed is
	// blocked.
	ErrBlocked = errors.New("peers: feed is blocked")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("peers: manager closed")
)

// Handler runs the protocol on an authenticated connection. It returns
// when the connection ends or ctx is cancelled; the manager closes the
// connection afterwards.
type Handler interface {
	HandlePeer(ctx context.Context, peer *Peer) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, peer *Peer) error

func (f HandlerFunc) HandlePeer(ctx context.Context, peer *Peer) error { return f(ctx, peer) }

// Config configures New.
type Config struct {
	Identity   *keys.KeyPair
	NetworkKey transport.NetworkKey
	Pool       *sqlitepool.Pool
	Handler    Handler

	// Dialer defaults to a TCPDialer.
	Dialer transport.Dialer

	// DialTimeout defaults to DefaultDialTimeout.
	DialTimeout time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// Manager owns every peer connection.
type Manager struct {
	identity    *keys.KeyPair
	networkKey  transport.NetworkKey
	pool        *sqlitepool.Pool
	handler     Handler
	dialer      transport.Dialer
	dialTimeout time.Duration
	clock       clock.Clock
	logger      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	peers map[string]*Peer

	policyMu sync.Mutex
	policies map[ref.FeedID]Policy

	listenersMu  sync.Mutex
	policyFns    map[int]func(ref.FeedID, Policy)
	nextListener int
}

// New creates a manager and loads persisted feed policy. InitSchema
// must have run on cfg.Pool.
func New(ctx context.Context, cfg Config) (*Manager, error) {
	if cfg.Identity == nil || cfg.Pool == nil || cfg.Handler == nil {
		return nil, fmt.Errorf("peers: Identity, Pool and Handler are required")
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &transport.TCPDialer{}
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	runCtx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		identity:    cfg.Identity,
		networkKey:  cfg.NetworkKey,
		pool:        cfg.Pool,
		handler:     cfg.Handler,
		dialer:      cfg.Dialer,
		dialTimeout: cfg.DialTimeout,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
		ctx:         runCtx,
		cancel:      cancel,
		peers:       make(map[string]*Peer),
		policyFns:   make(map[int]func(ref.FeedID, Policy)),
	}
	if err := m.loadPolicies(ctx); err != nil {
		cancel()
		return nil, err
	}
	return m, nil
}

// Peer is one connection. Inbound peers have a zero Address.
type Peer struct {
	ID      string
	Feed    ref.FeedID
	Address ref.Address
	Inbound bool
	Since   time.Time

	manager *Manager

	mu    sync.Mutex
	state State
	conn  *transport.Conn
	err   error

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Conn returns the encrypted connection, or nil before the handshake
// completes.
func (p *Peer) Conn() *transport.Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn
}

// State returns the connection's current state.
func (p *Peer) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Done is closed once the connection is fully torn down.
func (p *Peer) Done() <-chan struct{} { return p.done }

// MarkReplicating moves an authenticated connection to Replicating.
// Called by the handler once feeds have been negotiated.
func (p *Peer) MarkReplicating() {
	p.setState(StateReplicating)
}

func (p *Peer) setState(state State) {
	p.mu.Lock()
	if p.state == StateClosed || p.state == state {
		p.mu.Unlock()
		return
	}
	previous := p.state
	p.state = state
	p.mu.Unlock()
	p.manager.logger.Debug("peer state",
		"peer", p.ID, "feed", p.Feed.Short(), "from", previous.String(), "to", state.String())
}

// close cancels the connection's context and closes its transport.
// Teardown completes asynchronously; wait on Done.
func (p *Peer) close(reason error) {
	p.mu.Lock()
	if p.err == nil {
		p.err = reason
	}
	conn := p.conn
	p.mu.Unlock()
	p.cancel()
	if conn != nil {
		conn.Close()
	}
}

// Info is a snapshot of one connection for status output.
type Info struct {
	ID      string      `json:"id"`
	Feed    ref.FeedID  `json:"feed"`
	Address ref.Address `json:"address,omitzero"`
	Inbound bool        `json:"inbound"`
	State   State       `json:"state"`
	Since   time.Time   `json:"since"`
}

func (m *Manager) newPeer(feed ref.FeedID, address ref.Address, inbound bool, state State) *Peer {
	ctx, cancel := context.WithCancel(m.ctx)
	peer := &Peer{
		ID:      uuid.NewString(),
		Feed:    feed,
		Address: address,
		Inbound: inbound,
		Since:   m.clock.Now(),
		manager: m,
		state:   state,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	return peer
}

// Connect dials address, authenticates the peer named in it, and
// starts the handler. It returns once the connection is authenticated
// or has failed. Connecting to a feed that already has an open
// connection succeeds without dialing.
func (m *Manager) Connect(ctx context.Context, address ref.Address) error {
	if err := m.ctx.Err(); err != nil {
		return ErrClosed
	}
	feed := address.Feed()
	if feed == m.identity.Feed() {
		return fmt.Errorf("peers: refusing to connect to ourselves")
	}
	if m.Blocked(feed) {
		return fmt.Errorf("%w: %s", ErrBlocked, feed.Short())
	}
	if len(m.connected(feed)) > 0 {
		return nil
	}

	peer := m.newPeer(feed, address, false, StateDialing)
	m.track(peer)

	ctx, cancel := context.WithTimeout(ctx, m.dialTimeout)
	defer cancel()
	stop := context.AfterFunc(peer.ctx, cancel)
	defer stop()
	raw, err := m.dialer.DialContext(ctx, address.HostPort())
	if err != nil {
		m.finish(peer, err)
		return fmt.Errorf("peers: dialing %s: %w", address.HostPort(), err)
	}
	peer.setState(StateHandshaking)
	conn, err := transport.Handshake(ctx, raw, m.handshakeConfig(), feed)
	if err != nil {
		raw.Close()
		m.finish(peer, err)
		return fmt.Errorf("peers: handshake with %s: %w", address, err)
	}
	m.start(peer, conn)
	return nil
}

// Accept authenticates an inbound connection and runs the handler on
// it. It blocks until the connection ends, so it can serve directly as
// a transport.ConnHandler.
func (m *Manager) Accept(raw net.Conn) {
	if m.ctx.Err() != nil {
		raw.Close()
		return
	}
	ctx, cancel := context.WithTimeout(m.ctx, m.dialTimeout)
	conn, err := transport.Handshake(ctx, raw, m.handshakeConfig(), ref.FeedID{})
	cancel()
	if err != nil {
		m.logger.Info("inbound handshake failed", "remote", raw.RemoteAddr().String(), "error", err)
		raw.Close()
		return
	}
	peer := m.newPeer(conn.Remote(), ref.Address{}, true, StateHandshaking)
	m.track(peer)
	m.start(peer, conn)
	<-peer.done
}

// Serve accepts inbound connections on listener until ctx is done.
func (m *Manager) Serve(ctx context.Context, listener transport.Listener) error {
	return listener.Serve(ctx, m.Accept)
}

func (m *Manager) handshakeConfig() transport.HandshakeConfig {
	return transport.HandshakeConfig{
		NetworkKey: m.networkKey,
		Identity:   m.identity,
		Admit: func(feed ref.FeedID) error {
			if m.Blocked(feed) {
				return ErrBlocked
			}
			return nil
		},
	}
}

func (m *Manager) track(peer *Peer) {
	m.mu.Lock()
	m.peers[peer.ID] = peer
	m.mu.Unlock()
}

// start runs the handler for an authenticated peer on its own
// goroutine.
func (m *Manager) start(peer *Peer, conn *transport.Conn) {
	peer.mu.Lock()
	peer.conn = conn
	peer.mu.Unlock()
	peer.setState(StateAuthenticated)
	m.logger.Info("peer connected",
		"peer", peer.ID, "feed", peer.Feed.String(), "inbound", peer.Inbound, "remote", conn.RemoteAddr().String())

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		err := m.handler.HandlePeer(peer.ctx, peer)
		peer.cancel()
		conn.Close()
		m.finish(peer, err)
	}()
}

// finish marks peer closed and forgets it.
func (m *Manager) finish(peer *Peer, err error) {
	peer.mu.Lock()
	if peer.state == StateClosed {
		peer.mu.Unlock()
		return
	}
	peer.state = StateClosed
	if peer.err == nil {
		peer.err = err
	}
	reason := peer.err
	peer.mu.Unlock()
	peer.cancel()

	m.mu.Lock()
	delete(m.peers, peer.ID)
	m.mu.Unlock()
	close(peer.done)

	if reason != nil && !errors.Is(reason, context.Canceled) && !errors.Is(reason, net.ErrClosed) {
		m.logger.Info("peer disconnected", "peer", peer.ID, "feed", peer.Feed.Short(), "reason", reason)
	} else {
		m.logger.Debug("peer disconnected", "peer", peer.ID, "feed", peer.Feed.Short())
	}
}

// connected returns the open connections to feed.
func (m *Manager) connected(feed ref.FeedID) []*Peer {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matches []*Peer
	for _, peer := range m.peers {
		if peer.Feed == feed && peer.State().open() {
			matches = append(matches, peer)
		}
	}
	return matches
}

// OpenConnectionCount returns how many connections are authenticated
// or replicating.
func (m *Manager) OpenConnectionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, peer := range m.peers {
		if peer.State().open() {
			count++
		}
	}
	return count
}

// Peers returns a snapshot of every tracked connection, oldest first.
func (m *Manager) Peers() []Info {
	m.mu.Lock()
	infos := make([]Info, 0, len(m.peers))
	for _, peer := range m.peers {
		infos = append(infos, Info{
			ID: peer.ID, Feed: peer.Feed, Address: peer.Address,
			Inbound: peer.Inbound, State: peer.State(), Since: peer.Since,
		})
	}
	m.mu.Unlock()
	sort.Slice(infos, func(i, j int) bool { return infos[i].Since.Before(infos[j].Since) })
	return infos
}

// DisconnectAll closes every connection and waits until they are torn
// down.
func (m *Manager) DisconnectAll() {
	m.mu.Lock()
	peers := make([]*Peer, 0, len(m.peers))
	for _, peer := range m.peers {
		peers = append(peers, peer)
	}
	m.mu.Unlock()
	for _, peer := range peers {
		peer.close(fmt.Errorf("disconnect requested"))
	}
	for _, peer := range peers {
		<-peer.done
	}
	if len(peers) > 0 {
		m.logger.Info("disconnected all peers", "count", len(peers))
	}
}

// Close disconnects everything and stops accepting new connections.
func (m *Manager) Close() {
	m.cancel()
	m.DisconnectAll()
	m.wg.Wait()
}
