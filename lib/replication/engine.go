// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package replication

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"

	"github.com/bureau-foundation/scuttle/lib/blobstore"
	"github.com/bureau-foundation/scuttle/lib/codec"
	"github.com/bureau-foundation/scuttle/lib/feedlog"
	"github.com/bureau-foundation/scuttle/lib/peers"
	"github.com/bureau-foundation/scuttle/lib/ref"
	"github.com/bureau-foundation/scuttle/transport"
)

const (
	// DefaultWindow is how many messages one request asks for. A feed
	// has at most one request outstanding per connection.
	DefaultWindow = 64

	// maxBatchBytes caps the encoded size of one messages frame.
	maxBatchBytes = 1 << 20

	// serveSlots bounds concurrent request and blob serving per
	// connection.
	serveSlots = 8

	// dataQueue is how many bulk frames may wait for the writer.
	dataQueue = 16

	// limiterBurst is how many bytes a rate-limited connection may
	// send at once.
	limiterBurst = 16 << 10
)

// Policy says which feeds to replicate. *peers.Manager implements it.
type Policy interface {
	Wanted() []ref.FeedID
	Blocked(ref.FeedID) bool
	OnPolicyChange(func(ref.FeedID, peers.Policy)) func()
}

// CallHandler serves room calls arriving from peers.
type CallHandler interface {
	HandleCall(ctx context.Context, caller ref.FeedID, method string, args codec.RawMessage) (result any, err error)
}

// Config configures New.
type Config struct {
	Log    *feedlog.Log
	Blobs  *blobstore.Store
	Policy Policy

	// Calls, when set, answers room calls from peers.
	Calls CallHandler

	// Window defaults to DefaultWindow.
	Window int

	// BytesPerSecond limits outbound traffic per connection. Zero
	// means unlimited.
	BytesPerSecond int

	Logger *slog.Logger
}

// Engine runs the replication protocol on every connection handed to
// HandlePeer.
type Engine struct {
	log     *feedlog.Log
	blobs   *blobstore.Store
	policy  Policy
	calls   CallHandler
	window  int
	limit   rate.Limit
	logger  *slog.Logger
	cleanup []func()

	mu       sync.Mutex
	sessions map[*session]struct{}
	// changed is closed and replaced whenever a session starts.
	changed chan struct{}
}

var _ peers.Handler = (*Engine)(nil)

// New creates an engine and subscribes it to new messages, blob wants
// and policy changes.
func New(cfg Config) *Engine {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	limit := rate.Inf
	if cfg.BytesPerSecond > 0 {
		limit = rate.Limit(cfg.BytesPerSecond)
	}
	e := &Engine{
		log:      cfg.Log,
		blobs:    cfg.Blobs,
		policy:   cfg.Policy,
		calls:    cfg.Calls,
		window:   cfg.Window,
		limit:    limit,
		logger:   cfg.Logger,
		sessions: make(map[*session]struct{}),
		changed:  make(chan struct{}),
	}
	e.cleanup = append(e.cleanup,
		cfg.Log.Subscribe(e.messageStored),
		cfg.Policy.OnPolicyChange(e.policyChanged),
	)
	if cfg.Blobs != nil {
		e.cleanup = append(e.cleanup, cfg.Blobs.OnWant(e.blobWanted))
	}
	return e
}

// Close unsubscribes the engine. Running sessions end with their
// connections.
func (e *Engine) Close() {
	for _, fn := range e.cleanup {
		fn()
	}
}

// HandlePeer runs the protocol on peer's connection until it closes or
// ctx is cancelled.
func (e *Engine) HandlePeer(ctx context.Context, peer *peers.Peer) error {
	s := newSession(e, peer.Conn(), peer.Feed)
	e.mu.Lock()
	e.sessions[s] = struct{}{}
	close(e.changed)
	e.changed = make(chan struct{})
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.sessions, s)
		e.mu.Unlock()
	}()
	return s.run(ctx, peer.MarkReplicating)
}

func (e *Engine) snapshot() []*session {
	e.mu.Lock()
	defer e.mu.Unlock()
	sessions := make([]*session, 0, len(e.sessions))
	for s := range e.sessions {
		sessions = append(sessions, s)
	}
	return sessions
}

// messageStored tells every peer that wants the feed about its new
// tip. Runs on the appending goroutine, so it only queues.
func (e *Engine) messageStored(message *feedlog.Message) {
	for _, s := range e.snapshot() {
		s.announce(message.Author, message.Sequence)
	}
}

func (e *Engine) blobWanted(blob ref.BlobRef) {
	for _, s := range e.snapshot() {
		s.wantBlobs([]ref.BlobRef{blob})
	}
}

func (e *Engine) policyChanged(feed ref.FeedID, policy peers.Policy) {
	for _, s := range e.snapshot() {
		s.policyChanged(feed, policy)
	}
}

// session returns a live session with remote, or nil.
func (e *Engine) session(remote ref.FeedID) *session {
	s, _ := e.lookup(remote)
	return s
}

func (e *Engine) lookup(remote ref.FeedID) (*session, <-chan struct{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for s := range e.sessions {
		if s.remote == remote {
			return s, e.changed
		}
	}
	return nil, e.changed
}

// Await blocks until a session with remote is running.
func (e *Engine) Await(ctx context.Context, remote ref.FeedID) error {
	for {
		s, changed := e.lookup(remote)
		if s != nil {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return fmt.Errorf("%w: %s: %w", ErrNotConnected, remote.Short(), ctx.Err())
		}
	}
}

// Connected reports whether a session with remote is running.
func (e *Engine) Connected(remote ref.FeedID) bool {
	return e.session(remote) != nil
}

// conn is what a session needs from transport.Conn.
type conn interface {
	ReadFrame() ([]byte, error)
	WriteFrame([]byte) error
	Close() error
}

var _ conn = (*transport.Conn)(nil)
