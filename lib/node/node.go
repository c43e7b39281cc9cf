// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bureau-foundation/scuttle/lib/blobstore"
	"github.com/bureau-foundation/scuttle/lib/clock"
	"github.com/bureau-foundation/scuttle/lib/config"
	"github.com/bureau-foundation/scuttle/lib/feedlog"
	"github.com/bureau-foundation/scuttle/lib/keys"
	"github.com/bureau-foundation/scuttle/lib/migrate"
	"github.com/bureau-foundation/scuttle/lib/offsetlog"
	"github.com/bureau-foundation/scuttle/lib/peers"
	"github.com/bureau-foundation/scuttle/lib/ref"
	"github.com/bureau-foundation/scuttle/lib/replication"
	"github.com/bureau-foundation/scuttle/lib/repo"
	"github.com/bureau-foundation/scuttle/lib/room"
	"github.com/bureau-foundation/scuttle/lib/sqlitepool"
	"github.com/bureau-foundation/scuttle/transport"
)

// ErrClosed is returned by operations on a closed node.
var ErrClosed = errors.New("node: closed")

// Options configures Start.
type Options struct {
	Config *config.Config

	// Identity overrides the repository secret. When nil the secret at
	// Config.SecretPath() is loaded, or created on first start.
	Identity *keys.KeyPair

	// Migrations follows schema migration at startup. May be nil.
	Migrations migrate.Listener

	// OnBlobDownloaded is called when a wanted blob arrives.
	OnBlobDownloaded func(blob ref.BlobRef, size int64)

	// Rooms, when set, makes this node answer alias calls as a room.
	Rooms replication.CallHandler

	Clock  clock.Clock
	Logger *slog.Logger
}

// Node is a running feed node: one repository, one identity, and the
// services replicating it.
type Node struct {
	identity *keys.KeyPair
	repo     *repo.Repo
	offsets  *offsetlog.Log
	log      *feedlog.Log
	blobs    *blobstore.Store
	peers    *peers.Manager
	engine   *replication.Engine
	rooms    *room.Client
	listener transport.Listener
	clock    clock.Clock
	logger   *slog.Logger
	started  time.Time

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	cleanup []func()

	reportMu   sync.Mutex
	lastReport *offsetlog.Report

	closeOnce sync.Once
	closed    chan struct{}
}

// Start opens the repository, migrates its state database, and starts
// replication. The returned node runs until Close; ctx only bounds
// startup.
func Start(ctx context.Context, opts Options) (_ *Node, err error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("node: Options.Config is required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	logger := opts.Logger

	networkKey := transport.DefaultNetworkKey
	if cfg.Network.NetworkKey != "" {
		networkKey, err = transport.ParseNetworkKey(cfg.Network.NetworkKey)
		if err != nil {
			return nil, fmt.Errorf("node: %w", err)
		}
	}
	dialTimeout, err := cfg.DialTimeout()
	if err != nil {
		return nil, fmt.Errorf("node: dial timeout: %w", err)
	}
	roomTimeout, err := cfg.RoomTimeout()
	if err != nil {
		return nil, fmt.Errorf("node: room timeout: %w", err)
	}

	n := &Node{
		clock:   opts.Clock,
		logger:  logger,
		started: opts.Clock.Now(),
		closed:  make(chan struct{}),
	}
	// Unwind whatever opened if a later step fails.
	defer func() {
		if err != nil {
			n.shutdown()
		}
	}()

	n.repo, err = repo.Open(cfg.Repo.Path, logger)
	if err != nil {
		return nil, err
	}
	n.cleanup = append(n.cleanup, func() {
		if err := n.repo.Close(); err != nil {
			logger.Error("closing repository", "error", err)
		}
	})

	n.identity = opts.Identity
	if n.identity == nil {
		var created bool
		n.identity, created, err = keys.LoadOrCreate(cfg.SecretPath())
		if err != nil {
			return nil, fmt.Errorf("node: loading identity: %w", err)
		}
		if created {
			logger.Info("created identity", "feed", n.identity.Feed(), "path", cfg.SecretPath())
		}
	}

	pool := n.repo.State()
	runner := migrate.NewRunner(pool, opts.Clock, logger)
	if err := runner.Run(ctx, schemaSteps(pool), opts.Migrations); err != nil {
		return nil, err
	}

	n.offsets, err = offsetlog.Open(ctx, offsetlog.Config{
		Path:   n.repo.LogPath(),
		Pool:   pool,
		Codec:  feedlog.Codec{},
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}
	n.cleanup = append(n.cleanup, func() {
		if err := n.offsets.Close(); err != nil {
			logger.Error("closing offset log", "error", err)
		}
	})
	if damage := n.offsets.Damage(); damage != "" {
		logger.Warn("log damaged, run fsck and heal", "damage", damage)
	}

	n.log, err = feedlog.Open(ctx, feedlog.Config{
		Offsets: n.offsets,
		Pool:    pool,
		Clock:   opts.Clock,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}

	n.blobs, err = blobstore.New(n.repo.BlobsPath(), logger)
	if err != nil {
		return nil, err
	}
	if opts.OnBlobDownloaded != nil {
		n.cleanup = append(n.cleanup, n.blobs.OnAdded(opts.OnBlobDownloaded))
	}

	runCtx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel

	var engine *replication.Engine
	n.peers, err = peers.New(runCtx, peers.Config{
		Identity:   n.identity,
		NetworkKey: networkKey,
		Pool:       pool,
		Handler: peers.HandlerFunc(func(ctx context.Context, peer *peers.Peer) error {
			return engine.HandlePeer(ctx, peer)
		}),
		DialTimeout: dialTimeout,
		Clock:       opts.Clock,
		Logger:      logger.With("component", "peers"),
	})
	if err != nil {
		return nil, err
	}
	engine = replication.New(replication.Config{
		Log:            n.log,
		Blobs:          n.blobs,
		Policy:         n.peers,
		Calls:          opts.Rooms,
		Window:         cfg.Replication.Window,
		BytesPerSecond: cfg.Replication.BytesPerSecond,
		Logger:         logger.With("component", "replication"),
	})
	n.engine = engine
	n.cleanup = append(n.cleanup, n.peers.Close, n.engine.Close)

	n.rooms = room.NewClient(room.ClientConfig{
		Identity:  n.identity,
		Connector: n.peers,
		Caller:    n.engine,
		Timeout:   roomTimeout,
		Logger:    logger.With("component", "rooms"),
	})

	if err := n.seedPolicy(ctx, cfg); err != nil {
		return nil, err
	}

	if cfg.Network.ListenAddr != "" {
		listener, err := transport.NewTCPListener(cfg.Network.ListenAddr)
		if err != nil {
			return nil, fmt.Errorf("node: listening: %w", err)
		}
		n.listener = listener
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			if err := n.peers.Serve(runCtx, listener); err != nil && runCtx.Err() == nil {
				logger.Error("listener stopped", "error", err)
			}
		}()
		logger.Info("listening", "address", listener.Address())
	}

	logger.Info("node started", "feed", n.identity.Feed(), "repo", cfg.Repo.Path)
	return n, nil
}

// seedPolicy applies the configured follows and address book entries.
// The node always replicates its own feed.
func (n *Node) seedPolicy(ctx context.Context, cfg *config.Config) error {
	if err := n.peers.SetReplicate(ctx, n.identity.Feed(), true); err != nil {
		return err
	}
	for _, raw := range cfg.Replication.Follow {
		feed, err := ref.ParseFeedID(raw)
		if err != nil {
			return fmt.Errorf("node: follow: %w", err)
		}
		if err := n.peers.SetReplicate(ctx, feed, true); err != nil {
			return err
		}
	}
	for _, raw := range cfg.Replication.Peers {
		address, err := ref.ParseAddress(raw)
		if err != nil {
			return fmt.Errorf("node: peer: %w", err)
		}
		if err := n.peers.AddAddress(ctx, address); err != nil {
			return err
		}
	}
	return nil
}

func schemaSteps(pool *sqlitepool.Pool) []migrate.Step {
	return []migrate.Step{
		{Name: "offsetlog-schema", Run: func(ctx context.Context) error { return offsetlog.InitSchema(ctx, pool) }},
		{Name: "feedlog-schema", Run: func(ctx context.Context) error { return feedlog.InitSchema(ctx, pool) }},
		{Name: "peers-schema", Run: func(ctx context.Context) error { return peers.InitSchema(ctx, pool) }},
	}
}

// Close disconnects every peer, stops listening and releases the
// repository. Safe to call more than once.
func (n *Node) Close() error {
	n.closeOnce.Do(func() {
		close(n.closed)
		n.shutdown()
		n.logger.Info("node stopped")
	})
	return nil
}

func (n *Node) shutdown() {
	if n.cancel != nil {
		n.cancel()
	}
	if n.listener != nil {
		n.listener.Close()
	}
	n.wg.Wait()
	for i := len(n.cleanup) - 1; i >= 0; i-- {
		n.cleanup[i]()
	}
	n.cleanup = nil
}

// Running reports whether Close has not been called.
func (n *Node) Running() bool {
	select {
	case <-n.closed:
		return false
	default:
		return true
	}
}

// Identity returns the local feed.
func (n *Node) Identity() ref.FeedID { return n.identity.Feed() }

// ListenAddress is the bound listener address, or "" when not
// listening.
func (n *Node) ListenAddress() string {
	if n.listener == nil {
		return ""
	}
	return n.listener.Address()
}

// Log exposes the feed log, for embedding services in the same
// process.
func (n *Node) Log() *feedlog.Log { return n.log }

func (n *Node) check() error {
	if !n.Running() {
		return ErrClosed
	}
	return nil
}
