// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package replication

import (
	"context"
	"fmt"
	"sync"

	"github.com/bureau-foundation/scuttle/lib/feedlog"
	"github.com/bureau-foundation/scuttle/lib/ref"
	"github.com/bureau-foundation/scuttle/lib/wire"
)

// feedSync pulls one feed from one peer.
type feedSync struct {
	feed   ref.FeedID
	cancel context.CancelFunc
	wake   chan struct{}
	inbox  chan wire.Messages

	mu     sync.Mutex
	remote uint64
}

func (f *feedSync) setRemote(seq uint64) {
	f.mu.Lock()
	if seq > f.remote {
		f.remote = seq
	}
	f.mu.Unlock()
	select {
	case f.wake <- struct{}{}:
	default:
	}
}

func (f *feedSync) remoteSeq() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remote
}

// lowerRemote forgets a claimed tip the peer did not deliver.
func (f *feedSync) lowerRemote(seq uint64) {
	f.mu.Lock()
	if seq < f.remote {
		f.remote = seq
	}
	f.mu.Unlock()
}

// remoteHas records that the peer holds feed up to seq, starting a
// puller for the feed if none runs.
func (s *session) remoteHas(feed ref.FeedID, seq uint64) {
	s.feedsMu.Lock()
	f, ok := s.feeds[feed]
	if !ok {
		if s.refused[feed] || s.ctx.Err() != nil {
			s.feedsMu.Unlock()
			return
		}
		ctx, cancel := context.WithCancel(s.ctx)
		f = &feedSync{
			feed:   feed,
			cancel: cancel,
			wake:   make(chan struct{}, 1),
			inbox:  make(chan wire.Messages, 1),
		}
		s.feeds[feed] = f
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.pull(ctx, f)
		}()
	}
	s.feedsMu.Unlock()
	f.setRemote(seq)
}

// dropFeed stops pulling feed. A later clock or have entry can start
// it again once the feed is wanted.
func (s *session) dropFeed(feed ref.FeedID) {
	s.feedsMu.Lock()
	f, ok := s.feeds[feed]
	if ok {
		delete(s.feeds, feed)
	}
	delete(s.peerWants, feed)
	s.feedsMu.Unlock()
	if ok {
		f.cancel()
	}
}

// receiveMessages hands a batch to the feed's puller. Batches nobody
// asked for are dropped.
func (s *session) receiveMessages(batch wire.Messages) {
	s.feedsMu.Lock()
	f := s.feeds[batch.Feed]
	s.feedsMu.Unlock()
	if f == nil {
		s.logger.Debug("dropping unrequested messages", "feed", batch.Feed.Short(), "count", len(batch.Messages))
		return
	}
	select {
	case f.inbox <- batch:
	default:
		s.logger.Debug("dropping unexpected batch", "feed", batch.Feed.Short())
	}
}

// pull keeps one request in flight while the peer is ahead of the
// local copy. It stops for good on the first invalid message: a peer
// serving a fork or a forged message gets no further chances for that
// feed on this connection.
func (s *session) pull(ctx context.Context, f *feedSync) {
	logger := s.logger.With("feed", f.feed.Short())
	for {
		local, _ := s.engine.log.Tip(f.feed)
		if local >= f.remoteSeq() {
			select {
			case <-f.wake:
				continue
			case <-ctx.Done():
				return
			}
		}
		if poisoned, _ := s.engine.log.Poisoned(f.feed); poisoned {
			logger.Debug("not pulling poisoned feed")
			s.stopPulling(f, false)
			return
		}

		s.sendControl(wire.TypeRequest, wire.Request{Feed: f.feed, From: local + 1, Limit: s.engine.window})
		var batch wire.Messages
		select {
		case batch = <-f.inbox:
		case <-ctx.Done():
			return
		}

		stored, err := s.apply(ctx, f.feed, local, batch)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("stopped replicating feed from peer", "error", err)
			s.stopPulling(f, true)
			return
		}
		if stored > 0 {
			logger.Debug("replicated messages", "count", stored, "tip", local+uint64(stored))
		}
		if !batch.More {
			tip, _ := s.engine.log.Tip(f.feed)
			f.lowerRemote(tip)
		}
	}
}

// stopPulling removes f without deleting what the peer wants, so the
// feed still flows the other way. A refused feed is never pulled from
// this peer again on this connection.
func (s *session) stopPulling(f *feedSync, refuse bool) {
	s.feedsMu.Lock()
	if s.feeds[f.feed] == f {
		delete(s.feeds, f.feed)
	}
	if refuse {
		s.refused[f.feed] = true
	}
	s.feedsMu.Unlock()
	f.cancel()
}

// apply verifies and stores batch in order. Messages at or below the
// local tip when the request was made are passed through as well, so
// a conflicting copy is detected as a fork.
func (s *session) apply(ctx context.Context, feed ref.FeedID, local uint64, batch wire.Messages) (int, error) {
	stored := 0
	for _, encoded := range batch.Messages {
		if s.engine.policy.Blocked(feed) {
			return stored, fmt.Errorf("replication: %s was blocked", feed.Short())
		}
		message, err := feedlog.Decode(encoded)
		if err != nil {
			return stored, &wire.ProtocolError{Reason: fmt.Sprintf("bad message for %s: %v", feed.Short(), err)}
		}
		if message.Author != feed {
			return stored, &wire.ProtocolError{Reason: fmt.Sprintf("message by %s in batch for %s", message.Author.Short(), feed.Short())}
		}
		if err := s.engine.log.VerifyAndAppend(ctx, message); err != nil {
			return stored, err
		}
		if message.Sequence > local {
			stored++
		}
	}
	return stored, nil
}
