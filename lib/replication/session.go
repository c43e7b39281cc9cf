// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package replication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"

	"github.com/bureau-foundation/scuttle/lib/blobstore"
	"github.com/bureau-foundation/scuttle/lib/peers"
	"github.com/bureau-foundation/scuttle/lib/ref"
	"github.com/bureau-foundation/scuttle/lib/wire"
)

// errGoodbye ends a session cleanly when the peer says goodbye.
var errGoodbye = errors.New("replication: peer said goodbye")

// session is the protocol state for one connection.
//
// One goroutine reads and dispatches frames and never blocks on the
// network. One goroutine writes, preferring small control frames
// (requests, announcements) over bulk frames (message batches, blob
// data), all through a byte-rate limiter. Each feed pulled from the
// peer has its own goroutine, so a feed waiting on storage does not
// hold up the others.
type session struct {
	engine  *Engine
	conn    conn
	remote  ref.FeedID
	logger  *slog.Logger
	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	controlMu     sync.Mutex
	control       [][]byte
	controlSignal chan struct{}
	data          chan []byte

	feedsMu   sync.Mutex
	feeds     map[ref.FeedID]*feedSync
	peerWants map[ref.FeedID]uint64
	refused   map[ref.FeedID]bool

	havesMu     sync.Mutex
	haves       map[ref.FeedID]uint64
	havesSignal chan struct{}

	serveSlots chan struct{}

	callsMu  sync.Mutex
	nextCall uint64
	pending  map[uint64]chan wire.RoomReply
	ended    bool
}

func newSession(engine *Engine, c conn, remote ref.FeedID) *session {
	return &session{
		engine:        engine,
		conn:          c,
		remote:        remote,
		logger:        engine.logger.With("peer", remote.Short()),
		limiter:       rate.NewLimiter(engine.limit, limiterBurst),
		controlSignal: make(chan struct{}, 1),
		data:          make(chan []byte, dataQueue),
		feeds:         make(map[ref.FeedID]*feedSync),
		peerWants:     make(map[ref.FeedID]uint64),
		refused:       make(map[ref.FeedID]bool),
		haves:         make(map[ref.FeedID]uint64),
		havesSignal:   make(chan struct{}, 1),
		serveSlots:    make(chan struct{}, serveSlots),
		pending:       make(map[uint64]chan wire.RoomReply),
	}
}

// run drives the session until the connection ends. ready is called
// once the initial clock has been queued.
func (s *session) run(ctx context.Context, ready func()) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	defer s.cancel()
	stop := context.AfterFunc(s.ctx, func() { s.conn.Close() })
	defer stop()

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.writeLoop()
	}()
	go func() {
		defer s.wg.Done()
		s.haveLoop()
	}()

	wanted := s.engine.policy.Wanted()
	s.sendClock(wanted)
	if s.engine.blobs != nil {
		if wants := s.engine.blobs.Wants(); len(wants) > 0 {
			s.sendControl(wire.TypeBlobWant, wire.BlobWant{Blobs: wants})
		}
	}
	s.logger.Debug("session started", "wanted_feeds", len(wanted))
	ready()

	err := s.readLoop()
	s.cancel()
	s.wg.Wait()
	s.endCalls()

	if errors.Is(err, errGoodbye) {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (s *session) readLoop() error {
	for {
		payload, err := s.conn.ReadFrame()
		if err != nil {
			if s.ctx.Err() != nil {
				return s.ctx.Err()
			}
			return fmt.Errorf("replication: reading from %s: %w", s.remote.Short(), err)
		}
		frame, err := wire.Parse(payload)
		if err != nil {
			return err
		}
		if err := s.dispatch(frame); err != nil {
			return err
		}
	}
}

func (s *session) dispatch(frame wire.Frame) error {
	switch frame.Type {
	case wire.TypeClock:
		var clock wire.Clock
		if err := frame.Decode(&clock); err != nil {
			return err
		}
		s.receiveClock(clock)

	case wire.TypeHave:
		var have wire.Have
		if err := frame.Decode(&have); err != nil {
			return err
		}
		s.receiveHave(have)

	case wire.TypeRequest:
		var request wire.Request
		if err := frame.Decode(&request); err != nil {
			return err
		}
		s.serve(func() { s.serveRequest(request) })

	case wire.TypeMessages:
		var batch wire.Messages
		if err := frame.Decode(&batch); err != nil {
			return err
		}
		s.receiveMessages(batch)

	case wire.TypeBlobWant:
		var want wire.BlobWant
		if err := frame.Decode(&want); err != nil {
			return err
		}
		s.receiveBlobWant(want)

	case wire.TypeBlobHas:
		var has wire.BlobHas
		if err := frame.Decode(&has); err != nil {
			return err
		}
		if s.engine.blobs != nil && s.engine.blobs.Wanted(has.Blob) && has.Size <= blobstore.MaxSize {
			s.sendControl(wire.TypeBlobGet, wire.BlobGet{Blob: has.Blob})
		}

	case wire.TypeBlobGet:
		var get wire.BlobGet
		if err := frame.Decode(&get); err != nil {
			return err
		}
		s.serve(func() { s.serveBlob(get.Blob) })

	case wire.TypeBlobData:
		var blob wire.BlobData
		if err := frame.Decode(&blob); err != nil {
			return err
		}
		s.receiveBlob(blob)

	case wire.TypeGoodbye:
		return errGoodbye

	case wire.TypeRoomCall:
		var call wire.RoomCall
		if err := frame.Decode(&call); err != nil {
			return err
		}
		s.serve(func() { s.serveCall(call) })

	case wire.TypeRoomReply:
		var reply wire.RoomReply
		if err := frame.Decode(&reply); err != nil {
			return err
		}
		s.deliverReply(reply)
	}
	return nil
}

// serve runs fn on its own goroutine once a serve slot is free. The
// wait happens on that goroutine, not the reader.
func (s *session) serve(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case s.serveSlots <- struct{}{}:
		case <-s.ctx.Done():
			return
		}
		defer func() { <-s.serveSlots }()
		fn()
	}()
}

// sendControl queues a small frame. Never blocks.
func (s *session) sendControl(t wire.Type, body any) {
	frame, err := wire.Marshal(t, body)
	if err != nil {
		s.logger.Error("encoding frame", "type", string(t), "error", err)
		return
	}
	s.controlMu.Lock()
	s.control = append(s.control, frame)
	s.controlMu.Unlock()
	select {
	case s.controlSignal <- struct{}{}:
	default:
	}
}

// sendData queues a bulk frame, waiting while the queue is full.
func (s *session) sendData(t wire.Type, body any) error {
	frame, err := wire.Marshal(t, body)
	if err != nil {
		return err
	}
	select {
	case s.data <- frame:
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

func (s *session) nextFrame() []byte {
	for {
		s.controlMu.Lock()
		if len(s.control) > 0 {
			frame := s.control[0]
			s.control[0] = nil
			s.control = s.control[1:]
			s.controlMu.Unlock()
			return frame
		}
		s.controlMu.Unlock()
		select {
		case <-s.controlSignal:
		case frame := <-s.data:
			return frame
		case <-s.ctx.Done():
			return nil
		}
	}
}

// throttle waits until the limiter allows n more bytes. Frames larger
// than the burst are paid for in burst-sized pieces.
func (s *session) throttle(n int) error {
	for n > 0 {
		chunk := min(n, s.limiter.Burst())
		if err := s.limiter.WaitN(s.ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

func (s *session) writeLoop() {
	for {
		frame := s.nextFrame()
		if frame == nil {
			return
		}
		if err := s.throttle(len(frame)); err != nil {
			return
		}
		if err := s.conn.WriteFrame(frame); err != nil {
			if s.ctx.Err() == nil {
				s.logger.Info("write failed", "error", err)
			}
			s.cancel()
			return
		}
	}
}

// sendClock tells the peer which feeds we want and how far we have
// them.
func (s *session) sendClock(feeds []ref.FeedID) {
	clock := wire.Clock{Feeds: make([]wire.FeedTip, 0, len(feeds))}
	for _, feed := range feeds {
		tip, _ := s.engine.log.Tip(feed)
		clock.Feeds = append(clock.Feeds, wire.FeedTip{Feed: feed, Sequence: tip})
	}
	s.sendControl(wire.TypeClock, clock)
}

// wanted reports whether we pull feed from peers.
func (s *session) wanted(feed ref.FeedID) bool {
	if s.engine.policy.Blocked(feed) {
		return false
	}
	for _, candidate := range s.engine.policy.Wanted() {
		if candidate == feed {
			return true
		}
	}
	return false
}

// receiveClock records what the peer wants and has. Clock frames are
// additive: each one adds or updates entries.
func (s *session) receiveClock(clock wire.Clock) {
	wanted := make(map[ref.FeedID]bool)
	for _, feed := range s.engine.policy.Wanted() {
		wanted[feed] = !s.engine.policy.Blocked(feed)
	}
	for _, entry := range clock.Feeds {
		if entry.Feed.IsZero() {
			continue
		}
		s.feedsMu.Lock()
		s.peerWants[entry.Feed] = max(s.peerWants[entry.Feed], entry.Sequence)
		s.feedsMu.Unlock()

		if wanted[entry.Feed] {
			s.remoteHas(entry.Feed, entry.Sequence)
		}
		if s.engine.policy.Blocked(entry.Feed) {
			continue
		}
		if local, _ := s.engine.log.Tip(entry.Feed); local > entry.Sequence {
			s.announce(entry.Feed, local)
		}
	}
}

func (s *session) receiveHave(have wire.Have) {
	s.feedsMu.Lock()
	if known, ok := s.peerWants[have.Feed]; ok && have.Sequence > known {
		s.peerWants[have.Feed] = have.Sequence
	}
	s.feedsMu.Unlock()
	if s.wanted(have.Feed) {
		s.remoteHas(have.Feed, have.Sequence)
	}
}

// announce queues a have frame if the peer wants feed and is behind
// seq. Announcements for one feed coalesce to the newest tip.
func (s *session) announce(feed ref.FeedID, seq uint64) {
	s.feedsMu.Lock()
	known, wants := s.peerWants[feed]
	if !wants || seq <= known {
		s.feedsMu.Unlock()
		return
	}
	s.peerWants[feed] = seq
	s.feedsMu.Unlock()

	s.havesMu.Lock()
	s.haves[feed] = max(s.haves[feed], seq)
	s.havesMu.Unlock()
	select {
	case s.havesSignal <- struct{}{}:
	default:
	}
}

func (s *session) haveLoop() {
	for {
		select {
		case <-s.havesSignal:
		case <-s.ctx.Done():
			return
		}
		s.havesMu.Lock()
		haves := s.haves
		s.haves = make(map[ref.FeedID]uint64)
		s.havesMu.Unlock()
		for feed, seq := range haves {
			s.sendControl(wire.TypeHave, wire.Have{Feed: feed, Sequence: seq})
		}
	}
}

func (s *session) policyChanged(feed ref.FeedID, policy peers.Policy) {
	if policy.Blocked || !policy.Replicate {
		s.dropFeed(feed)
		return
	}
	s.sendClock([]ref.FeedID{feed})
}

func (s *session) receiveBlobWant(want wire.BlobWant) {
	if s.engine.blobs == nil {
		return
	}
	for _, blob := range want.Blobs {
		if size, err := s.engine.blobs.Size(blob); err == nil {
			s.sendControl(wire.TypeBlobHas, wire.BlobHas{Blob: blob, Size: size})
		}
	}
}

func (s *session) wantBlobs(blobs []ref.BlobRef) {
	s.sendControl(wire.TypeBlobWant, wire.BlobWant{Blobs: blobs})
}

func (s *session) serveBlob(blob ref.BlobRef) {
	reply := wire.BlobData{Blob: blob}
	if s.engine.blobs == nil {
		reply.Missing = true
		s.sendData(wire.TypeBlobData, reply)
		return
	}
	data, err := s.engine.blobs.Get(blob)
	if err != nil {
		if !errors.Is(err, blobstore.ErrNotFound) {
			s.logger.Warn("reading blob", "blob", blob.String(), "error", err)
		}
		reply.Missing = true
	} else {
		reply.Data = data
	}
	s.sendData(wire.TypeBlobData, reply)
}

func (s *session) receiveBlob(blob wire.BlobData) {
	if s.engine.blobs == nil || blob.Missing || !s.engine.blobs.Wanted(blob.Blob) {
		return
	}
	if err := s.engine.blobs.PutVerified(blob.Blob, blob.Data); err != nil {
		s.logger.Warn("rejected blob", "blob", blob.Blob.String(), "error", err)
		return
	}
	s.logger.Debug("received blob", "blob", blob.Blob.String(), "size", len(blob.Data))
}
