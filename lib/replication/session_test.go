// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package replication

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/scuttle/lib/digest"
	"github.com/bureau-foundation/scuttle/lib/feedlog"
	"github.com/bureau-foundation/scuttle/lib/keys"
	"github.com/bureau-foundation/scuttle/lib/peers"
	"github.com/bureau-foundation/scuttle/lib/ref"
	"github.com/bureau-foundation/scuttle/lib/testutil"
	"github.com/bureau-foundation/scuttle/lib/wire"
)

// stubPolicy wants a fixed set of feeds.
type stubPolicy struct {
	wanted  []ref.FeedID
	blocked map[ref.FeedID]bool
}

func (p *stubPolicy) Wanted() []ref.FeedID          { return p.wanted }
func (p *stubPolicy) Blocked(feed ref.FeedID) bool { return p.blocked[feed] }
func (p *stubPolicy) OnPolicyChange(func(ref.FeedID, peers.Policy)) func() {
	return func() {}
}

// chanConn is a frame connection backed by channels, so tests can
// play the remote side frame by frame.
type chanConn struct {
	in   chan []byte
	out  chan []byte
	once sync.Once
	done chan struct{}
}

func newChanConn() *chanConn {
	return &chanConn{in: make(chan []byte, 16), out: make(chan []byte, 64), done: make(chan struct{})}
}

func (c *chanConn) ReadFrame() ([]byte, error) {
	select {
	case frame := <-c.in:
		return frame, nil
	case <-c.done:
		return nil, net.ErrClosed
	}
}

func (c *chanConn) WriteFrame(frame []byte) error {
	select {
	case c.out <- frame:
		return nil
	case <-c.done:
		return net.ErrClosed
	}
}

func (c *chanConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *chanConn) send(t *testing.T, frameType wire.Type, body any) {
	t.Helper()
	frame, err := wire.Marshal(frameType, body)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	c.in <- frame
}

// expect returns the next written frame of the given type, skipping
// others.
func (c *chanConn) expect(t *testing.T, frameType wire.Type, body any) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case raw := <-c.out:
			frame, err := wire.Parse(raw)
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if frame.Type != frameType {
				continue
			}
			if err := frame.Decode(body); err != nil {
				t.Fatalf("Decode %s: %v", frameType, err)
			}
			return
		case <-deadline:
			t.Fatalf("no %s frame written", frameType)
		}
	}
}

type sessionHarness struct {
	conn   *chanConn
	engine *Engine
	result chan error
	cancel context.CancelFunc
}

func startSession(t *testing.T, engine *Engine, remote ref.FeedID) *sessionHarness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	c := newChanConn()
	h := &sessionHarness{conn: c, engine: engine, result: make(chan error, 1), cancel: cancel}
	s := newSession(engine, c, remote)
	go func() { h.result <- s.run(ctx, func() {}) }()
	t.Cleanup(func() {
		cancel()
		<-h.result
	})
	return h
}

func TestRequestsAreCappedByWindow(t *testing.T) {
	ctx := context.Background()
	log, blobs, _ := openLog(t)
	author := testKey(t, 4)
	for range 10 {
		if _, err := log.Append(ctx, author, post("entry")); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	engine := New(Config{Log: log, Blobs: blobs, Policy: &stubPolicy{}, Window: 4})
	defer engine.Close()
	h := startSession(t, engine, testKey(t, 5).Feed())

	h.conn.send(t, wire.TypeRequest, wire.Request{Feed: author.Feed(), From: 1, Limit: 100})
	var batch wire.Messages
	h.conn.expect(t, wire.TypeMessages, &batch)
	if len(batch.Messages) != 4 || !batch.More {
		t.Fatalf("first batch has %d messages, more=%v; want 4, true", len(batch.Messages), batch.More)
	}

	h.conn.send(t, wire.TypeRequest, wire.Request{Feed: author.Feed(), From: 9, Limit: 4})
	batch = wire.Messages{}
	h.conn.expect(t, wire.TypeMessages, &batch)
	if len(batch.Messages) != 2 || batch.More {
		t.Fatalf("last batch has %d messages, more=%v; want 2, false", len(batch.Messages), batch.More)
	}
}

func TestBlockedFeedIsNotServed(t *testing.T) {
	ctx := context.Background()
	log, blobs, _ := openLog(t)
	author := testKey(t, 4)
	if _, err := log.Append(ctx, author, post("hidden")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	policy := &stubPolicy{blocked: map[ref.FeedID]bool{author.Feed(): true}}
	engine := New(Config{Log: log, Blobs: blobs, Policy: policy})
	defer engine.Close()
	h := startSession(t, engine, testKey(t, 5).Feed())

	h.conn.send(t, wire.TypeRequest, wire.Request{Feed: author.Feed(), From: 1, Limit: 10})
	var batch wire.Messages
	h.conn.expect(t, wire.TypeMessages, &batch)
	if len(batch.Messages) != 0 {
		t.Errorf("served %d messages of a blocked feed", len(batch.Messages))
	}
}

func TestSessionSendsClockFirst(t *testing.T) {
	ctx := context.Background()
	log, blobs, _ := openLog(t)
	self, friend := testKey(t, 4), testKey(t, 6)
	for range 3 {
		if _, err := log.Append(ctx, self, post("mine")); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	engine := New(Config{Log: log, Blobs: blobs, Policy: &stubPolicy{wanted: []ref.FeedID{self.Feed(), friend.Feed()}}})
	defer engine.Close()
	h := startSession(t, engine, testKey(t, 5).Feed())

	raw := <-h.conn.out
	frame, err := wire.Parse(raw)
	if err != nil || frame.Type != wire.TypeClock {
		t.Fatalf("first frame = %s (%v), want clock", frame.Type, err)
	}
	var clock wire.Clock
	if err := frame.Decode(&clock); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	want := []wire.FeedTip{{Feed: self.Feed(), Sequence: 3}, {Feed: friend.Feed(), Sequence: 0}}
	if len(clock.Feeds) != len(want) {
		t.Fatalf("clock = %+v, want %+v", clock.Feeds, want)
	}
	for i := range want {
		if clock.Feeds[i] != want[i] {
			t.Errorf("clock[%d] = %+v, want %+v", i, clock.Feeds[i], want[i])
		}
	}
}

func TestGoodbyeEndsSession(t *testing.T) {
	log, blobs, _ := openLog(t)
	engine := New(Config{Log: log, Blobs: blobs, Policy: &stubPolicy{}})
	defer engine.Close()
	h := startSession(t, engine, testKey(t, 5).Feed())

	h.conn.send(t, wire.TypeGoodbye, wire.Goodbye{Reason: "done"})
	select {
	case err := <-h.result:
		h.result <- err
		if err != nil {
			t.Errorf("run after goodbye: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("session still running after goodbye")
	}
}

func TestMalformedFrameEndsSession(t *testing.T) {
	log, blobs, _ := openLog(t)
	engine := New(Config{Log: log, Blobs: blobs, Policy: &stubPolicy{}})
	defer engine.Close()
	h := startSession(t, engine, testKey(t, 5).Feed())

	h.conn.in <- []byte{0xff, 0x00, 0x13}
	select {
	case err := <-h.result:
		h.result <- err
		var protocol *wire.ProtocolError
		if !errors.As(err, &protocol) {
			t.Errorf("run after garbage: %v, want ProtocolError", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("session still running after a malformed frame")
	}
}

func TestBlobGetWithoutBlobStore(t *testing.T) {
	log, _, _ := openLog(t)
	engine := New(Config{Log: log, Policy: &stubPolicy{}})
	defer engine.Close()
	h := startSession(t, engine, testKey(t, 5).Feed())

	blob := digest.Blob([]byte("nobody here has this"))
	h.conn.send(t, wire.TypeBlobGet, wire.BlobGet{Blob: blob})
	var reply wire.BlobData
	h.conn.expect(t, wire.TypeBlobData, &reply)
	if reply.Blob != blob || !reply.Missing || len(reply.Data) != 0 {
		t.Errorf("reply = %s missing=%v with %d bytes, want missing", reply.Blob, reply.Missing, len(reply.Data))
	}

	// The session keeps going.
	h.conn.send(t, wire.TypeRequest, wire.Request{Feed: testKey(t, 6).Feed(), From: 1, Limit: 1})
	var batch wire.Messages
	h.conn.expect(t, wire.TypeMessages, &batch)
}

func TestOutboundBytesAreRateLimited(t *testing.T) {
	log, blobs, _ := openLog(t)
	data := bytes.Repeat([]byte("paced blob data "), 3*limiterBurst/16)
	blob, _, err := blobs.Put(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	engine := New(Config{Log: log, Blobs: blobs, Policy: &stubPolicy{}, BytesPerSecond: limiterBurst})
	defer engine.Close()
	h := startSession(t, engine, testKey(t, 5).Feed())

	// The burst covers a third of the blob; the rest takes about two
	// seconds at this rate.
	start := time.Now()
	h.conn.send(t, wire.TypeBlobGet, wire.BlobGet{Blob: blob})
	var reply wire.BlobData
	h.conn.expect(t, wire.TypeBlobData, &reply)
	if elapsed := time.Since(start); elapsed < time.Second {
		t.Errorf("%d byte blob sent in %v at %d bytes/s", len(data), elapsed, limiterBurst)
	}
	if !bytes.Equal(reply.Data, data) {
		t.Errorf("blob data differs: %d bytes, want %d", len(reply.Data), len(data))
	}
}

// encodedFeed appends n messages by author to a scratch log and
// returns their wire encodings.
func encodedFeed(t *testing.T, author *keys.KeyPair, n int) [][]byte {
	t.Helper()
	ctx := context.Background()
	source, _, _ := openLog(t)
	for i := range n {
		if _, err := source.Append(ctx, author, post(fmt.Sprintf("entry %d", i))); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	var encoded [][]byte
	for message, err := range source.ReadRange(ctx, author.Feed(), 1, 0) {
		if err != nil {
			t.Fatalf("ReadRange: %v", err)
		}
		raw, err := message.Encode()
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		encoded = append(encoded, raw)
	}
	return encoded
}

func TestStalledFeedDoesNotHoldOthers(t *testing.T) {
	slow, fast := testKey(t, 7), testKey(t, 8)
	slowMessages, fastMessages := encodedFeed(t, slow, 3), encodedFeed(t, fast, 3)

	log, blobs, _ := openLog(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	unsubscribe := log.Subscribe(func(message *feedlog.Message) {
		if message.Author == slow.Feed() {
			once.Do(func() {
				close(entered)
				<-release
			})
		}
	})
	defer unsubscribe()
	released := sync.OnceFunc(func() { close(release) })
	defer released()

	engine := New(Config{Log: log, Blobs: blobs, Policy: &stubPolicy{wanted: []ref.FeedID{slow.Feed(), fast.Feed()}}})
	defer engine.Close()
	h := startSession(t, engine, testKey(t, 5).Feed())

	h.conn.send(t, wire.TypeClock, wire.Clock{Feeds: []wire.FeedTip{
		{Feed: slow.Feed(), Sequence: 3}, {Feed: fast.Feed(), Sequence: 3},
	}})
	requested := make(map[ref.FeedID]bool)
	for len(requested) < 2 {
		var request wire.Request
		h.conn.expect(t, wire.TypeRequest, &request)
		if request.From != 1 {
			t.Errorf("request for %s starts at %d", request.Feed.Short(), request.From)
		}
		requested[request.Feed] = true
	}
	if !requested[slow.Feed()] || !requested[fast.Feed()] {
		t.Fatalf("requested feeds = %v", requested)
	}

	h.conn.send(t, wire.TypeMessages, wire.Messages{Feed: slow.Feed(), Messages: slowMessages})
	testutil.RequireClosed(t, entered, 5*time.Second, "slow feed reaches storage")

	h.conn.send(t, wire.TypeMessages, wire.Messages{Feed: fast.Feed(), Messages: fastMessages})
	testutil.Eventually(t, 5*time.Second, func() bool {
		tip, _ := log.Tip(fast.Feed())
		return tip == 3
	}, "fast feed stored while slow feed is held")

	released()
	testutil.Eventually(t, 5*time.Second, func() bool {
		tip, _ := log.Tip(slow.Feed())
		return tip == 3
	}, "slow feed finishes after release")
}
