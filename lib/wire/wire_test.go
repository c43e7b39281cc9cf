// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"testing"

	"github.com/bureau-foundation/scuttle/lib/codec"
	"github.com/bureau-foundation/scuttle/lib/ref"
)

func testFeed(t *testing.T) ref.FeedID {
	t.Helper()
	public := ed25519.NewKeyFromSeed(bytes.Repeat([]byte{7}, 32)).Public().(ed25519.PublicKey)
	feed, err := ref.NewFeedID(public)
	if err != nil {
		t.Fatalf("NewFeedID: %v", err)
	}
	return feed
}

func TestClockFrame(t *testing.T) {
	feed := testFeed(t)
	data, err := Marshal(TypeClock, Clock{Feeds: []FeedTip{{Feed: feed, Sequence: 42}}})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	frame, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if frame.Type != TypeClock {
		t.Fatalf("Type = %q", frame.Type)
	}
	var clock Clock
	if err := frame.Decode(&clock); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(clock.Feeds) != 1 || clock.Feeds[0].Feed != feed || clock.Feeds[0].Sequence != 42 {
		t.Errorf("clock = %+v", clock)
	}
}

func TestParseRejectsUnknownType(t *testing.T) {
	data, _ := codec.Marshal(Frame{Type: "gossip"})
	_, err := Parse(data)
	var protocolErr *ProtocolError
	if !errors.As(err, &protocolErr) {
		t.Fatalf("err = %v, want ProtocolError", err)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	_, err := Parse([]byte{0xff, 0x00, 0x13})
	var protocolErr *ProtocolError
	if !errors.As(err, &protocolErr) {
		t.Fatalf("err = %v, want ProtocolError", err)
	}
}

func TestDecodeWithoutBody(t *testing.T) {
	data, _ := Marshal(TypeGoodbye, nil)
	frame, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	var request Request
	if err := frame.Decode(&request); err == nil {
		t.Error("Decode of empty body succeeded")
	}
}

func TestBodiesIgnoreUnknownFields(t *testing.T) {
	type futureRequest struct {
		Feed     ref.FeedID `cbor:"feed"`
		From     uint64     `cbor:"from"`
		Limit    int        `cbor:"limit"`
		Priority int        `cbor:"priority"`
	}
	feed := testFeed(t)
	data, _ := Marshal(TypeRequest, futureRequest{Feed: feed, From: 3, Limit: 10, Priority: 9})
	frame, _ := Parse(data)
	var request Request
	if err := frame.Decode(&request); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if request.Feed != feed || request.From != 3 || request.Limit != 10 {
		t.Errorf("request = %+v", request)
	}
}
