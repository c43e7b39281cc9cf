// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"fmt"

	"github.com/bureau-foundation/scuttle/lib/codec"
	"github.com/bureau-foundation/scuttle/lib/ref"
)

// Type names a frame.
type Type string

const (
	// TypeClock carries the feeds the sender wants and its tips for
	// them. Sent once after the handshake and again when the wanted
	// set changes.
	TypeClock Type = "clock"

	// TypeHave announces a new tip for one feed.
	TypeHave Type = "have"

	// TypeRequest asks for a range of one feed's messages.
	TypeRequest Type = "request"

	// TypeMessages answers a request.
	TypeMessages Type = "messages"

	TypeBlobWant Type = "blob_want"
	TypeBlobHas  Type = "blob_has"
	TypeBlobGet  Type = "blob_get"
	TypeBlobData Type = "blob_data"

	// TypeGoodbye precedes an orderly close.
	TypeGoodbye Type = "goodbye"

	TypeRoomCall  Type = "room_call"
	TypeRoomReply Type = "room_reply"
)

var known = map[Type]bool{
	TypeClock: true, TypeHave: true, TypeRequest: true, TypeMessages: true,
	TypeBlobWant: true, TypeBlobHas: true, TypeBlobGet: true, TypeBlobData: true,
	TypeGoodbye: true, TypeRoomCall: true, TypeRoomReply: true,
}

// ProtocolError reports a frame the receiver cannot accept. Either
// side closes the connection on one.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return "wire: protocol error: " + e.Reason }

// Frame is one decoded frame with its body still encoded.
type Frame struct {
	Type Type             `cbor:"type"`
	Body codec.RawMessage `cbor:"body,omitempty"`
}

// Decode decodes the frame body into v.
func (f Frame) Decode(v any) error {
	if len(f.Body) == 0 {
		return &ProtocolError{Reason: fmt.Sprintf("%s frame has no body", f.Type)}
	}
	if err := codec.Unmarshal(f.Body, v); err != nil {
		return &ProtocolError{Reason: fmt.Sprintf("%s body: %v", f.Type, err)}
	}
	return nil
}

// Marshal encodes a frame of type t with body v. v may be nil.
func Marshal(t Type, v any) ([]byte, error) {
	frame := Frame{Type: t}
	if v != nil {
		body, err := codec.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("wire: encoding %s body: %w", t, err)
		}
		frame.Body = body
	}
	return codec.Marshal(frame)
}

// Parse decodes a frame envelope. Unknown frame types are a
// ProtocolError.
func Parse(data []byte) (Frame, error) {
	var frame Frame
	if err := codec.Unmarshal(data, &frame); err != nil {
		return Frame{}, &ProtocolError{Reason: "undecodable frame: " + err.Error()}
	}
	if !known[frame.Type] {
		return Frame{}, &ProtocolError{Reason: fmt.Sprintf("unknown frame type %q", frame.Type)}
	}
	return frame, nil
}

// FeedTip is a feed and the highest sequence the sender holds.
type FeedTip struct {
	Feed     ref.FeedID `cbor:"feed"`
	Sequence uint64     `cbor:"seq"`
}

// Clock is the body of TypeClock. Feeds lists what the sender wants to
// replicate; Sequence is what it already has.
type Clock struct {
	Feeds []FeedTip `cbor:"feeds"`
}

// Have is the body of TypeHave.
type Have = FeedTip

// Request is the body of TypeRequest.
type Request struct {
	Feed  ref.FeedID `cbor:"feed"`
	From  uint64     `cbor:"from"`
	Limit int        `cbor:"limit"`
}

// Messages is the body of TypeMessages. Each entry is an encoded
// message envelope. More is set when the responder stopped at Limit
// and holds further messages.
type Messages struct {
	Feed     ref.FeedID `cbor:"feed"`
	Messages [][]byte   `cbor:"messages"`
	More     bool       `cbor:"more,omitempty"`
}

// BlobWant is the body of TypeBlobWant.
type BlobWant struct {
	Blobs []ref.BlobRef `cbor:"blobs"`
}

// BlobHas is the body of TypeBlobHas.
type BlobHas struct {
	Blob ref.BlobRef `cbor:"blob"`
	Size int64       `cbor:"size"`
}

// BlobGet is the body of TypeBlobGet.
type BlobGet struct {
	Blob ref.BlobRef `cbor:"blob"`
}

// BlobData is the body of TypeBlobData. Missing is set, and Data
// empty, when the responder no longer has the blob.
type BlobData struct {
	Blob    ref.BlobRef `cbor:"blob"`
	Data    []byte      `cbor:"data,omitempty"`
	Missing bool        `cbor:"missing,omitempty"`
}

// Goodbye is the body of TypeGoodbye.
type Goodbye struct {
	Reason string `cbor:"reason,omitempty"`
}

// RoomCall is the body of TypeRoomCall: a request to a room server.
type RoomCall struct {
	ID     uint64           `cbor:"id"`
	Method string           `cbor:"method"`
	Args   codec.RawMessage `cbor:"args,omitempty"`
}

// RoomReply answers the RoomCall with the same ID. Error is empty on
// success; Code carries a method-specific error code.
type RoomReply struct {
	ID     uint64           `cbor:"id"`
	Error  string           `cbor:"error,omitempty"`
	Code   int              `cbor:"code,omitempty"`
	Result codec.RawMessage `cbor:"result,omitempty"`
}
