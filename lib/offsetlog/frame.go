// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package offsetlog

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"
)

// Kind tags what a frame holds.
type Kind uint8

const (
	// KindMessage is a complete encoded message.
	KindMessage Kind = 1

	// KindTombstone is a message whose content has been dropped. The
	// signed metadata is kept so the feed's hash chain still verifies.
	KindTombstone Kind = 2

	// KindNulled is a frame whose payload has been zeroed. It occupies
	// its original space and receive sequence but carries nothing.
	KindNulled Kind = 3
)

func (k Kind) String() string {
	switch k {
	case KindMessage:
		return "message"
	case KindTombstone:
		return "tombstone"
	case KindNulled:
		return "nulled"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

func (k Kind) valid() bool { return k >= KindMessage && k <= KindNulled }

// Frame header, big endian:
//
//	[0:4]   capacity  payload bytes reserved after the header
//	[4:8]   length    payload bytes in use (<= capacity)
//	[8]     kind
//	[9:17]  checksum  xxhash64 over kind || payload[:length]
//
// The payload is padded with zeros up to capacity. Capacity never
// changes once written, which is what lets tombstoning and nulling
// rewrite a frame in place.
const (
	headerSize = 17

	// MaxPayload bounds a single frame. Messages are far smaller; the
	// limit only exists so a corrupted capacity field cannot make the
	// scanner allocate gigabytes.
	MaxPayload = 8 << 20
)

type header struct {
	capacity uint32
	length   uint32
	kind     Kind
	checksum uint64
}

func (h header) frameSize() int64 { return headerSize + int64(h.capacity) }

func checksum(kind Kind, payload []byte) uint64 {
	digest := xxhash.New()
	digest.Write([]byte{byte(kind)})
	digest.Write(payload)
	return digest.Sum64()
}

// encodeFrame builds a frame with capacity for payload (or more, when
// capacity > len(payload)).
func encodeFrame(kind Kind, payload []byte, capacity int) []byte {
	if capacity < len(payload) {
		capacity = len(payload)
	}
	frame := make([]byte, headerSize+capacity)
	binary.BigEndian.PutUint32(frame[0:4], uint32(capacity))
	binary.BigEndian.PutUint32(frame[4:8], uint32(len(payload)))
	frame[8] = byte(kind)
	binary.BigEndian.PutUint64(frame[9:17], checksum(kind, payload))
	copy(frame[headerSize:], payload)
	return frame
}

func decodeHeader(raw []byte) header {
	return header{
		capacity: binary.BigEndian.Uint32(raw[0:4]),
		length:   binary.BigEndian.Uint32(raw[4:8]),
		kind:     Kind(raw[8]),
		checksum: binary.BigEndian.Uint64(raw[9:17]),
	}
}

// frameError describes a structurally broken frame.
type frameError struct {
	offset int64
	reason string
}

func (e *frameError) Error() string {
	return fmt.Sprintf("offsetlog: broken frame at offset %d: %s", e.offset, e.reason)
}

// readFrame reads and validates the frame at offset. size is the
// current logical end of the log. Returns the header and the payload
// (length bytes, not the padding).
func readFrame(reader io.ReaderAt, offset, size int64) (header, []byte, error) {
	if offset+headerSize > size {
		return header{}, nil, &frameError{offset, "truncated header"}
	}
	var raw [headerSize]byte
	if _, err := reader.ReadAt(raw[:], offset); err != nil {
		return header{}, nil, fmt.Errorf("offsetlog: reading header at %d: %w", offset, err)
	}
	frameHeader := decodeHeader(raw[:])
	switch {
	case !frameHeader.kind.valid():
		return header{}, nil, &frameError{offset, fmt.Sprintf("unknown kind %d", raw[8])}
	case frameHeader.capacity > MaxPayload:
		return header{}, nil, &frameError{offset, fmt.Sprintf("capacity %d exceeds limit", frameHeader.capacity)}
	case frameHeader.length > frameHeader.capacity:
		return header{}, nil, &frameError{offset, fmt.Sprintf("length %d exceeds capacity %d", frameHeader.length, frameHeader.capacity)}
	case offset+frameHeader.frameSize() > size:
		return header{}, nil, &frameError{offset, "truncated payload"}
	}
	payload := make([]byte, frameHeader.length)
	if _, err := reader.ReadAt(payload, offset+headerSize); err != nil {
		return header{}, nil, fmt.Errorf("offsetlog: reading payload at %d: %w", offset, err)
	}
	if checksum(frameHeader.kind, payload) != frameHeader.checksum {
		return header{}, nil, &frameError{offset, "checksum mismatch"}
	}
	return frameHeader, payload, nil
}
