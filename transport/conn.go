// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/bureau-foundation/scuttle/lib/ref"
)

// MaxFrameSize bounds one decrypted frame.
const MaxFrameSize = 8 << 20

// ErrFrameTooLarge is returned for frames over MaxFrameSize.
var ErrFrameTooLarge = errors.New("transport: frame too large")

// Conn is an authenticated, encrypted connection to one peer.
//
// Each frame on the wire is a 4-byte big-endian ciphertext length and
// a ChaCha20-Poly1305 ciphertext. Each direction has its own key and a
// nonce counter starting at zero, so a reordered, replayed or dropped
// frame fails to open. ReadFrame and WriteFrame may be called from
// different goroutines; each is serialized with itself.
type Conn struct {
	raw    net.Conn
	local  ref.FeedID
	remote ref.FeedID

	writeMu   sync.Mutex
	send      cipher.AEAD
	sendCount uint64

	readMu    sync.Mutex
	receive   cipher.AEAD
	readCount uint64

	closeOnce sync.Once
	closeErr  error
}

func newConn(raw net.Conn, local, remote ref.FeedID, sendKey, receiveKey []byte) (*Conn, error) {
	send, err := chacha20poly1305.New(sendKey)
	if err != nil {
		return nil, fmt.Errorf("transport: send cipher: %w", err)
	}
	receive, err := chacha20poly1305.New(receiveKey)
	if err != nil {
		return nil, fmt.Errorf("transport: receive cipher: %w", err)
	}
	return &Conn{raw: raw, local: local, remote: remote, send: send, receive: receive}, nil
}

// Local returns our identity.
func (c *Conn) Local() ref.FeedID { return c.local }

// Remote returns the authenticated identity of the peer.
func (c *Conn) Remote() ref.FeedID { return c.remote }

// RemoteAddr returns the peer's network address.
func (c *Conn) RemoteAddr() net.Addr { return c.raw.RemoteAddr() }

func counterNonce(counter uint64) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint64(nonce[chacha20poly1305.NonceSize-8:], counter)
	return nonce
}

// WriteFrame encrypts and sends payload as one frame.
func (c *Conn) WriteFrame(payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	frame := make([]byte, 4, 4+len(payload)+chacha20poly1305.Overhead)
	frame = c.send.Seal(frame, counterNonce(c.sendCount), payload, nil)
	binary.BigEndian.PutUint32(frame[:4], uint32(len(frame)-4))
	c.sendCount++
	_, err := c.raw.Write(frame)
	return err
}

// ReadFrame reads and decrypts the next frame.
func (c *Conn) ReadFrame() ([]byte, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	var header [4]byte
	if _, err := io.ReadFull(c.raw, header[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header[:])
	if length < chacha20poly1305.Overhead || length > MaxFrameSize+chacha20poly1305.Overhead {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}
	ciphertext := make([]byte, length)
	if _, err := io.ReadFull(c.raw, ciphertext); err != nil {
		return nil, err
	}
	payload, err := c.receive.Open(ciphertext[:0], counterNonce(c.readCount), ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: frame %d failed to decrypt: %w", c.readCount, err)
	}
	c.readCount++
	return payload, nil
}

// SetReadDeadline sets the deadline for ReadFrame.
func (c *Conn) SetReadDeadline(t time.Time) error { return c.raw.SetReadDeadline(t) }

// SetWriteDeadline sets the deadline for WriteFrame.
func (c *Conn) SetWriteDeadline(t time.Time) error { return c.raw.SetWriteDeadline(t) }

// Close closes the underlying connection. Safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() { c.closeErr = c.raw.Close() })
	return c.closeErr
}
