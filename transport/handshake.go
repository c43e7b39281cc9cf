// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/bureau-foundation/scuttle/lib/codec"
	"github.com/bureau-foundation/scuttle/lib/keys"
	"github.com/bureau-foundation/scuttle/lib/ref"
)

// NetworkKey separates independent networks: peers only complete a
// handshake when they share one.
type NetworkKey [32]byte

// DefaultNetworkKey is used when no application key is configured.
var DefaultNetworkKey = NetworkKey{
	0x5c, 0x75, 0x74, 0x74, 0x6c, 0x65, 0x2e, 0x6e, 0x65, 0x74, 0x77, 0x6f, 0x72, 0x6b, 0x2e, 0x76,
	0x31, 0xd4, 0x1b, 0x8e, 0x07, 0x3a, 0x92, 0xc6, 0x5f, 0x10, 0xe8, 0x4d, 0xa3, 0x6b, 0x27, 0x99,
}

// ParseNetworkKey decodes a base64 network key.
func ParseNetworkKey(encoded string) (NetworkKey, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return NetworkKey{}, fmt.Errorf("network key: %w", err)
	}
	if len(raw) != len(NetworkKey{}) {
		return NetworkKey{}, fmt.Errorf("network key is %d bytes, want %d", len(raw), len(NetworkKey{}))
	}
	var key NetworkKey
	copy(key[:], raw)
	return key, nil
}

// HandshakeTimeout bounds a handshake when the context has no earlier
// deadline.
const HandshakeTimeout = 10 * time.Second

const (
	handshakeNonceSize = 32
	maxHandshakeFrame  = 1024
	transcriptLabel    = "scuttle.auth.v1"
	sessionLabel       = "scuttle.box.v1"
)

var (
	// ErrNetworkMismatch means the peer is on a different network.
	ErrNetworkMismatch = errors.New("transport: peer uses a different network key")

	// ErrAuthFailed means the peer could not prove its identity.
	ErrAuthFailed = errors.New("transport: peer failed authentication")

	// ErrUnexpectedPeer means the dialled peer is not the identity in
	// the address.
	ErrUnexpectedPeer = errors.New("transport: peer identity does not match address")

	// ErrRejected means the local Admit hook refused the peer.
	ErrRejected = errors.New("transport: peer rejected")
)

// HandshakeConfig configures Handshake.
type HandshakeConfig struct {
	NetworkKey NetworkKey
	Identity   keys.Signer

	// Admit, if set, is called with the peer's claimed identity before
	// it proves it. A non-nil error aborts the handshake with
	// ErrRejected. Used to refuse blocked feeds.
	Admit func(ref.FeedID) error
}

type hello struct {
	NetworkMAC []byte     `cbor:"network_mac"`
	Identity   ref.FeedID `cbor:"identity"`
	Ephemeral  []byte     `cbor:"ephemeral"`
	Nonce      []byte     `cbor:"nonce"`
}

type proof struct {
	Signature []byte `cbor:"signature"`
}

// Handshake authenticates both ends of conn and returns the encrypted
// connection. When expect is set (outbound dials) the peer must be
// that identity. On failure conn is left open; the caller closes it.
//
// Both sides run the same steps at once:
//
//  1. Send hello: identity, a fresh X25519 public key, a nonce, and an
//     HMAC of the ephemeral key under the network key.
//  2. Read the peer's hello and check its MAC.
//  3. Sign (label || peer nonce || peer ephemeral || own ephemeral)
//     and send the signature.
//  4. Verify the peer's signature over the mirrored transcript.
//
// Signing both ephemeral keys binds the session keys to the proven
// identities. Writes run on a background goroutine so both sides can
// send first over synchronous pipes.
func Handshake(ctx context.Context, conn net.Conn, cfg HandshakeConfig, expect ref.FeedID) (*Conn, error) {
	if cfg.Identity == nil {
		return nil, fmt.Errorf("transport: handshake needs an identity")
	}
	deadline := time.Now().Add(HandshakeTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	conn.SetDeadline(deadline)
	defer conn.SetDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()

	ephemeralPrivate := make([]byte, curve25519.ScalarSize)
	nonce := make([]byte, handshakeNonceSize)
	if _, err := rand.Read(ephemeralPrivate); err != nil {
		return nil, fmt.Errorf("transport: generating ephemeral key: %w", err)
	}
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("transport: generating nonce: %w", err)
	}
	ephemeralPublic, err := curve25519.X25519(ephemeralPrivate, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("transport: deriving ephemeral key: %w", err)
	}

	own := hello{
		NetworkMAC: networkMAC(cfg.NetworkKey, ephemeralPublic),
		Identity:   cfg.Identity.Feed(),
		Ephemeral:  ephemeralPublic,
		Nonce:      nonce,
	}
	ownHello, err := codec.Marshal(own)
	if err != nil {
		return nil, fmt.Errorf("transport: encoding hello: %w", err)
	}

	writeErrors := make(chan error, 1)
	proofToSend := make(chan []byte, 1)
	go func() {
		if err := writePlainFrame(conn, ownHello); err != nil {
			writeErrors <- fmt.Errorf("sending hello: %w", err)
			return
		}
		encoded, ok := <-proofToSend
		if !ok {
			writeErrors <- nil
			return
		}
		if err := writePlainFrame(conn, encoded); err != nil {
			writeErrors <- fmt.Errorf("sending proof: %w", err)
			return
		}
		writeErrors <- nil
	}()

	// fail lets our hello reach the peer before the caller closes conn,
	// so the peer reports the same cause rather than a bare EOF. The
	// connection deadline bounds the wait.
	fail := func(err error) (*Conn, error) {
		close(proofToSend)
		<-writeErrors
		return nil, err
	}

	var peer hello
	rawHello, err := readPlainFrame(conn)
	if err != nil {
		return fail(fmt.Errorf("transport: reading hello: %w", ctxErr(ctx, err)))
	}
	if err := codec.UnmarshalStrict(rawHello, &peer); err != nil {
		return fail(fmt.Errorf("%w: malformed hello: %v", ErrAuthFailed, err))
	}
	if !hmac.Equal(peer.NetworkMAC, networkMAC(cfg.NetworkKey, peer.Ephemeral)) {
		return fail(ErrNetworkMismatch)
	}
	if len(peer.Ephemeral) != curve25519.PointSize || len(peer.Nonce) != handshakeNonceSize || peer.Identity.IsZero() {
		return fail(fmt.Errorf("%w: malformed hello", ErrAuthFailed))
	}
	if !expect.IsZero() && peer.Identity != expect {
		return fail(fmt.Errorf("%w: got %s, want %s", ErrUnexpectedPeer, peer.Identity.Short(), expect.Short()))
	}
	if peer.Identity == own.Identity {
		return fail(fmt.Errorf("%w: peer claims our own identity", ErrAuthFailed))
	}
	if cfg.Admit != nil {
		if err := cfg.Admit(peer.Identity); err != nil {
			return fail(fmt.Errorf("%w: %s: %v", ErrRejected, peer.Identity.Short(), err))
		}
	}

	signature := cfg.Identity.Sign(transcript(peer.Nonce, peer.Ephemeral, ephemeralPublic))
	encodedProof, err := codec.Marshal(proof{Signature: signature})
	if err != nil {
		return fail(fmt.Errorf("transport: encoding proof: %w", err))
	}
	proofToSend <- encodedProof
	close(proofToSend)

	rawProof, err := readPlainFrame(conn)
	if err != nil {
		return nil, fmt.Errorf("transport: reading proof: %w", ctxErr(ctx, err))
	}
	if err := <-writeErrors; err != nil {
		return nil, fmt.Errorf("transport: %w", ctxErr(ctx, err))
	}
	var peerProof proof
	if err := codec.UnmarshalStrict(rawProof, &peerProof); err != nil {
		return nil, fmt.Errorf("%w: malformed proof: %v", ErrAuthFailed, err)
	}
	if !keys.Verify(peer.Identity, transcript(nonce, ephemeralPublic, peer.Ephemeral), peerProof.Signature) {
		return nil, fmt.Errorf("%w: bad signature from %s", ErrAuthFailed, peer.Identity.Short())
	}

	shared, err := curve25519.X25519(ephemeralPrivate, peer.Ephemeral)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	sendKey, err := sessionKey(shared, cfg.NetworkKey, own.Identity)
	if err != nil {
		return nil, err
	}
	receiveKey, err := sessionKey(shared, cfg.NetworkKey, peer.Identity)
	if err != nil {
		return nil, err
	}
	return newConn(conn, own.Identity, peer.Identity, sendKey, receiveKey)
}

func networkMAC(key NetworkKey, ephemeral []byte) []byte {
	mac := hmac.New(sha256.New, key[:])
	mac.Write(ephemeral)
	return mac.Sum(nil)
}

func transcript(nonce, challengerEphemeral, responderEphemeral []byte) []byte {
	message := make([]byte, 0, len(transcriptLabel)+len(nonce)+2*curve25519.PointSize)
	message = append(message, transcriptLabel...)
	message = append(message, nonce...)
	message = append(message, challengerEphemeral...)
	return append(message, responderEphemeral...)
}

// sessionKey derives the key for traffic sent by sender.
func sessionKey(shared []byte, network NetworkKey, sender ref.FeedID) ([]byte, error) {
	info := append([]byte(sessionLabel), sender.PublicKey()...)
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, network[:], info), key); err != nil {
		return nil, fmt.Errorf("transport: deriving session key: %w", err)
	}
	return key, nil
}

func writePlainFrame(w io.Writer, payload []byte) error {
	frame := binary.BigEndian.AppendUint16(make([]byte, 0, 2+len(payload)), uint16(len(payload)))
	_, err := w.Write(append(frame, payload...))
	return err
}

func readPlainFrame(r io.Reader) ([]byte, error) {
	var header [2]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint16(header[:])
	if length == 0 || length > maxHandshakeFrame {
		return nil, fmt.Errorf("%w: handshake frame of %d bytes", ErrAuthFailed, length)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// ctxErr prefers the context's error over the deadline error it
// caused.
func ctxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w (%v)", ctx.Err(), err)
	}
	return err
}
