// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package keys manages the node's ed25519 identity and the secret file
// it is stored in.
package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/bureau-foundation/scuttle/lib/ref"
)

const (
	curveEd25519 = "ed25519"
	keySuffix    = ".ed25519"
)

// ErrNoSecret is returned by Load when the secret file does not exist.
var ErrNoSecret = errors.New("keys: secret file does not exist")

// Signer signs message payloads on behalf of one feed.
type Signer interface {
	Feed() ref.FeedID
	Sign(payload []byte) []byte
}

// KeyPair is an ed25519 identity. Implements Signer.
type KeyPair struct {
	feed    ref.FeedID
	private ed25519.PrivateKey
}

// Generate creates a new identity from random (crypto/rand when nil).
func Generate(random io.Reader) (*KeyPair, error) {
	if random == nil {
		random = rand.Reader
	}
	public, private, err := ed25519.GenerateKey(random)
	if err != nil {
		return nil, fmt.Errorf("generating ed25519 key: %w", err)
	}
	return newKeyPair(public, private)
}

// FromSeed derives an identity from a 32-byte seed. Tests use it for
// stable feed IDs.
func FromSeed(seed []byte) (*KeyPair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed is %d bytes, want %d", len(seed), ed25519.SeedSize)
	}
	private := ed25519.NewKeyFromSeed(seed)
	return newKeyPair(private.Public().(ed25519.PublicKey), private)
}

func newKeyPair(public ed25519.PublicKey, private ed25519.PrivateKey) (*KeyPair, error) {
	feed, err := ref.NewFeedID(public)
	if err != nil {
		return nil, err
	}
	return &KeyPair{feed: feed, private: private}, nil
}

func (k *KeyPair) Feed() ref.FeedID { return k.feed }

func (k *KeyPair) Sign(payload []byte) []byte { return ed25519.Sign(k.private, payload) }

// PrivateKey exposes the raw key for the transport handshake and
// private message decryption.
func (k *KeyPair) PrivateKey() ed25519.PrivateKey { return k.private }

// Verify reports whether signature is feed's signature over payload.
func Verify(feed ref.FeedID, payload, signature []byte) bool {
	if feed.IsZero() || len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(feed.PublicKey(), payload, signature)
}

// secretFile is the on-disk JSON form. Same shape other implementations
// of the protocol family write, so a secret can be carried between
// clients.
type secretFile struct {
	Curve   string     `json:"curve"`
	ID      ref.FeedID `json:"id"`
	Private string     `json:"private"`
	Public  string     `json:"public"`
}

// MarshalJSON encodes the key pair as a secret file document.
func (k *KeyPair) MarshalJSON() ([]byte, error) {
	return json.Marshal(secretFile{
		Curve:   curveEd25519,
		ID:      k.feed,
		Private: base64.StdEncoding.EncodeToString(k.private) + keySuffix,
		Public:  base64.StdEncoding.EncodeToString(k.feed.PublicKey()) + keySuffix,
	})
}

// Parse decodes a secret file document.
func Parse(data []byte) (*KeyPair, error) {
	var secret secretFile
	if err := json.Unmarshal(data, &secret); err != nil {
		return nil, fmt.Errorf("decoding secret: %w", err)
	}
	if secret.Curve != curveEd25519 {
		return nil, fmt.Errorf("unsupported secret curve %q", secret.Curve)
	}
	private, err := base64.StdEncoding.DecodeString(strings.TrimSuffix(secret.Private, keySuffix))
	if err != nil {
		return nil, fmt.Errorf("decoding private key: %w", err)
	}
	if len(private) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("private key is %d bytes, want %d", len(private), ed25519.PrivateKeySize)
	}
	pair, err := newKeyPair(ed25519.PrivateKey(private).Public().(ed25519.PublicKey), private)
	if err != nil {
		return nil, err
	}
	if !secret.ID.IsZero() && secret.ID != pair.feed {
		return nil, fmt.Errorf("secret id %s does not match private key (%s)", secret.ID, pair.feed)
	}
	return pair, nil
}

// Load reads a secret file. Returns ErrNoSecret if it is missing.
func Load(path string) (*KeyPair, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNoSecret
	}
	if err != nil {
		return nil, fmt.Errorf("reading secret: %w", err)
	}
	return Parse(data)
}

// Save writes the key pair to path with mode 0600, replacing any
// existing file atomically.
func (k *KeyPair) Save(path string) error {
	data, err := k.MarshalJSON()
	if err != nil {
		return err
	}
	directory := filepath.Dir(path)
	if err := os.MkdirAll(directory, 0o700); err != nil {
		return fmt.Errorf("creating secret directory: %w", err)
	}
	temporary, err := os.CreateTemp(directory, ".secret-*")
	if err != nil {
		return fmt.Errorf("creating temporary secret: %w", err)
	}
	success := false
	defer func() {
		if !success {
			temporary.Close()
			os.Remove(temporary.Name())
		}
	}()
	if err := temporary.Chmod(0o600); err != nil {
		return fmt.Errorf("setting secret permissions: %w", err)
	}
	if _, err := temporary.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing secret: %w", err)
	}
	if err := temporary.Sync(); err != nil {
		return fmt.Errorf("syncing secret: %w", err)
	}
	if err := temporary.Close(); err != nil {
		return fmt.Errorf("closing secret: %w", err)
	}
	if err := os.Rename(temporary.Name(), path); err != nil {
		return fmt.Errorf("installing secret: %w", err)
	}
	success = true
	return nil
}

// LoadOrCreate loads the secret at path, generating and saving a new
// one when none exists.
func LoadOrCreate(path string) (*KeyPair, bool, error) {
	pair, err := Load(path)
	if err == nil {
		return pair, false, nil
	}
	if !errors.Is(err, ErrNoSecret) {
		return nil, false, err
	}
	pair, err = Generate(nil)
	if err != nil {
		return nil, false, err
	}
	if err := pair.Save(path); err != nil {
		return nil, false, err
	}
	return pair, true, nil
}
