// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package boxed

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"filippo.io/age"
	"filippo.io/age/agessh"
	"golang.org/x/crypto/ssh"

	"github.com/bureau-foundation/scuttle/lib/keys"
	"github.com/bureau-foundation/scuttle/lib/ref"
)

// MaxRecipients bounds how many feeds one private message can address.
const MaxRecipients = 7

var (
	// ErrNoRecipients is returned by Seal when the recipient list is
	// empty.
	ErrNoRecipients = errors.New("boxed: at least one recipient is required")

	// ErrTooManyRecipients is returned by Seal for more than
	// MaxRecipients distinct recipients.
	ErrTooManyRecipients = errors.New("boxed: too many recipients")

	// ErrNotRecipient is returned by Open when the message was not
	// addressed to the given key.
	ErrNotRecipient = errors.New("boxed: not a recipient")
)

// Seal encrypts plaintext so that each recipient feed's private key
// can open it. Duplicate recipients are sealed once.
func Seal(plaintext []byte, recipients []ref.FeedID) ([]byte, error) {
	unique := dedupe(recipients)
	if len(unique) == 0 {
		return nil, ErrNoRecipients
	}
	if len(unique) > MaxRecipients {
		return nil, fmt.Errorf("%w: %d, at most %d", ErrTooManyRecipients, len(unique), MaxRecipients)
	}

	ageRecipients := make([]age.Recipient, 0, len(unique))
	for _, feed := range unique {
		recipient, err := recipientFor(feed)
		if err != nil {
			return nil, err
		}
		ageRecipients = append(ageRecipients, recipient)
	}

	var ciphertext bytes.Buffer
	writer, err := age.Encrypt(&ciphertext, ageRecipients...)
	if err != nil {
		return nil, fmt.Errorf("boxed: creating encryptor: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return nil, fmt.Errorf("boxed: writing plaintext: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("boxed: finalizing: %w", err)
	}
	return ciphertext.Bytes(), nil
}

// Open decrypts ciphertext with pair's private key.
func Open(ciphertext []byte, pair *keys.KeyPair) ([]byte, error) {
	identity, err := agessh.NewEd25519Identity(pair.PrivateKey())
	if err != nil {
		return nil, fmt.Errorf("boxed: building identity: %w", err)
	}
	reader, err := age.Decrypt(bytes.NewReader(ciphertext), identity)
	if err != nil {
		var noMatch *age.NoIdentityMatchError
		if errors.As(err, &noMatch) {
			return nil, ErrNotRecipient
		}
		return nil, fmt.Errorf("boxed: decrypting: %w", err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("boxed: reading plaintext: %w", err)
	}
	return plaintext, nil
}

func recipientFor(feed ref.FeedID) (age.Recipient, error) {
	if feed.IsZero() {
		return nil, fmt.Errorf("boxed: empty recipient")
	}
	public, err := ssh.NewPublicKey(feed.PublicKey())
	if err != nil {
		return nil, fmt.Errorf("boxed: recipient %s: %w", feed.Short(), err)
	}
	recipient, err := agessh.NewEd25519Recipient(public)
	if err != nil {
		return nil, fmt.Errorf("boxed: recipient %s: %w", feed.Short(), err)
	}
	return recipient, nil
}

func dedupe(feeds []ref.FeedID) []ref.FeedID {
	seen := make(map[ref.FeedID]bool, len(feeds))
	unique := make([]ref.FeedID, 0, len(feeds))
	for _, feed := range feeds {
		if seen[feed] {
			continue
		}
		seen[feed] = true
		unique = append(unique, feed)
	}
	return unique
}
