// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package feedlog

import (
	"errors"
	"fmt"

	"github.com/bureau-foundation/scuttle/lib/ref"
)

var (
	// ErrInvalidFeedState is returned for writes to a poisoned feed.
	ErrInvalidFeedState = errors.New("feedlog: feed is poisoned")

	// ErrSequenceGap means a message is not the successor of the tip.
	ErrSequenceGap = errors.New("feedlog: sequence gap")

	// ErrHashMismatch means a message does not link to the local copy
	// of its predecessor, conflicts with a message already stored at
	// its sequence, or carries content that does not match its digest.
	ErrHashMismatch = errors.New("feedlog: hash mismatch")

	// ErrBadSignature means the author's signature does not verify.
	ErrBadSignature = errors.New("feedlog: bad signature")

	// ErrNotFound is returned when a feed has no message at a sequence.
	ErrNotFound = errors.New("feedlog: message not found")

	// ErrInvalidContent is returned by Append for public content that
	// is not a JSON object.
	ErrInvalidContent = errors.New("feedlog: public content must be a JSON object")

	// ErrContentTooLarge is returned by Append for oversized content.
	ErrContentTooLarge = errors.New("feedlog: content too large")
)

// ValidationError reports a replicated message that was rejected.
// Kind is one of ErrSequenceGap, ErrHashMismatch, ErrBadSignature or
// ErrInvalidFeedState.
type ValidationError struct {
	Kind     error
	Feed     ref.FeedID
	Sequence uint64

	// Poisoned is true when this rejection poisoned the feed.
	Poisoned bool

	Detail string
}

func (e *ValidationError) Error() string {
	message := fmt.Sprintf("%s: %s at sequence %d", e.Kind, e.Feed, e.Sequence)
	if e.Detail != "" {
		message += ": " + e.Detail
	}
	return message
}

func (e *ValidationError) Unwrap() error { return e.Kind }

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var validation *ValidationError
	return errors.As(err, &validation)
}
