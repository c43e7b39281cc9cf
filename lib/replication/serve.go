// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package replication

import (
	"github.com/bureau-foundation/scuttle/lib/wire"
)

// serveRequest answers a request with up to its limit of messages,
// capped by the engine window and maxBatchBytes. Blocked feeds are
// answered with an empty batch.
func (s *session) serveRequest(request wire.Request) {
	reply := wire.Messages{Feed: request.Feed}
	if request.Feed.IsZero() || request.From == 0 || s.engine.policy.Blocked(request.Feed) {
		s.sendData(wire.TypeMessages, reply)
		return
	}
	limit := request.Limit
	if limit <= 0 || limit > s.engine.window {
		limit = s.engine.window
	}

	size := 0
	last := request.From - 1
	for message, err := range s.engine.log.ReadRange(s.ctx, request.Feed, request.From, limit) {
		if err != nil {
			s.logger.Warn("reading feed for peer", "feed", request.Feed.Short(), "error", err)
			break
		}
		encoded, err := message.Encode()
		if err != nil {
			s.logger.Warn("encoding message for peer", "feed", request.Feed.Short(), "sequence", message.Sequence, "error", err)
			break
		}
		if len(reply.Messages) > 0 && size+len(encoded) > maxBatchBytes {
			break
		}
		reply.Messages = append(reply.Messages, encoded)
		size += len(encoded)
		last = message.Sequence
	}
	if tip, _ := s.engine.log.Tip(request.Feed); tip > last && len(reply.Messages) > 0 {
		reply.More = true
	}
	s.sendData(wire.TypeMessages, reply)
}
