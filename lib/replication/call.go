// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package replication

import (
	"context"
	"errors"
	"fmt"

	"github.com/bureau-foundation/scuttle/lib/codec"
	"github.com/bureau-foundation/scuttle/lib/ref"
	"github.com/bureau-foundation/scuttle/lib/wire"
)

var (
	// ErrNotConnected is returned by Call when no session with the
	// peer is running.
	ErrNotConnected = errors.New("replication: peer not connected")

	// ErrSessionClosed is returned by Call when the session ends
	// before the reply arrives.
	ErrSessionClosed = errors.New("replication: session closed")
)

// RemoteError is a call that the remote handler failed. Handlers
// return one to send a method-specific code back to the caller.
type RemoteError struct {
	Code    int
	Message string
}

func (e *RemoteError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("remote error %d: %s", e.Code, e.Message)
	}
	return "remote error: " + e.Message
}

// Call invokes method on the peer's CallHandler over the running
// session and decodes the answer into result, which may be nil.
func (e *Engine) Call(ctx context.Context, remote ref.FeedID, method string, args, result any) error {
	s := e.session(remote)
	if s == nil {
		return fmt.Errorf("%w: %s", ErrNotConnected, remote.Short())
	}
	return s.call(ctx, method, args, result)
}

func (s *session) call(ctx context.Context, method string, args, result any) error {
	var encoded codec.RawMessage
	if args != nil {
		data, err := codec.Marshal(args)
		if err != nil {
			return fmt.Errorf("replication: encoding %s arguments: %w", method, err)
		}
		encoded = data
	}

	replies := make(chan wire.RoomReply, 1)
	s.callsMu.Lock()
	if s.ended {
		s.callsMu.Unlock()
		return ErrSessionClosed
	}
	s.nextCall++
	id := s.nextCall
	s.pending[id] = replies
	s.callsMu.Unlock()
	defer func() {
		s.callsMu.Lock()
		delete(s.pending, id)
		s.callsMu.Unlock()
	}()

	s.sendControl(wire.TypeRoomCall, wire.RoomCall{ID: id, Method: method, Args: encoded})

	select {
	case reply, ok := <-replies:
		if !ok {
			return ErrSessionClosed
		}
		if reply.Error != "" {
			return &RemoteError{Code: reply.Code, Message: reply.Error}
		}
		if result != nil && len(reply.Result) > 0 {
			if err := codec.Unmarshal(reply.Result, result); err != nil {
				return fmt.Errorf("replication: decoding %s result: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *session) deliverReply(reply wire.RoomReply) {
	s.callsMu.Lock()
	replies, ok := s.pending[reply.ID]
	if ok {
		delete(s.pending, reply.ID)
	}
	s.callsMu.Unlock()
	if !ok {
		s.logger.Debug("reply to unknown call", "id", reply.ID)
		return
	}
	replies <- reply
}

// endCalls fails every call still waiting on this session.
func (s *session) endCalls() {
	s.callsMu.Lock()
	defer s.callsMu.Unlock()
	s.ended = true
	for id, replies := range s.pending {
		close(replies)
		delete(s.pending, id)
	}
}

func (s *session) serveCall(call wire.RoomCall) {
	reply := wire.RoomReply{ID: call.ID}
	if s.engine.calls == nil {
		reply.Error = "no room service on this peer"
		s.sendControl(wire.TypeRoomReply, reply)
		return
	}
	result, err := s.engine.calls.HandleCall(s.ctx, s.remote, call.Method, call.Args)
	if err == nil && result != nil {
		reply.Result, err = codec.Marshal(result)
	}
	if err != nil {
		reply.Error = err.Error()
		var remote *RemoteError
		if errors.As(err, &remote) {
			reply.Error = remote.Message
			reply.Code = remote.Code
		}
	}
	s.sendControl(wire.TypeRoomReply, reply)
}
