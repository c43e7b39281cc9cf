// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/bureau-foundation/scuttle/lib/codec"
)

// HandlerFunc serves one action. args is the request's "args" field,
// empty when the client sent none.
//
// The returned value becomes the response's data; nil leaves it out.
// A returned error becomes a failure response carrying its message.
type HandlerFunc func(ctx context.Context, args codec.RawMessage) (any, error)

// Request is the wire form of a control request.
type Request struct {
	Action string           `cbor:"action"`
	Args   codec.RawMessage `cbor:"args,omitempty"`
}

// Response is the wire form of every control response.
type Response struct {
	OK    bool             `cbor:"ok"`
	Error string           `cbor:"error,omitempty"`
	Data  codec.RawMessage `cbor:"data,omitempty"`
}

// SocketServer serves the control protocol on a Unix socket. Register
// actions with Handle, then call Serve.
type SocketServer struct {
	socketPath string
	handlers   map[string]HandlerFunc
	logger     *slog.Logger

	active sync.WaitGroup
}

func NewSocketServer(socketPath string, logger *slog.Logger) *SocketServer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &SocketServer{
		socketPath: socketPath,
		handlers:   make(map[string]HandlerFunc),
		logger:     logger,
	}
}

// Handle registers handler for action. Panics on a duplicate action.
func (s *SocketServer) Handle(action string, handler HandlerFunc) {
	if _, exists := s.handlers[action]; exists {
		panic(fmt.Sprintf("service.SocketServer: duplicate handler for action %q", action))
	}
	s.handlers[action] = handler
}

// Actions lists the registered actions, sorted.
func (s *SocketServer) Actions() []string {
	actions := make([]string, 0, len(s.handlers))
	for action := range s.handlers {
		actions = append(actions, action)
	}
	sort.Strings(actions)
	return actions
}

// Serve listens on the socket until ctx is cancelled, then waits for
// in-flight requests. A stale socket file is replaced; the socket file
// is removed on return.
func (s *SocketServer) Serve(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket %s: %w", s.socketPath, err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.socketPath, err)
	}
	defer func() {
		listener.Close()
		os.Remove(s.socketPath)
	}()
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		return fmt.Errorf("restricting %s: %w", s.socketPath, err)
	}

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	s.logger.Info("control socket listening", "path", s.socketPath)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}

		s.active.Add(1)
		go func() {
			defer s.active.Done()
			s.handleConnection(ctx, conn)
		}()
	}

	s.active.Wait()
	return nil
}

const (
	// readTimeout bounds how long a client may take to send its
	// request. Handlers themselves are unbounded: fsck on a large log
	// takes as long as it takes.
	readTimeout = 30 * time.Second

	writeTimeout = 10 * time.Second

	// MaxMessageSize bounds requests and responses. It leaves room for
	// a maximum-size blob plus CBOR overhead.
	MaxMessageSize = 8 << 20
)

func (s *SocketServer) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	var request Request
	if err := codec.NewDecoder(io.LimitReader(conn, MaxMessageSize)).Decode(&request); err != nil {
		if errors.Is(err, io.EOF) {
			return
		}
		s.write(conn, Response{Error: fmt.Sprintf("invalid request: %v", err)})
		return
	}
	conn.SetReadDeadline(time.Time{})

	if request.Action == "" {
		s.write(conn, Response{Error: "missing required field: action"})
		return
	}
	handler, exists := s.handlers[request.Action]
	if !exists {
		s.write(conn, Response{Error: fmt.Sprintf("unknown action %q", request.Action)})
		return
	}

	result, err := handler(ctx, request.Args)
	if err != nil {
		s.logger.Debug("action failed", "action", request.Action, "error", err)
		s.write(conn, Response{Error: err.Error()})
		return
	}

	response := Response{OK: true}
	if result != nil {
		data, err := codec.Marshal(result)
		if err != nil {
			s.write(conn, Response{Error: fmt.Sprintf("internal: marshaling response: %v", err)})
			return
		}
		response.Data = data
	}
	s.write(conn, response)
}

func (s *SocketServer) write(conn net.Conn, response Response) {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := codec.NewEncoder(conn).Encode(response); err != nil {
		s.logger.Debug("writing response failed", "error", err)
	}
}

// DecodeArgs decodes args into target, treating empty args as an
// empty map.
func DecodeArgs(args codec.RawMessage, target any) error {
	if len(args) == 0 {
		return nil
	}
	if err := codec.Unmarshal(args, target); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}
