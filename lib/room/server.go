// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package room

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strings"
	"sync"

	"github.com/bureau-foundation/scuttle/lib/codec"
	"github.com/bureau-foundation/scuttle/lib/keys"
	"github.com/bureau-foundation/scuttle/lib/ref"
	"github.com/bureau-foundation/scuttle/lib/replication"
)

// ServerConfig configures NewServer.
type ServerConfig struct {
	// Identity is the room's own feed; registrations must name it.
	Identity ref.FeedID

	// Domain, when set, makes alias URLs https://<alias>.<Domain>.
	Domain string

	Logger *slog.Logger
}

// Server is an in-memory alias registry answering room calls.
type Server struct {
	identity ref.FeedID
	domain   string
	logger   *slog.Logger

	mu      sync.Mutex
	aliases map[ref.Alias]ref.FeedID
}

var _ replication.CallHandler = (*Server)(nil)

func NewServer(cfg ServerConfig) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Server{
		identity: cfg.Identity,
		domain:   cfg.Domain,
		logger:   cfg.Logger,
		aliases:  make(map[ref.Alias]ref.FeedID),
	}
}

// HandleCall implements replication.CallHandler.
func (s *Server) HandleCall(ctx context.Context, caller ref.FeedID, method string, args codec.RawMessage) (any, error) {
	switch method {
	case MethodListAliases:
		return s.list(caller), nil

	case MethodRegisterAlias:
		var request registration
		if err := codec.Unmarshal(args, &request); err != nil {
			return nil, &replication.RemoteError{Code: int(ErrorUnknown), Message: "malformed registration: " + err.Error()}
		}
		return s.register(caller, request)

	case MethodRevokeAlias:
		var alias ref.Alias
		if err := codec.Unmarshal(args, &alias); err != nil {
			return nil, &replication.RemoteError{Code: int(ErrorUnknown), Message: "malformed alias: " + err.Error()}
		}
		return nil, s.revoke(caller, alias)

	default:
		return nil, fmt.Errorf("unknown method %q", method)
	}
}

func (s *Server) list(owner ref.FeedID) []ref.Alias {
	s.mu.Lock()
	defer s.mu.Unlock()
	aliases := []ref.Alias{}
	for alias, holder := range s.aliases {
		if holder == owner {
			aliases = append(aliases, alias)
		}
	}
	slices.SortFunc(aliases, func(a, b ref.Alias) int { return strings.Compare(a.String(), b.String()) })
	return aliases
}

func (s *Server) register(caller ref.FeedID, request registration) (string, error) {
	if request.Alias.IsZero() {
		return "", &replication.RemoteError{Code: int(ErrorUnknown), Message: "alias is empty"}
	}
	if !keys.Verify(caller, registrationPayload(s.identity, caller, request.Alias), request.Signature) {
		return "", &replication.RemoteError{Code: int(ErrorUnknown), Message: "registration signature does not verify"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if holder, taken := s.aliases[request.Alias]; taken && holder != caller {
		return "", &replication.RemoteError{Code: codeAliasTaken, Message: "alias is already taken"}
	}
	s.aliases[request.Alias] = caller
	s.logger.Info("alias registered", "alias", request.Alias.String(), "feed", caller.String())
	return s.aliasURL(request.Alias), nil
}

func (s *Server) revoke(caller ref.FeedID, alias ref.Alias) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	holder, ok := s.aliases[alias]
	if !ok || holder != caller {
		return &replication.RemoteError{Code: int(ErrorUnknown), Message: fmt.Sprintf("alias %q is not registered to the caller", alias)}
	}
	delete(s.aliases, alias)
	s.logger.Info("alias revoked", "alias", alias.String(), "feed", caller.String())
	return nil
}

// Resolve returns the feed holding alias.
func (s *Server) Resolve(alias ref.Alias) (ref.FeedID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	feed, ok := s.aliases[alias]
	return feed, ok
}

func (s *Server) aliasURL(alias ref.Alias) string {
	if s.domain != "" {
		return "https://" + alias.String() + "." + s.domain
	}
	query := url.Values{
		"action": {"consume-alias"},
		"alias":  {alias.String()},
		"roomId": {s.identity.String()},
	}
	return "ssb:experimental?" + query.Encode()
}
