// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"encoding/base64"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Address is a multiserver address: where to dial, and which feed is
// expected to answer. "net:10.0.0.4:8008~shs:<base64 key>".
type Address struct {
	host string
	port int
	feed FeedID
}

// NewAddress builds an address from its parts.
func NewAddress(host string, port int, feed FeedID) (Address, error) {
	if host == "" {
		return Address{}, fmt.Errorf("address host is empty")
	}
	if port <= 0 || port > 65535 {
		return Address{}, fmt.Errorf("address port %d out of range", port)
	}
	if feed.IsZero() {
		return Address{}, fmt.Errorf("address feed is empty")
	}
	return Address{host: host, port: port, feed: feed}, nil
}

// ParseAddress parses a multiserver address. Only the net transport
// with the shs protocol is understood.
func ParseAddress(raw string) (Address, error) {
	transport, protocol, found := strings.Cut(raw, "~")
	if !found {
		return Address{}, fmt.Errorf("invalid address %q: missing ~shs: section", raw)
	}
	hostPort, ok := strings.CutPrefix(transport, "net:")
	if !ok {
		return Address{}, fmt.Errorf("invalid address %q: only net: transports are supported", raw)
	}
	encodedKey, ok := strings.CutPrefix(protocol, "shs:")
	if !ok {
		return Address{}, fmt.Errorf("invalid address %q: only shs: protocols are supported", raw)
	}
	host, portString, err := net.SplitHostPort(hostPort)
	if err != nil {
		return Address{}, fmt.Errorf("invalid address %q: %w", raw, err)
	}
	port, err := strconv.Atoi(portString)
	if err != nil {
		return Address{}, fmt.Errorf("invalid address %q: port: %w", raw, err)
	}
	key, err := base64.StdEncoding.DecodeString(encodedKey)
	if err != nil {
		return Address{}, fmt.Errorf("invalid address %q: key: %w", raw, err)
	}
	feed, err := NewFeedID(key)
	if err != nil {
		return Address{}, fmt.Errorf("invalid address %q: %w", raw, err)
	}
	return NewAddress(host, port, feed)
}

func MustParseAddress(raw string) Address {
	address, err := ParseAddress(raw)
	if err != nil {
		panic(fmt.Sprintf("ref.MustParseAddress(%q): %v", raw, err))
	}
	return address
}

// HostPort returns the dialable "host:port".
func (a Address) HostPort() string { return net.JoinHostPort(a.host, strconv.Itoa(a.port)) }

// Host returns the host part.
func (a Address) Host() string { return a.host }

// Feed returns the identity expected at the address.
func (a Address) Feed() FeedID { return a.feed }

func (a Address) IsZero() bool { return a.feed.IsZero() }

func (a Address) String() string {
	if a.IsZero() {
		return ""
	}
	key := base64.StdEncoding.EncodeToString(a.feed.key[:])
	return "net:" + a.HostPort() + "~shs:" + key
}

func (a Address) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

func (a *Address) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*a = Address{}
		return nil
	}
	parsed, err := ParseAddress(string(data))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
