// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package node

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bureau-foundation/scuttle/lib/offsetlog"
	"github.com/bureau-foundation/scuttle/lib/peers"
	"github.com/bureau-foundation/scuttle/lib/ref"
	"github.com/bureau-foundation/scuttle/lib/version"
)

// Status is a snapshot of the node.
type Status struct {
	Running bool       `json:"running"`
	Feed    ref.FeedID `json:"feed"`
	Version string     `json:"version"`
	Listen  string     `json:"listen,omitempty"`
	Uptime  string     `json:"uptime"`

	Connections int          `json:"connections"`
	Peers       []peers.Info `json:"peers"`

	// Tips maps every stored feed to its latest sequence.
	Tips map[ref.FeedID]uint64 `json:"tips"`

	// Poisoned maps feeds that refuse appends to the reason.
	Poisoned map[ref.FeedID]string `json:"poisoned,omitempty"`

	LogSize    int64             `json:"log_size"`
	LogDamage  string            `json:"log_damage,omitempty"`
	LastReport *offsetlog.Report `json:"last_fsck,omitempty"`

	WantedBlobs []ref.BlobRef `json:"wanted_blobs"`
}

// Status collects a snapshot of the node.
func (n *Node) Status(ctx context.Context) Status {
	tips := n.log.Tips()
	poisoned := make(map[ref.FeedID]string)
	for feed := range tips {
		if bad, reason := n.log.Poisoned(feed); bad {
			poisoned[feed] = reason
		}
	}
	n.reportMu.Lock()
	report := n.lastReport
	n.reportMu.Unlock()

	status := Status{
		Running:     n.Running(),
		Feed:        n.identity.Feed(),
		Version:     version.Short(),
		Listen:      n.ListenAddress(),
		Uptime:      n.clock.Now().Sub(n.started).Truncate(time.Second).String(),
		Connections: n.peers.OpenConnectionCount(),
		Peers:       n.peers.Peers(),
		Tips:        tips,
		LogSize:     n.offsets.Size(),
		LogDamage:   n.offsets.Damage(),
		LastReport:  report,
		WantedBlobs: n.blobs.Wants(),
	}
	if len(poisoned) > 0 {
		status.Poisoned = poisoned
	}
	return status
}

// StatusJSON is Status serialized for the bridge.
func (n *Node) StatusJSON(ctx context.Context) ([]byte, error) {
	return json.Marshal(n.Status(ctx))
}
