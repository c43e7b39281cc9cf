// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"fmt"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/scuttle/cmd/scuttle/cli"
	"github.com/bureau-foundation/scuttle/lib/node"
)

func streamCommand() *cli.Command {
	return &cli.Command{
		Name:    "stream",
		Summary: "Page through the log",
		Description: `Print one page of messages as JSON. The root and private streams page
by receive sequence: pass the last entry's "rx" as --start for the next
page. The published stream pages the local feed by sequence.`,
		Subcommands: []*cli.Command{
			streamPageCommand("root", "stream-root", "Every stored message in receive order"),
			streamPageCommand("private", "stream-private", "Private messages to the local feed, decrypted"),
			streamPublishedCommand(),
		},
	}
}

func streamPageCommand(name, action, summary string) *cli.Command {
	var (
		socket cli.SocketFlags
		start  int64
		limit  int
	)
	return &cli.Command{
		Name:    name,
		Summary: summary,
		Flags: func() *pflag.FlagSet {
			flagSet := socketFlagSet(name, &socket)
			flagSet.Int64Var(&start, "start", 0, "receive sequence to page after")
			flagSet.IntVar(&limit, "limit", 100, fmt.Sprintf("page size, at most %d", node.MaxStreamLimit))
			return flagSet
		},
		Run: func(args []string) error {
			if err := cli.ExactArgs(args, 0, "scuttle stream "+name+" [flags]"); err != nil {
				return err
			}
			return callDocument(&socket, action, node.StreamArgs{Start: start, Limit: limit})
		},
	}
}

func streamPublishedCommand() *cli.Command {
	var (
		socket cli.SocketFlags
		after  int64
		limit  int
	)
	return &cli.Command{
		Name:    "published",
		Summary: "The local feed's own messages",
		Flags: func() *pflag.FlagSet {
			flagSet := socketFlagSet("published", &socket)
			flagSet.Int64Var(&after, "after", 0, "feed sequence to page after")
			flagSet.IntVar(&limit, "limit", 100, fmt.Sprintf("page size, at most %d", node.MaxStreamLimit))
			return flagSet
		},
		Run: func(args []string) error {
			if err := cli.ExactArgs(args, 0, "scuttle stream published [flags]"); err != nil {
				return err
			}
			if after < 0 {
				return fmt.Errorf("--after must not be negative")
			}
			return callDocument(&socket, "stream-published", node.StreamArgs{Start: after, Limit: limit})
		},
	}
}
