// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/scuttle/cmd/scuttle/cli"
	"github.com/bureau-foundation/scuttle/lib/node"
)

func feedCommand() *cli.Command {
	return &cli.Command{
		Name:    "feed",
		Summary: "Replicate, block and null feeds",
		Subcommands: []*cli.Command{
			feedToggleCommand("replicate", "Start or stop replicating a feed"),
			feedToggleCommand("block", "Block or unblock a feed"),
			feedNullCommand(),
			feedNullContentCommand(),
		},
	}
}

// feedToggleCommand builds replicate and block, which share a shape:
// one feed, on unless --off.
func feedToggleCommand(action, summary string) *cli.Command {
	var (
		socket cli.SocketFlags
		off    bool
	)
	usage := "scuttle feed " + action + " [--off] <feed>"
	return &cli.Command{
		Name:    action,
		Summary: summary,
		Usage:   usage,
		Flags: func() *pflag.FlagSet {
			flagSet := socketFlagSet(action, &socket)
			flagSet.BoolVar(&off, "off", false, "undo instead")
			return flagSet
		},
		Run: func(args []string) error {
			if err := cli.ExactArgs(args, 1, usage); err != nil {
				return err
			}
			if err := socket.Call(action, node.FeedArgs{Feed: args[0], Enable: !off}, nil); err != nil {
				return err
			}
			fmt.Fprintln(cli.Stdout, "ok")
			return nil
		},
	}
}

func feedNullCommand() *cli.Command {
	var socket cli.SocketFlags
	return &cli.Command{
		Name:    "null",
		Summary: "Delete every stored message of a feed",
		Description: `Delete every stored message of a feed and clear a poisoned state, so
the feed can be replicated again from the start.`,
		Usage: "scuttle feed null <feed>",
		Flags: func() *pflag.FlagSet { return socketFlagSet("null", &socket) },
		Run: func(args []string) error {
			if err := cli.ExactArgs(args, 1, "scuttle feed null <feed>"); err != nil {
				return err
			}
			if err := socket.Call("null-feed", node.FeedArgs{Feed: args[0]}, nil); err != nil {
				return err
			}
			fmt.Fprintln(cli.Stdout, "ok")
			return nil
		},
	}
}

func feedNullContentCommand() *cli.Command {
	var socket cli.SocketFlags
	usage := "scuttle feed null-content <feed> <sequence>"
	return &cli.Command{
		Name:    "null-content",
		Summary: "Drop the content of one message",
		Usage:   usage,
		Flags:   func() *pflag.FlagSet { return socketFlagSet("null-content", &socket) },
		Run: func(args []string) error {
			if err := cli.ExactArgs(args, 2, usage); err != nil {
				return err
			}
			sequence, err := strconv.ParseUint(args[1], 10, 64)
			if err != nil || sequence == 0 {
				return fmt.Errorf("sequence must be a positive integer, got %q", args[1])
			}
			if err := socket.Call("null-content", node.FeedArgs{Feed: args[0], Sequence: sequence}, nil); err != nil {
				return err
			}
			fmt.Fprintln(cli.Stdout, "ok")
			return nil
		},
	}
}
