// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"fmt"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/scuttle/cmd/scuttle/cli"
	"github.com/bureau-foundation/scuttle/lib/node"
)

func peerCommand() *cli.Command {
	return &cli.Command{
		Name:    "peer",
		Summary: "Connect to peers and manage the address book",
		Subcommands: []*cli.Command{
			peerConnectCommand(),
			peerConnectBookCommand(),
			simpleCommand("disconnect-all", "Close every peer connection", "disconnect-all"),
			simpleCommand("addresses", "List the address book", "addresses"),
		},
	}
}

func peerConnectCommand() *cli.Command {
	var socket cli.SocketFlags
	return &cli.Command{
		Name:    "connect",
		Summary: "Dial a multiserver address",
		Usage:   "scuttle peer connect [flags] <address>",
		Description: `Dial a peer and start replicating with it. The address is added to the
address book and the outcome recorded there.`,
		Examples: []cli.Example{
			{Command: "scuttle peer connect net:198.51.100.7:8008~shs:AAAA...="},
		},
		Flags: func() *pflag.FlagSet { return socketFlagSet("connect", &socket) },
		Run: func(args []string) error {
			if err := cli.ExactArgs(args, 1, "scuttle peer connect [flags] <address>"); err != nil {
				return err
			}
			if err := socket.Call("connect", node.AddressArgs{Address: args[0]}, nil); err != nil {
				return err
			}
			fmt.Fprintln(cli.Stdout, "connected")
			return nil
		},
	}
}

func peerConnectBookCommand() *cli.Command {
	var (
		socket cli.SocketFlags
		count  int
	)
	return &cli.Command{
		Name:    "connect-book",
		Summary: "Dial the best address book entries",
		Description: `Dial up to --count address book entries, preferring those that worked
most recently, and print how many connected.`,
		Flags: func() *pflag.FlagSet {
			flagSet := socketFlagSet("connect-book", &socket)
			flagSet.IntVarP(&count, "count", "n", 3, "number of peers to dial")
			return flagSet
		},
		Run: func(args []string) error {
			if err := cli.ExactArgs(args, 0, "scuttle peer connect-book [flags]"); err != nil {
				return err
			}
			if count <= 0 {
				return fmt.Errorf("--count must be positive")
			}
			var connected int
			if err := socket.Call("connect-peers", node.CountArgs{Count: count}, &connected); err != nil {
				return err
			}
			fmt.Fprintf(cli.Stdout, "connected %d\n", connected)
			return nil
		},
	}
}
