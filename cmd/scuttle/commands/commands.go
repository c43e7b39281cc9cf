// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package commands builds the scuttle CLI command tree. Every command
// except keygen and version is one call on a running node's control
// socket.
package commands

import (
	"fmt"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/scuttle/cmd/scuttle/cli"
	"github.com/bureau-foundation/scuttle/lib/version"
)

// Root returns the complete command tree.
func Root() *cli.Command {
	return &cli.Command{
		Name: "scuttle",
		Description: `scuttle: drive a running scuttle-node.

Publish to the local feed, manage peers and replication, exchange blobs,
page through the log, repair the repository and register room aliases.
Commands talk to the node over its control socket.`,
		Subcommands: []*cli.Command{
			statusCommand(),
			publishCommand(),
			peerCommand(),
			feedCommand(),
			blobCommand(),
			streamCommand(),
			repoCommand(),
			aliasCommand(),
			keygenCommand(),
			{
				Name:    "version",
				Summary: "Print version information",
				Run: func(args []string) error {
					fmt.Fprintf(cli.Stdout, "scuttle %s\n", version.Full())
					return nil
				},
			},
		},
	}
}

// socketFlagSet returns a flag set carrying the shared socket flags.
func socketFlagSet(name string, socket *cli.SocketFlags) *pflag.FlagSet {
	flagSet := pflag.NewFlagSet(name, pflag.ContinueOnError)
	socket.Register(flagSet)
	return flagSet
}

// callDocument runs action and prints the JSON document it returns.
func callDocument(socket *cli.SocketFlags, action string, args any) error {
	var document []byte
	if err := socket.Call(action, args, &document); err != nil {
		return err
	}
	return cli.WriteDocument(document)
}

// simpleCommand is a daemon call without arguments that prints its
// document result, or "ok" when there is none.
func simpleCommand(name, summary, action string) *cli.Command {
	var socket cli.SocketFlags
	return &cli.Command{
		Name:    name,
		Summary: summary,
		Flags:   func() *pflag.FlagSet { return socketFlagSet(name, &socket) },
		Run: func(args []string) error {
			if err := cli.ExactArgs(args, 0, "scuttle "+name); err != nil {
				return err
			}
			var document []byte
			if err := socket.Call(action, nil, &document); err != nil {
				return err
			}
			if len(document) == 0 {
				fmt.Fprintln(cli.Stdout, "ok")
				return nil
			}
			return cli.WriteDocument(document)
		},
	}
}
