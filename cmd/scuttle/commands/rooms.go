// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/scuttle/cmd/scuttle/cli"
	"github.com/bureau-foundation/scuttle/lib/node"
	"github.com/bureau-foundation/scuttle/lib/room"
)

func aliasCommand() *cli.Command {
	return &cli.Command{
		Name:    "alias",
		Summary: "Manage aliases on a room server",
		Description: `List, register and revoke aliases for the local feed on a room. The
room is given by its multiserver address.`,
		Subcommands: []*cli.Command{
			aliasListCommand(),
			aliasRegisterCommand(),
			aliasRevokeCommand(),
		},
	}
}

func aliasListCommand() *cli.Command {
	var socket cli.SocketFlags
	return &cli.Command{
		Name:    "list",
		Summary: "List the local feed's aliases on a room",
		Usage:   "scuttle alias list <room>",
		Flags:   func() *pflag.FlagSet { return socketFlagSet("list", &socket) },
		Run: func(args []string) error {
			if err := cli.ExactArgs(args, 1, "scuttle alias list <room>"); err != nil {
				return err
			}
			return callDocument(&socket, "alias-list", node.AliasArgs{Room: args[0]})
		},
	}
}

func aliasRegisterCommand() *cli.Command {
	var socket cli.SocketFlags
	usage := "scuttle alias register <room> <alias>"
	return &cli.Command{
		Name:    "register",
		Summary: "Register an alias on a room",
		Usage:   usage,
		Flags:   func() *pflag.FlagSet { return socketFlagSet("register", &socket) },
		Run: func(args []string) error {
			if err := cli.ExactArgs(args, 2, usage); err != nil {
				return err
			}
			var document []byte
			if err := socket.Call("alias-register", node.AliasArgs{Room: args[0], Alias: args[1]}, &document); err != nil {
				return err
			}
			var result node.AliasResult
			if err := json.Unmarshal(document, &result); err != nil {
				return fmt.Errorf("decoding registration: %w", err)
			}
			if result.Err != room.ErrorNone {
				fmt.Fprintf(cli.Stdout, "registration failed: %s\n", result.Err)
				return &cli.ExitError{Code: 1}
			}
			fmt.Fprintln(cli.Stdout, result.Alias)
			return nil
		},
	}
}

func aliasRevokeCommand() *cli.Command {
	var socket cli.SocketFlags
	usage := "scuttle alias revoke <room> <alias>"
	return &cli.Command{
		Name:    "revoke",
		Summary: "Revoke an alias on a room",
		Usage:   usage,
		Flags:   func() *pflag.FlagSet { return socketFlagSet("revoke", &socket) },
		Run: func(args []string) error {
			if err := cli.ExactArgs(args, 2, usage); err != nil {
				return err
			}
			if err := socket.Call("alias-revoke", node.AliasArgs{Room: args[0], Alias: args[1]}, nil); err != nil {
				return err
			}
			fmt.Fprintln(cli.Stdout, "ok")
			return nil
		},
	}
}
