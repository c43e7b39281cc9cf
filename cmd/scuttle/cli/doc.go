// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package cli is the command framework of the scuttle CLI.
//
// [Command] is a named node with optional [Command.Subcommands], a
// [pflag.FlagSet] factory and a Run function; [Command.Execute]
// dispatches, parses flags and prints structured help. Unknown commands
// and flags get a did-you-mean suggestion by edit distance.
//
// [SocketFlags] connects a command to a running scuttle-node over its
// control socket.
package cli
