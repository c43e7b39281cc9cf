// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/scuttle/cmd/scuttle/cli"
	"github.com/bureau-foundation/scuttle/lib/node"
	"github.com/bureau-foundation/scuttle/lib/service"
)

func blobCommand() *cli.Command {
	return &cli.Command{
		Name:    "blob",
		Summary: "Store, fetch and request blobs",
		Subcommands: []*cli.Command{
			blobAddCommand(),
			blobGetCommand(),
			blobWantCommand(),
		},
	}
}

// maxBlobUpload leaves room for the request envelope in one control
// message.
const maxBlobUpload = service.MaxMessageSize - 4096

func blobAddCommand() *cli.Command {
	var socket cli.SocketFlags
	return &cli.Command{
		Name:    "add",
		Summary: "Store a file as a blob",
		Usage:   "scuttle blob add <file|->",
		Flags:   func() *pflag.FlagSet { return socketFlagSet("add", &socket) },
		Run: func(args []string) error {
			if err := cli.ExactArgs(args, 1, "scuttle blob add <file|->"); err != nil {
				return err
			}
			var source io.Reader = os.Stdin
			if args[0] != "-" {
				file, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer file.Close()
				source = file
			}
			data, err := io.ReadAll(io.LimitReader(source, maxBlobUpload+1))
			if err != nil {
				return fmt.Errorf("reading blob: %w", err)
			}
			if len(data) > maxBlobUpload {
				return fmt.Errorf("blob larger than %d bytes cannot go through the control socket", maxBlobUpload)
			}
			var blob string
			if err := socket.Call("blob-add", node.BlobArgs{Data: data}, &blob); err != nil {
				return err
			}
			fmt.Fprintln(cli.Stdout, blob)
			return nil
		},
	}
}

func blobGetCommand() *cli.Command {
	var (
		socket cli.SocketFlags
		output string
	)
	return &cli.Command{
		Name:    "get",
		Summary: "Write a stored blob to stdout or a file",
		Usage:   "scuttle blob get [-o file] <blob>",
		Flags: func() *pflag.FlagSet {
			flagSet := socketFlagSet("get", &socket)
			flagSet.StringVarP(&output, "output", "o", "", "write to this file")
			return flagSet
		},
		Run: func(args []string) error {
			if err := cli.ExactArgs(args, 1, "scuttle blob get [-o file] <blob>"); err != nil {
				return err
			}
			var data []byte
			if err := socket.Call("blob-get", node.BlobArgs{Blob: args[0]}, &data); err != nil {
				return err
			}
			if output != "" {
				return os.WriteFile(output, data, 0o644)
			}
			_, err := cli.Stdout.Write(data)
			return err
		},
	}
}

func blobWantCommand() *cli.Command {
	var socket cli.SocketFlags
	return &cli.Command{
		Name:    "want",
		Summary: "Ask peers for a blob",
		Usage:   "scuttle blob want <blob>",
		Flags:   func() *pflag.FlagSet { return socketFlagSet("want", &socket) },
		Run: func(args []string) error {
			if err := cli.ExactArgs(args, 1, "scuttle blob want <blob>"); err != nil {
				return err
			}
			var stored bool
			if err := socket.Call("blob-want", node.BlobArgs{Blob: args[0]}, &stored); err != nil {
				return err
			}
			if stored {
				fmt.Fprintln(cli.Stdout, "stored")
			} else {
				fmt.Fprintln(cli.Stdout, "wanted")
			}
			return nil
		},
	}
}
