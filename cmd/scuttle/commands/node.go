// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/scuttle/cmd/scuttle/cli"
	"github.com/bureau-foundation/scuttle/lib/keys"
	"github.com/bureau-foundation/scuttle/lib/node"
)

func statusCommand() *cli.Command {
	var socket cli.SocketFlags
	return &cli.Command{
		Name:    "status",
		Summary: "Show node status",
		Description: `Show the node's feed, connections, feed tips, log size and the
result of the last fsck.`,
		Flags: func() *pflag.FlagSet { return socketFlagSet("status", &socket) },
		Run: func(args []string) error {
			if err := cli.ExactArgs(args, 0, "scuttle status"); err != nil {
				return err
			}
			return callDocument(&socket, "status", nil)
		},
	}
}

func publishCommand() *cli.Command {
	var (
		socket     cli.SocketFlags
		recipients []string
	)
	return &cli.Command{
		Name:    "publish",
		Summary: "Append a message to the local feed",
		Description: `Append a message to the local feed. Content is a JSON object with a
"type" field, given as the argument or on stdin with "-". With --to
the message is encrypted for the listed feeds (and the local feed).`,
		Usage: "scuttle publish [flags] <content|->",
		Examples: []cli.Example{
			{Description: "Publish a post", Command: `scuttle publish '{"type":"post","text":"hello"}'`},
			{Description: "Send a private message", Command: `scuttle publish --to @AAAA...=.ed25519 '{"type":"post","text":"hi"}'`},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := socketFlagSet("publish", &socket)
			flagSet.StringSliceVar(&recipients, "to", nil, "encrypt for these feeds (repeatable)")
			return flagSet
		},
		Run: func(args []string) error {
			if err := cli.ExactArgs(args, 1, "scuttle publish [flags] <content|->"); err != nil {
				return err
			}
			content := args[0]
			if content == "-" {
				data, err := io.ReadAll(os.Stdin)
				if err != nil {
					return fmt.Errorf("reading content: %w", err)
				}
				content = string(data)
			}
			var result node.PublishResult
			if err := socket.Call("publish", node.PublishArgs{Content: content, Recipients: recipients}, &result); err != nil {
				return err
			}
			fmt.Fprintf(cli.Stdout, "%s\t%d\n", result.Key, result.Sequence)
			return nil
		},
	}
}

func keygenCommand() *cli.Command {
	var output string
	return &cli.Command{
		Name:    "keygen",
		Summary: "Generate a new identity",
		Description: `Generate a new ed25519 identity and print it in secret file form, or
write it to --output. The node itself creates one on first start; use
this to prepare a secret in advance.`,
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("keygen", pflag.ContinueOnError)
			flagSet.StringVarP(&output, "output", "o", "", "write the secret file here instead of stdout")
			return flagSet
		},
		Run: func(args []string) error {
			if err := cli.ExactArgs(args, 0, "scuttle keygen [flags]"); err != nil {
				return err
			}
			pair, err := keys.Generate(nil)
			if err != nil {
				return err
			}
			if output != "" {
				if err := pair.Save(output); err != nil {
					return err
				}
				cli.NewCommandLogger().Info("identity written", "feed", pair.Feed(), "path", output)
				fmt.Fprintln(cli.Stdout, pair.Feed())
				return nil
			}
			data, err := pair.MarshalJSON()
			if err != nil {
				return err
			}
			fmt.Fprintf(cli.Stdout, "%s\n", data)
			return nil
		},
	}
}
