// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/scuttle/cmd/scuttle/cli"
	"github.com/bureau-foundation/scuttle/lib/node"
	"github.com/bureau-foundation/scuttle/lib/offsetlog"
)

func repoCommand() *cli.Command {
	return &cli.Command{
		Name:    "repo",
		Summary: "Check and repair the repository",
		Subcommands: []*cli.Command{
			repoFSCKCommand(),
			simpleCommand("heal", "Repair the log after a failed fsck", "heal"),
			simpleCommand("drop-index", "Rebuild the index from the log", "drop-index"),
		},
	}
}

// fsckModes maps --mode names to check modes.
var fsckModes = map[string]offsetlog.Mode{
	"quick": offsetlog.ModeQuick,
	"full":  offsetlog.ModeFull,
}

func repoFSCKCommand() *cli.Command {
	var (
		socket cli.SocketFlags
		mode   string
	)
	return &cli.Command{
		Name:    "fsck",
		Summary: "Check the log for damage",
		Description: `Check the log. The quick mode compares the index with the log file;
the full mode re-reads and re-verifies every message. Prints the report
and exits with status 1 when the log is damaged.`,
		Flags: func() *pflag.FlagSet {
			flagSet := socketFlagSet("fsck", &socket)
			flagSet.StringVar(&mode, "mode", "quick", "quick or full")
			return flagSet
		},
		Run: func(args []string) error {
			if err := cli.ExactArgs(args, 0, "scuttle repo fsck [flags]"); err != nil {
				return err
			}
			selected, ok := fsckModes[mode]
			if !ok {
				return fmt.Errorf("unknown --mode %q (quick or full)", mode)
			}
			var document []byte
			if err := socket.Call("fsck", node.FSCKArgs{Mode: int(selected)}, &document); err != nil {
				return err
			}
			if err := cli.WriteDocument(document); err != nil {
				return err
			}
			var report struct {
				Healthy bool `json:"healthy"`
			}
			if err := json.Unmarshal(document, &report); err != nil {
				return fmt.Errorf("decoding fsck report: %w", err)
			}
			if !report.Healthy {
				return &cli.ExitError{Code: 1}
			}
			return nil
		},
	}
}
