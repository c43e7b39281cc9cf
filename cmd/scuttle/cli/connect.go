// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/scuttle/lib/config"
	"github.com/bureau-foundation/scuttle/lib/service"
)

// DefaultTimeout bounds one control call. Calls that wait on the
// network (connect, alias) may take this long.
const DefaultTimeout = 2 * time.Minute

// SocketFlags are the flags every daemon-facing command shares.
type SocketFlags struct {
	Socket  string
	Timeout time.Duration
}

// Register adds --socket and --timeout to flagSet.
func (f *SocketFlags) Register(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&f.Socket, "socket", "", "control socket (default: from $SCUTTLE_CONFIG, else ~/.scuttle/control.sock)")
	flagSet.DurationVar(&f.Timeout, "timeout", DefaultTimeout, "how long to wait for the node")
}

// Client returns a client for the resolved socket.
func (f *SocketFlags) Client() *service.Client {
	return service.NewClient(ResolveSocket(f.Socket))
}

// Context returns a context bounded by --timeout and cancelled on
// SIGINT.
func (f *SocketFlags) Context() (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	timeout := f.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	return ctx, func() {
		cancel()
		stop()
	}
}

// Call is the common shape of a command body: one action, one result.
func (f *SocketFlags) Call(action string, args, result any) error {
	ctx, cancel := f.Context()
	defer cancel()
	return f.Client().Call(ctx, action, args, result)
}

// ResolveSocket picks the control socket: the explicit path, then the
// control socket of the file named by $SCUTTLE_CONFIG, then the
// default repository's socket.
func ResolveSocket(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if os.Getenv("SCUTTLE_CONFIG") != "" {
		if cfg, err := config.Load(); err == nil && cfg.Network.ControlSocket != "" {
			return cfg.Network.ControlSocket
		}
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".scuttle", "control.sock")
}
