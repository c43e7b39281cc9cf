// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/scuttle/lib/config"
	"github.com/bureau-foundation/scuttle/lib/keys"
	"github.com/bureau-foundation/scuttle/lib/node"
	"github.com/bureau-foundation/scuttle/lib/process"
	"github.com/bureau-foundation/scuttle/lib/ref"
	"github.com/bureau-foundation/scuttle/lib/room"
	"github.com/bureau-foundation/scuttle/lib/service"
	"github.com/bureau-foundation/scuttle/lib/version"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		process.Fatal(err)
	}
}

func run(args []string) error {
	var (
		configPath  string
		listenAddr  string
		domain      string
		showVersion bool
	)

	flags := pflag.NewFlagSet("scuttle-room", pflag.ContinueOnError)
	flags.StringVar(&configPath, "config", "", "path to scuttle.yaml (default: $SCUTTLE_CONFIG)")
	flags.StringVar(&listenAddr, "listen", "", "TCP address for members, overrides network.listen_addr")
	flags.StringVar(&domain, "domain", "", "serve alias URLs as https://<alias>.<domain>")
	flags.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if showVersion {
		fmt.Printf("scuttle-room %s\n", version.Info())
		return nil
	}

	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	if flags.Changed("listen") {
		cfg.Network.ListenAddr = listenAddr
	}
	if cfg.Network.ListenAddr == "" {
		return fmt.Errorf("a room must listen: set network.listen_addr or --listen")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	logger, err := service.NewLogger(cfg.Logging.Level)
	if err != nil {
		return err
	}

	// The registry needs the room's feed before the node starts.
	identity, created, err := keys.LoadOrCreate(cfg.SecretPath())
	if err != nil {
		return fmt.Errorf("loading identity: %w", err)
	}
	if created {
		logger.Info("created identity", "feed", identity.Feed(), "path", cfg.SecretPath())
	}
	registry := room.NewServer(room.ServerConfig{
		Identity: identity.Feed(),
		Domain:   domain,
		Logger:   logger.With("component", "room"),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	n, err := node.Start(ctx, node.Options{
		Config:   cfg,
		Identity: identity,
		Rooms:    registry,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("starting room: %w", err)
	}
	defer n.Close()

	socketDone := make(chan error, 1)
	if cfg.Network.ControlSocket != "" {
		server := service.NewSocketServer(cfg.Network.ControlSocket, logger)
		n.RegisterControl(server)
		go func() {
			socketDone <- server.Serve(ctx)
		}()
	}

	attrs := []any{"feed", n.Identity(), "listen", n.ListenAddress(), "version", version.Short()}
	if address, err := roomAddress(n); err == nil {
		attrs = append(attrs, "address", address)
	}
	logger.Info("scuttle-room running", attrs...)

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		return nil
	case err := <-socketDone:
		if err != nil {
			return fmt.Errorf("control socket: %w", err)
		}
		return nil
	}
}

// roomAddress is the multiserver address members dial. A wildcard
// listen host is reported as-is; operators substitute their public
// host.
func roomAddress(n *node.Node) (ref.Address, error) {
	host, portText, err := net.SplitHostPort(n.ListenAddress())
	if err != nil {
		return ref.Address{}, err
	}
	port, err := strconv.Atoi(portText)
	if err != nil {
		return ref.Address{}, err
	}
	return ref.NewAddress(host, port, n.Identity())
}
