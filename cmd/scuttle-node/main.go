// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/scuttle/lib/config"
	"github.com/bureau-foundation/scuttle/lib/node"
	"github.com/bureau-foundation/scuttle/lib/process"
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
		logLevel    string
		showVersion bool
	)

	flags := pflag.NewFlagSet("scuttle-node", pflag.ContinueOnError)
	flags.StringVar(&configPath, "config", "", "path to scuttle.yaml (default: $SCUTTLE_CONFIG)")
	flags.StringVar(&listenAddr, "listen", "", "TCP address for incoming peers, overrides network.listen_addr")
	flags.StringVar(&logLevel, "log-level", "", "debug, info, warn or error, overrides logging.level")
	flags.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if showVersion {
		fmt.Printf("scuttle-node %s\n", version.Info())
		return nil
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if flags.Changed("listen") {
		cfg.Network.ListenAddr = listenAddr
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level = logLevel
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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	n, err := node.Start(ctx, node.Options{Config: cfg, Logger: logger})
	if err != nil {
		return fmt.Errorf("starting node: %w", err)
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

	logger.Info("scuttle-node running",
		"feed", n.Identity(),
		"listen", n.ListenAddress(),
		"control_socket", cfg.Network.ControlSocket,
		"version", version.Short(),
	)

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

// loadConfig reads --config when given, $SCUTTLE_CONFIG otherwise.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}
