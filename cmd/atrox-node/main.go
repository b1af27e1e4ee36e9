// Copyright 2026 The Atrox Gateway Authors
// SPDX-License-Identifier: Apache-2.0

// atrox-node is the reference per-user node. The gateway's launcher
// starts one per logged-in user, running as that user, with the socket
// path in ATROX_NODE_SOCKET (or --socket). It serves HTTP on that socket
// until SIGTERM, then removes the socket and exits.
//
// Site deployments replace it with their own node implementation; the
// launch contract (socket path, environment, SIGTERM) stays the same.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/atrox-gateway/atrox-gateway-app-sub000/lib/process"
	"github.com/atrox-gateway/atrox-gateway-app-sub000/lib/version"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var showVersion bool
	flagSet := pflag.NewFlagSet("atrox-node", pflag.ContinueOnError)
	flagSet.StringVar(&cfg.Socket, "socket", cfg.Socket, "unix socket to serve on (default: $ATROX_NODE_SOCKET)")
	flagSet.StringVar(&cfg.Identity, "user", cfg.Identity, "account this node serves (default: $ATROX_IDENTITY or the current user)")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if showVersion {
		fmt.Printf("atrox-node %s\n", version.Info())
		return nil
	}
	if err := cfg.validate(); err != nil {
		return err
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return fmt.Errorf("ATROX_NODE_LOG_LEVEL: %w", err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})).
		With("identity", cfg.Identity)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting atrox-node", "version", version.Info(), "socket", cfg.Socket, "pid", os.Getpid())
	return serve(ctx, cfg, logger)
}
