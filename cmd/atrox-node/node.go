// Copyright 2026 The Atrox Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/user"
	"time"

	"github.com/caarlos0/env/v10"
)

// nodeConfig is read from ATROX_-prefixed environment variables, the
// same ones the gateway's launcher sets.
type nodeConfig struct {
	Identity        string        `env:"IDENTITY"`
	Socket          string        `env:"NODE_SOCKET"`
	LogLevel        string        `env:"NODE_LOG_LEVEL" envDefault:"info"`
	ShutdownTimeout time.Duration `env:"NODE_SHUTDOWN_TIMEOUT" envDefault:"5s"`
}

func loadConfig() (*nodeConfig, error) {
	cfg := &nodeConfig{}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: "ATROX_"}); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}
	if cfg.Identity == "" {
		if current, err := user.Current(); err == nil {
			cfg.Identity = current.Username
		}
	}
	return cfg, nil
}

func (c *nodeConfig) validate() error {
	if c.Socket == "" {
		return errors.New("--socket or ATROX_NODE_SOCKET is required")
	}
	if c.ShutdownTimeout <= 0 {
		return errors.New("ATROX_NODE_SHUTDOWN_TIMEOUT must be positive")
	}
	return nil
}

func newHandler(identity string, started time.Time) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"status":         "ok",
			"uptime_seconds": int64(time.Since(started).Seconds()),
		})
	})
	mux.HandleFunc("GET /whoami", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"identity": identity,
			"pid":      os.Getpid(),
			"uid":      os.Getuid(),
		})
	})
	return mux
}

func writeJSON(w http.ResponseWriter, value any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(value)
}

// serve listens on cfg.Socket until ctx is done. The socket is
// group-accessible so the gateway can reach a node running as another
// user.
func serve(ctx context.Context, cfg *nodeConfig, logger *slog.Logger) error {
	if err := os.Remove(cfg.Socket); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket: %w", err)
	}
	listener, err := net.Listen("unix", cfg.Socket)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Socket, err)
	}
	if err := os.Chmod(cfg.Socket, 0660); err != nil {
		listener.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}

	server := &http.Server{
		Handler:           newHandler(cfg.Identity, time.Now()),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveError := make(chan error, 1)
	go func() {
		serveError <- server.Serve(listener)
	}()
	logger.Info("node ready", "socket", cfg.Socket)

	select {
	case err := <-serveError:
		return fmt.Errorf("serving: %w", err)
	case <-ctx.Done():
	}

	logger.Info("node shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	err = server.Shutdown(shutdownCtx)
	if removeErr := os.Remove(cfg.Socket); removeErr != nil && !os.IsNotExist(removeErr) {
		logger.Warn("removing socket failed", "error", removeErr)
	}
	return err
}
