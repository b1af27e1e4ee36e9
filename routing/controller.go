// Copyright 2026 The Atrox Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/atrox-gateway/atrox-gateway-app-sub000/lib/config"
)

// ProxyController validates and reloads the reverse proxy.
type ProxyController interface {
	// Validate checks the bundle in candidateDir as it would be loaded
	// once installed. The returned output is reported to operators on
	// failure.
	Validate(ctx context.Context, candidateDir string) (output string, err error)

	// Reload makes the proxy pick up the live configuration without
	// dropping established connections.
	Reload(ctx context.Context) error
}

// DefaultCommandTimeout bounds each command run by CommandController.
const DefaultCommandTimeout = 30 * time.Second

// CommandController runs external commands. ${CANDIDATE} in the
// validate command is replaced by the candidate directory. An empty
// command makes the corresponding operation succeed without doing
// anything.
//
// A typical validator renders a throwaway nginx.conf that includes
// ${CANDIDATE}/*.conf and runs "nginx -t -c" on it.
type CommandController struct {
	ValidateCommand []string
	ReloadCommand   []string
	Timeout         time.Duration
	Logger          *slog.Logger
}

// Validate runs ValidateCommand.
func (c *CommandController) Validate(ctx context.Context, candidateDir string) (string, error) {
	if len(c.ValidateCommand) == 0 {
		return "", nil
	}
	argv := config.ExpandAll(c.ValidateCommand, map[string]string{"CANDIDATE": candidateDir})
	return c.run(ctx, "validate", argv)
}

// Reload runs ReloadCommand.
func (c *CommandController) Reload(ctx context.Context) error {
	if len(c.ReloadCommand) == 0 {
		return nil
	}
	output, err := c.run(ctx, "reload", c.ReloadCommand)
	if err != nil && output != "" {
		return fmt.Errorf("%w: %s", err, output)
	}
	return err
}

func (c *CommandController) run(ctx context.Context, operation string, argv []string) (string, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.WaitDelay = time.Second
	combined, err := cmd.CombinedOutput()
	output := strings.TrimSpace(string(combined))
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%s timed out after %v", argv[0], timeout)
	} else if err != nil {
		err = fmt.Errorf("%s: %w", argv[0], err)
	}

	if c.Logger != nil {
		c.Logger.Debug("proxy command finished",
			"operation", operation,
			"argv", argv,
			"duration", time.Since(started),
			"error", err,
		)
	}
	return output, err
}

// NopController accepts every candidate and ignores reloads.
type NopController struct{}

func (NopController) Validate(context.Context, string) (string, error) { return "", nil }
func (NopController) Reload(context.Context) error                      { return nil }
