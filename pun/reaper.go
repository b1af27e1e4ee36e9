// Copyright 2026 The Atrox Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package pun

import (
	"context"
	"log/slog"
	"time"

	"github.com/atrox-gateway/atrox-gateway-app-sub000/lib/clock"
)

// ReaperConfig configures NewReaper.
type ReaperConfig struct {
	Supervisor *Supervisor

	// IdleTimeout is how long a worker may go without a forwarded
	// request before it is stopped.
	IdleTimeout time.Duration

	// Interval is the scan period.
	Interval time.Duration

	// Clock drives the scan ticker and the idle cutoff. Defaults to
	// the real clock.
	Clock clock.Clock

	// OnChange is called after a scan that stopped at least one
	// worker, typically to republish routes.
	OnChange func(ctx context.Context)

	Logger *slog.Logger
}

// Reaper stops idle workers.
type Reaper struct {
	config ReaperConfig
	clock  clock.Clock
	logger *slog.Logger
}

// NewReaper returns a reaper. Run does nothing if IdleTimeout or
// Interval is not positive.
func NewReaper(cfg ReaperConfig) *Reaper {
	r := &Reaper{config: cfg, clock: cfg.Clock, logger: cfg.Logger}
	if r.clock == nil {
		r.clock = clock.Real()
	}
	if r.logger == nil {
		r.logger = slog.New(slog.DiscardHandler)
	}
	return r
}

// Run scans every Interval until ctx is done.
func (r *Reaper) Run(ctx context.Context) {
	if r.config.IdleTimeout <= 0 || r.config.Interval <= 0 {
		return
	}
	ticker := r.clock.NewTicker(r.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Scan(ctx)
		}
	}
}

// Scan stops every Running worker idle for longer than IdleTimeout and
// returns how many it stopped.
func (r *Reaper) Scan(ctx context.Context) int {
	cutoff := r.clock.Now().Add(-r.config.IdleTimeout)
	stopped := 0
	for _, handle := range r.config.Supervisor.registry.List() {
		if handle.State != StateRunning || handle.LastActivity.After(cutoff) {
			continue
		}
		ok, err := r.config.Supervisor.stopIdle(ctx, handle, cutoff)
		if err != nil {
			r.logger.Warn("reaping worker failed", "identity", handle.Identity, "error", err)
			continue
		}
		if ok {
			stopped++
			r.logger.Info("reaped idle worker",
				"identity", handle.Identity,
				"idle", r.clock.Now().Sub(handle.LastActivity),
			)
		}
	}
	if stopped > 0 && r.config.OnChange != nil {
		r.config.OnChange(ctx)
	}
	return stopped
}
