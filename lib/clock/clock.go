// Copyright 2026 The Atrox Gateway Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides the injectable time source behind worker
// timestamps and the idle reaper. Production wiring passes Real();
// tests pass Fake() and move time with Advance.
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	reaper := pun.NewReaper(pun.ReaperConfig{Clock: c, ...})
//	go reaper.Run(ctx)
//	c.WaitForTickers(1)
//	c.Advance(time.Minute)
package clock

import "time"

// Clock is the part of the time package the gateway depends on.
type Clock interface {
	Now() time.Time

	// NewTicker returns a Ticker delivering ticks every d. Panics if
	// d <= 0.
	NewTicker(d time.Duration) *Ticker
}

// Ticker delivers periodic ticks on C. Ticks are dropped when the
// consumer falls behind.
type Ticker struct {
	C <-chan time.Time

	stop func()
}

// Stop turns off the ticker. C is not closed.
func (t *Ticker) Stop() { t.stop() }
