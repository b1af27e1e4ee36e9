// Copyright 2026 The Atrox Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sync"
	"time"
)

// FakeClock is a manually advanced Clock for tests. It is safe for
// concurrent use.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	tickers map[*fakeTicker]struct{}
	changed *sync.Cond
}

type fakeTicker struct {
	next     time.Time
	interval time.Duration
	channel  chan time.Time
}

// Fake returns a FakeClock reading initial until Advance is called.
func Fake(initial time.Time) *FakeClock {
	c := &FakeClock{now: initial, tickers: make(map[*fakeTicker]struct{})}
	c.changed = sync.NewCond(&c.mu)
	return c
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive ticker interval")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	ticker := &fakeTicker{next: c.now.Add(d), interval: d, channel: make(chan time.Time, 1)}
	c.tickers[ticker] = struct{}{}
	c.changed.Broadcast()
	return &Ticker{
		C: ticker.channel,
		stop: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			delete(c.tickers, ticker)
		},
	}
}

// Advance moves the clock forward by d. Each ticker whose next tick
// falls within the advance delivers one tick (more only if its channel
// has room, as with time.Ticker) and is rescheduled past the new time.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	for ticker := range c.tickers {
		for !ticker.next.After(c.now) {
			select {
			case ticker.channel <- c.now:
			default:
			}
			ticker.next = ticker.next.Add(ticker.interval)
		}
	}
}

// WaitForTickers blocks until at least n tickers are active. Call it
// before Advance when the ticker is created by another goroutine.
func (c *FakeClock) WaitForTickers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.tickers) < n {
		c.changed.Wait()
	}
}
