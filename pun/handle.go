// Copyright 2026 The Atrox Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package pun

import (
	"fmt"
	"time"
)

// State is the lifecycle state of a Handle.
type State int

const (
	// StateStarting: launched, socket not yet ready. Not routable.
	StateStarting State = iota

	// StateRunning: ready and routable.
	StateRunning

	// StateStopping: signalled for termination. Not routable.
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Handle describes one worker. Handles returned by the Registry are
// copies; mutating them has no effect on the registry.
type Handle struct {
	Identity   string
	Endpoint   string
	Generation uint64

	// Process is nil while the worker is being launched.
	Process Process

	CreatedAt    time.Time
	LastActivity time.Time
	State        State
}

// PID returns the worker's process ID, or 0 if it has none yet.
func (h Handle) PID() int {
	if h.Process == nil {
		return 0
	}
	return h.Process.PID()
}

// Route is the routing-relevant part of a Running handle.
type Route struct {
	Identity string
	Endpoint string
}

// Snapshot is a consistent view of the routable workers.
type Snapshot struct {
	// Version increases every time the set of routes changes. A
	// publisher uses it to discard snapshots older than one it has
	// already installed.
	Version uint64

	// Routes is sorted by Identity.
	Routes []Route
}
