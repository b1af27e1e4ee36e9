// Copyright 2026 The Atrox Gateway Authors
// SPDX-License-Identifier: Apache-2.0

// Package events records worker lifecycle transitions.
//
// The supervisor reports every spawn, stop, reclaim, adoption, and
// idle reap to a [Sink]. Sinks are observers: a failing sink is logged
// by the caller and never changes the outcome of the lifecycle
// operation. Two durable sinks exist: [RedisSink] appends to a Redis
// stream for other services to consume, and [AuditStore] keeps a local
// SQLite history that the admin API serves.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Kind names a lifecycle transition.
type Kind string

const (
	// KindSpawned: a new worker passed readiness and is routable.
	KindSpawned Kind = "spawned"

	// KindSpawnFailed: launch or readiness failed. Reason holds the
	// cause.
	KindSpawnFailed Kind = "spawn_failed"

	// KindStopped: the worker was stopped by logout or the admin API.
	KindStopped Kind = "stopped"

	// KindReclaimed: a registered worker was found dead and its entry
	// and socket were removed.
	KindReclaimed Kind = "reclaimed"

	// KindAdopted: a worker recorded by a previous gateway process was
	// still alive at startup and was registered again.
	KindAdopted Kind = "adopted"

	// KindReaped: the idle reaper stopped the worker.
	KindReaped Kind = "reaped"
)

// Event is one lifecycle transition.
type Event struct {
	ID         string    `json:"id"`
	Kind       Kind      `json:"kind"`
	Identity   string    `json:"identity"`
	Endpoint   string    `json:"endpoint,omitempty"`
	PID        int       `json:"pid,omitempty"`
	Generation uint64    `json:"generation,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Time       time.Time `json:"time"`
}

// New returns an event with a fresh ID.
func New(kind Kind, identity string, at time.Time) Event {
	return Event{
		ID:       uuid.NewString(),
		Kind:     kind,
		Identity: identity,
		Time:     at.UTC(),
	}
}

// Sink receives lifecycle events. Implementations must be safe for
// concurrent use.
type Sink interface {
	Record(ctx context.Context, event Event) error
}

// Discard drops every event.
var Discard Sink = discard{}

type discard struct{}

func (discard) Record(context.Context, Event) error { return nil }

// Multi delivers each event to every sink in order and joins their
// errors. A failing sink does not prevent delivery to the rest.
func Multi(sinks ...Sink) Sink {
	var filtered multi
	for _, sink := range sinks {
		if sink != nil && sink != Discard {
			filtered = append(filtered, sink)
		}
	}
	switch len(filtered) {
	case 0:
		return Discard
	case 1:
		return filtered[0]
	}
	return filtered
}

type multi []Sink

func (m multi) Record(ctx context.Context, event Event) error {
	var errs []error
	for _, sink := range m {
		if err := sink.Record(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
