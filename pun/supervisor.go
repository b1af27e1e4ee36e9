// Copyright 2026 The Atrox Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package pun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/atrox-gateway/atrox-gateway-app-sub000/events"
	"github.com/atrox-gateway/atrox-gateway-app-sub000/lib/clock"
)

const (
	DefaultStartupTimeout    = 10 * time.Second
	DefaultReadinessInterval = 100 * time.Millisecond
	DefaultStopGrace         = 10 * time.Second
	DefaultProbeTimeout      = time.Second
)

const (
	eventDeliveryTimeout = 2 * time.Second
	maxPendingEvents     = 1024
)

// Config configures a Supervisor.
type Config struct {
	// RunDir is the root under which worker sockets are created, as
	// <RunDir>/pun/<identity>/node-<generation>.sock. Required.
	RunDir string

	// StateFile is where live workers are recorded for adoption by a
	// restarted gateway. Empty disables persistence.
	StateFile string

	// Launcher starts worker processes. Required.
	Launcher Launcher

	StartupTimeout    time.Duration
	ReadinessInterval time.Duration

	// StopGrace is how long a stopped worker has to exit after
	// SIGTERM before it is killed.
	StopGrace time.Duration

	// ProbeTimeout bounds the connect attempt of a liveness probe.
	ProbeTimeout time.Duration

	// Clock supplies timestamps. Defaults to the real clock.
	Clock clock.Clock

	// Events receives lifecycle events. Defaults to events.Discard.
	Events events.Sink

	Logger *slog.Logger
}

// Supervisor owns the worker processes and is the only writer of its
// Registry.
//
// Operations on one identity (spawn, reclaim, stop) are serialized by
// a per-identity lock; different identities proceed independently.
// Concurrent Ensure calls for the same identity share a single spawn.
type Supervisor struct {
	registry *Registry
	launcher Launcher
	clock    clock.Clock
	events   events.Sink
	logger   *slog.Logger

	runDir            string
	stateFile         string
	startupTimeout    time.Duration
	readinessInterval time.Duration
	stopGrace         time.Duration
	probeTimeout      time.Duration

	flights singleflight.Group
	locks   *keyedLock

	generationMu sync.Mutex
	generations  map[string]uint64

	stateMu sync.Mutex

	// background tracks kill escalations.
	background sync.WaitGroup

	// outbox holds lifecycle events awaiting delivery, oldest first.
	// A single drain goroutine runs while it is non-empty.
	outboxMu   sync.Mutex
	outbox     []events.Event
	draining   bool
	deliveries sync.WaitGroup
}

// NewSupervisor validates cfg and returns a Supervisor with an empty
// registry.
func NewSupervisor(cfg Config) (*Supervisor, error) {
	if cfg.RunDir == "" {
		return nil, errors.New("pun: RunDir is required")
	}
	if cfg.Launcher == nil {
		return nil, errors.New("pun: Launcher is required")
	}
	s := &Supervisor{
		registry:          NewRegistry(),
		launcher:          cfg.Launcher,
		clock:             cfg.Clock,
		events:            cfg.Events,
		logger:            cfg.Logger,
		runDir:            cfg.RunDir,
		stateFile:         cfg.StateFile,
		startupTimeout:    cfg.StartupTimeout,
		readinessInterval: cfg.ReadinessInterval,
		stopGrace:         cfg.StopGrace,
		probeTimeout:      cfg.ProbeTimeout,
		locks:             newKeyedLock(),
		generations:       make(map[string]uint64),
	}
	if s.clock == nil {
		s.clock = clock.Real()
	}
	if s.events == nil {
		s.events = events.Discard
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	if s.startupTimeout <= 0 {
		s.startupTimeout = DefaultStartupTimeout
	}
	if s.readinessInterval <= 0 {
		s.readinessInterval = DefaultReadinessInterval
	}
	if s.stopGrace <= 0 {
		s.stopGrace = DefaultStopGrace
	}
	if s.probeTimeout <= 0 {
		s.probeTimeout = DefaultProbeTimeout
	}
	return s, nil
}

// Registry returns the registry the supervisor maintains. Callers must
// treat it as read-only.
func (s *Supervisor) Registry() *Registry { return s.registry }

// Lookup returns the Running handle for identity.
func (s *Supervisor) Lookup(identity string) (Handle, bool) {
	return s.registry.Lookup(identity)
}

// Snapshot returns the current routes.
func (s *Supervisor) Snapshot() Snapshot {
	return s.registry.Snapshot()
}

// Endpoint returns the socket path for generation of identity.
func (s *Supervisor) Endpoint(identity string, generation uint64) string {
	return filepath.Join(s.runDir, "pun", identity, "node-"+strconv.FormatUint(generation, 10)+".sock")
}

// Ensure returns the endpoint of a live worker for identity, starting
// one if necessary.
//
// Concurrent calls for one identity share a single spawn and its
// result. Cancelling ctx abandons the wait but not the spawn, which
// completes (bounded by the startup timeout) and registers the worker
// for the next caller. A failed start is reported as *SpawnError.
func (s *Supervisor) Ensure(ctx context.Context, identity string) (string, error) {
	if err := ValidateIdentity(identity); err != nil {
		return "", err
	}
	if handle, ok := s.registry.Lookup(identity); ok && s.probe(handle) {
		return handle.Endpoint, nil
	}

	result := s.flights.DoChan(identity, func() (interface{}, error) {
		return s.ensureSlow(identity)
	})
	select {
	case r := <-result:
		if r.Err != nil {
			return "", r.Err
		}
		return r.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// ensureSlow runs once per flight, detached from any caller's context.
func (s *Supervisor) ensureSlow(identity string) (string, error) {
	unlock, err := s.locks.Lock(context.Background(), identity)
	if err != nil {
		return "", err
	}
	defer unlock()

	// A previous flight may have finished between the caller's fast
	// path and this one starting.
	if handle, ok := s.registry.Get(identity); ok {
		if handle.State == StateRunning && s.probe(handle) {
			return handle.Endpoint, nil
		}
		s.reclaimLocked(handle)
	}
	return s.spawnLocked(identity)
}

// probe reports whether handle's process is alive and its socket
// accepts connections.
func (s *Supervisor) probe(handle Handle) bool {
	if handle.Process == nil || !handle.Process.Alive() {
		return false
	}
	return probeSocket(handle.Endpoint, s.probeTimeout) == nil
}

// reclaimLocked removes a dead or unresponsive worker. The caller holds
// the identity's lock.
func (s *Supervisor) reclaimLocked(handle Handle) {
	s.logger.Warn("reclaiming unresponsive worker",
		"identity", handle.Identity,
		"endpoint", handle.Endpoint,
		"pid", handle.PID(),
	)
	s.registry.MarkStopping(handle.Identity)
	if handle.Process != nil && handle.Process.Alive() {
		// Alive but not serving: make sure it cannot come back on a
		// socket path nobody routes to.
		if err := handle.Process.Kill(); err != nil {
			s.logger.Warn("killing unresponsive worker failed",
				"identity", handle.Identity, "pid", handle.PID(), "error", err)
		}
	}
	s.removeEndpoint(handle.Endpoint)
	s.registry.RemoveHandle(handle)
	s.saveState()

	event := s.newEvent(events.KindReclaimed, handle)
	s.record(event)
}

func (s *Supervisor) spawnLocked(identity string) (string, error) {
	generation := s.nextGeneration(identity)
	endpoint := s.Endpoint(identity, generation)
	fail := func(reason string, err error) (string, error) {
		s.logger.Error("worker start failed",
			"identity", identity,
			"endpoint", endpoint,
			"reason", reason,
			"error", err,
		)
		event := events.New(events.KindSpawnFailed, identity, s.clock.Now())
		event.Endpoint = endpoint
		event.Generation = generation
		event.Reason = reason
		if err != nil {
			event.Reason = reason + ": " + err.Error()
		}
		s.record(event)
		return "", &SpawnError{Identity: identity, Reason: reason, Err: err}
	}

	if err := os.MkdirAll(filepath.Dir(endpoint), 0755); err != nil {
		return fail("creating socket directory", err)
	}
	s.removeEndpoint(endpoint)

	now := s.clock.Now()
	handle := Handle{
		Identity:     identity,
		Endpoint:     endpoint,
		Generation:   generation,
		CreatedAt:    now,
		LastActivity: now,
		State:        StateStarting,
	}
	if err := s.registry.Insert(handle); err != nil {
		return fail("registering worker", err)
	}

	startedAt := time.Now()
	launchContext, cancel := context.WithTimeout(context.Background(), s.startupTimeout)
	defer cancel()
	proc, err := s.launcher.Launch(launchContext, LaunchSpec{Identity: identity, Endpoint: endpoint})
	if err != nil {
		s.registry.Remove(identity)
		s.removeEndpoint(endpoint)
		return fail("launching worker", err)
	}

	if err := waitReady(endpoint, proc.Done(), s.startupTimeout, s.readinessInterval); err != nil {
		if killErr := proc.Kill(); killErr != nil {
			s.logger.Warn("killing failed worker", "identity", identity, "pid", proc.PID(), "error", killErr)
		}
		s.registry.Remove(identity)
		s.removeEndpoint(endpoint)
		return fail("waiting for worker socket", err)
	}

	if err := s.registry.Promote(identity, proc); err != nil {
		proc.Kill()
		s.registry.Remove(identity)
		s.removeEndpoint(endpoint)
		return fail("registering worker", err)
	}
	s.saveState()

	handle.Process = proc
	s.logger.Info("worker started",
		"identity", identity,
		"endpoint", endpoint,
		"pid", proc.PID(),
		"generation", generation,
		"duration", time.Since(startedAt),
	)
	s.record(s.newEvent(events.KindSpawned, handle))
	return endpoint, nil
}

// Stop terminates the identity's worker and removes it from the
// registry. It waits for an in-flight spawn for the same identity to
// settle first, giving up if ctx is done. Reports whether a worker was
// present.
//
// Stop does not wait for the process to exit: it sends SIGTERM and
// escalates to SIGKILL in the background after the stop grace period.
// The registry entry and socket file are gone when Stop returns.
func (s *Supervisor) Stop(ctx context.Context, identity string) (bool, error) {
	unlock, err := s.locks.Lock(ctx, identity)
	if err != nil {
		return false, fmt.Errorf("waiting to stop %s: %w", identity, err)
	}
	defer unlock()

	handle, ok := s.registry.Get(identity)
	if !ok {
		return false, nil
	}
	s.stopLocked(handle, events.KindStopped)
	return true, nil
}

// stopIdle stops the identity's worker if it is still the generation
// given and has not been active since cutoff.
func (s *Supervisor) stopIdle(ctx context.Context, expected Handle, cutoff time.Time) (bool, error) {
	unlock, err := s.locks.Lock(ctx, expected.Identity)
	if err != nil {
		return false, err
	}
	defer unlock()

	handle, ok := s.registry.Get(expected.Identity)
	if !ok || handle.Generation != expected.Generation || handle.State != StateRunning {
		return false, nil
	}
	if handle.LastActivity.After(cutoff) {
		return false, nil
	}
	s.stopLocked(handle, events.KindReaped)
	return true, nil
}

func (s *Supervisor) stopLocked(handle Handle, kind events.Kind) {
	s.registry.MarkStopping(handle.Identity)

	if handle.Process != nil {
		if err := handle.Process.Terminate(); err != nil {
			s.logger.Warn("signalling worker failed",
				"identity", handle.Identity,
				"pid", handle.PID(),
				"error", err,
			)
		}
		s.escalate(handle)
	}

	s.removeEndpoint(handle.Endpoint)
	s.registry.RemoveHandle(handle)
	s.saveState()

	s.logger.Info("worker stopped",
		"identity", handle.Identity,
		"endpoint", handle.Endpoint,
		"pid", handle.PID(),
		"reason", string(kind),
	)
	s.record(s.newEvent(kind, handle))
}

// escalate kills the worker if it is still alive after the stop grace
// period.
func (s *Supervisor) escalate(handle Handle) {
	proc := handle.Process
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		timer := time.NewTimer(s.stopGrace)
		defer timer.Stop()
		select {
		case <-proc.Done():
			return
		case <-timer.C:
		}
		if !proc.Alive() {
			return
		}
		s.logger.Warn("worker ignored SIGTERM, killing",
			"identity", handle.Identity,
			"pid", proc.PID(),
			"grace", s.stopGrace,
		)
		if err := proc.Kill(); err != nil {
			s.logger.Warn("killing worker failed", "identity", handle.Identity, "pid", proc.PID(), "error", err)
		}
	}()
}

// Touch records activity for the identity's Running worker. No-op if
// there is none.
func (s *Supervisor) Touch(identity string) {
	s.registry.Touch(identity, s.clock.Now())
}

// Wait blocks until background kill escalations have finished and
// queued lifecycle events have been delivered.
func (s *Supervisor) Wait() {
	s.background.Wait()
	s.flushEvents()
}

func (s *Supervisor) nextGeneration(identity string) uint64 {
	s.generationMu.Lock()
	defer s.generationMu.Unlock()
	s.generations[identity]++
	return s.generations[identity]
}

// observeGeneration makes future generations for identity start after
// generation.
func (s *Supervisor) observeGeneration(identity string, generation uint64) {
	s.generationMu.Lock()
	defer s.generationMu.Unlock()
	if generation > s.generations[identity] {
		s.generations[identity] = generation
	}
}

func (s *Supervisor) removeEndpoint(endpoint string) {
	if err := os.Remove(endpoint); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("removing worker socket failed", "endpoint", endpoint, "error", err)
	}
}

func (s *Supervisor) newEvent(kind events.Kind, handle Handle) events.Event {
	event := events.New(kind, handle.Identity, s.clock.Now())
	event.Endpoint = handle.Endpoint
	event.Generation = handle.Generation
	event.PID = handle.PID()
	return event
}

// record queues event for delivery. Events are delivered in queue
// order on a separate goroutine, outside any identity lock.
func (s *Supervisor) record(event events.Event) {
	s.outboxMu.Lock()
	defer s.outboxMu.Unlock()
	if len(s.outbox) >= maxPendingEvents {
		dropped := s.outbox[0]
		s.outbox = s.outbox[1:]
		s.logger.Warn("event sink backlog full, dropping oldest event",
			"identity", dropped.Identity,
			"kind", string(dropped.Kind),
		)
	}
	s.outbox = append(s.outbox, event)
	if s.draining {
		return
	}
	s.draining = true
	s.deliveries.Add(1)
	go s.drainEvents()
}

func (s *Supervisor) drainEvents() {
	defer s.deliveries.Done()
	for {
		s.outboxMu.Lock()
		if len(s.outbox) == 0 {
			s.draining = false
			s.outboxMu.Unlock()
			return
		}
		event := s.outbox[0]
		s.outbox = s.outbox[1:]
		s.outboxMu.Unlock()
		s.deliver(event)
	}
}

// deliver hands event to the sink with a bounded wait. Sink failures
// are logged.
func (s *Supervisor) deliver(event events.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), eventDeliveryTimeout)
	defer cancel()
	if err := s.events.Record(ctx, event); err != nil {
		s.logger.Warn("recording lifecycle event failed",
			"identity", event.Identity,
			"kind", string(event.Kind),
			"error", err,
		)
	}
}

// flushEvents blocks until every queued event has been delivered.
func (s *Supervisor) flushEvents() {
	s.deliveries.Wait()
}
