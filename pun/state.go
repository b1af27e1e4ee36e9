// Copyright 2026 The Atrox Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package pun

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/atrox-gateway/atrox-gateway-app-sub000/events"
	"github.com/atrox-gateway/atrox-gateway-app-sub000/lib/codec"
	"github.com/atrox-gateway/atrox-gateway-app-sub000/lib/process"
)

const stateFormatVersion = 1

// stateFile is the persisted form of the registry.
type stateFile struct {
	Version int           `cbor:"version"`
	Workers []workerState `cbor:"workers"`
}

type workerState struct {
	Identity   string    `cbor:"identity"`
	Endpoint   string    `cbor:"endpoint"`
	Generation uint64    `cbor:"generation"`
	PID        int       `cbor:"pid"`
	CreatedAt  time.Time `cbor:"created_at"`

	// StartTime is the kernel start time of PID (process.StartTime).
	// Zero when it could not be read.
	StartTime uint64 `cbor:"start_time,omitempty"`
}

// saveState writes the Running workers to the state file. Failures are
// logged: the state file only matters to the next gateway process.
func (s *Supervisor) saveState() {
	if s.stateFile == "" {
		return
	}
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	state := stateFile{Version: stateFormatVersion, Workers: []workerState{}}
	for _, handle := range s.registry.List() {
		if handle.State != StateRunning {
			continue
		}
		startTime, _ := process.StartTime(handle.PID())
		state.Workers = append(state.Workers, workerState{
			Identity:   handle.Identity,
			Endpoint:   handle.Endpoint,
			Generation: handle.Generation,
			PID:        handle.PID(),
			CreatedAt:  handle.CreatedAt,
			StartTime:  startTime,
		})
	}
	if err := writeStateFile(s.stateFile, state); err != nil {
		s.logger.Error("writing worker state file failed", "path", s.stateFile, "error", err)
	}
}

// writeStateFile replaces path atomically: a crash leaves either the
// old file or the new one.
func writeStateFile(path string, state stateFile) error {
	data, err := codec.Marshal(state)
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return err
	}
	temporary, err := os.CreateTemp(filepath.Dir(path), ".pun-state-*")
	if err != nil {
		return err
	}
	temporaryPath := temporary.Name()
	if _, err := temporary.Write(data); err != nil {
		temporary.Close()
		os.Remove(temporaryPath)
		return err
	}
	if err := temporary.Sync(); err != nil {
		temporary.Close()
		os.Remove(temporaryPath)
		return err
	}
	if err := temporary.Close(); err != nil {
		os.Remove(temporaryPath)
		return err
	}
	if err := os.Rename(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
		return err
	}
	return nil
}

func readStateFile(path string) (stateFile, error) {
	var state stateFile
	data, err := os.ReadFile(path)
	if err != nil {
		return state, err
	}
	if err := codec.Unmarshal(data, &state); err != nil {
		return state, fmt.Errorf("decoding %s: %w", path, err)
	}
	if state.Version != stateFormatVersion {
		return state, fmt.Errorf("%s has format version %d, want %d", path, state.Version, stateFormatVersion)
	}
	return state, nil
}

// Adopt registers workers recorded by a previous gateway process that
// are still alive and serving. Entries whose process is gone or whose
// socket does not answer are dropped and their sockets removed.
// Returns the number of workers adopted. A missing state file is not
// an error.
//
// Adopt must run before the supervisor serves any request.
func (s *Supervisor) Adopt(ctx context.Context) (int, error) {
	if s.stateFile == "" {
		return 0, nil
	}
	state, err := readStateFile(s.stateFile)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	adopted := 0
	now := s.clock.Now()
	for _, worker := range state.Workers {
		if err := ctx.Err(); err != nil {
			return adopted, err
		}
		s.observeGeneration(worker.Identity, worker.Generation)

		if err := ValidateIdentity(worker.Identity); err != nil {
			s.logger.Warn("ignoring state entry", "identity", worker.Identity, "error", err)
			continue
		}
		if worker.Endpoint != s.Endpoint(worker.Identity, worker.Generation) {
			s.logger.Warn("ignoring state entry outside the run directory",
				"identity", worker.Identity, "endpoint", worker.Endpoint)
			continue
		}
		if !process.Alive(worker.PID) {
			s.logger.Info("recorded worker is gone", "identity", worker.Identity, "pid", worker.PID)
			s.removeEndpoint(worker.Endpoint)
			continue
		}
		startTime, err := process.StartTime(worker.PID)
		if err != nil || (worker.StartTime != 0 && startTime != worker.StartTime) {
			s.logger.Info("recorded pid no longer names the worker",
				"identity", worker.Identity,
				"pid", worker.PID,
				"recorded_start_time", worker.StartTime,
				"start_time", startTime,
				"error", err,
			)
			s.removeEndpoint(worker.Endpoint)
			continue
		}
		if err := probeSocket(worker.Endpoint, s.probeTimeout); err != nil {
			// The pid may have been reused by an unrelated process;
			// never signal it.
			s.logger.Warn("recorded worker does not answer, dropping",
				"identity", worker.Identity,
				"pid", worker.PID,
				"endpoint", worker.Endpoint,
				"error", err,
			)
			s.removeEndpoint(worker.Endpoint)
			continue
		}

		handle := Handle{
			Identity:     worker.Identity,
			Endpoint:     worker.Endpoint,
			Generation:   worker.Generation,
			Process:      &adoptedProcess{pid: worker.PID, startTime: startTime},
			CreatedAt:    worker.CreatedAt,
			LastActivity: now,
			State:        StateRunning,
		}
		if err := s.registry.Insert(handle); err != nil {
			s.logger.Warn("adopting worker failed", "identity", worker.Identity, "error", err)
			continue
		}
		adopted++
		s.logger.Info("adopted worker",
			"identity", worker.Identity,
			"pid", worker.PID,
			"endpoint", worker.Endpoint,
		)
		s.record(s.newEvent(events.KindAdopted, handle))
	}

	s.saveState()
	return adopted, nil
}
