// Copyright 2026 The Atrox Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package pun

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeLauncher "starts" workers by serving HTTP on the requested socket
// from inside the test process.
type fakeLauncher struct {
	t *testing.T

	launches atomic.Int32

	// Optional behavior knobs, read at launch time.
	mu          sync.Mutex
	launchErr   error
	neverBind   bool
	exitAtStart bool
	ignoreTerm  bool
	gate        chan struct{}
	processes   []*fakeProcess

	// finished is closed by cleanup. Gated binds still pending then are
	// abandoned and failures are no longer reported through t.
	finished chan struct{}
	done     bool
}

func newFakeLauncher(t *testing.T) *fakeLauncher {
	t.Helper()
	launcher := &fakeLauncher{t: t, finished: make(chan struct{})}
	t.Cleanup(func() {
		launcher.mu.Lock()
		defer launcher.mu.Unlock()
		launcher.done = true
		close(launcher.finished)
		for _, proc := range launcher.processes {
			proc.exit()
		}
	})
	return launcher
}

func (f *fakeLauncher) Launch(ctx context.Context, spec LaunchSpec) (Process, error) {
	f.launches.Add(1)
	f.mu.Lock()
	launchErr, neverBind, exitAtStart, ignoreTerm, gate := f.launchErr, f.neverBind, f.exitAtStart, f.ignoreTerm, f.gate
	f.mu.Unlock()

	if launchErr != nil {
		return nil, launchErr
	}
	proc := &fakeProcess{
		pid:        os.Getpid(),
		identity:   spec.Identity,
		endpoint:   spec.Endpoint,
		done:       make(chan struct{}),
		ignoreTerm: ignoreTerm,
	}
	f.mu.Lock()
	f.processes = append(f.processes, proc)
	f.mu.Unlock()

	if exitAtStart {
		proc.exit()
		return proc, nil
	}
	if neverBind {
		return proc, nil
	}
	bind := func() {
		if err := proc.serve(); err != nil {
			f.report("fake worker for %s: %v", spec.Identity, err)
		}
	}
	if gate != nil {
		go func() {
			select {
			case <-gate:
				bind()
			case <-f.finished:
			}
		}()
		return proc, nil
	}
	bind()
	return proc, nil
}

// report fails the test unless it has already finished.
func (f *fakeLauncher) report(format string, args ...any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.done {
		return
	}
	f.t.Errorf(format, args...)
}

func (f *fakeLauncher) setGate(gate chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gate = gate
}

func (f *fakeLauncher) lastProcess() *fakeProcess {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.processes) == 0 {
		return nil
	}
	return f.processes[len(f.processes)-1]
}

// fakeProcess reports the test process's own PID so that Alive checks
// based on signal 0 succeed. It must never be signalled for real.
type fakeProcess struct {
	pid        int
	identity   string
	endpoint   string
	ignoreTerm bool

	mu         sync.Mutex
	listener   *net.UnixListener
	server     *http.Server
	done       chan struct{}
	exited     bool
	terminated atomic.Int32
	killed     atomic.Int32
}

func (p *fakeProcess) serve() error {
	address, err := net.ResolveUnixAddr("unix", p.endpoint)
	if err != nil {
		return err
	}
	listener, err := net.ListenUnix("unix", address)
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /whoami", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, p.identity)
	})
	server := &http.Server{Handler: mux}

	p.mu.Lock()
	p.listener = listener
	p.server = server
	p.mu.Unlock()
	go server.Serve(listener)
	return nil
}

// crash stops serving and marks the process dead, leaving a stale
// socket file behind.
func (p *fakeProcess) crash() {
	p.mu.Lock()
	if p.listener != nil {
		p.listener.SetUnlinkOnClose(false)
	}
	p.mu.Unlock()
	p.exit()
}

func (p *fakeProcess) exit() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return
	}
	p.exited = true
	if p.server != nil {
		p.server.Close()
	}
	close(p.done)
}

func (p *fakeProcess) PID() int              { return p.pid }
func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *fakeProcess) Terminate() error {
	p.terminated.Add(1)
	if !p.ignoreTerm {
		p.exit()
	}
	return nil
}

func (p *fakeProcess) Kill() error {
	p.killed.Add(1)
	p.exit()
	return nil
}

// get fetches path from the worker at endpoint over its unix socket.
func get(t *testing.T, endpoint, path string) (string, error) {
	t.Helper()
	client := &http.Client{
		Timeout: 2 * time.Second,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var dialer net.Dialer
				return dialer.DialContext(ctx, "unix", endpoint)
			},
		},
	}
	response, err := client.Get("http://worker" + path)
	if err != nil {
		return "", err
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return "", errors.New(response.Status)
	}
	body, err := io.ReadAll(response.Body)
	return string(body), err
}
