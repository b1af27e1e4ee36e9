// Copyright 2026 The Atrox Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/atrox-gateway/atrox-gateway-app-sub000/forward"
	"github.com/atrox-gateway/atrox-gateway-app-sub000/lib/clock"
	"github.com/atrox-gateway/atrox-gateway-app-sub000/lib/testutil"
	"github.com/atrox-gateway/atrox-gateway-app-sub000/pun"
	"github.com/atrox-gateway/atrox-gateway-app-sub000/routing"
)

// workerLauncher serves each worker from inside the test process. The
// worker answers every request with "<identity> <method> <request-uri>"
// and echoes the request ID it received.
type workerLauncher struct {
	mu        sync.Mutex
	launchErr error
	processes []*workerProcess
}

func (l *workerLauncher) Launch(ctx context.Context, spec pun.LaunchSpec) (pun.Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.launchErr != nil {
		return nil, l.launchErr
	}
	listener, err := net.ListenUnix("unix", &net.UnixAddr{Name: spec.Endpoint, Net: "unix"})
	if err != nil {
		return nil, err
	}
	identity := spec.Identity
	server := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Worker", identity)
		w.Header().Set("X-Seen-Request-Id", r.Header.Get(RequestIDHeader))
		fmt.Fprintf(w, "%s %s %s", identity, r.Method, r.RequestURI)
	})}
	go server.Serve(listener)

	proc := &workerProcess{listener: listener, server: server, done: make(chan struct{})}
	l.processes = append(l.processes, proc)
	return proc, nil
}

func (l *workerLauncher) setLaunchErr(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.launchErr = err
}

func (l *workerLauncher) last() *workerProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.processes[len(l.processes)-1]
}

func (l *workerLauncher) stopAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, proc := range l.processes {
		proc.exit()
	}
}

type workerProcess struct {
	mu       sync.Mutex
	listener *net.UnixListener
	server   *http.Server
	done     chan struct{}
	exited   bool
}

// hang stops accepting connections but leaves the process "alive" and
// its socket file in place.
func (p *workerProcess) hang() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listener.SetUnlinkOnClose(false)
	p.server.Close()
}

func (p *workerProcess) exit() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return
	}
	p.exited = true
	p.server.Close()
	close(p.done)
}

func (p *workerProcess) PID() int              { return os.Getpid() }
func (p *workerProcess) Done() <-chan struct{} { return p.done }
func (p *workerProcess) Terminate() error      { p.exit(); return nil }
func (p *workerProcess) Kill() error           { p.exit(); return nil }

func (p *workerProcess) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

type fakeController struct {
	mu          sync.Mutex
	validateErr error
	reloadErr   error
	reloads     int
}

func (c *fakeController) Validate(ctx context.Context, candidateDir string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.validateErr != nil {
		return "nginx: [emerg] unexpected end of file", c.validateErr
	}
	return "", nil
}

func (c *fakeController) Reload(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reloads++
	return c.reloadErr
}

func (c *fakeController) set(validateErr, reloadErr error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.validateErr, c.reloadErr = validateErr, reloadErr
}

type harness struct {
	clock      *clock.FakeClock
	launcher   *workerLauncher
	controller *fakeController
	supervisor *pun.Supervisor
	publisher  *routing.Publisher
	server     *Server
	public     *httptest.Server
	admin      *httptest.Server
}

func newHarness(t *testing.T, modify func(*ServerConfig)) *harness {
	t.Helper()
	h := &harness{
		clock:      clock.Fake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)),
		launcher:   &workerLauncher{},
		controller: &fakeController{},
	}
	logger := slog.New(slog.DiscardHandler)

	supervisor, err := pun.NewSupervisor(pun.Config{
		RunDir:            testutil.SocketDir(t),
		Launcher:          h.launcher,
		StartupTimeout:    2 * time.Second,
		ReadinessInterval: 5 * time.Millisecond,
		StopGrace:         time.Second,
		Clock:             h.clock,
		Logger:            logger,
	})
	if err != nil {
		t.Fatalf("NewSupervisor: %v", err)
	}
	h.supervisor = supervisor
	t.Cleanup(supervisor.Wait)
	t.Cleanup(h.launcher.stopAll)

	root := t.TempDir()
	h.publisher, err = routing.NewPublisher(routing.PublisherConfig{
		ConfigDir:  filepath.Join(root, "nginx"),
		StagingDir: filepath.Join(root, "staging"),
		Controller: h.controller,
		Logger:     logger,
	})
	if err != nil {
		t.Fatalf("NewPublisher: %v", err)
	}

	config := ServerConfig{
		Supervisor: supervisor,
		Publisher:  h.publisher,
		Forwarder:  forward.New(forward.Config{Workers: supervisor, Logger: logger}),
		Logger:     logger,
	}
	if modify != nil {
		modify(&config)
	}
	h.server, err = NewServer(config)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	h.public = httptest.NewServer(h.server.Handler())
	t.Cleanup(h.public.Close)
	h.admin = httptest.NewServer(h.server.AdminHandler())
	t.Cleanup(h.admin.Close)
	return h
}

// do sends a request as identity ("" sends no identity header).
func (h *harness) do(t *testing.T, base, method, path, identity string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(method, base+path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if identity != "" {
		req.Header.Set(DefaultIdentityHeader, identity)
	}
	response, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer response.Body.Close()
	body, err := io.ReadAll(response.Body)
	if err != nil {
		t.Fatalf("reading %s %s: %v", method, path, err)
	}
	return response, string(body)
}

func (h *harness) readLive(t *testing.T, name string) (string, bool) {
	t.Helper()
	content, err := os.ReadFile(filepath.Join(h.publisher.LiveDir(), name))
	if errors.Is(err, os.ErrNotExist) {
		return "", false
	}
	if err != nil {
		t.Fatal(err)
	}
	return string(content), true
}
