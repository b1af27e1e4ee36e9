// Copyright 2026 The Atrox Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package pun

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/atrox-gateway/atrox-gateway-app-sub000/events"
	"github.com/atrox-gateway/atrox-gateway-app-sub000/lib/testutil"
)

type recordingSink struct {
	mu     sync.Mutex
	events []events.Event

	// flush waits for queued deliveries before kinds reads.
	flush func()
}

func (r *recordingSink) Record(_ context.Context, event events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingSink) kinds() []events.Kind {
	if r.flush != nil {
		r.flush()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]events.Kind, len(r.events))
	for i, event := range r.events {
		kinds[i] = event.Kind
	}
	return kinds
}

func newTestSupervisor(t *testing.T, launcher Launcher, modify func(*Config)) (*Supervisor, *recordingSink) {
	t.Helper()
	sink := &recordingSink{}
	cfg := Config{
		RunDir:            testutil.SocketDir(t),
		Launcher:          launcher,
		StartupTimeout:    2 * time.Second,
		ReadinessInterval: 5 * time.Millisecond,
		StopGrace:         time.Second,
		Events:            sink,
	}
	if modify != nil {
		modify(&cfg)
	}
	supervisor, err := NewSupervisor(cfg)
	if err != nil {
		t.Fatalf("NewSupervisor: %v", err)
	}
	sink.flush = supervisor.flushEvents
	t.Cleanup(supervisor.Wait)
	return supervisor, sink
}

func TestEnsureStartsWorker(t *testing.T) {
	launcher := newFakeLauncher(t)
	supervisor, sink := newTestSupervisor(t, launcher, nil)

	endpoint, err := supervisor.Ensure(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if want := supervisor.Endpoint("alice", 1); endpoint != want {
		t.Errorf("endpoint = %q, want %q", endpoint, want)
	}

	handle, ok := supervisor.Lookup("alice")
	if !ok {
		t.Fatal("Lookup(alice) missed after Ensure")
	}
	if handle.State != StateRunning || handle.Endpoint != endpoint || handle.PID() == 0 {
		t.Errorf("handle = %+v", handle)
	}

	body, err := get(t, endpoint, "/whoami")
	if err != nil {
		t.Fatalf("GET /whoami: %v", err)
	}
	if body != "alice" {
		t.Errorf("/whoami = %q", body)
	}

	if kinds := sink.kinds(); len(kinds) != 1 || kinds[0] != events.KindSpawned {
		t.Errorf("events = %v, want [spawned]", kinds)
	}
}

func TestEnsureReusesLiveWorker(t *testing.T) {
	launcher := newFakeLauncher(t)
	supervisor, _ := newTestSupervisor(t, launcher, nil)
	ctx := context.Background()

	first, err := supervisor.Ensure(ctx, "alice")
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	second, err := supervisor.Ensure(ctx, "alice")
	if err != nil {
		t.Fatalf("second Ensure: %v", err)
	}
	if first != second {
		t.Errorf("endpoints differ: %q, %q", first, second)
	}
	if n := launcher.launches.Load(); n != 1 {
		t.Errorf("launches = %d, want 1", n)
	}
}

func TestEnsureConcurrentCallsSpawnOnce(t *testing.T) {
	launcher := newFakeLauncher(t)
	gate := make(chan struct{})
	launcher.setGate(gate)
	supervisor, _ := newTestSupervisor(t, launcher, nil)

	const callers = 50
	endpoints := make([]string, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			endpoints[i], errs[i] = supervisor.Ensure(context.Background(), "alice")
		}()
	}
	// Let the callers pile up on the in-flight spawn before the worker
	// becomes ready.
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	for i := range callers {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if endpoints[i] != endpoints[0] {
			t.Fatalf("caller %d got %q, caller 0 got %q", i, endpoints[i], endpoints[0])
		}
	}
	if n := launcher.launches.Load(); n != 1 {
		t.Errorf("launches = %d, want 1", n)
	}
	if routes := supervisor.Snapshot().Routes; len(routes) != 1 {
		t.Errorf("routes = %v, want one", routes)
	}
}

func TestEnsureDifferentIdentitiesIndependent(t *testing.T) {
	launcher := newFakeLauncher(t)
	supervisor, _ := newTestSupervisor(t, launcher, nil)
	ctx := context.Background()

	alice, err := supervisor.Ensure(ctx, "alice")
	if err != nil {
		t.Fatalf("Ensure(alice): %v", err)
	}
	bob, err := supervisor.Ensure(ctx, "bob")
	if err != nil {
		t.Fatalf("Ensure(bob): %v", err)
	}
	if alice == bob {
		t.Fatalf("alice and bob share endpoint %q", alice)
	}
	snapshot := supervisor.Snapshot()
	if len(snapshot.Routes) != 2 || snapshot.Routes[0].Identity != "alice" || snapshot.Routes[1].Identity != "bob" {
		t.Errorf("routes = %v", snapshot.Routes)
	}
}

func TestStopRemovesWorker(t *testing.T) {
	launcher := newFakeLauncher(t)
	supervisor, sink := newTestSupervisor(t, launcher, nil)
	ctx := context.Background()

	endpoint, err := supervisor.Ensure(ctx, "alice")
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	proc := launcher.lastProcess()

	stopped, err := supervisor.Stop(ctx, "alice")
	if err != nil || !stopped {
		t.Fatalf("Stop = %v, %v; want true, nil", stopped, err)
	}
	if _, ok := supervisor.Lookup("alice"); ok {
		t.Error("Lookup(alice) hit after Stop")
	}
	if _, ok := supervisor.Registry().Get("alice"); ok {
		t.Error("registry still holds alice after Stop")
	}
	if _, err := os.Stat(endpoint); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("socket still present after Stop: %v", err)
	}
	if proc.terminated.Load() != 1 {
		t.Errorf("Terminate called %d times, want 1", proc.terminated.Load())
	}
	testutil.RequireClosed(t, proc.Done(), time.Second, "worker did not exit")

	again, err := supervisor.Stop(ctx, "alice")
	if err != nil || again {
		t.Errorf("second Stop = %v, %v; want false, nil", again, err)
	}
	if kinds := sink.kinds(); len(kinds) != 2 || kinds[1] != events.KindStopped {
		t.Errorf("events = %v", kinds)
	}
}

func TestStopThenEnsureStartsFreshWorker(t *testing.T) {
	launcher := newFakeLauncher(t)
	supervisor, _ := newTestSupervisor(t, launcher, nil)
	ctx := context.Background()

	first, err := supervisor.Ensure(ctx, "alice")
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if _, err := supervisor.Stop(ctx, "alice"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	second, err := supervisor.Ensure(ctx, "alice")
	if err != nil {
		t.Fatalf("Ensure after Stop: %v", err)
	}
	if first == second {
		t.Errorf("respawned worker reused endpoint %q", first)
	}
	if n := launcher.launches.Load(); n != 2 {
		t.Errorf("launches = %d, want 2", n)
	}
}

func TestStopEscalatesToKill(t *testing.T) {
	launcher := newFakeLauncher(t)
	launcher.ignoreTerm = true
	supervisor, _ := newTestSupervisor(t, launcher, func(cfg *Config) {
		cfg.StopGrace = 20 * time.Millisecond
	})
	ctx := context.Background()

	if _, err := supervisor.Ensure(ctx, "alice"); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	proc := launcher.lastProcess()
	if _, err := supervisor.Stop(ctx, "alice"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	supervisor.Wait()
	if proc.killed.Load() != 1 {
		t.Errorf("Kill called %d times, want 1", proc.killed.Load())
	}
}

func TestEnsureReclaimsDeadWorker(t *testing.T) {
	launcher := newFakeLauncher(t)
	supervisor, sink := newTestSupervisor(t, launcher, nil)
	ctx := context.Background()

	first, err := supervisor.Ensure(ctx, "alice")
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	before := supervisor.Snapshot().Version
	launcher.lastProcess().crash()
	if _, err := os.Stat(first); err != nil {
		t.Fatalf("crash should leave the socket file behind: %v", err)
	}

	second, err := supervisor.Ensure(ctx, "alice")
	if err != nil {
		t.Fatalf("Ensure after crash: %v", err)
	}
	if second == first {
		t.Fatalf("replacement reused endpoint %q", first)
	}
	if _, err := os.Stat(first); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("stale socket %s not removed: %v", first, err)
	}
	if body, err := get(t, second, "/whoami"); err != nil || body != "alice" {
		t.Errorf("replacement /whoami = %q, %v", body, err)
	}
	if supervisor.Snapshot().Version <= before {
		t.Error("snapshot version did not advance across the replacement")
	}
	kinds := sink.kinds()
	want := []events.Kind{events.KindSpawned, events.KindReclaimed, events.KindSpawned}
	if len(kinds) != len(want) {
		t.Fatalf("events = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("events = %v, want %v", kinds, want)
			break
		}
	}
}

func TestEnsureLaunchFailure(t *testing.T) {
	launcher := newFakeLauncher(t)
	launcher.launchErr = errors.New("no such account")
	supervisor, sink := newTestSupervisor(t, launcher, nil)

	_, err := supervisor.Ensure(context.Background(), "alice")
	var spawnErr *SpawnError
	if !errors.As(err, &spawnErr) {
		t.Fatalf("Ensure error = %v, want *SpawnError", err)
	}
	if spawnErr.Identity != "alice" {
		t.Errorf("SpawnError.Identity = %q", spawnErr.Identity)
	}
	if _, ok := supervisor.Registry().Get("alice"); ok {
		t.Error("failed spawn left a registry entry")
	}
	if kinds := sink.kinds(); len(kinds) != 1 || kinds[0] != events.KindSpawnFailed {
		t.Errorf("events = %v, want [spawn_failed]", kinds)
	}
}

func TestEnsureWorkerExitsBeforeReady(t *testing.T) {
	launcher := newFakeLauncher(t)
	launcher.exitAtStart = true
	supervisor, _ := newTestSupervisor(t, launcher, func(cfg *Config) {
		cfg.StartupTimeout = 30 * time.Second
	})

	start := time.Now()
	_, err := supervisor.Ensure(context.Background(), "alice")
	var spawnErr *SpawnError
	if !errors.As(err, &spawnErr) {
		t.Fatalf("Ensure error = %v, want *SpawnError", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Ensure took %v; process exit should fail fast", elapsed)
	}
}

func TestEnsureStartupTimeout(t *testing.T) {
	launcher := newFakeLauncher(t)
	launcher.neverBind = true
	supervisor, _ := newTestSupervisor(t, launcher, func(cfg *Config) {
		cfg.StartupTimeout = 100 * time.Millisecond
	})

	_, err := supervisor.Ensure(context.Background(), "alice")
	var spawnErr *SpawnError
	if !errors.As(err, &spawnErr) {
		t.Fatalf("Ensure error = %v, want *SpawnError", err)
	}
	if proc := launcher.lastProcess(); proc.killed.Load() != 1 {
		t.Errorf("timed-out worker killed %d times, want 1", proc.killed.Load())
	}
	if _, ok := supervisor.Registry().Get("alice"); ok {
		t.Error("timed-out spawn left a registry entry")
	}

	// The failure is not sticky: the next Ensure tries again.
	launcher.mu.Lock()
	launcher.neverBind = false
	launcher.mu.Unlock()
	if _, err := supervisor.Ensure(context.Background(), "alice"); err != nil {
		t.Fatalf("Ensure after failure: %v", err)
	}
}

func TestEnsureCancellationDoesNotAbortSpawn(t *testing.T) {
	launcher := newFakeLauncher(t)
	gate := make(chan struct{})
	launcher.setGate(gate)
	supervisor, _ := newTestSupervisor(t, launcher, nil)

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() {
		_, err := supervisor.Ensure(ctx, "alice")
		result <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	if err := testutil.RequireReceive(t, result, time.Second, "Ensure did not return after cancel"); !errors.Is(err, context.Canceled) {
		t.Fatalf("Ensure error = %v, want context.Canceled", err)
	}

	close(gate)
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := supervisor.Lookup("alice"); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("abandoned spawn never registered the worker")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if n := launcher.launches.Load(); n != 1 {
		t.Errorf("launches = %d, want 1", n)
	}
}

func TestStopWaitsForInFlightSpawn(t *testing.T) {
	launcher := newFakeLauncher(t)
	gate := make(chan struct{})
	launcher.setGate(gate)
	supervisor, _ := newTestSupervisor(t, launcher, nil)
	ctx := context.Background()

	ensured := make(chan error, 1)
	go func() {
		_, err := supervisor.Ensure(ctx, "alice")
		ensured <- err
	}()
	for len(supervisor.Registry().List()) == 0 {
		time.Sleep(time.Millisecond)
	}

	stopped := make(chan bool, 1)
	go func() {
		ok, _ := supervisor.Stop(ctx, "alice")
		stopped <- ok
	}()
	select {
	case <-stopped:
		t.Fatal("Stop returned while the spawn was still in flight")
	case <-time.After(20 * time.Millisecond):
	}

	close(gate)
	if err := testutil.RequireReceive(t, ensured, 2*time.Second, "Ensure"); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if !testutil.RequireReceive(t, stopped, 2*time.Second, "Stop") {
		t.Error("Stop reported no worker after the spawn completed")
	}
	if _, ok := supervisor.Registry().Get("alice"); ok {
		t.Error("worker still registered after Stop")
	}
}

func TestStopHonorsContext(t *testing.T) {
	launcher := newFakeLauncher(t)
	gate := make(chan struct{})
	launcher.setGate(gate)
	supervisor, _ := newTestSupervisor(t, launcher, nil)

	ensured := make(chan error, 1)
	go func() {
		_, err := supervisor.Ensure(context.Background(), "alice")
		ensured <- err
	}()
	for len(supervisor.Registry().List()) == 0 {
		time.Sleep(time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := supervisor.Stop(ctx, "alice"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Stop error = %v, want deadline exceeded", err)
	}

	close(gate)
	if err := testutil.RequireReceive(t, ensured, 2*time.Second, "Ensure"); err != nil {
		t.Fatalf("Ensure after the gate opened: %v", err)
	}
}

// blockingSink holds every Record call until release is closed.
type blockingSink struct {
	recordingSink
	release chan struct{}
}

func (b *blockingSink) Record(ctx context.Context, event events.Event) error {
	select {
	case <-b.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return b.recordingSink.Record(ctx, event)
}

func TestSlowEventSinkDoesNotBlockLifecycle(t *testing.T) {
	sink := &blockingSink{release: make(chan struct{})}
	supervisor, _ := newTestSupervisor(t, newFakeLauncher(t), func(cfg *Config) {
		cfg.Events = sink
	})
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		if _, err := supervisor.Ensure(ctx, "alice"); err != nil {
			done <- err
			return
		}
		if _, err := supervisor.Stop(ctx, "alice"); err != nil {
			done <- err
			return
		}
		_, err := supervisor.Ensure(ctx, "alice")
		done <- err
	}()
	if err := testutil.RequireReceive(t, done, time.Second, "lifecycle operations behind a stalled sink"); err != nil {
		t.Fatalf("lifecycle: %v", err)
	}

	close(sink.release)
	supervisor.flushEvents()
	want := []events.Kind{events.KindSpawned, events.KindStopped, events.KindSpawned}
	kinds := sink.kinds()
	if len(kinds) != len(want) {
		t.Fatalf("events = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("events = %v, want %v", kinds, want)
			break
		}
	}
}

func TestEnsureRejectsInvalidIdentity(t *testing.T) {
	launcher := newFakeLauncher(t)
	supervisor, _ := newTestSupervisor(t, launcher, nil)

	for _, identity := range []string{"", "../etc", "alice bob", "-rf"} {
		_, err := supervisor.Ensure(context.Background(), identity)
		if !errors.Is(err, ErrInvalidIdentity) {
			t.Errorf("Ensure(%q) error = %v, want ErrInvalidIdentity", identity, err)
		}
	}
	if n := launcher.launches.Load(); n != 0 {
		t.Errorf("launches = %d, want 0", n)
	}
}

func TestTouchUpdatesActivity(t *testing.T) {
	launcher := newFakeLauncher(t)
	supervisor, _ := newTestSupervisor(t, launcher, nil)

	if _, err := supervisor.Ensure(context.Background(), "alice"); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	before, _ := supervisor.Lookup("alice")
	time.Sleep(2 * time.Millisecond)
	supervisor.Touch("alice")
	after, _ := supervisor.Lookup("alice")
	if !after.LastActivity.After(before.LastActivity) {
		t.Errorf("LastActivity %v did not advance past %v", after.LastActivity, before.LastActivity)
	}
	supervisor.Touch("nobody")
}
