// Copyright 2026 The Atrox Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package pun

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/atrox-gateway/atrox-gateway-app-sub000/lib/config"
	"github.com/atrox-gateway/atrox-gateway-app-sub000/lib/process"
)

// Process is a running worker as seen by the supervisor.
type Process interface {
	PID() int

	// Alive reports whether the process has not exited.
	Alive() bool

	// Done is closed when the process exits. Nil for processes the
	// supervisor cannot wait on (adopted from a previous gateway).
	Done() <-chan struct{}

	// Terminate asks the process to exit (SIGTERM).
	Terminate() error

	// Kill forces the process to exit (SIGKILL).
	Kill() error
}

// LaunchSpec is what a Launcher needs to start one worker.
type LaunchSpec struct {
	Identity string

	// Endpoint is the socket path the worker must listen on. Its
	// parent directory exists when Launch is called.
	Endpoint string
}

// Launcher starts worker processes. Launch returns once the process
// has been started; readiness is the supervisor's concern.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (Process, error)
}

// ExecLauncherConfig configures NewExecLauncher.
type ExecLauncherConfig struct {
	// Command and Args form the argv. ${IDENTITY} and ${ENDPOINT} are
	// expanded in each element.
	Command string
	Args    []string

	// RunAsUser starts the process with the identity's uid, gid, and
	// supplementary groups, and hands it the socket directory.
	// Requires root.
	RunAsUser bool

	// Env is appended to the gateway's environment for the worker.
	Env []string

	// Logger receives the worker's stdout and stderr line by line,
	// and exit notifications.
	Logger *slog.Logger
}

// ExecLauncher launches workers as child processes.
type ExecLauncher struct {
	config ExecLauncherConfig
	logger *slog.Logger

	// lookupUser is replaced in tests.
	lookupUser func(name string) (*user.User, error)
}

// NewExecLauncher returns a Launcher running cfg.Command.
func NewExecLauncher(cfg ExecLauncherConfig) *ExecLauncher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &ExecLauncher{config: cfg, logger: logger, lookupUser: user.Lookup}
}

// Argv returns the expanded command line for spec.
func (l *ExecLauncher) Argv(spec LaunchSpec) []string {
	vars := map[string]string{
		"IDENTITY": spec.Identity,
		"ENDPOINT": spec.Endpoint,
	}
	argv := []string{config.Expand(l.config.Command, vars)}
	return append(argv, config.ExpandAll(l.config.Args, vars)...)
}

// Launch starts the worker in its own process group. The returned
// process is reaped by a background goroutine.
func (l *ExecLauncher) Launch(ctx context.Context, spec LaunchSpec) (Process, error) {
	argv := l.Argv(spec)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = "/"
	cmd.Env = append(os.Environ(),
		"ATROX_IDENTITY="+spec.Identity,
		"ATROX_NODE_SOCKET="+spec.Endpoint,
	)
	cmd.Env = append(cmd.Env, l.config.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if l.config.RunAsUser {
		credential, err := l.credentialFor(spec.Identity)
		if err != nil {
			return nil, err
		}
		cmd.SysProcAttr.Credential = credential
		socketDirectory := filepath.Dir(spec.Endpoint)
		if err := os.Chown(socketDirectory, int(credential.Uid), int(credential.Gid)); err != nil {
			return nil, fmt.Errorf("handing %s to %s: %w", socketDirectory, spec.Identity, err)
		}
	}

	logger := l.logger.With("identity", spec.Identity)
	cmd.Stdout = &lineLogger{logger: logger, stream: "stdout"}
	cmd.Stderr = &lineLogger{logger: logger, stream: "stderr"}
	// A worker that outlives its launch helper keeps the output pipes
	// open; do not let that hold up exit detection.
	cmd.WaitDelay = outputDrainDelay

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", argv[0], err)
	}

	proc := &execProcess{
		pid:  cmd.Process.Pid,
		done: make(chan struct{}),
	}
	go func() {
		waitError := cmd.Wait()
		logger.Info("worker process exited",
			"pid", proc.pid,
			"exit_code", process.ExitCode(waitError),
			"error", waitError,
		)
		close(proc.done)
	}()

	logger.Info("worker process started", "pid", proc.pid, "argv", argv)
	return proc, nil
}

func (l *ExecLauncher) credentialFor(identity string) (*syscall.Credential, error) {
	account, err := l.lookupUser(identity)
	if err != nil {
		return nil, fmt.Errorf("resolving account %s: %w", identity, err)
	}
	uid, err := strconv.ParseUint(account.Uid, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("account %s has non-numeric uid %q", identity, account.Uid)
	}
	gid, err := strconv.ParseUint(account.Gid, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("account %s has non-numeric gid %q", identity, account.Gid)
	}
	if uid == 0 {
		return nil, fmt.Errorf("refusing to run a worker as root for %s", identity)
	}

	credential := &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)}
	groupIDs, err := account.GroupIds()
	if err != nil {
		return nil, fmt.Errorf("listing groups of %s: %w", identity, err)
	}
	for _, groupID := range groupIDs {
		parsed, err := strconv.ParseUint(groupID, 10, 32)
		if err != nil {
			continue
		}
		credential.Groups = append(credential.Groups, uint32(parsed))
	}
	return credential, nil
}

const outputDrainDelay = time.Second

// lineLogger logs each complete line written to it.
type lineLogger struct {
	logger  *slog.Logger
	stream  string
	pending []byte
}

func (w *lineLogger) Write(data []byte) (int, error) {
	w.pending = append(w.pending, data...)
	for {
		newline := bytes.IndexByte(w.pending, '\n')
		if newline < 0 {
			break
		}
		w.logger.Info("worker output", "stream", w.stream, "line", string(w.pending[:newline]))
		w.pending = w.pending[newline+1:]
	}
	if len(w.pending) > maxPendingOutput {
		w.logger.Info("worker output", "stream", w.stream, "line", string(w.pending))
		w.pending = nil
	}
	return len(data), nil
}

const maxPendingOutput = 64 << 10

// execProcess is a child started by ExecLauncher.
type execProcess struct {
	pid  int
	done chan struct{}
}

func (p *execProcess) PID() int              { return p.pid }
func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Terminate and Kill signal the whole process group so a launch helper
// and the worker it started exit together.
func (p *execProcess) Terminate() error {
	if !p.Alive() {
		return nil
	}
	return process.SignalGroup(p.pid, syscall.SIGTERM)
}

func (p *execProcess) Kill() error {
	if !p.Alive() {
		return nil
	}
	return process.SignalGroup(p.pid, syscall.SIGKILL)
}

// adoptedProcess is a worker started by a previous gateway process.
// It is not our child, so liveness comes from signal 0 and there is no
// exit notification. The pid is only trusted while it still has the
// start time observed at adoption; once the worker exits the pid may
// name an unrelated process, which must never be signalled.
type adoptedProcess struct {
	pid       int
	startTime uint64
}

func (p *adoptedProcess) PID() int              { return p.pid }
func (p *adoptedProcess) Done() <-chan struct{} { return nil }
func (p *adoptedProcess) Alive() bool           { return process.Alive(p.pid) && p.same() }

// same reports whether pid still names the adopted worker.
func (p *adoptedProcess) same() bool {
	current, err := process.StartTime(p.pid)
	return err == nil && current == p.startTime
}

func (p *adoptedProcess) Terminate() error {
	if !p.same() {
		return nil
	}
	return process.SignalGroup(p.pid, syscall.SIGTERM)
}

func (p *adoptedProcess) Kill() error {
	if !p.same() {
		return nil
	}
	return process.SignalGroup(p.pid, syscall.SIGKILL)
}
