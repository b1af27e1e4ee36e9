// Copyright 2026 The Atrox Gateway Authors
// SPDX-License-Identifier: Apache-2.0

// Package process holds the raw OS process primitives shared by the
// gateway binaries and the worker supervisor:
//
//   - [Fatal] reports an unrecoverable error from main() to stderr
//     before the structured logger exists, and exits.
//   - [Alive] probes a pid with signal 0. It is the only liveness check
//     available for workers that were not started by this process
//     (adopted after a gateway restart), since there is no push channel
//     for their exit.
//   - [Signal] and [SignalGroup] deliver termination signals.
//   - [ExitCode] extracts an exit status from an exec.Cmd Wait error.
package process
