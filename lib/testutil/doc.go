// Copyright 2026 The Atrox Gateway Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers.
//
// [SocketDir] returns a short directory under /tmp for unix sockets.
// sun_path is limited to 108 bytes and t.TempDir() paths routinely
// exceed it once a per-user socket name is appended.
//
// [RequireReceive] and [RequireClosed] wrap the select-with-timeout
// pattern so tests never hang on a missing signal.
//
// [UniqueID] produces distinct identifiers (for example user names) for
// tests that share process-wide state.
package testutil
