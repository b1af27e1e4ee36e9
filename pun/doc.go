// Copyright 2026 The Atrox Gateway Authors
// SPDX-License-Identifier: Apache-2.0

// Package pun manages per-user node (PUN) worker processes.
//
// Every authenticated user is served by one worker running under the
// user's account and speaking HTTP on a unix socket. The [Registry]
// maps identities to [Handle]s; the [Supervisor] is its only writer and
// owns the worker processes: it spawns them on demand ([Supervisor.Ensure]),
// reclaims ones that died, and stops them ([Supervisor.Stop]).
//
// Socket paths are derived from the identity and a per-identity
// generation counter:
//
//	<run_dir>/pun/<identity>/node-<generation>.sock
//
// so a respawned worker never reuses its predecessor's path and the
// routing configuration always changes when a worker is replaced.
//
// The supervisor persists live workers to a CBOR state file after
// every change. A restarted gateway calls [Supervisor.Adopt] to pick
// up workers that survived it instead of orphaning them.
//
// [Reaper] optionally stops workers that have been idle longer than a
// configured timeout.
package pun
