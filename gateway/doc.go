// Copyright 2026 The Atrox Gateway Authors
// SPDX-License-Identifier: Apache-2.0

// Package gateway is the HTTP surface of the per-user node gateway.
//
// The public API sits behind an authenticating front proxy that sets
// the user's account name in a header:
//
//	POST   /api/session   start (or reuse) the user's worker, publish routes
//	DELETE /api/session   stop the user's worker, publish routes
//	       /node/...      relay to the user's worker with /node stripped
//	GET    /health
//
// The admin API is served on a separate unix socket for operators:
//
//	GET    /v1/admin/workers
//	DELETE /v1/admin/workers/{identity}
//	POST   /v1/admin/routes/publish
//	GET    /v1/admin/events?identity=&limit=
//	GET    /health
//
// Core errors map to statuses in one place (statusFor). Response
// bodies never carry worker or launcher output; details go to the log.
package gateway
