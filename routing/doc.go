// Copyright 2026 The Atrox Gateway Authors
// SPDX-License-Identifier: Apache-2.0

// Package routing keeps the reverse proxy's view of live workers in
// sync with the worker registry.
//
// A [Publisher] turns a registry snapshot into an nginx configuration
// bundle: one upstream-<identity>.conf per worker and a routes.conf
// holding the map from authenticated user to upstream. The bundle is
// staged outside the live tree, checked by the [ProxyController], and
// installed as a whole:
//
//	<config_dir>/
//	    generations/<blake3>/routes.conf
//	    generations/<blake3>/upstream-alice.conf
//	    live -> generations/<blake3>
//
// The proxy includes <config_dir>/live/*.conf. Swapping the live
// symlink is a single rename, so the proxy never sees a routes.conf
// referring to an upstream whose definition is missing. A bundle that
// fails validation never becomes live.
package routing
