// Copyright 2026 The Atrox Gateway Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports build information for the gateway binaries.
// Values are injected with -ldflags, for example:
//
//	go build -ldflags "-X github.com/atrox-gateway/atrox-gateway-app-sub000/lib/version.GitCommit=$(git rev-parse --short HEAD)"
package version
