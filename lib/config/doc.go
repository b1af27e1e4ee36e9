// Copyright 2026 The Atrox Gateway Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the gateway configuration.
//
// Configuration comes from exactly one file, named by the ATROX_CONFIG
// environment variable ([Load]) or a --config flag ([LoadFile]). There
// is no search path and environment variables never override values in
// the file; the file is the audit record of how the gateway runs.
//
// YAML is the native format. Files ending in .json or .jsonc are
// accepted too: comments and trailing commas are stripped and the
// result goes through the same decoder, so field names are identical.
//
// A file may carry development, staging, and production sections. The
// section matching [Config].Environment is decoded over the base values
// after the file is loaded, so it only needs the keys it changes.
//
// ${HOME}, ${ATROX_RUN_DIR}, ${ATROX_STATE_DIR}, and ${VAR:-default}
// are expanded in path fields. Launcher arguments and proxy commands
// are left unexpanded here; their ${IDENTITY}, ${ENDPOINT}, and
// ${CANDIDATE} placeholders are filled per call with [Expand].
package config
