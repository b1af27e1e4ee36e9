// Copyright 2026 The Atrox Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package routing

import "fmt"

// InvalidConfigError reports a candidate bundle rejected by the proxy's
// validator. The live configuration was not touched.
type InvalidConfigError struct {
	// Output is the validator's combined output.
	Output string
	Err    error
}

func (e *InvalidConfigError) Error() string {
	return fmt.Sprintf("proxy rejected candidate configuration: %v", e.Err)
}

func (e *InvalidConfigError) Unwrap() error { return e.Err }

// ReloadError reports a failed proxy reload. The new configuration is
// installed and a later Publish retries the reload.
type ReloadError struct {
	Err error
}

func (e *ReloadError) Error() string {
	return fmt.Sprintf("reloading proxy: %v", e.Err)
}

func (e *ReloadError) Unwrap() error { return e.Err }
