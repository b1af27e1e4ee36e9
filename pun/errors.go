// Copyright 2026 The Atrox Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package pun

import (
	"errors"
	"fmt"
)

// ErrAlreadyPresent is returned by Registry.Insert when the identity
// already has a handle in any state.
var ErrAlreadyPresent = errors.New("pun: worker already present")

// ErrNotFound is returned by registry mutations on a missing identity.
var ErrNotFound = errors.New("pun: worker not found")

// ErrInvalidIdentity is returned for identities that cannot safely be
// used as a path component and a proxy configuration token.
var ErrInvalidIdentity = errors.New("pun: invalid identity")

// SpawnError reports a failed worker start. The start is not retried;
// the next Ensure for the identity makes a fresh attempt.
type SpawnError struct {
	Identity string
	Reason   string
	Err      error
}

func (e *SpawnError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("spawning worker for %s: %s: %v", e.Identity, e.Reason, e.Err)
	}
	return fmt.Sprintf("spawning worker for %s: %s", e.Identity, e.Reason)
}

func (e *SpawnError) Unwrap() error { return e.Err }
