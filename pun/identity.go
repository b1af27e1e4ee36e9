// Copyright 2026 The Atrox Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package pun

import (
	"fmt"
	"regexp"
)

// MaxIdentityLength bounds identities so socket paths stay well under
// the 108-byte sun_path limit.
const MaxIdentityLength = 32

// POSIX portable user names, minus a leading hyphen or dot.
var identityPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.-]*$`)

// ValidateIdentity checks that identity is a plausible account name.
// Identities appear in file paths, process arguments, and the proxy
// configuration, so anything outside the portable user name character
// set is rejected.
func ValidateIdentity(identity string) error {
	if identity == "" {
		return fmt.Errorf("%w: empty", ErrInvalidIdentity)
	}
	if len(identity) > MaxIdentityLength {
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidIdentity, MaxIdentityLength)
	}
	if !identityPattern.MatchString(identity) {
		return fmt.Errorf("%w: %q", ErrInvalidIdentity, identity)
	}
	return nil
}
