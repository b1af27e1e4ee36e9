// Copyright 2026 The Atrox Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"fmt"
	"sync/atomic"
)

var uniqueCounter atomic.Uint64

// UniqueID returns "prefix" followed by a process-wide increasing
// number, e.g. "user7". The result is a valid account name when prefix
// is one.
func UniqueID(prefix string) string {
	return fmt.Sprintf("%s%d", prefix, uniqueCounter.Add(1))
}
