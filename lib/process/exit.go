// Copyright 2026 The Atrox Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
)

// Fatal writes "error: err" to stderr and exits with code 1. Use it in
// main() for errors returned by run().
func Fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

// ExitCode converts the error returned by exec.Cmd.Wait into an exit
// code: 0 for nil, the process status for *exec.ExitError, and -1 for
// anything else (the process could not be waited on).
func ExitCode(waitError error) int {
	if waitError == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(waitError, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
