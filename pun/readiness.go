// Copyright 2026 The Atrox Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package pun

import (
	"fmt"
	"net"
	"os"
	"time"
)

// waitReady polls until endpoint is a unix socket accepting
// connections. It fails early if processDone closes and gives up after
// timeout.
func waitReady(endpoint string, processDone <-chan struct{}, timeout, interval time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastErr error
	for {
		if lastErr = probeSocket(endpoint, interval); lastErr == nil {
			return nil
		}
		select {
		case <-processDone:
			// The socket may have been bound just before exit;
			// either way the worker is gone.
			return fmt.Errorf("process exited before %s became ready", endpoint)
		case <-deadline.C:
			return fmt.Errorf("timed out after %v waiting for %s: %w", timeout, endpoint, lastErr)
		case <-ticker.C:
		}
	}
}

// probeSocket checks that path is a socket and that a connection to it
// succeeds within timeout.
func probeSocket(path string, timeout time.Duration) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("%s is not a socket", path)
	}
	conn, err := net.DialTimeout("unix", path, timeout)
	if err != nil {
		return err
	}
	return conn.Close()
}
