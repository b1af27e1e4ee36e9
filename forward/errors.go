// Copyright 2026 The Atrox Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package forward

import (
	"errors"
	"fmt"
)

// ErrWorkerUnavailable means the identity has no running worker.
var ErrWorkerUnavailable = errors.New("forward: no running worker")

// ErrGatewayTimeout means the worker did not finish the exchange within
// the response timeout.
var ErrGatewayTimeout = errors.New("forward: worker timed out")

// BadGatewayError means the worker could not be reached or broke the
// exchange.
type BadGatewayError struct {
	Identity string
	Endpoint string
	Err      error
}

func (e *BadGatewayError) Error() string {
	return fmt.Sprintf("forward: worker for %s at %s: %v", e.Identity, e.Endpoint, e.Err)
}

func (e *BadGatewayError) Unwrap() error { return e.Err }

// dialError marks failures to connect, as opposed to failures after
// the connection was established.
type dialError struct {
	err error
}

func (e *dialError) Error() string { return "dial: " + e.err.Error() }
func (e *dialError) Unwrap() error { return e.err }
