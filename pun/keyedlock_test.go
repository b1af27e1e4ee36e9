// Copyright 2026 The Atrox Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package pun

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestKeyedLockSerializesOneKey(t *testing.T) {
	locks := newKeyedLock()
	unlock, err := locks.Lock(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		second, err := locks.Lock(context.Background(), "alice")
		if err != nil {
			t.Errorf("second Lock: %v", err)
			return
		}
		close(acquired)
		second()
	}()

	select {
	case <-acquired:
		t.Fatal("second Lock acquired while the first was held")
	case <-time.After(20 * time.Millisecond):
	}
	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second Lock never acquired after unlock")
	}
}

func TestKeyedLockKeysAreIndependent(t *testing.T) {
	locks := newKeyedLock()
	unlockAlice, err := locks.Lock(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Lock(alice): %v", err)
	}
	defer unlockAlice()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	unlockBob, err := locks.Lock(ctx, "bob")
	if err != nil {
		t.Fatalf("Lock(bob) blocked behind alice: %v", err)
	}
	unlockBob()
}

func TestKeyedLockContextAndCleanup(t *testing.T) {
	locks := newKeyedLock()
	unlock, _ := locks.Lock(context.Background(), "alice")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := locks.Lock(ctx, "alice"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Lock = %v, want deadline exceeded", err)
	}
	unlock()

	locks.mu.Lock()
	remaining := len(locks.locks)
	locks.mu.Unlock()
	if remaining != 0 {
		t.Errorf("%d lock entries leaked", remaining)
	}
}
