// Copyright 2026 The Atrox Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atrox-gateway/atrox-gateway-app-sub000/lib/testutil"
)

// Needs a disposable Redis server; set ATROX_TEST_REDIS_ADDR to run.
func TestRedisSinkAppendsToStream(t *testing.T) {
	addr := os.Getenv("ATROX_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("ATROX_TEST_REDIS_ADDR not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stream := testutil.UniqueID("atrox.test.events.")
	sink, err := NewRedisSink(ctx, RedisConfig{Addr: addr, Stream: stream})
	if err != nil {
		t.Fatalf("NewRedisSink: %v", err)
	}
	t.Cleanup(func() {
		sink.client.Del(context.Background(), stream)
		sink.Close()
	})

	event := New(KindSpawned, "alice", time.Now())
	event.PID = 99
	if err := sink.Record(ctx, event); err != nil {
		t.Fatalf("Record: %v", err)
	}

	entries, err := sink.client.XRange(ctx, stream, "-", "+").Result()
	if err != nil {
		t.Fatalf("XRANGE: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("stream has %d entries, want 1", len(entries))
	}
	data, ok := entries[0].Values["data"].(string)
	if !ok {
		t.Fatalf("entry values = %v", entries[0].Values)
	}
	var decoded Event
	if err := json.Unmarshal([]byte(data), &decoded); err != nil {
		t.Fatalf("decoding entry: %v", err)
	}
	if decoded.ID != event.ID || decoded.PID != 99 || decoded.Kind != KindSpawned {
		t.Errorf("decoded = %+v", decoded)
	}
}

func TestRedisSinkDefaults(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()

	sink := newRedisSink(client, RedisConfig{})
	if sink.stream != DefaultStream || sink.maxLen != DefaultMaxLen {
		t.Errorf("defaults = %q, %d", sink.stream, sink.maxLen)
	}
	unbounded := newRedisSink(client, RedisConfig{Stream: "s", MaxLen: -1})
	if unbounded.maxLen != 0 {
		t.Errorf("MaxLen -1 gave %d, want 0 (no trimming)", unbounded.maxLen)
	}
}
