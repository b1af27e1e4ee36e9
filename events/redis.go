// Copyright 2026 The Atrox Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultStream is the stream RedisSink appends to when none is set.
const DefaultStream = "atrox.pun.events"

// DefaultMaxLen caps the stream with approximate trimming.
const DefaultMaxLen = 100000

// RedisSink appends events to a Redis stream. Each entry has a single
// "data" field holding the JSON-encoded Event.
type RedisSink struct {
	client *redis.Client
	stream string
	maxLen int64
}

// RedisConfig configures NewRedisSink.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	// Stream defaults to DefaultStream.
	Stream string

	// MaxLen defaults to DefaultMaxLen. Negative disables trimming.
	MaxLen int64
}

// NewRedisSink connects to Redis and verifies the connection with a
// PING bounded by ctx.
func NewRedisSink(ctx context.Context, cfg RedisConfig) (*RedisSink, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Addr, err)
	}
	return newRedisSink(client, cfg), nil
}

func newRedisSink(client *redis.Client, cfg RedisConfig) *RedisSink {
	stream := cfg.Stream
	if stream == "" {
		stream = DefaultStream
	}
	maxLen := cfg.MaxLen
	switch {
	case maxLen == 0:
		maxLen = DefaultMaxLen
	case maxLen < 0:
		maxLen = 0
	}
	return &RedisSink{client: client, stream: stream, maxLen: maxLen}
}

// Record appends event to the stream.
func (s *RedisSink) Record(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	err = s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: s.maxLen > 0,
		Values: map[string]interface{}{
			"data": string(data),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("appending %s event to %s: %w", event.Kind, s.stream, err)
	}
	return nil
}

// Close closes the Redis client.
func (s *RedisSink) Close() error {
	return s.client.Close()
}
