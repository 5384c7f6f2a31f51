// Copyright 2026 Changkun Ou. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

// Package store defines the shared state contract used by the monitor
// scheduler and provides a Redis implementation backed by redigo and an
// in-memory implementation for single-process use and tests.
//
// Every method must be atomic on its own. Multi-step sequences built on top
// of a Store are not atomic unless the store also implements one of the
// extension interfaces (BucketStore, LockReleaser).
package store

import (
	"context"
	"errors"
	"math"
	"time"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store: closed")

// ErrNotInteger is returned by Incr/Decr when the key holds a non-integer.
var ErrNotInteger = errors.New("store: value is not an integer")

// SetOptions controls the conditional and expiry behaviour of Set.
type SetOptions struct {
	// NX only sets the key if it does not already exist.
	NX bool
	// TTL expires the key after the given duration, zero means no expiry.
	// Redis only accepts whole seconds, sub-second TTLs are rounded up.
	TTL time.Duration
}

// Limit restricts the result window of ZRangeByScore.
type Limit struct {
	Offset int
	Count  int
}

// Store is the shared key-value, sorted-set and hash store.
type Store interface {
	// Get returns the value of key and whether it exists.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set stores value at key and reports whether it was written. It only
	// returns false when NX is set and the key already exists.
	Set(ctx context.Context, key, value string, opts SetOptions) (bool, error)
	Incr(ctx context.Context, key string) (int64, error)
	Decr(ctx context.Context, key string) (int64, error)
	Del(ctx context.Context, key string) error

	// ZAdd adds member with score, or updates the score of an existing member.
	ZAdd(ctx context.Context, key string, score float64, member string) error
	// ZRangeByScore returns members with min <= score <= max in ascending
	// score order. A nil limit returns the whole range.
	ZRangeByScore(ctx context.Context, key string, min, max float64, limit *Limit) ([]string, error)
	// ZRem removes member and reports whether it was present.
	ZRem(ctx context.Context, key, member string) (bool, error)

	HSet(ctx context.Context, key, field, value string) error
	// HGetAll returns all fields of the hash at key, or an empty map.
	HGetAll(ctx context.Context, key string) (map[string]string, error)
}

// BucketStore is implemented by stores that can consume from and refund to a
// token bucket in a single atomic step.
type BucketStore interface {
	// TakeToken refills the bucket at key lazily up to capacity at
	// refillPerSec tokens per second and removes one token if at least one
	// is available. The state is persisted in both cases.
	TakeToken(ctx context.Context, key string, capacity, refillPerSec float64, now time.Time) (bool, error)
	// ReturnToken puts one token back without exceeding capacity.
	ReturnToken(ctx context.Context, key string, capacity float64, now time.Time) error
}

// LockReleaser is implemented by stores that can delete a key only while it
// still holds an expected value.
type LockReleaser interface {
	DelIfEqual(ctx context.Context, key, value string) (bool, error)
}

// Bucket is the persisted state of a token bucket.
type Bucket struct {
	Tokens       float64 `json:"tokens"`
	LastRefillMs int64   `json:"lastRefillMs"`
}

// Refill returns the bucket lazily refilled up to now.
func (b Bucket) Refill(capacity, refillPerSec float64, nowMs int64) Bucket {
	elapsed := float64(nowMs-b.LastRefillMs) / 1000
	if elapsed < 0 {
		elapsed = 0
	}
	tokens := b.Tokens + elapsed*refillPerSec
	if math.IsNaN(tokens) || tokens > capacity {
		tokens = capacity
	}
	if tokens < 0 {
		tokens = 0
	}
	return Bucket{Tokens: tokens, LastRefillMs: nowMs}
}

// FullBucket is the state of a bucket that has never been read.
func FullBucket(capacity float64, nowMs int64) Bucket {
	return Bucket{Tokens: capacity, LastRefillMs: nowMs}
}
