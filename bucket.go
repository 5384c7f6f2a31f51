// Copyright 2026 Changkun Ou. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

package monsched

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/changkun/monsched/store"
)

// takeToken consumes one token from the bucket at key. Stores that
// implement store.BucketStore do it in one atomic step, the others fall back
// to read-modify-write, where two concurrent consumers of the same bucket
// may both see the last token.
func (s *Scheduler) takeToken(ctx context.Context, key string, capacity, rate float64, now time.Time) (bool, error) {
	if bs, ok := s.store.(store.BucketStore); ok {
		ok, err := bs.TakeToken(ctx, key, capacity, rate, now)
		if !errors.Is(err, store.ErrUnsupported) {
			return ok, err
		}
	}
	return consumeToken(ctx, s.store, key, capacity, rate, now)
}

// returnToken undoes a takeToken.
func (s *Scheduler) returnToken(ctx context.Context, key string, capacity float64, now time.Time) error {
	if bs, ok := s.store.(store.BucketStore); ok {
		err := bs.ReturnToken(ctx, key, capacity, now)
		if !errors.Is(err, store.ErrUnsupported) {
			return err
		}
	}
	return refundToken(ctx, s.store, key, capacity, now)
}

func consumeToken(ctx context.Context, st store.Store, key string, capacity, rate float64, now time.Time) (bool, error) {
	b, err := loadBucket(ctx, st, key, capacity, now)
	if err != nil {
		return false, err
	}
	b = b.Refill(capacity, rate, now.UnixMilli())
	ok := b.Tokens >= 1
	if ok {
		b.Tokens--
	}
	return ok, saveBucket(ctx, st, key, b)
}

func refundToken(ctx context.Context, st store.Store, key string, capacity float64, now time.Time) error {
	b, err := loadBucket(ctx, st, key, capacity, now)
	if err != nil {
		return err
	}
	b.Tokens = math.Min(capacity, b.Tokens+1)
	return saveBucket(ctx, st, key, b)
}

// loadBucket reads the bucket at key. An absent or unreadable bucket is full.
func loadBucket(ctx context.Context, st store.Store, key string, capacity float64, now time.Time) (store.Bucket, error) {
	raw, ok, err := st.Get(ctx, key)
	if err != nil {
		return store.Bucket{}, fmt.Errorf("load bucket %s: %w", key, err)
	}
	b := store.FullBucket(capacity, now.UnixMilli())
	if ok {
		var stored store.Bucket
		if err := json.Unmarshal([]byte(raw), &stored); err == nil {
			b = stored
		}
	}
	return b, nil
}

func saveBucket(ctx context.Context, st store.Store, key string, b store.Bucket) error {
	data, err := json.Marshal(b)
	if err != nil {
		return err
	}
	if _, err := st.Set(ctx, key, string(data), store.SetOptions{}); err != nil {
		return fmt.Errorf("save bucket %s: %w", key, err)
	}
	return nil
}

// refillRate returns tokens per second of a bucket that refills capacity
// every period seconds. A non-positive period refills the whole bucket
// every second.
func refillRate(capacity, period float64) float64 {
	if period <= 0 {
		return capacity
	}
	return capacity / period
}
