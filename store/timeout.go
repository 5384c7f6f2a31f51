// Copyright 2026 Changkun Ou. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

package store

import (
	"context"
	"errors"
	"time"
)

// TimeoutOptions bound every call made through WithTimeouts.
type TimeoutOptions struct {
	// Timeout is applied to each attempt, zero disables it.
	Timeout time.Duration
	// Retries is the number of extra attempts for idempotent calls.
	Retries int
	// Backoff is the pause before the first retry, doubled per attempt.
	Backoff time.Duration
}

// Bounded wraps a Store so that no call blocks longer than the configured
// timeout. Idempotent calls (reads, DEL, ZADD, HSET) are retried; calls whose
// effect can not be repeated safely (INCR, DECR, SET, ZREM) are attempted once.
type Bounded struct {
	next Store
	opts TimeoutOptions
}

// WithTimeouts decorates s. Extension interfaces of s stay reachable through
// the returned value.
func WithTimeouts(s Store, opts TimeoutOptions) *Bounded {
	return &Bounded{next: s, opts: opts}
}

// Unwrap returns the decorated store.
func (b *Bounded) Unwrap() Store {
	return b.next
}

func (b *Bounded) attempt(ctx context.Context, retry bool, fn func(ctx context.Context) error) error {
	attempts := 1
	if retry {
		attempts += b.opts.Retries
	}
	wait := b.opts.Backoff
	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return errors.Join(err, ctx.Err())
			case <-time.After(wait):
			}
			wait *= 2
		}
		callCtx, cancel := ctx, context.CancelFunc(func() {})
		if b.opts.Timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, b.opts.Timeout)
		}
		err = fn(callCtx)
		cancel()
		if err == nil || errors.Is(err, ErrClosed) || errors.Is(err, ErrNotInteger) {
			return err
		}
	}
	return err
}

// Get implements Store.
func (b *Bounded) Get(ctx context.Context, key string) (v string, ok bool, err error) {
	err = b.attempt(ctx, true, func(ctx context.Context) error {
		v, ok, err = b.next.Get(ctx, key)
		return err
	})
	return
}

// Set implements Store.
func (b *Bounded) Set(ctx context.Context, key, value string, opts SetOptions) (ok bool, err error) {
	err = b.attempt(ctx, false, func(ctx context.Context) error {
		ok, err = b.next.Set(ctx, key, value, opts)
		return err
	})
	return
}

// Incr implements Store.
func (b *Bounded) Incr(ctx context.Context, key string) (n int64, err error) {
	err = b.attempt(ctx, false, func(ctx context.Context) error {
		n, err = b.next.Incr(ctx, key)
		return err
	})
	return
}

// Decr implements Store.
func (b *Bounded) Decr(ctx context.Context, key string) (n int64, err error) {
	err = b.attempt(ctx, false, func(ctx context.Context) error {
		n, err = b.next.Decr(ctx, key)
		return err
	})
	return
}

// Del implements Store.
func (b *Bounded) Del(ctx context.Context, key string) error {
	return b.attempt(ctx, true, func(ctx context.Context) error {
		return b.next.Del(ctx, key)
	})
}

// ZAdd implements Store.
func (b *Bounded) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return b.attempt(ctx, true, func(ctx context.Context) error {
		return b.next.ZAdd(ctx, key, score, member)
	})
}

// ZRangeByScore implements Store.
func (b *Bounded) ZRangeByScore(ctx context.Context, key string, min, max float64, limit *Limit) (out []string, err error) {
	err = b.attempt(ctx, true, func(ctx context.Context) error {
		out, err = b.next.ZRangeByScore(ctx, key, min, max, limit)
		return err
	})
	return
}

// ZRem implements Store.
func (b *Bounded) ZRem(ctx context.Context, key, member string) (ok bool, err error) {
	err = b.attempt(ctx, false, func(ctx context.Context) error {
		ok, err = b.next.ZRem(ctx, key, member)
		return err
	})
	return
}

// HSet implements Store.
func (b *Bounded) HSet(ctx context.Context, key, field, value string) error {
	return b.attempt(ctx, true, func(ctx context.Context) error {
		return b.next.HSet(ctx, key, field, value)
	})
}

// HGetAll implements Store.
func (b *Bounded) HGetAll(ctx context.Context, key string) (out map[string]string, err error) {
	err = b.attempt(ctx, true, func(ctx context.Context) error {
		out, err = b.next.HGetAll(ctx, key)
		return err
	})
	return
}

// TakeToken forwards to the decorated store. It returns
// ErrUnsupported when the store has no atomic bucket support.
func (b *Bounded) TakeToken(ctx context.Context, key string, capacity, refillPerSec float64, now time.Time) (ok bool, err error) {
	bs, supported := b.next.(BucketStore)
	if !supported {
		return false, ErrUnsupported
	}
	err = b.attempt(ctx, false, func(ctx context.Context) error {
		ok, err = bs.TakeToken(ctx, key, capacity, refillPerSec, now)
		return err
	})
	return
}

// ReturnToken forwards to the decorated store.
func (b *Bounded) ReturnToken(ctx context.Context, key string, capacity float64, now time.Time) error {
	bs, supported := b.next.(BucketStore)
	if !supported {
		return ErrUnsupported
	}
	return b.attempt(ctx, false, func(ctx context.Context) error {
		return bs.ReturnToken(ctx, key, capacity, now)
	})
}

// DelIfEqual forwards to the decorated store.
func (b *Bounded) DelIfEqual(ctx context.Context, key, value string) (ok bool, err error) {
	lr, supported := b.next.(LockReleaser)
	if !supported {
		return false, ErrUnsupported
	}
	err = b.attempt(ctx, true, func(ctx context.Context) error {
		ok, err = lr.DelIfEqual(ctx, key, value)
		return err
	})
	return
}

// ErrUnsupported is returned by Bounded when the decorated store lacks an
// extension interface.
var ErrUnsupported = errors.New("store: operation not supported")
