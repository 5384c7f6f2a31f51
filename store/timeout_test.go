// Copyright 2026 Changkun Ou. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

package store_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/changkun/monsched/store"
)

var errFlaky = errors.New("connection reset by peer")

// flaky fails the first n calls of Get and Incr and blocks HGetAll until
// its context ends.
type flaky struct {
	store.Store
	failures atomic.Int64
	calls    atomic.Int64
}

func (f *flaky) fail() error {
	f.calls.Add(1)
	if f.failures.Add(-1) >= 0 {
		return errFlaky
	}
	return nil
}

func (f *flaky) Get(ctx context.Context, key string) (string, bool, error) {
	if err := f.fail(); err != nil {
		return "", false, err
	}
	return f.Store.Get(ctx, key)
}

func (f *flaky) Incr(ctx context.Context, key string) (int64, error) {
	if err := f.fail(); err != nil {
		return 0, err
	}
	return f.Store.Incr(ctx, key)
}

func (f *flaky) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	f.calls.Add(1)
	<-ctx.Done()
	return nil, ctx.Err()
}

func newFlaky(failures int64) *flaky {
	f := &flaky{Store: store.NewMemory(nil)}
	f.failures.Store(failures)
	return f
}

func TestBoundedRetriesIdempotentCalls(t *testing.T) {
	f := newFlaky(2)
	b := store.WithTimeouts(f, store.TimeoutOptions{Retries: 2, Backoff: time.Millisecond})
	ctx := context.Background()
	_, err := f.Store.Set(ctx, "k", "v", store.SetOptions{})
	require.NoError(t, err)

	v, ok, err := b.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", v)
	assert.Equal(t, int64(3), f.calls.Load())
}

func TestBoundedGivesUpAfterRetries(t *testing.T) {
	f := newFlaky(10)
	b := store.WithTimeouts(f, store.TimeoutOptions{Retries: 2, Backoff: time.Millisecond})

	_, _, err := b.Get(context.Background(), "k")
	assert.ErrorIs(t, err, errFlaky)
	assert.Equal(t, int64(3), f.calls.Load())
}

func TestBoundedDoesNotRetryIncr(t *testing.T) {
	f := newFlaky(1)
	b := store.WithTimeouts(f, store.TimeoutOptions{Retries: 3, Backoff: time.Millisecond})

	_, err := b.Incr(context.Background(), "c")
	assert.ErrorIs(t, err, errFlaky)
	assert.Equal(t, int64(1), f.calls.Load())
	n, err := b.Incr(context.Background(), "c")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "the failed call left no trace")
}

func TestBoundedTimeout(t *testing.T) {
	f := newFlaky(0)
	b := store.WithTimeouts(f, store.TimeoutOptions{Timeout: 10 * time.Millisecond})

	start := time.Now()
	_, err := b.HGetAll(context.Background(), "h")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, int64(1), f.calls.Load())
}

func TestBoundedStopsRetryingOnCancel(t *testing.T) {
	f := newFlaky(10)
	b := store.WithTimeouts(f, store.TimeoutOptions{Retries: 5, Backoff: time.Hour})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, _, err := b.Get(ctx, "k")
	assert.ErrorIs(t, err, errFlaky)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int64(1), f.calls.Load())
}

func TestBoundedDoesNotRetryClosed(t *testing.T) {
	m := store.NewMemory(nil)
	require.NoError(t, m.Close())
	b := store.WithTimeouts(m, store.TimeoutOptions{Retries: 5, Backoff: time.Hour})

	_, _, err := b.Get(context.Background(), "k")
	assert.ErrorIs(t, err, store.ErrClosed)
}

func TestBoundedExtensions(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	plain := store.WithTimeouts(struct{ store.Store }{store.NewMemory(nil)}, store.TimeoutOptions{})

	_, err := plain.TakeToken(ctx, "b", 1, 1, now)
	assert.ErrorIs(t, err, store.ErrUnsupported)
	assert.ErrorIs(t, plain.ReturnToken(ctx, "b", 1, now), store.ErrUnsupported)
	_, err = plain.DelIfEqual(ctx, "k", "v")
	assert.ErrorIs(t, err, store.ErrUnsupported)

	m := store.NewMemory(nil)
	full := store.WithTimeouts(m, store.TimeoutOptions{})
	ok, err := full.TakeToken(ctx, "b", 1, 1, now)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Same(t, m, full.Unwrap())
}
