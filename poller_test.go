// Copyright 2026 Changkun Ou. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

package monsched

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/changkun/monsched/internal/schedtest"
	"github.com/changkun/monsched/leaktest"
)

func TestTickClaimsOnce(t *testing.T) {
	e := newEnv(t, testTable())
	other := newEnvScheduler(e, e.st)
	e.seed(t, "m1", schedtest.Payload("m1", "u1", []string{"ebay"}, nil))

	var (
		wg      sync.WaitGroup
		claimed atomic.Int64
	)
	for _, s := range []*Scheduler{e.s, other, e.s, other} {
		wg.Add(1)
		go func(s *Scheduler) {
			defer wg.Done()
			n, err := s.Tick(context.Background())
			assert.NoError(t, err)
			claimed.Add(int64(n))
		}(s)
	}
	wg.Wait()
	e.s.Wait()
	other.Wait()

	assert.Equal(t, int64(1), claimed.Load())
	assert.Len(t, e.hooks.started(StatusPending), 1)
}

func TestConcurrentZRemClaimsOnce(t *testing.T) {
	e := newEnv(t, testTable())
	ctx := context.Background()
	require.NoError(t, e.st.ZAdd(ctx, e.s.keys.dueQueue(), 1, "m1"))

	var (
		wg   sync.WaitGroup
		wins atomic.Int64
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := e.st.ZRem(ctx, e.s.keys.dueQueue(), "m1")
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1), wins.Load())
}

func TestTickSkipsFutureMonitors(t *testing.T) {
	e := newEnv(t, testTable())
	e.seed(t, "m1", schedtest.Payload("m1", "u1", []string{"ebay"}, nil))
	require.NoError(t, e.st.ZAdd(context.Background(), e.s.keys.dueQueue(), float64(e.clock.Now().Add(time.Millisecond).UnixMilli()), "m1"))

	assert.Equal(t, 0, e.tick(t))
	e.clock.Advance(time.Millisecond)
	assert.Equal(t, 1, e.tick(t), "due exactly at now")
}

func TestTickBatchSize(t *testing.T) {
	e := newEnv(t, testTable(), WithBatchSize(2))
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("m%d", i)
		e.seed(t, id, schedtest.Payload(id, "user-"+id, []string{"ebay"}, nil))
	}
	assert.Equal(t, 2, e.tick(t))
	assert.Equal(t, 1, e.tick(t))
	assert.Equal(t, 0, e.tick(t))
	assert.Len(t, e.hooks.started(StatusPending), 3)
}

func TestTickMalformedPayload(t *testing.T) {
	payloads := map[string]map[string]string{
		"missing user":     schedtest.Payload("m1", "u1", []string{"ebay"}, map[string]string{"userId": ""}),
		"zero interval":    schedtest.Payload("m1", "u1", []string{"ebay"}, map[string]string{"refreshIntervalSec": "0"}),
		"no marketplaces":  schedtest.Payload("m1", "u1", nil, nil),
		"missing job hash": nil,
	}
	for name, fields := range payloads {
		t.Run(name+"/drop", func(t *testing.T) {
			e := newEnv(t, testTable())
			e.seed(t, "m1", fields)
			require.Equal(t, 1, e.tick(t))
			_, ok := e.dueAt("m1")
			assert.False(t, ok)
			assert.Empty(t, e.hooks.started(StatusPending))
		})
		t.Run(name+"/backoff", func(t *testing.T) {
			e := newEnv(t, testTable(), WithMalformedPolicy(MalformedBackoff))
			e.seed(t, "m1", fields)
			require.Equal(t, 1, e.tick(t))
			due, ok := e.dueAt("m1")
			require.True(t, ok)
			assert.Equal(t, e.clock.Now().Add(30*time.Second).UnixMilli(), due)
			assert.Empty(t, e.hooks.started(StatusPending))
		})
	}
}

func TestTickRequeuesOnStoreError(t *testing.T) {
	e := newEnv(t, testTable())
	e.s = newEnvScheduler(e, &failingStore{Memory: e.st, failKey: e.s.keys.monitorLock("m1"), err: errors.New("i/o timeout")})
	e.seed(t, "m1", schedtest.Payload("m1", "u1", []string{"ebay"}, nil))

	n, err := e.s.Tick(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, n)
	due, ok := e.dueAt("m1")
	require.True(t, ok, "monitor must not fall out of the queue")
	assert.Equal(t, e.clock.Now().Add(30*time.Second).UnixMilli(), due)
}

func TestPollDelay(t *testing.T) {
	for _, tt := range []struct {
		r    float64
		want time.Duration
	}{
		{0, 10 * time.Second},
		{0.5, 20 * time.Second},
		{0.25, 15 * time.Second},
	} {
		s := New(nil, nil, WithRand(schedtest.Rand(tt.r)))
		assert.Equal(t, tt.want, s.pollDelay())
	}

	s := New(nil, nil, WithPollInterval(2*time.Second, time.Second), WithRand(schedtest.Rand(0)))
	assert.Equal(t, time.Second, s.pollDelay(), "swapped bounds")
}

func TestRunPollsUntilCancelled(t *testing.T) {
	defer leaktest.Check(t)()

	e := newEnv(t, testTable(), WithPollInterval(time.Millisecond, 2*time.Millisecond))
	e.seed(t, "m1", schedtest.Payload("m1", "u1", []string{"ebay", "etsy"}, nil))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.s.Run(ctx) }()

	assert.Eventually(t, func() bool {
		return len(e.hooks.started(StatusPending)) == 2
	}, 5*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}
