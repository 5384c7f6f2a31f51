// Copyright 2026 Changkun Ou. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

package monsched

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/changkun/monsched/store"
)

func TestCompleteRunReturnsSlots(t *testing.T) {
	for _, status := range []Status{StatusCompleted, StatusFailed} {
		t.Run(string(status), func(t *testing.T) {
			e := newEnv(t, testTable())
			ctx := context.Background()
			m := testMonitor("m1", "u1")

			run, err := e.s.gate(ctx, m, "ebay")
			require.NoError(t, err)
			assert.Equal(t, int64(1), e.counter(t, e.s.keys.user("u1")))
			assert.Equal(t, int64(1), e.counter(t, e.s.keys.marketplace("ebay")))
			assert.True(t, e.exists(t, e.s.keys.runLock("m1", "ebay")))

			run.Status = status
			require.NoError(t, e.s.CompleteRun(ctx, run))
			assertReleased(t, e, m, "ebay")

			updated := e.hooks.updated()
			require.Len(t, updated, 1)
			assert.Equal(t, run.ID, updated[0].ID)
			assert.Equal(t, status, updated[0].Status)
		})
	}
}

func TestCompleteRunThrottledKeepsCounters(t *testing.T) {
	for _, status := range []Status{StatusThrottled, StatusSkipped} {
		t.Run(string(status), func(t *testing.T) {
			e := newEnv(t, testTable())
			ctx := context.Background()
			for _, key := range []string{e.s.keys.user("u1"), e.s.keys.marketplace("ebay")} {
				_, err := e.st.Set(ctx, key, "1", store.SetOptions{})
				require.NoError(t, err)
			}

			run := &Run{MonitorID: "m1", UserID: "u1", Site: "ebay", Status: status, ThrottleReason: ReasonRunLock}
			require.NoError(t, e.s.CompleteRun(ctx, run))
			assert.Equal(t, int64(1), e.counter(t, e.s.keys.user("u1")))
			assert.Equal(t, int64(1), e.counter(t, e.s.keys.marketplace("ebay")))
			assert.Len(t, e.hooks.updated(), 1)
		})
	}
}

func TestCompleteRunResetsNegativeCounter(t *testing.T) {
	e := newEnv(t, testTable())
	var (
		mu    sync.Mutex
		warns int
	)
	e.s.SetLogger(func(_, _ string, level Level) {
		mu.Lock()
		defer mu.Unlock()
		if level == LevelWarn {
			warns++
		}
	})

	run := &Run{MonitorID: "m1", UserID: "u1", Site: "ebay", Status: StatusCompleted}
	require.NoError(t, e.s.CompleteRun(context.Background(), run))
	for _, key := range []string{e.s.keys.user("u1"), e.s.keys.marketplace("ebay")} {
		assert.True(t, e.exists(t, key))
		assert.Equal(t, int64(0), e.counter(t, key))
	}
	mu.Lock()
	assert.Equal(t, 2, warns)
	mu.Unlock()
}

func TestCompleteRunErrors(t *testing.T) {
	e := newEnv(t, testTable())
	ctx := context.Background()
	assert.Error(t, e.s.CompleteRun(ctx, nil))

	hookErr := errors.New("queue full")
	e.s.SetHooks(Hooks{OnJobUpdate: func(context.Context, *Run) error { return hookErr }})
	err := e.s.CompleteRun(ctx, &Run{MonitorID: "m1", UserID: "u1", Site: "ebay", Status: StatusFailed})
	assert.ErrorIs(t, err, hookErr)

	_, err = e.st.Set(ctx, e.s.keys.user("u2"), "many", store.SetOptions{})
	require.NoError(t, err)
	e.s.SetHooks(Hooks{})
	err = e.s.CompleteRun(ctx, &Run{MonitorID: "m2", UserID: "u2", Site: "ebay", Status: StatusCompleted})
	assert.ErrorIs(t, err, store.ErrNotInteger)
	assert.Equal(t, int64(0), e.counter(t, e.s.keys.marketplace("ebay")), "other counter still returned")
}
