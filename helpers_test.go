// Copyright 2026 Changkun Ou. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

package monsched

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/changkun/monsched/internal/schedtest"
	"github.com/changkun/monsched/policy"
	"github.com/changkun/monsched/store"
)

// env is a scheduler over an in-memory store driven by a fake clock.
type env struct {
	s     *Scheduler
	st    *store.Memory
	clock *schedtest.Clock
	audit *schedtest.AuditLog
	hooks *hookRecorder
	src   *policy.Static
}

func testTable() policy.Table {
	return policy.Table{
		Tiers: map[string]policy.Tier{
			policy.DefaultTier: {MaxConcurrencyUser: 2, DefaultIntervalSec: 3600},
		},
		Marketplaces: map[string]policy.Marketplace{
			policy.DefaultMarketplace: {MaxConcurrencyGlobal: 20, MinSpacingMs: 1},
		},
		BoostIntervalSec: policy.DefaultBoostIntervalSec,
	}
}

func newEnv(t *testing.T, table policy.Table, opts ...Option) *env {
	t.Helper()
	clock := schedtest.NewClock()
	st := store.NewMemory(clock.Now)
	src, err := policy.NewStatic(table)
	require.NoError(t, err)
	e := &env{
		st:    st,
		clock: clock,
		audit: &schedtest.AuditLog{},
		hooks: &hookRecorder{},
		src:   src,
	}
	e.s = newEnvScheduler(e, st, opts...)
	return e
}

func newEnvScheduler(e *env, st store.Store, opts ...Option) *Scheduler {
	base := []Option{
		WithClock(e.clock.Now),
		WithRand(schedtest.Rand(0.5)),
		WithAudit(e.audit),
		WithHooks(e.hooks.Hooks()),
	}
	return New(st, e.src, append(base, opts...)...)
}

// seed stores a monitor payload and makes it due now.
func (e *env) seed(t *testing.T, id string, fields map[string]string) {
	t.Helper()
	ctx := context.Background()
	for k, v := range fields {
		require.NoError(t, e.st.HSet(ctx, e.s.keys.job(id), k, v))
	}
	require.NoError(t, e.st.ZAdd(ctx, e.s.keys.dueQueue(), float64(e.clock.Now().UnixMilli()), id))
}

// tick runs one poll and waits for the admission passes it started.
func (e *env) tick(t *testing.T) int {
	t.Helper()
	n, err := e.s.Tick(context.Background())
	require.NoError(t, err)
	e.s.Wait()
	return n
}

func (e *env) counter(t *testing.T, key string) int64 {
	t.Helper()
	v, ok, err := e.st.Get(context.Background(), key)
	require.NoError(t, err)
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	require.NoError(t, err)
	return n
}

func (e *env) exists(t *testing.T, key string) bool {
	t.Helper()
	_, ok, err := e.st.Get(context.Background(), key)
	require.NoError(t, err)
	return ok
}

func (e *env) tokens(t *testing.T, key string) float64 {
	t.Helper()
	v, ok, err := e.st.Get(context.Background(), key)
	require.NoError(t, err)
	require.True(t, ok, "bucket %s not found", key)
	var b store.Bucket
	require.NoError(t, json.Unmarshal([]byte(v), &b))
	return b.Tokens
}

// dueAt returns the due time of id in milliseconds.
func (e *env) dueAt(id string) (int64, bool) {
	score, ok := e.st.ZScore(e.s.keys.dueQueue(), id)
	return int64(score), ok
}

// hookRecorder records runs handed to the dispatch hooks.
type hookRecorder struct {
	mu       sync.Mutex
	starts   []Run
	updates  []Run
	startErr error
}

func (h *hookRecorder) Hooks() Hooks {
	return Hooks{
		OnJobStart: func(_ context.Context, run *Run) error {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.starts = append(h.starts, *run)
			return h.startErr
		},
		OnJobUpdate: func(_ context.Context, run *Run) error {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.updates = append(h.updates, *run)
			return nil
		},
	}
}

func (h *hookRecorder) failStart(err error) {
	h.mu.Lock()
	h.startErr = err
	h.mu.Unlock()
}

// started returns the started runs with the given status.
func (h *hookRecorder) started(status Status) []Run {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []Run
	for _, r := range h.starts {
		if r.Status == status {
			out = append(out, r)
		}
	}
	return out
}

func (h *hookRecorder) updated() []Run {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Run(nil), h.updates...)
}

// plainStore hides the atomic extensions of the wrapped store.
type plainStore struct {
	store.Store
}

// failingStore fails Set on one key.
type failingStore struct {
	*store.Memory
	failKey string
	err     error
}

func (f *failingStore) Set(ctx context.Context, key, value string, opts store.SetOptions) (bool, error) {
	if key == f.failKey {
		return false, f.err
	}
	return f.Memory.Set(ctx, key, value, opts)
}
