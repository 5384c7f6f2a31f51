// Copyright 2026 Changkun Ou. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/changkun/monsched"
	"github.com/changkun/monsched/internal/schedtest"
	"github.com/changkun/monsched/policy"
	"github.com/changkun/monsched/store"
)

func newTestServer(checks map[string]Checker) *Server {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("monsched_claims_total 3\n"))
	})
	return New(zap.NewNop(), metrics, checks, nil)
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestReadyz(t *testing.T) {
	tests := []struct {
		name   string
		checks map[string]Checker
		code   int
	}{
		{"no checks", nil, http.StatusOK},
		{"healthy", map[string]Checker{"redis": func(context.Context) error { return nil }}, http.StatusOK},
		{"failing", map[string]Checker{
			"redis":    func(context.Context) error { return nil },
			"postgres": func(context.Context) error { return errors.New("refused") },
		}, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			newTestServer(tt.checks).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
			assert.Equal(t, tt.code, rec.Code)
		})
	}
}

func TestReadyzNamesFailedChecks(t *testing.T) {
	srv := newTestServer(map[string]Checker{"postgres": func(context.Context) error { return errors.New("refused") }})
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	var body struct {
		Status string            `json:"status"`
		Failed map[string]string `json:"failed"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "unavailable", body.Status)
	assert.Equal(t, "refused", body.Failed["postgres"])
}

func TestMetricsRoute(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestServer(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "monsched_claims_total")
}

func TestUnknownRoute(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestServer(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func postRun(srv http.Handler, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/runs/complete", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	srv.ServeHTTP(rec, req)
	return rec
}

func TestCompleteRoute(t *testing.T) {
	var got []monsched.Run
	done := func(_ context.Context, run *monsched.Run) error {
		if run.MonitorID == "broken" {
			return errors.New("store unavailable")
		}
		got = append(got, *run)
		return nil
	}
	srv := New(zap.NewNop(), http.NotFoundHandler(), nil, done)

	tests := []struct {
		name string
		body string
		code int
	}{
		{"completed", `{"id":"r1","monitorId":"m1","userId":"u1","site":"ebay","status":"completed"}`, http.StatusOK},
		{"failed", `{"id":"r2","monitorId":"m1","userId":"u1","site":"etsy","status":"failed"}`, http.StatusOK},
		{"not final", `{"id":"r3","monitorId":"m1","userId":"u1","site":"ebay","status":"running"}`, http.StatusBadRequest},
		{"missing site", `{"id":"r4","monitorId":"m1","userId":"u1","status":"completed"}`, http.StatusBadRequest},
		{"broken body", `{"id":`, http.StatusBadRequest},
		{"scheduler error", `{"id":"r5","monitorId":"broken","userId":"u1","site":"ebay","status":"completed"}`, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, postRun(srv, tt.body).Code)
		})
	}
	require.Len(t, got, 2)
	assert.Equal(t, "r1", got[0].ID)
	assert.Equal(t, monsched.StatusFailed, got[1].Status)
}

func TestCompleteRouteDisabled(t *testing.T) {
	rec := postRun(newTestServer(nil), `{"monitorId":"m1","userId":"u1","site":"ebay","status":"completed"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCompleteRouteReturnsSlots(t *testing.T) {
	ctx := context.Background()
	clock := schedtest.NewClock()
	st := store.NewMemory(clock.Now)
	limits, err := policy.NewStatic(policy.DefaultTable())
	require.NoError(t, err)
	var started, updated []monsched.Run
	s := monsched.New(st, limits,
		monsched.WithClock(clock.Now),
		monsched.WithHooks(monsched.Hooks{
			OnJobStart: func(_ context.Context, run *monsched.Run) error {
				started = append(started, *run)
				return nil
			},
			OnJobUpdate: func(_ context.Context, run *monsched.Run) error {
				updated = append(updated, *run)
				return nil
			},
		}),
	)
	m := monsched.Monitor{ID: "m1", UserID: "u1", Query: "q", Marketplaces: []string{"ebay"}, RefreshIntervalSec: 3600, IsEnabled: true}
	require.NoError(t, s.Trigger(ctx, m))
	_, err = s.Tick(ctx)
	require.NoError(t, err)
	s.Wait()
	require.Len(t, started, 1)
	slots, _, err := st.Get(ctx, "user:u1")
	require.NoError(t, err)
	require.Equal(t, "1", slots)

	run := started[0]
	run.Status = monsched.StatusCompleted
	body, err := json.Marshal(run)
	require.NoError(t, err)
	srv := New(zap.NewNop(), http.NotFoundHandler(), nil, s.CompleteRun)
	rec := postRun(srv, string(body))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	slots, _, err = st.Get(ctx, "user:u1")
	require.NoError(t, err)
	assert.Equal(t, "0", slots)
	require.Len(t, updated, 1)
	assert.Equal(t, run.ID, updated[0].ID)
}
