// Copyright 2026 Changkun Ou. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

package monsched

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/changkun/monsched/audit"
	"github.com/changkun/monsched/store"
)

// refresh holds the monitor lock while it dedupes the refresh, moves the
// monitor to its next slot and starts one admission pass per marketplace.
// It returns ErrLockHeld when another refresh owns the monitor. A refresh
// that fails after setting the dedupe marker deletes it again so that the
// retry is not taken for a duplicate.
func (s *Scheduler) refresh(ctx context.Context, m Monitor) (err error) {
	lockKey := s.keys.monitorLock(m.ID)
	token := uuid.NewString()
	ok, err := s.store.Set(ctx, lockKey, token, store.SetOptions{NX: true, TTL: s.opts.monitorLockTTL})
	if err != nil {
		return fmt.Errorf("acquire monitor lock: %w", err)
	}
	if !ok {
		s.metrics.ObserveLockContention()
		s.logf(m.ID, "monitor lock held, skipping refresh", LevelWarn)
		return ErrLockHeld
	}
	defer func() {
		uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), unwindTimeout)
		defer cancel()
		if err := s.unlock(uctx, lockKey, token); err != nil {
			s.logf(m.ID, "release monitor lock: "+err.Error(), LevelWarn)
		}
	}()

	now := s.now()
	interval := m.EffectiveInterval()
	if interval <= 0 {
		return &ValidationError{Field: "refreshIntervalSec", Code: CodeInvalid}
	}
	next := now.Add(interval)

	dedupeKey := s.keys.dedupe(m.ID, now.UnixMilli()/interval.Milliseconds(), m.Marketplaces)
	fresh, err := s.store.Set(ctx, dedupeKey, "1", store.SetOptions{NX: true, TTL: dedupeTTL(interval)})
	if err != nil {
		return fmt.Errorf("set dedupe marker: %w", err)
	}
	if !fresh {
		s.metrics.ObserveDedupe()
		s.logf(m.ID, "already refreshed in this interval", LevelWarn, zap.Duration("interval", interval))
		s.record(ctx, audit.Event{
			Kind:      audit.KindThrottle,
			MonitorID: m.ID,
			UserID:    m.UserID,
			Reason:    string(ReasonDedupe),
			At:        now,
		})
		return s.enqueue(ctx, m.ID, next)
	}
	defer func() {
		if err == nil {
			return
		}
		uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), unwindTimeout)
		defer cancel()
		if derr := s.store.Del(uctx, dedupeKey); derr != nil {
			s.logf(m.ID, "delete dedupe marker: "+derr.Error(), LevelWarn)
		}
	}()

	jobKey := s.keys.job(m.ID)
	if err := s.store.HSet(ctx, jobKey, "lastRefreshAt", formatTime(now)); err != nil {
		return fmt.Errorf("persist lastRefreshAt: %w", err)
	}
	if err := s.store.HSet(ctx, jobKey, "nextRefreshAt", formatTime(next)); err != nil {
		return fmt.Errorf("persist nextRefreshAt: %w", err)
	}
	if err := s.enqueue(ctx, m.ID, next); err != nil {
		return err
	}

	for _, mp := range m.Marketplaces {
		s.spawn(ctx, m.ID, "admission on "+mp, func(ctx context.Context) error {
			return s.admit(ctx, m, mp, dedupeKey)
		})
	}
	return nil
}

// dedupeTTL keeps a marker for half the interval, at least one second.
func dedupeTTL(interval time.Duration) time.Duration {
	ttl := (interval / 2).Truncate(time.Second)
	if ttl < time.Second {
		return time.Second
	}
	return ttl
}

// unlock deletes a lock key while it still holds token. Stores without
// compare-and-delete fall back to a plain delete.
func (s *Scheduler) unlock(ctx context.Context, key, token string) error {
	if r, ok := s.store.(store.LockReleaser); ok {
		_, err := r.DelIfEqual(ctx, key, token)
		if !errors.Is(err, store.ErrUnsupported) {
			return err
		}
	}
	return s.store.Del(ctx, key)
}
