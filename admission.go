// Copyright 2026 Changkun Ou. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

package monsched

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/changkun/monsched/audit"
	"github.com/changkun/monsched/store"
)

// ThrottleError is returned by the admission gate when a check fails.
type ThrottleError struct {
	Reason Reason
}

func (e *ThrottleError) Error() string {
	return "monsched: throttled: " + string(e.Reason)
}

// admit runs the admission gate for one marketplace of m and throttles the
// monitor when the gate refuses.
func (s *Scheduler) admit(ctx context.Context, m Monitor, mp, dedupeKey string) error {
	s.metrics.IncInflight()
	defer s.metrics.DecInflight()

	run, err := s.gate(ctx, m, mp)
	var te *ThrottleError
	switch {
	case errors.As(err, &te):
		s.metrics.ObserveAdmission(mp, "throttled", string(te.Reason))
		return s.throttle(ctx, m, mp, te.Reason, dedupeKey)
	case err != nil:
		s.metrics.ObserveAdmission(mp, "error", "")
		return err
	}
	s.metrics.ObserveAdmission(mp, "admitted", "")
	s.logf(m.ID, "run admitted on "+mp, LevelInfo, zap.String("run_id", run.ID), zap.String("marketplace", mp))
	return nil
}

// gate takes, in order, a user slot, a marketplace slot, the run lock, a
// user token and a marketplace token. When any step fails, or OnJobStart
// fails or panics, everything taken so far is given back in reverse order.
// On success the admitted run has been handed to OnJobStart.
func (s *Scheduler) gate(ctx context.Context, m Monitor, mp string) (run *Run, err error) {
	tier, err := s.policy.Tier(ctx, m.Tier)
	if err != nil {
		return nil, fmt.Errorf("tier limits: %w", err)
	}
	limits, err := s.policy.Marketplace(ctx, mp)
	if err != nil {
		return nil, fmt.Errorf("marketplace limits: %w", err)
	}

	var undo []func(context.Context) error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("admission panicked: %v", r)
		}
		if err == nil {
			return
		}
		uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), unwindTimeout)
		defer cancel()
		for i := len(undo) - 1; i >= 0; i-- {
			if uerr := undo[i](uctx); uerr != nil {
				s.logf(m.ID, "unwind admission: "+uerr.Error(), LevelError, zap.String("marketplace", mp))
			}
		}
	}()
	now := s.now()

	userKey := s.keys.user(m.UserID)
	n, err := s.store.Incr(ctx, userKey)
	if err != nil {
		return nil, fmt.Errorf("take user slot: %w", err)
	}
	undo = append(undo, func(ctx context.Context) error { return s.decrCounter(ctx, userKey) })
	if n > int64(tier.MaxConcurrencyUser) {
		return nil, &ThrottleError{Reason: ReasonUserConcurrency}
	}

	mpKey := s.keys.marketplace(mp)
	n, err = s.store.Incr(ctx, mpKey)
	if err != nil {
		return nil, fmt.Errorf("take marketplace slot: %w", err)
	}
	undo = append(undo, func(ctx context.Context) error { return s.decrCounter(ctx, mpKey) })
	if n > int64(limits.MaxConcurrencyGlobal) {
		return nil, &ThrottleError{Reason: ReasonMarketplaceConcurrency}
	}

	lockKey := s.keys.runLock(m.ID, mp)
	token := uuid.NewString()
	ok, err := s.store.Set(ctx, lockKey, token, store.SetOptions{NX: true, TTL: s.opts.runLockTTL})
	if err != nil {
		return nil, fmt.Errorf("acquire run lock: %w", err)
	}
	if !ok {
		return nil, &ThrottleError{Reason: ReasonRunLock}
	}
	undo = append(undo, func(ctx context.Context) error { return s.unlock(ctx, lockKey, token) })

	userBucket := s.keys.userBucket(m.UserID)
	userCap := float64(tier.MaxConcurrencyUser)
	ok, err = s.takeToken(ctx, userBucket, userCap, refillRate(userCap, float64(tier.DefaultIntervalSec)), now)
	if err != nil {
		return nil, fmt.Errorf("take user token: %w", err)
	}
	if !ok {
		return nil, &ThrottleError{Reason: ReasonUserBucket}
	}
	undo = append(undo, func(ctx context.Context) error { return s.returnToken(ctx, userBucket, userCap, now) })

	mpBucket := s.keys.marketplaceBucket(mp)
	mpCap := float64(limits.MaxConcurrencyGlobal)
	mpRate := mpCap
	if limits.MinSpacingMs > 0 {
		mpRate = 1000 / float64(limits.MinSpacingMs)
	}
	ok, err = s.takeToken(ctx, mpBucket, mpCap, mpRate, now)
	if err != nil {
		return nil, fmt.Errorf("take marketplace token: %w", err)
	}
	if !ok {
		return nil, &ThrottleError{Reason: ReasonMarketplaceBucket}
	}
	undo = append(undo, func(ctx context.Context) error { return s.returnToken(ctx, mpBucket, mpCap, now) })

	if err := s.resetThrottle(ctx, m.ID); err != nil {
		return nil, err
	}
	run = &Run{
		ID:        uuid.NewString(),
		MonitorID: m.ID,
		UserID:    m.UserID,
		Site:      mp,
		Status:    StatusPending,
		CreatedAt: now,
	}
	if h := s.hookSet().OnJobStart; h != nil {
		if err := h(ctx, run); err != nil {
			return nil, fmt.Errorf("on job start: %w", err)
		}
	}
	s.record(ctx, audit.Event{
		Kind:        audit.KindRun,
		RunID:       run.ID,
		MonitorID:   m.ID,
		UserID:      m.UserID,
		Marketplace: mp,
		At:          now,
	})
	return run, nil
}
