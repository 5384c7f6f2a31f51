// Copyright 2026 Changkun Ou. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

package monsched

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/changkun/monsched/audit"
)

// Reason explains why a refresh was deferred.
type Reason string

// Throttle reasons, in admission check order, plus dedupe.
const (
	ReasonUserConcurrency        Reason = "user_concurrency_cap"
	ReasonMarketplaceConcurrency Reason = "marketplace_concurrency_cap"
	ReasonRunLock                Reason = "run_lock"
	ReasonUserBucket             Reason = "user_bucket"
	ReasonMarketplaceBucket      Reason = "marketplace_bucket"
	ReasonDedupe                 Reason = "dedupe"
)

// BackoffPolicy computes the delay before a throttled monitor is retried.
type BackoffPolicy struct {
	// Steps is indexed by attempt, attempts past the end reuse the last step.
	Steps []time.Duration
	// Jitter spreads each step by +/- Jitter of its value.
	Jitter float64
	// Max caps every computed delay, zero means no cap.
	Max time.Duration
}

// DefaultBackoff waits about 30s, 90s and then 300s, never more than 15m.
var DefaultBackoff = BackoffPolicy{
	Steps:  []time.Duration{30 * time.Second, 90 * time.Second, 300 * time.Second},
	Jitter: 0.2,
	Max:    900 * time.Second,
}

// Duration returns the delay of the given 1-based attempt. r is a uniform
// random number in [0, 1) that positions the delay inside the jitter range.
func (p BackoffPolicy) Duration(attempt int, r float64) time.Duration {
	steps := p.Steps
	if len(steps) == 0 {
		steps = DefaultBackoff.Steps
	}
	if attempt < 1 {
		attempt = 1
	}
	base := float64(steps[min(attempt, len(steps))-1])
	d := time.Duration(base * (1 + p.Jitter*(2*r-1)))
	if p.Max > 0 && d > p.Max {
		d = p.Max
	}
	if d < 0 {
		d = 0
	}
	return d
}

// Validate reports a policy that cannot produce sensible delays.
func (p BackoffPolicy) Validate() error {
	for i, s := range p.Steps {
		if s <= 0 {
			return fmt.Errorf("backoff step %d must be positive, got %s", i, s)
		}
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		return fmt.Errorf("backoff jitter must be in [0, 1), got %v", p.Jitter)
	}
	if p.Max < 0 {
		return fmt.Errorf("backoff max must not be negative, got %s", p.Max)
	}
	return nil
}

// throttle defers a monitor that failed admission on marketplace mp. It
// bumps the persisted throttle counter, reports a throttled run to
// OnJobStart, clears the dedupe marker and re-enqueues after the backoff.
func (s *Scheduler) throttle(ctx context.Context, m Monitor, mp string, reason Reason, dedupeKey string) error {
	now := s.now()
	attempt, err := s.store.Incr(ctx, s.keys.throttle(m.ID))
	if err != nil {
		return fmt.Errorf("increment throttle counter: %w", err)
	}
	jobKey := s.keys.job(m.ID)
	if err := s.store.HSet(ctx, jobKey, "throttleCount", strconv.FormatInt(attempt, 10)); err != nil {
		return fmt.Errorf("persist throttle count: %w", err)
	}
	if err := s.store.HSet(ctx, jobKey, "throttleReason", string(reason)); err != nil {
		return fmt.Errorf("persist throttle reason: %w", err)
	}

	delay := s.opts.backoff.Duration(int(attempt), s.random())
	next := now.Add(delay)
	run := &Run{
		ID:             uuid.NewString(),
		MonitorID:      m.ID,
		UserID:         m.UserID,
		Site:           mp,
		Status:         StatusThrottled,
		RetryCount:     int(attempt),
		ThrottleReason: reason,
		NextRetryAt:    next,
		CreatedAt:      now,
	}

	var errs []error
	if h := s.hookSet().OnJobStart; h != nil {
		if err := h(ctx, run); err != nil {
			errs = append(errs, fmt.Errorf("on job start: %w", err))
		}
	}
	if err := s.store.Del(ctx, dedupeKey); err != nil {
		errs = append(errs, fmt.Errorf("clear dedupe marker: %w", err))
	}
	if err := s.enqueue(ctx, m.ID, next); err != nil {
		errs = append(errs, err)
	}
	s.metrics.ObserveBackoff(delay)
	s.logf(m.ID, fmt.Sprintf("throttled on %s: %s, attempt %d, retry in %s", mp, reason, attempt, delay.Round(time.Second)), LevelWarn)
	s.record(ctx, audit.Event{
		Kind:        audit.KindThrottle,
		RunID:       run.ID,
		MonitorID:   m.ID,
		UserID:      m.UserID,
		Marketplace: mp,
		Reason:      string(reason),
		RetryCount:  run.RetryCount,
		At:          now,
	})
	return errors.Join(errs...)
}

// resetThrottle clears the throttle counter after a successful admission.
func (s *Scheduler) resetThrottle(ctx context.Context, id string) error {
	if err := s.store.Del(ctx, s.keys.throttle(id)); err != nil {
		return fmt.Errorf("reset throttle counter: %w", err)
	}
	if err := s.store.HSet(ctx, s.keys.job(id), "throttleCount", "0"); err != nil {
		return fmt.Errorf("persist throttle count: %w", err)
	}
	return nil
}
