// Copyright 2026 Changkun Ou. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

package monsched

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/changkun/monsched/store"
)

// Status is the lifecycle state of a Run.
type Status string

// Run states. A dispatched run moves from pending to running and ends as
// completed or failed. A run that did not pass admission is throttled.
const (
	StatusPending      Status = "pending"
	StatusProvisioning Status = "provisioning"
	StatusRunning      Status = "running"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusThrottled    Status = "throttled"
	StatusSkipped      Status = "skipped"
)

// Run is one dispatch attempt of a monitor on one marketplace.
type Run struct {
	ID             string    `json:"id"`
	MonitorID      string    `json:"monitorId"`
	UserID         string    `json:"userId"`
	Site           string    `json:"site"`
	Status         Status    `json:"status"`
	RetryCount     int       `json:"retryCount"`
	ThrottleReason Reason    `json:"throttleReason,omitempty"`
	NextRetryAt    time.Time `json:"nextRetryAt"`
	CreatedAt      time.Time `json:"createdAt"`
}

// holdsSlot reports whether the run was counted against the concurrency
// counters when it was admitted.
func (r *Run) holdsSlot() bool {
	return r.Status != StatusThrottled && r.Status != StatusSkipped
}

// CompleteRun must be called exactly once by the dispatch layer when a run
// reaches its final state. It returns the concurrency slots of admitted runs,
// releases the run lock and notifies OnJobUpdate.
func (s *Scheduler) CompleteRun(ctx context.Context, run *Run) error {
	if run == nil {
		return errors.New("monsched: complete nil run")
	}
	var errs []error
	if run.holdsSlot() {
		if err := s.decrCounter(ctx, s.keys.user(run.UserID)); err != nil {
			errs = append(errs, err)
		}
		if err := s.decrCounter(ctx, s.keys.marketplace(run.Site)); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.store.Del(ctx, s.keys.runLock(run.MonitorID, run.Site)); err != nil {
		errs = append(errs, fmt.Errorf("release run lock: %w", err))
	}
	s.metrics.ObserveCompletion(string(run.Status))

	if h := s.hookSet().OnJobUpdate; h != nil {
		if err := h(ctx, run); err != nil {
			errs = append(errs, fmt.Errorf("on job update: %w", err))
		}
	}
	return errors.Join(errs...)
}

// decrCounter decrements a concurrency counter. A counter that lands below
// zero leaked a decrement somewhere and is reset to zero.
func (s *Scheduler) decrCounter(ctx context.Context, key string) error {
	n, err := s.store.Decr(ctx, key)
	if err != nil {
		return fmt.Errorf("decrement %s: %w", key, err)
	}
	if n >= 0 {
		return nil
	}
	s.logf("", fmt.Sprintf("counter %s dropped to %d, resetting to 0", key, n), LevelWarn)
	if _, err := s.store.Set(ctx, key, "0", store.SetOptions{}); err != nil {
		return fmt.Errorf("reset %s: %w", key, err)
	}
	return nil
}
