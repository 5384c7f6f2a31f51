// Copyright 2026 Changkun Ou. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

package monsched

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/changkun/monsched/store"
)

// Run polls the due queue until ctx is cancelled. Polls are separated by a
// random delay between the configured bounds and never overlap. Run waits
// for the admission passes it started before returning ctx.Err().
func (s *Scheduler) Run(ctx context.Context) error {
	defer s.Wait()

	timer := time.NewTimer(s.pollDelay())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
		n, err := s.Tick(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			s.logf("", "poll failed: "+err.Error(), LevelError, zap.Int("claimed", n))
		case n > 0:
			s.log.Debug("poll done", zap.Int("claimed", n))
		}
		timer.Reset(s.pollDelay())
	}
}

func (s *Scheduler) pollDelay() time.Duration {
	span := s.opts.pollMax - s.opts.pollMin
	return s.opts.pollMin + time.Duration(s.random()*float64(span))
}

// Tick claims up to the batch size of due monitors and processes them one
// by one. It returns the number of monitors claimed. A store error ends the
// tick, the monitor being processed is put back after the first backoff
// step so that it does not fall out of the queue.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	s.metrics.ObserveTick()
	now := s.now()
	ids, err := s.store.ZRangeByScore(ctx, s.keys.dueQueue(), math.Inf(-1), float64(now.UnixMilli()),
		&store.Limit{Count: s.opts.batchSize})
	if err != nil {
		return 0, fmt.Errorf("read due queue: %w", err)
	}

	claimed := 0
	for _, id := range ids {
		ok, err := s.store.ZRem(ctx, s.keys.dueQueue(), id)
		if err != nil {
			return claimed, fmt.Errorf("claim %s: %w", id, err)
		}
		if !ok {
			// claimed by another poller
			continue
		}
		claimed++
		s.metrics.ObserveClaim()
		if err := s.process(ctx, id); err != nil {
			s.requeue(ctx, id)
			return claimed, fmt.Errorf("process %s: %w", id, err)
		}
	}
	return claimed, nil
}

// process loads, validates and refreshes one claimed monitor.
func (s *Scheduler) process(ctx context.Context, id string) error {
	fields, err := s.store.HGetAll(ctx, s.keys.job(id))
	if err != nil {
		return fmt.Errorf("load payload: %w", err)
	}
	if len(fields) == 0 {
		return s.malformed(ctx, id, &ValidationError{Field: "payload", Code: CodeMissing})
	}
	m, err := NormalizeMonitor(fields, s.policy.BoostIntervalSec())
	if err != nil {
		return s.malformed(ctx, id, err)
	}
	m.ID = id

	if !m.IsEnabled {
		return s.enqueue(ctx, id, s.now().Add(m.EffectiveInterval()))
	}
	err = s.refresh(ctx, m)
	if errors.Is(err, ErrLockHeld) {
		return nil
	}
	return err
}

// malformed applies the malformed payload policy to a claimed monitor.
func (s *Scheduler) malformed(ctx context.Context, id string, cause error) error {
	if s.opts.malformed != MalformedBackoff {
		s.logf(id, "dropping monitor with unusable payload: "+cause.Error(), LevelError)
		s.metrics.ObserveRejectedPayload(string(MalformedDrop))
		return nil
	}
	delay := s.opts.backoff.Duration(1, s.random())
	s.logf(id, fmt.Sprintf("unusable payload, retry in %s: %v", delay.Round(time.Second), cause), LevelError)
	s.metrics.ObserveRejectedPayload(string(MalformedBackoff))
	return s.enqueue(ctx, id, s.now().Add(delay))
}

// requeue puts a claimed monitor back after a failed tick.
func (s *Scheduler) requeue(ctx context.Context, id string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), unwindTimeout)
	defer cancel()
	at := s.now().Add(s.opts.backoff.Duration(1, s.random()))
	if err := s.enqueue(ctx, id, at); err != nil {
		s.logf(id, "requeue after failed tick: "+err.Error(), LevelError)
	}
}
