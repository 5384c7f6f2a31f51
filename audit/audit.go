// Copyright 2026 Changkun Ou. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

// Package audit records scheduling decisions: admitted runs and throttled
// attempts.
package audit

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Kind of an audit event.
type Kind string

// Event kinds.
const (
	KindRun      Kind = "run"
	KindThrottle Kind = "throttle"
)

// Event is one scheduling decision.
type Event struct {
	Kind        Kind      `json:"kind"`
	RunID       string    `json:"runId,omitempty"`
	MonitorID   string    `json:"monitorId"`
	UserID      string    `json:"userId"`
	Marketplace string    `json:"marketplace,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	RetryCount  int       `json:"retryCount,omitempty"`
	At          time.Time `json:"at"`
}

// Recorder persists audit events.
type Recorder interface {
	Record(ctx context.Context, e Event) error
}

// Nop discards events.
type Nop struct{}

// Record implements Recorder.
func (Nop) Record(context.Context, Event) error { return nil }

// Logger writes events to a zap logger.
type Logger struct {
	log *zap.Logger
}

// NewLogger creates a Logger, a nil logger discards events.
func NewLogger(log *zap.Logger) *Logger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Logger{log: log}
}

// Record implements Recorder.
func (l *Logger) Record(_ context.Context, e Event) error {
	l.log.Info("audit",
		zap.String("kind", string(e.Kind)),
		zap.String("run_id", e.RunID),
		zap.String("monitor_id", e.MonitorID),
		zap.String("user_id", e.UserID),
		zap.String("marketplace", e.Marketplace),
		zap.String("reason", e.Reason),
		zap.Int("retry_count", e.RetryCount),
		zap.Time("at", e.At),
	)
	return nil
}

// Multi fans an event out to several recorders and joins their errors.
type Multi []Recorder

// Record implements Recorder.
func (m Multi) Record(ctx context.Context, e Event) error {
	var errs []error
	for _, r := range m {
		if err := r.Record(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
