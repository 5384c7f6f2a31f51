// Copyright 2026 Changkun Ou. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

package monsched

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/changkun/monsched/audit"
	"github.com/changkun/monsched/internal/metrics"
	"github.com/changkun/monsched/policy"
	"github.com/changkun/monsched/store"
)

// ErrLockHeld reports that another process is already refreshing a monitor.
var ErrLockHeld = errors.New("monsched: monitor lock held")

// Level is the severity passed to a LogFunc.
type Level string

// Log levels.
const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// LogFunc receives engine log lines in addition to the zap logger.
// jobID is empty for lines not tied to a monitor.
type LogFunc func(jobID, message string, level Level)

// Hook is called by the engine to hand a run to the dispatch layer.
type Hook func(ctx context.Context, run *Run) error

// Hooks connect the engine to the external dispatch layer.
type Hooks struct {
	// OnJobStart receives admitted runs, which should be started, and
	// throttled runs, which must not.
	OnJobStart Hook
	// OnJobUpdate receives every run passed to CompleteRun.
	OnJobUpdate Hook
}

// MalformedPolicy decides what happens to a claimed monitor whose payload
// is missing or invalid.
type MalformedPolicy string

// Malformed payload policies.
const (
	// MalformedDrop forgets the monitor until someone schedules it again.
	MalformedDrop MalformedPolicy = "drop"
	// MalformedBackoff re-enqueues the monitor after the first backoff step.
	MalformedBackoff MalformedPolicy = "backoff"
)

// ParseMalformedPolicy parses a policy name. The empty string is
// MalformedDrop.
func ParseMalformedPolicy(s string) (MalformedPolicy, error) {
	switch p := MalformedPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return MalformedDrop, nil
	case MalformedDrop, MalformedBackoff:
		return p, nil
	}
	return "", fmt.Errorf("monsched: unknown malformed payload policy %q", s)
}

// Defaults of the engine options.
const (
	DefaultPollMin        = 10 * time.Second
	DefaultPollMax        = 30 * time.Second
	DefaultBatchSize      = 5
	DefaultMonitorLockTTL = 60 * time.Second
	DefaultRunLockTTL     = 120 * time.Second
)

// unwindTimeout bounds cleanup that runs detached from the caller's context.
const unwindTimeout = 5 * time.Second

type options struct {
	pollMin, pollMax time.Duration
	batchSize        int
	monitorLockTTL   time.Duration
	runLockTTL       time.Duration
	keyPrefix        string
	malformed        MalformedPolicy
	backoff          BackoffPolicy
	logger           *zap.Logger
	metrics          *metrics.Metrics
	audit            audit.Recorder
	hooks            Hooks
	now              func() time.Time
	rand             func() float64
}

// Option configures a Scheduler.
type Option func(*options)

// WithPollInterval sets the bounds of the random sleep between polls.
func WithPollInterval(lo, hi time.Duration) Option {
	return func(o *options) {
		if hi < lo {
			lo, hi = hi, lo
		}
		o.pollMin, o.pollMax = lo, hi
	}
}

// WithBatchSize sets how many due monitors one poll claims at most.
func WithBatchSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.batchSize = n
		}
	}
}

// WithLockTTL sets the expiry of monitor and run locks.
func WithLockTTL(monitor, run time.Duration) Option {
	return func(o *options) {
		if monitor > 0 {
			o.monitorLockTTL = monitor
		}
		if run > 0 {
			o.runLockTTL = run
		}
	}
}

// WithKeyPrefix namespaces every store key.
func WithKeyPrefix(prefix string) Option {
	return func(o *options) { o.keyPrefix = prefix }
}

// WithMalformedPolicy sets the handling of missing or invalid payloads.
func WithMalformedPolicy(p MalformedPolicy) Option {
	return func(o *options) { o.malformed = p }
}

// WithBackoff replaces DefaultBackoff.
func WithBackoff(p BackoffPolicy) Option {
	return func(o *options) { o.backoff = p }
}

// WithLogger sets the structured logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics sets the Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithAudit sets the recorder of run and throttle events.
func WithAudit(r audit.Recorder) Option {
	return func(o *options) {
		if r != nil {
			o.audit = r
		}
	}
}

// WithHooks sets the dispatch hooks.
func WithHooks(h Hooks) Option {
	return func(o *options) { o.hooks = h }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithRand replaces the source of uniform random numbers in [0, 1) used
// for poll and backoff jitter. r must be safe for concurrent use.
func WithRand(r func() float64) Option {
	return func(o *options) {
		if r != nil {
			o.rand = r
		}
	}
}

// Scheduler refreshes monitors stored in a shared store while enforcing
// per-user and per-marketplace limits. Several schedulers, in one or many
// processes, may share a store.
type Scheduler struct {
	store   store.Store
	policy  policy.Source
	keys    keys
	opts    options
	log     *zap.Logger
	metrics *metrics.Metrics
	audit   audit.Recorder

	mu    sync.RWMutex
	sink  LogFunc
	hooks Hooks

	// wg tracks admission passes started by refresh.
	wg sync.WaitGroup
}

// New returns a scheduler over st that reads limits from src.
func New(st store.Store, src policy.Source, opts ...Option) *Scheduler {
	o := options{
		pollMin:        DefaultPollMin,
		pollMax:        DefaultPollMax,
		batchSize:      DefaultBatchSize,
		monitorLockTTL: DefaultMonitorLockTTL,
		runLockTTL:     DefaultRunLockTTL,
		malformed:      MalformedDrop,
		backoff:        DefaultBackoff,
		logger:         zap.NewNop(),
		audit:          audit.Nop{},
		now:            time.Now,
		rand:           rand.Float64,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Scheduler{
		store:   st,
		policy:  src,
		keys:    keys{prefix: o.keyPrefix},
		opts:    o,
		log:     o.logger.Named("monsched"),
		metrics: o.metrics,
		audit:   o.audit,
		hooks:   o.hooks,
	}
}

// SetLogger adds a log sink next to the zap logger. A nil fn removes it.
func (s *Scheduler) SetLogger(fn LogFunc) {
	s.mu.Lock()
	s.sink = fn
	s.mu.Unlock()
}

// SetHooks replaces the dispatch hooks.
func (s *Scheduler) SetHooks(h Hooks) {
	s.mu.Lock()
	s.hooks = h
	s.mu.Unlock()
}

func (s *Scheduler) hookSet() Hooks {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hooks
}

func (s *Scheduler) logf(jobID, msg string, level Level, fields ...zap.Field) {
	if jobID != "" {
		fields = append(fields, zap.String("job_id", jobID))
	}
	switch level {
	case LevelError:
		s.log.Error(msg, fields...)
	case LevelWarn:
		s.log.Warn(msg, fields...)
	default:
		s.log.Info(msg, fields...)
	}

	s.mu.RLock()
	sink := s.sink
	s.mu.RUnlock()
	if sink != nil {
		sink(jobID, msg, level)
	}
}

func (s *Scheduler) now() time.Time { return s.opts.now() }

func (s *Scheduler) random() float64 { return s.opts.rand() }

// record writes an audit event. Audit failures never fail the refresh.
func (s *Scheduler) record(ctx context.Context, e audit.Event) {
	if err := s.audit.Record(ctx, e); err != nil {
		s.logf(e.MonitorID, "record audit event: "+err.Error(), LevelWarn, zap.String("kind", string(e.Kind)))
	}
}

// spawn runs fn in a goroutine tracked by Wait. fn keeps running when ctx is
// cancelled so that unwinds complete. Errors and panics are logged.
func (s *Scheduler) spawn(ctx context.Context, jobID, name string, fn func(ctx context.Context) error) {
	ctx = context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.logf(jobID, fmt.Sprintf("%s panicked: %v", name, r), LevelError)
			}
		}()
		if err := fn(ctx); err != nil {
			s.logf(jobID, fmt.Sprintf("%s: %v", name, err), LevelError)
		}
	}()
}

// Wait blocks until every admission pass started so far has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Schedule stores m and enqueues it to be refreshed at at. Scheduling an
// already queued monitor replaces its payload and moves it to the new time.
func (s *Scheduler) Schedule(ctx context.Context, m Monitor, at time.Time) error {
	if m.ID == "" {
		return &ValidationError{Field: "id", Code: CodeMissing}
	}
	fields := m.Fields()
	if _, err := NormalizeMonitor(fields, s.policy.BoostIntervalSec()); err != nil {
		return err
	}
	// replace the stored payload, never merge into it
	if _, err := s.store.ZRem(ctx, s.keys.dueQueue(), m.ID); err != nil {
		return fmt.Errorf("unschedule %s: %w", m.ID, err)
	}
	key := s.keys.job(m.ID)
	if err := s.store.Del(ctx, key); err != nil {
		return fmt.Errorf("replace monitor %s: %w", m.ID, err)
	}
	for name, value := range fields {
		if err := s.store.HSet(ctx, key, name, value); err != nil {
			return fmt.Errorf("store monitor %s: %w", m.ID, err)
		}
	}
	return s.enqueue(ctx, m.ID, at)
}

// Trigger schedules m to be refreshed on the next poll.
func (s *Scheduler) Trigger(ctx context.Context, m Monitor) error {
	return s.Schedule(ctx, m, s.now())
}

// Remove unschedules the monitor id and deletes its payload. A refresh
// that already claimed the monitor still completes.
func (s *Scheduler) Remove(ctx context.Context, id string) error {
	if _, err := s.store.ZRem(ctx, s.keys.dueQueue(), id); err != nil {
		return fmt.Errorf("unschedule %s: %w", id, err)
	}
	if err := s.store.Del(ctx, s.keys.job(id)); err != nil {
		return fmt.Errorf("delete monitor %s: %w", id, err)
	}
	if err := s.store.Del(ctx, s.keys.throttle(id)); err != nil {
		return fmt.Errorf("delete throttle counter %s: %w", id, err)
	}
	return nil
}

func (s *Scheduler) enqueue(ctx context.Context, id string, at time.Time) error {
	if err := s.store.ZAdd(ctx, s.keys.dueQueue(), float64(at.UnixMilli()), id); err != nil {
		return fmt.Errorf("enqueue %s: %w", id, err)
	}
	return nil
}
