// Copyright 2026 Changkun Ou. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

// Package metrics exposes Prometheus collectors for the scheduler.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the scheduler collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	ticks          prometheus.Counter
	claims         prometheus.Counter
	dropped        *prometheus.CounterVec
	lockContention prometheus.Counter
	dedupes        prometheus.Counter
	admissions     *prometheus.CounterVec
	backoff        prometheus.Histogram
	inflight       prometheus.Gauge
	completions    *prometheus.CounterVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ticks: f.NewCounter(prometheus.CounterOpts{
			Name: "monsched_poll_ticks_total",
			Help: "Total number of due-queue polls.",
		}),
		claims: f.NewCounter(prometheus.CounterOpts{
			Name: "monsched_claims_total",
			Help: "Total number of due monitors claimed from the queue.",
		}),
		dropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "monsched_payload_rejected_total",
			Help: "Total number of claimed monitors with a missing or invalid payload, labeled by action.",
		}, []string{"action"}),
		lockContention: f.NewCounter(prometheus.CounterOpts{
			Name: "monsched_monitor_lock_contention_total",
			Help: "Total number of refreshes skipped because the monitor lock was held.",
		}),
		dedupes: f.NewCounter(prometheus.CounterOpts{
			Name: "monsched_dedupe_hits_total",
			Help: "Total number of refreshes suppressed by a dedupe marker.",
		}),
		admissions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "monsched_admissions_total",
			Help: "Total number of admission gate passes, labeled by marketplace, result and reason.",
		}, []string{"marketplace", "result", "reason"}),
		backoff: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "monsched_backoff_seconds",
			Help:    "Histogram of backoff delays applied to throttled monitors.",
			Buckets: []float64{15, 30, 60, 90, 180, 300, 600, 900},
		}),
		inflight: f.NewGauge(prometheus.GaugeOpts{
			Name: "monsched_gate_passes_inflight",
			Help: "Number of admission gate passes currently running.",
		}),
		completions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "monsched_runs_completed_total",
			Help: "Total number of completed runs, labeled by final status.",
		}, []string{"status"}),
	}
}

// Handler returns an http.Handler exposing the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor returns an http.Handler exposing the given gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// ObserveTick counts a due-queue poll.
func (m *Metrics) ObserveTick() {
	if m == nil {
		return
	}
	m.ticks.Inc()
}

// ObserveClaim counts a claimed monitor.
func (m *Metrics) ObserveClaim() {
	if m == nil {
		return
	}
	m.claims.Inc()
}

// ObserveRejectedPayload counts a missing or invalid payload and what was
// done about it.
func (m *Metrics) ObserveRejectedPayload(action string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(action).Inc()
}

// ObserveLockContention counts a refresh skipped on a held monitor lock.
func (m *Metrics) ObserveLockContention() {
	if m == nil {
		return
	}
	m.lockContention.Inc()
}

// ObserveDedupe counts a refresh suppressed by a dedupe marker.
func (m *Metrics) ObserveDedupe() {
	if m == nil {
		return
	}
	m.dedupes.Inc()
}

// ObserveAdmission counts an admission gate result.
func (m *Metrics) ObserveAdmission(marketplace, result, reason string) {
	if m == nil {
		return
	}
	m.admissions.WithLabelValues(marketplace, result, reason).Inc()
}

// ObserveBackoff records a backoff delay.
func (m *Metrics) ObserveBackoff(d time.Duration) {
	if m == nil {
		return
	}
	m.backoff.Observe(d.Seconds())
}

// IncInflight increments the in-flight gate pass gauge.
func (m *Metrics) IncInflight() {
	if m == nil {
		return
	}
	m.inflight.Inc()
}

// DecInflight decrements the in-flight gate pass gauge.
func (m *Metrics) DecInflight() {
	if m == nil {
		return
	}
	m.inflight.Dec()
}

// ObserveCompletion counts a completed run.
func (m *Metrics) ObserveCompletion(status string) {
	if m == nil {
		return
	}
	m.completions.WithLabelValues(status).Inc()
}
