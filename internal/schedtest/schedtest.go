// Copyright 2026 Changkun Ou. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

// Package schedtest provides fakes and fixtures for scheduler tests.
package schedtest

import (
	"context"
	"sync"
	"time"

	"github.com/changkun/monsched/audit"
)

// Epoch is the start time of every Clock. It is aligned to a whole hour so
// that interval buckets start at Epoch.
var Epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// Clock is a manually advanced clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock stopped at Epoch.
func NewClock() *Clock {
	return &Clock{now: Epoch}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Rand returns a random source that always yields r. 0.5 removes jitter.
func Rand(r float64) func() float64 {
	return func() float64 { return r }
}

// Payload returns a valid job hash of a monitor for user u on the given
// marketplaces, with overrides applied on top. An empty override value
// removes the field.
func Payload(id, u string, marketplaces []string, overrides map[string]string) map[string]string {
	mps := `[]`
	if len(marketplaces) > 0 {
		mps = `["` + marketplaces[0] + `"`
		for _, mp := range marketplaces[1:] {
			mps += `,"` + mp + `"`
		}
		mps += `]`
	}
	p := map[string]string{
		"id":                 id,
		"userId":             u,
		"name":               "monitor " + id,
		"query":              "nintendo switch",
		"marketplaces":       mps,
		"refreshIntervalSec": "3600",
		"isEnabled":          "true",
		"priority":           "0",
	}
	for k, v := range overrides {
		if v == "" {
			delete(p, k)
			continue
		}
		p[k] = v
	}
	return p
}

// AuditLog records audit events in order. It is safe for concurrent use.
type AuditLog struct {
	mu     sync.Mutex
	events []audit.Event
}

// Record implements audit.Recorder.
func (l *AuditLog) Record(_ context.Context, e audit.Event) error {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
	return nil
}

// Events returns a copy of the recorded events.
func (l *AuditLog) Events() []audit.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]audit.Event(nil), l.events...)
}

// Count returns how many events of kind carry reason. An empty reason
// matches every event of kind.
func (l *AuditLog) Count(kind audit.Kind, reason string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e.Kind == kind && (reason == "" || e.Reason == reason) {
			n++
		}
	}
	return n
}

// Clear forgets all recorded events.
func (l *AuditLog) Clear() {
	l.mu.Lock()
	l.events = nil
	l.mu.Unlock()
}
