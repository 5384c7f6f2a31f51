// Copyright 2026 Changkun Ou. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

/*
Package monsched schedules recurring marketplace monitors.

Introduction

A monitor watches one or more marketplaces for a query and is refreshed
at most once per its effective interval. monsched keeps monitors in a
due-queue, a sorted set scored by due time in milliseconds, and polls it
in a single self-chaining loop. Whoever removes a monitor id from the
due-queue owns that tick of the monitor, so any number of replicas may
poll the same store.

A claimed monitor goes through three stages:

	due-queue claim -> monitor lock & dedup marker -> admission gate (per marketplace)

The admission gate runs five checks in order: user concurrency,
marketplace concurrency, run lock, user token bucket and marketplace
token bucket. A failing check unwinds whatever the pass already took and
defers the monitor with jittered exponential backoff. An admitted pass
hands a Run to the OnJobStart hook, the dispatch layer must later call
CompleteRun exactly once for it.

Usage

	st := store.NewRedis(p) // p from internal/pool
	src, _ := policy.NewStatic(policy.DefaultTable())

	s := monsched.New(st, src,
		monsched.WithLogger(logger),
		monsched.WithHooks(monsched.Hooks{
			OnJobStart: func(ctx context.Context, r *monsched.Run) error {
				return dispatcher.Start(ctx, r)
			},
		}),
	)

	// Enqueue a monitor
	s.Schedule(ctx, monitor, time.Now())

	// Poll until ctx is cancelled
	s.Run(ctx)

	// From the worker layer when a run finishes
	s.CompleteRun(ctx, run)

All shared state lives in the Store. Single operations are atomic; the
token buckets are updated atomically when the store implements
store.BucketStore and with a read-modify-write otherwise. Lock and marker
TTLs are the safety net against crashed holders.
*/
package monsched
