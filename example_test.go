// Copyright 2026 Changkun Ou. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

package monsched_test

import (
	"context"
	"fmt"

	"github.com/changkun/monsched"
	"github.com/changkun/monsched/internal/schedtest"
	"github.com/changkun/monsched/policy"
	"github.com/changkun/monsched/store"
)

func Example() {
	ctx := context.Background()
	clock := schedtest.NewClock()
	limits, err := policy.NewStatic(policy.DefaultTable())
	if err != nil {
		panic(err)
	}

	runs := make(chan *monsched.Run, 1)
	s := monsched.New(store.NewMemory(clock.Now), limits,
		monsched.WithClock(clock.Now),
		monsched.WithHooks(monsched.Hooks{
			OnJobStart: func(_ context.Context, run *monsched.Run) error {
				runs <- run
				return nil
			},
		}),
	)

	m := monsched.Monitor{
		ID:                 "m1",
		UserID:             "u1",
		Query:              "nintendo switch",
		Marketplaces:       []string{"ebay"},
		RefreshIntervalSec: 3600,
		IsEnabled:          true,
	}
	if err := s.Trigger(ctx, m); err != nil {
		panic(err)
	}
	n, err := s.Tick(ctx)
	if err != nil {
		panic(err)
	}
	s.Wait()

	run := <-runs
	fmt.Println("claimed", n)
	fmt.Println(run.MonitorID, run.Site, run.Status)

	run.Status = monsched.StatusCompleted
	if err := s.CompleteRun(ctx, run); err != nil {
		panic(err)
	}
	// Output:
	// claimed 1
	// m1 ebay pending
}
