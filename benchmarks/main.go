// Copyright 2026 Changkun Ou. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

// Command benchmarks drives a scheduler with many monitors due within a few
// seconds and reports how closely refreshes followed their due times.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"runtime/trace"
	"sync"
	"time"

	"github.com/changkun/monsched"
	"github.com/changkun/monsched/internal/pool"
	"github.com/changkun/monsched/policy"
	"github.com/changkun/monsched/store"
)

const (
	total  = 1000
	users  = 100
	spread = 10 * time.Second
)

type report struct {
	mu        sync.Mutex
	first     time.Time
	last      time.Time
	admitted  int
	throttled int
}

func (r *report) start(run *monsched.Run) {
	now := time.Now().UTC()
	r.mu.Lock()
	defer r.mu.Unlock()
	if run.Status == monsched.StatusThrottled {
		r.throttled++
		return
	}
	if r.first.IsZero() {
		r.first = now
	}
	r.last = now
	r.admitted++
}

func main() {
	url := flag.String("redis", "", "redis url, the in-memory store is used when empty")
	out := flag.String("trace", "bench.trace", "execution trace output")
	flag.Parse()

	f, err := os.Create(*out)
	if err != nil {
		panic(err)
	}
	defer f.Close()
	if err := trace.Start(f); err != nil {
		panic(err)
	}
	defer trace.Stop()

	var st store.Store = store.NewMemory(nil)
	if *url != "" {
		p, err := pool.New(context.Background(), *url, pool.Options{MaxActive: 64})
		if err != nil {
			panic(err)
		}
		defer p.Close()
		st = store.NewRedis(p)
	}

	table := policy.DefaultTable()
	table.Marketplaces[policy.DefaultMarketplace] = policy.Marketplace{MaxConcurrencyGlobal: 200, MinSpacingMs: 1}
	limits, err := policy.NewStatic(table)
	if err != nil {
		panic(err)
	}

	r := &report{}
	var (
		s    *monsched.Scheduler
		done sync.WaitGroup
	)
	s = monsched.New(st, limits,
		monsched.WithPollInterval(20*time.Millisecond, 50*time.Millisecond),
		monsched.WithBatchSize(100),
		monsched.WithKeyPrefix(fmt.Sprintf("bench:%d:", time.Now().UnixNano())),
		monsched.WithHooks(monsched.Hooks{
			OnJobStart: func(_ context.Context, run *monsched.Run) error {
				r.start(run)
				if run.Status != monsched.StatusPending {
					return nil
				}
				c := *run
				done.Add(1)
				go func() {
					defer done.Done()
					time.Sleep(time.Duration(50+rand.IntN(200)) * time.Millisecond)
					c.Status = monsched.StatusCompleted
					if err := s.CompleteRun(context.Background(), &c); err != nil {
						fmt.Printf("complete run %s error: %v\n", c.ID, err)
					}
				}()
				return nil
			},
		}),
	)

	ctx := context.Background()
	start := time.Now().UTC()
	min := start.Add(spread)
	max := start
	for i := 0; i < total; i++ {
		e := start.Add(time.Duration(rand.Int64N(int64(spread))))
		if e.After(max) {
			max = e
		}
		if e.Before(min) {
			min = e
		}
		m := monsched.Monitor{
			ID:                 fmt.Sprintf("monitor%d", i),
			UserID:             fmt.Sprintf("user%d", i%users),
			Query:              "hello world!",
			Marketplaces:       []string{"ebay", "etsy"},
			RefreshIntervalSec: 3600,
			IsEnabled:          true,
			Tier:               "business",
		}
		if err := s.Schedule(ctx, m, e); err != nil {
			fmt.Printf("schedule monitor %s error: %v\n", m.ID, err)
		}
	}

	runCtx, cancel := context.WithDeadline(ctx, start.Add(spread+3*time.Second))
	defer cancel()
	_ = s.Run(runCtx)
	done.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Printf("                   %d runs admitted in %s   \n", r.admitted, max.Sub(min))
	fmt.Println("--------------------------------------------------------------")
	fmt.Println("          requested runs: ", 2*total)
	fmt.Println("           admitted runs: ", r.admitted)
	fmt.Println("          throttled runs: ", r.throttled)
	fmt.Println("--------------------------------------------------------------")
	fmt.Println("      first due refresh: ", min.Format(time.StampNano))
	fmt.Println("   first admitted run at: ", r.first.Format(time.StampNano))
	fmt.Println("       last due refresh: ", max.Format(time.StampNano))
	fmt.Println("    last admitted run at: ", r.last.Format(time.StampNano))
	fmt.Println("--------------------------------------------------------------")
	fmt.Println("       first run delay: ", r.first.Sub(min))
	fmt.Println("        last run delay: ", r.last.Sub(max))
	fmt.Println("--------------------------------------------------------------")
}
