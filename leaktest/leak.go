// Copyright 2026 Changkun Ou. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

// Package leaktest fails a test that leaves goroutines behind, such as an
// admission pass the scheduler forgot to wait for.
package leaktest

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"testing"
	"time"
)

// TickerInterval is how often a pending check looks again.
var TickerInterval = 50 * time.Millisecond

// DefaultTimeout bounds Check.
var DefaultTimeout = 5 * time.Second

type goroutine struct {
	id    uint64
	stack string
}

// ignored lists stack fragments of goroutines owned by the runtime or the
// testing package.
var ignored = []string{
	"testing.Main(",
	"testing.(*T).Run(",
	"testing.(*T).Parallel(",
	"testing.runTests(",
	"runtime.goexit",
	"created by runtime.gc",
	"interestingGoroutines",
	"runtime.MHeap_Scavenger",
	"signal.signal_recv",
	"sigterm.handler",
	"runtime_mcall",
	"goroutine in C code",
	").readLoop(",
	").writeLoop(",
}

func parse(g string) (*goroutine, error) {
	sl := strings.SplitN(g, "\n", 2)
	if len(sl) != 2 {
		return nil, fmt.Errorf("error parsing stack: %q", g)
	}
	stack := strings.TrimSpace(sl[1])
	if stack == "" || strings.HasPrefix(stack, "testing.RunTests") {
		return nil, nil
	}
	for _, frag := range ignored {
		if strings.Contains(stack, frag) {
			return nil, nil
		}
	}

	// goroutine 42 [running]:
	h := strings.SplitN(sl[0], " ", 3)
	if len(h) < 3 {
		return nil, fmt.Errorf("error parsing stack header: %q", sl[0])
	}
	id, err := strconv.ParseUint(h[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("error parsing goroutine id: %w", err)
	}
	return &goroutine{id: id, stack: strings.TrimSpace(g)}, nil
}

func interestingGoroutines(t testing.TB) []*goroutine {
	buf := make([]byte, 2<<20)
	buf = buf[:runtime.Stack(buf, true)]
	var gs []*goroutine
	for _, g := range strings.Split(string(buf), "\n\n") {
		gr, err := parse(g)
		if err != nil {
			t.Errorf("leaktest: %s", err)
			continue
		}
		if gr != nil {
			gs = append(gs, gr)
		}
	}
	sort.Slice(gs, func(i, j int) bool { return gs[i].id < gs[j].id })
	return gs
}

func leaked(orig map[uint64]bool, gs []*goroutine) []string {
	var out []string
	for _, g := range gs {
		if !orig[g.id] {
			out = append(out, g.stack)
		}
	}
	return out
}

// Check snapshots the running goroutines and returns a function that fails
// t if new goroutines are still running DefaultTimeout after it is called.
//
//	defer leaktest.Check(t)()
func Check(t testing.TB) func() {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
	check := CheckContext(ctx, t)
	return func() {
		defer cancel()
		check()
	}
}

// CheckContext is Check with the deadline taken from ctx.
func CheckContext(ctx context.Context, t testing.TB) func() {
	orig := map[uint64]bool{}
	for _, g := range interestingGoroutines(t) {
		orig[g.id] = true
	}
	return func() {
		t.Helper()
		left := leaked(orig, interestingGoroutines(t))
		if len(left) == 0 {
			return
		}
		ticker := time.NewTicker(TickerInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if left = leaked(orig, interestingGoroutines(t)); len(left) == 0 {
					return
				}
				continue
			case <-ctx.Done():
				t.Errorf("leaktest: %v", ctx.Err())
			}
			break
		}
		for _, g := range left {
			t.Errorf("leaktest: leaked goroutine: %v", g)
		}
	}
}
