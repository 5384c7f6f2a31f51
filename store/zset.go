// Copyright 2026 Changkun Ou. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

package store

import (
	"container/heap"
)

// zset implements a sorted set based on a heap.
// It supports bi-direction accessing, such as access score by member
// or access members by score range.
//
//                   Time Complexity      Space Complexity
//   add()      amortized O(log(n))            O(1)
//   rem()      amortized O(log(n))            O(1)
//   rangeBy()            O(n + k*log(n))      O(n)
//
// Total space complexity: O(n + n) where n = zset.len(), which is
// a slice + a lookup hash table(map).
//
// Callers must hold the owning store's lock.
type zset struct {
	heap   *memberHeap
	lookup map[string]*member
}

func newZset() *zset {
	h := &memberHeap{}
	heap.Init(h)
	return &zset{
		heap:   h, // O(1) due to empty set
		lookup: map[string]*member{},
	}
}

func (z *zset) len() int {
	return z.heap.Len()
}

// add inserts a member, or fixes its position if the score changed.
func (z *zset) add(name string, score float64) {
	if m, ok := z.lookup[name]; ok { // O(1) amortized
		m.score = score
		heap.Fix(z.heap, m.index) // O(log(n))
		return
	}
	m := &member{name: name, score: score}
	heap.Push(z.heap, m) // O(log(n))
	z.lookup[name] = m
}

// rem removes a member and reports whether it was present.
func (z *zset) rem(name string) bool {
	m, ok := z.lookup[name]
	if !ok {
		return false
	}
	heap.Remove(z.heap, m.index) // O(log(n))
	delete(z.lookup, name)
	return true
}

// rangeBy returns members with min <= score <= max in ascending order,
// equal scores ordered by member name like Redis does.
func (z *zset) rangeBy(min, max float64, offset, count int) []string {
	// pop from a shallow copy so the set itself keeps its layout
	c := make(memberHeap, 0, z.heap.Len())
	for _, m := range *z.heap {
		c = append(c, &member{name: m.name, score: m.score})
	}
	heap.Init(&c)

	out := []string{}
	skipped := 0
	for c.Len() > 0 {
		m := heap.Pop(&c).(*member)
		if m.score < min {
			continue
		}
		if m.score > max {
			break
		}
		if skipped < offset {
			skipped++
			continue
		}
		out = append(out, m.name)
		if count > 0 && len(out) >= count {
			break
		}
	}
	return out
}

// A member is something we manage in a sorted set.
type member struct {
	name  string
	score float64

	// The index is needed by update and is maintained by the heap.Interface methods.
	index int
}

type memberHeap []*member

func (h memberHeap) Len() int {
	return len(h)
}

func (h memberHeap) Less(i, j int) bool {
	if h[i].score == h[j].score {
		return h[i].name < h[j].name
	}
	return h[i].score < h[j].score
}

func (h memberHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *memberHeap) Pop() interface{} {
	old := *h
	n := len(old)
	m := old[n-1]
	*h = old[0 : n-1]
	return m
}

func (h *memberHeap) Push(x interface{}) {
	m := x.(*member)
	m.index = len(*h)
	*h = append(*h, m)
}
