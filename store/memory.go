// Copyright 2026 Changkun Ou. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

package store

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"
)

// Memory is an in-process Store. All operations, including the token bucket
// and compare-and-delete extensions, are serialised by a single mutex.
type Memory struct {
	mu     sync.Mutex
	now    func() time.Time
	values map[string]entry
	zsets  map[string]*zset
	hashes map[string]map[string]string
	closed bool
}

type entry struct {
	value   string
	expires time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expires.IsZero() && !now.Before(e.expires)
}

// NewMemory creates an empty in-memory store. A nil clock uses time.Now.
func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{
		now:    now,
		values: map[string]entry{},
		zsets:  map[string]*zset{},
		hashes: map[string]map[string]string{},
	}
}

// Close marks the store closed, subsequent calls return ErrClosed.
func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// lookup returns the live entry at key, evicting it when expired.
// Callers must hold m.mu.
func (m *Memory) lookup(key string) (entry, bool) {
	e, ok := m.values[key]
	if !ok {
		return entry{}, false
	}
	if e.expired(m.now()) {
		delete(m.values, key)
		return entry{}, false
	}
	return e, true
}

// Get implements Store.
func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", false, ErrClosed
	}
	e, ok := m.lookup(key)
	return e.value, ok, nil
}

// Set implements Store.
func (m *Memory) Set(_ context.Context, key, value string, opts SetOptions) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	if _, ok := m.lookup(key); ok && opts.NX {
		return false, nil
	}
	e := entry{value: value}
	if opts.TTL > 0 {
		e.expires = m.now().Add(opts.TTL)
	}
	m.values[key] = e
	return true, nil
}

// Incr implements Store.
func (m *Memory) Incr(_ context.Context, key string) (int64, error) {
	return m.add(key, 1)
}

// Decr implements Store.
func (m *Memory) Decr(_ context.Context, key string) (int64, error) {
	return m.add(key, -1)
}

func (m *Memory) add(key string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	e, ok := m.lookup(key)
	var n int64
	if ok {
		v, err := strconv.ParseInt(e.value, 10, 64)
		if err != nil {
			return 0, ErrNotInteger
		}
		n = v
	}
	n += delta
	// like INCR, the TTL of an existing key is kept
	e.value = strconv.FormatInt(n, 10)
	m.values[key] = e
	return n, nil
}

// Del implements Store.
func (m *Memory) Del(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.values, key)
	delete(m.zsets, key)
	delete(m.hashes, key)
	return nil
}

// DelIfEqual implements LockReleaser.
func (m *Memory) DelIfEqual(_ context.Context, key, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	e, ok := m.lookup(key)
	if !ok || e.value != value {
		return false, nil
	}
	delete(m.values, key)
	return true, nil
}

// ZAdd implements Store.
func (m *Memory) ZAdd(_ context.Context, key string, score float64, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	z, ok := m.zsets[key]
	if !ok {
		z = newZset()
		m.zsets[key] = z
	}
	z.add(member, score)
	return nil
}

// ZRangeByScore implements Store.
func (m *Memory) ZRangeByScore(_ context.Context, key string, min, max float64, limit *Limit) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	z, ok := m.zsets[key]
	if !ok {
		return []string{}, nil
	}
	offset, count := 0, 0
	if limit != nil {
		offset, count = limit.Offset, limit.Count
	}
	return z.rangeBy(min, max, offset, count), nil
}

// ZRem implements Store.
func (m *Memory) ZRem(_ context.Context, key, member string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	z, ok := m.zsets[key]
	if !ok {
		return false, nil
	}
	removed := z.rem(member)
	if z.len() == 0 {
		delete(m.zsets, key)
	}
	return removed, nil
}

// ZScore returns the score of member, used by tests and diagnostics.
func (m *Memory) ZScore(key, member string) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	z, ok := m.zsets[key]
	if !ok {
		return 0, false
	}
	mb, ok := z.lookup[member]
	if !ok {
		return 0, false
	}
	return mb.score, true
}

// HSet implements Store.
func (m *Memory) HSet(_ context.Context, key, field, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	h, ok := m.hashes[key]
	if !ok {
		h = map[string]string{}
		m.hashes[key] = h
	}
	h[field] = value
	return nil
}

// HGetAll implements Store.
func (m *Memory) HGetAll(_ context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := map[string]string{}
	for k, v := range m.hashes[key] {
		out[k] = v
	}
	return out, nil
}

// TakeToken implements BucketStore.
func (m *Memory) TakeToken(_ context.Context, key string, capacity, refillPerSec float64, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	b := m.bucket(key, capacity, now).Refill(capacity, refillPerSec, now.UnixMilli())
	ok := b.Tokens >= 1
	if ok {
		b.Tokens--
	}
	m.putBucket(key, b)
	return ok, nil
}

// ReturnToken implements BucketStore.
func (m *Memory) ReturnToken(_ context.Context, key string, capacity float64, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	b := m.bucket(key, capacity, now)
	b.Tokens++
	if b.Tokens > capacity {
		b.Tokens = capacity
	}
	m.putBucket(key, b)
	return nil
}

// bucket decodes the bucket at key, defaulting to a full bucket.
// Callers must hold m.mu.
func (m *Memory) bucket(key string, capacity float64, now time.Time) Bucket {
	b := FullBucket(capacity, now.UnixMilli())
	if e, ok := m.lookup(key); ok {
		var stored Bucket
		if err := json.Unmarshal([]byte(e.value), &stored); err == nil {
			b = stored
		}
	}
	return b
}

func (m *Memory) putBucket(key string, b Bucket) {
	data, _ := json.Marshal(b) // a struct of two numbers always marshals
	m.values[key] = entry{value: string(data)}
}
