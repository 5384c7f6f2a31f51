// Copyright 2026 Changkun Ou. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

// Package pool builds redigo connection pools.
package pool

import (
	"context"
	"fmt"
	"time"

	"github.com/gomodule/redigo/redis"
)

// Options of a redis connection pool.
type Options struct {
	MaxIdle     int
	MaxActive   int
	IdleTimeout time.Duration
	DialTimeout time.Duration
}

// DefaultOptions mirrors the pool settings the scheduler has always used.
var DefaultOptions = Options{
	MaxIdle:     10,
	IdleTimeout: 240 * time.Second,
	DialTimeout: 5 * time.Second,
}

// New creates a redis connection pool for the given URL, e.g.
// redis://127.0.0.1:6379/1. The URL is validated by dialing once.
func New(ctx context.Context, url string, opts Options) (*redis.Pool, error) {
	if opts.MaxIdle <= 0 {
		opts.MaxIdle = DefaultOptions.MaxIdle
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultOptions.IdleTimeout
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultOptions.DialTimeout
	}
	p := &redis.Pool{
		MaxIdle:     opts.MaxIdle,
		MaxActive:   opts.MaxActive,
		IdleTimeout: opts.IdleTimeout,
		DialContext: func(ctx context.Context) (redis.Conn, error) {
			return redis.DialURLContext(ctx, url, redis.DialConnectTimeout(opts.DialTimeout))
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}
	conn, err := p.GetContext(ctx)
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("dial redis: %w", err)
	}
	defer conn.Close()
	if _, err := conn.Do("PING"); err != nil {
		p.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return p, nil
}
