// Copyright 2026 Changkun Ou. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

package store

import (
	"context"
	"errors"
	"math"
	"strconv"
	"time"

	"github.com/gomodule/redigo/redis"
)

// Redis is a Store backed by a redigo connection pool.
type Redis struct {
	pool *redis.Pool
}

// NewRedis wraps an existing pool, see internal/pool for building one.
func NewRedis(p *redis.Pool) *Redis {
	return &Redis{pool: p}
}

// Close closes the underlying pool.
func (r *Redis) Close() error {
	return r.pool.Close()
}

func (r *Redis) do(ctx context.Context, cmd string, args ...interface{}) (interface{}, error) {
	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	return redis.DoContext(conn, ctx, cmd, args...)
}

// Get implements Store with GET.
func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := redis.String(r.do(ctx, "GET", key))
	if errors.Is(err, redis.ErrNil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// Set implements Store with SET [EX seconds] [NX].
func (r *Redis) Set(ctx context.Context, key, value string, opts SetOptions) (bool, error) {
	args := []interface{}{key, value}
	if opts.TTL > 0 {
		args = append(args, "EX", ttlSeconds(opts.TTL))
	}
	if opts.NX {
		args = append(args, "NX")
	}
	reply, err := redis.String(r.do(ctx, "SET", args...))
	if errors.Is(err, redis.ErrNil) {
		// NX and the key already exists
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return reply == "OK", nil
}

// ttlSeconds rounds a TTL up to whole seconds, never below one.
func ttlSeconds(d time.Duration) int64 {
	s := int64(math.Ceil(d.Seconds()))
	if s < 1 {
		s = 1
	}
	return s
}

// Incr implements Store with INCR.
func (r *Redis) Incr(ctx context.Context, key string) (int64, error) {
	return redis.Int64(r.do(ctx, "INCR", key))
}

// Decr implements Store with DECR.
func (r *Redis) Decr(ctx context.Context, key string) (int64, error) {
	return redis.Int64(r.do(ctx, "DECR", key))
}

// Del implements Store with DEL.
func (r *Redis) Del(ctx context.Context, key string) error {
	_, err := r.do(ctx, "DEL", key)
	return err
}

// ZAdd implements Store with ZADD.
func (r *Redis) ZAdd(ctx context.Context, key string, score float64, member string) error {
	_, err := r.do(ctx, "ZADD", key, formatScore(score), member)
	return err
}

// ZRangeByScore implements Store with ZRANGEBYSCORE [LIMIT offset count].
func (r *Redis) ZRangeByScore(ctx context.Context, key string, min, max float64, limit *Limit) ([]string, error) {
	args := []interface{}{key, formatScore(min), formatScore(max)}
	if limit != nil {
		count := limit.Count
		if count <= 0 {
			count = -1
		}
		args = append(args, "LIMIT", limit.Offset, count)
	}
	members, err := redis.Strings(r.do(ctx, "ZRANGEBYSCORE", args...))
	if err != nil {
		return nil, err
	}
	if members == nil {
		members = []string{}
	}
	return members, nil
}

func formatScore(f float64) string {
	switch {
	case math.IsInf(f, -1):
		return "-inf"
	case math.IsInf(f, 1):
		return "+inf"
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// ZRem implements Store with ZREM.
func (r *Redis) ZRem(ctx context.Context, key, member string) (bool, error) {
	n, err := redis.Int(r.do(ctx, "ZREM", key, member))
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// HSet implements Store with HSET.
func (r *Redis) HSet(ctx context.Context, key, field, value string) error {
	_, err := r.do(ctx, "HSET", key, field, value)
	return err
}

// HGetAll implements Store with HGETALL.
func (r *Redis) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return redis.StringMap(r.do(ctx, "HGETALL", key))
}

// releaseScript deletes KEYS[1] only while it holds ARGV[1].
var releaseScript = redis.NewScript(1, `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// DelIfEqual implements LockReleaser.
func (r *Redis) DelIfEqual(ctx context.Context, key, value string) (bool, error) {
	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Close()
	n, err := redis.Int(releaseScript.DoContext(ctx, conn, key, value))
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// takeTokenScript refills the bucket at KEYS[1] and takes one token.
//
//	ARGV[1] capacity, ARGV[2] refill per second, ARGV[3] now in ms
//
// The bucket is stored as the same JSON blob the non-atomic path uses.
var takeTokenScript = redis.NewScript(1, `
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local tokens = capacity
local last = now
local raw = redis.call("GET", KEYS[1])
if raw then
	local ok, state = pcall(cjson.decode, raw)
	if ok and type(state) == "table" then
		tokens = tonumber(state["tokens"]) or capacity
		last = tonumber(state["lastRefillMs"]) or now
	end
end

local elapsed = (now - last) / 1000
if elapsed < 0 then
	elapsed = 0
end
tokens = math.min(capacity, tokens + elapsed * rate)
if tokens < 0 then
	tokens = 0
end

local allowed = 0
if tokens >= 1 then
	tokens = tokens - 1
	allowed = 1
end
redis.call("SET", KEYS[1], cjson.encode({tokens = tokens, lastRefillMs = now}))
return allowed
`)

// returnTokenScript puts one token back into KEYS[1] bounded by ARGV[1].
var returnTokenScript = redis.NewScript(1, `
local capacity = tonumber(ARGV[1])
local now = tonumber(ARGV[2])

local tokens = capacity
local last = now
local raw = redis.call("GET", KEYS[1])
if raw then
	local ok, state = pcall(cjson.decode, raw)
	if ok and type(state) == "table" then
		tokens = tonumber(state["tokens"]) or capacity
		last = tonumber(state["lastRefillMs"]) or now
	end
end
tokens = math.min(capacity, tokens + 1)
redis.call("SET", KEYS[1], cjson.encode({tokens = tokens, lastRefillMs = last}))
return 1
`)

// TakeToken implements BucketStore with a Lua script.
func (r *Redis) TakeToken(ctx context.Context, key string, capacity, refillPerSec float64, now time.Time) (bool, error) {
	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Close()
	n, err := redis.Int(takeTokenScript.DoContext(ctx, conn, key,
		formatScore(capacity), formatScore(refillPerSec), now.UnixMilli()))
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ReturnToken implements BucketStore with a Lua script.
func (r *Redis) ReturnToken(ctx context.Context, key string, capacity float64, now time.Time) error {
	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = returnTokenScript.DoContext(ctx, conn, key, formatScore(capacity), now.UnixMilli())
	return err
}
