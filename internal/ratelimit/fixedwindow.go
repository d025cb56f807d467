package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// fixedWindowLua buckets calls into the current window-sized epoch
// via INCR+EXPIRE; simplest of the three algorithms, and the cheapest
// on the store.
const fixedWindowLua = `
local key = KEYS[1]
local window_s = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])

local count = redis.call("INCR", key)
if count == 1 then
  redis.call("EXPIRE", key, window_s)
end

local allowed = 0
if count <= limit then
  allowed = 1
end

local ttl = redis.call("TTL", key)
if ttl < 0 then
  ttl = window_s
end

return {allowed, limit - count, ttl}
`

// FixedWindowLimiter implements the fixed-window counter algorithm.
type FixedWindowLimiter struct {
	rdb    *redis.Client
	window time.Duration
}

func NewFixedWindowLimiter(rdb *redis.Client, window time.Duration) *FixedWindowLimiter {
	return &FixedWindowLimiter{rdb: rdb, window: window}
}

func (f *FixedWindowLimiter) Allow(ctx context.Context, key string, rps, burst, cost float64) (Decision, error) {
	limit := burst
	if limit <= 0 {
		limit = rps * f.window.Seconds()
	}
	res, err := f.rdb.Eval(ctx, fixedWindowLua, []string{key}, int(f.window.Seconds()), limit).Result()
	if err != nil {
		return Decision{}, err
	}
	arr, ok := res.([]any)
	if !ok || len(arr) != 3 {
		return Decision{}, redis.Nil
	}
	allowed := toInt(arr[0]) == 1
	remaining := toFloat(arr[1])
	retrySec := toInt(arr[2])

	dec := Decision{Allowed: allowed, Remaining: remaining, LimitRPS: rps, Burst: limit}
	if !allowed {
		dec.RetryAfterSeconds = int(retrySec)
	}
	return dec, nil
}

func (f *FixedWindowLimiter) Close() error { return f.rdb.Close() }
