package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowLua implements the timestamp-set variant of sliding
// window: evict entries older than the window, count what remains,
// add the current call if under limit. Mirrors the teacher's
// token-bucket script structure (HMGET-style read, single EVAL,
// PEXPIRE) but keeps a ZSET of call timestamps instead of a token
// count, since the window needs exact eviction rather than refill math.
const slidingWindowLua = `
local key = KEYS[1]
local now_ms = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call("ZREMRANGEBYSCORE", key, "-inf", now_ms - window_ms)
local count = redis.call("ZCARD", key)

local allowed = 0
if count < limit then
  redis.call("ZADD", key, now_ms, member)
  allowed = 1
  count = count + 1
end
redis.call("PEXPIRE", key, window_ms)

local retry_ms = 0
if allowed == 0 then
  local oldest = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
  if oldest[2] ~= nil then
    retry_ms = math.max(0, tonumber(oldest[2]) + window_ms - now_ms)
  else
    retry_ms = window_ms
  end
end

return {allowed, limit - count, retry_ms}
`

// SlidingWindowLimiter implements the sliding-window-over-timestamp-set
// algorithm against Redis.
type SlidingWindowLimiter struct {
	rdb    *redis.Client
	window time.Duration
}

func NewSlidingWindowLimiter(rdb *redis.Client, window time.Duration) *SlidingWindowLimiter {
	return &SlidingWindowLimiter{rdb: rdb, window: window}
}

// Allow treats rps*window-in-seconds as the call budget for the
// window and burst as an explicit override of that budget when set.
func (s *SlidingWindowLimiter) Allow(ctx context.Context, key string, rps, burst, cost float64) (Decision, error) {
	limit := burst
	if limit <= 0 {
		limit = rps * s.window.Seconds()
	}
	now := time.Now().UnixMilli()
	member := randomMember(now)
	res, err := s.rdb.Eval(ctx, slidingWindowLua, []string{key}, now, s.window.Milliseconds(), limit, member).Result()
	if err != nil {
		return Decision{}, err
	}
	arr, ok := res.([]any)
	if !ok || len(arr) != 3 {
		return Decision{}, redis.Nil
	}
	allowed := toInt(arr[0]) == 1
	remaining := toFloat(arr[1])
	retryMs := toInt(arr[2])

	dec := Decision{Allowed: allowed, Remaining: remaining, LimitRPS: rps, Burst: limit}
	if !allowed {
		dec.RetryAfterSeconds = int((retryMs + 999) / 1000)
	}
	return dec, nil
}

func (s *SlidingWindowLimiter) Close() error { return s.rdb.Close() }

var memberCounter uint64

func randomMember(nowMs int64) string {
	memberCounter++
	return itoa64(nowMs) + "-" + itoa64(int64(memberCounter))
}

func itoa64(v int64) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
