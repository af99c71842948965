// Package ratelimit implements the shared login gate backed by a Redis token
// bucket. The in-process gate lives in the middleware package and uses
// httprate directly.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int64
	RetryAfter time.Duration
}

// Limiter decides whether a request identified by key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// bucketScript refills in whole intervals and takes one token per call. It
// returns {allowed, remaining, retry_after_ms}.
var bucketScript = redis.NewScript(`
local key = KEYS[1]
local now_ms = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local refill_tokens = tonumber(ARGV[3])
local interval_ms = tonumber(ARGV[4])
local ttl_seconds = tonumber(ARGV[5])

local state = redis.call('HMGET', key, 'tokens', 'last_refill_ms')
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if tokens == nil or last_refill == nil then
	tokens = capacity
	last_refill = now_ms
end

if interval_ms > 0 and refill_tokens > 0 then
	local elapsed = math.max(0, now_ms - last_refill)
	local intervals = math.floor(elapsed / interval_ms)
	if intervals > 0 then
		tokens = math.min(capacity, tokens + (intervals * refill_tokens))
		last_refill = last_refill + (intervals * interval_ms)
	end
end

local allowed = 0
local retry_after_ms = 0
if tokens > 0 then
	allowed = 1
	tokens = tokens - 1
else
	retry_after_ms = interval_ms - (now_ms - last_refill)
	if retry_after_ms < 0 then retry_after_ms = 0 end
end

redis.call('HSET', key, 'tokens', tokens, 'last_refill_ms', last_refill)
redis.call('EXPIRE', key, ttl_seconds)

return { allowed, tokens, retry_after_ms }
`)

// RedisBucket is a token bucket shared by every process talking to the same
// Redis. Capacity requests are allowed per Window, refilled one at a time.
type RedisBucket struct {
	client   redis.Scripter
	prefix   string
	capacity int
	window   time.Duration
	now      func() time.Time
}

// NewRedisBucket returns a bucket allowing capacity requests per window for
// each key. Keys are stored under prefix. A capacity below one is raised to
// one.
func NewRedisBucket(client redis.Scripter, prefix string, capacity int, window time.Duration) *RedisBucket {
	if capacity < 1 {
		capacity = 1
	}
	return &RedisBucket{
		client:   client,
		prefix:   prefix,
		capacity: capacity,
		window:   window,
		now:      time.Now,
	}
}

// Allow takes one token from key's bucket.
func (b *RedisBucket) Allow(ctx context.Context, key string) (Decision, error) {
	interval := b.window / time.Duration(b.capacity)
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	ttl := int64(b.window/time.Second) * 2
	if ttl < 1 {
		ttl = 1
	}

	vals, err := bucketScript.Run(ctx, b.client, []string{b.prefix + key},
		b.now().UnixMilli(),
		b.capacity,
		1,
		interval.Milliseconds(),
		ttl,
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit script: %w", err)
	}
	if len(vals) != 3 {
		return Decision{}, fmt.Errorf("rate limit script: unexpected result %v", vals)
	}

	return Decision{
		Allowed:    vals[0] == 1,
		Limit:      b.capacity,
		Remaining:  vals[1],
		RetryAfter: time.Duration(vals[2]) * time.Millisecond,
	}, nil
}

// RetryAfterSeconds rounds d up to whole seconds for a Retry-After header.
func RetryAfterSeconds(d time.Duration) string {
	secs := int64((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}
