package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenBucket is a Redis-backed token bucket shared by every API replica.
type TokenBucket struct {
	client   redis.Scripter
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
	now      func() time.Time
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Remaining float64
	// RetryAfter is how long until the next token, zero when Allowed.
	RetryAfter time.Duration
}

func NewTokenBucket(client redis.Scripter, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	return &TokenBucket{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
		now:      time.Now,
	}
}

// WithClock overrides the time source fed to the script.
func (b *TokenBucket) WithClock(now func() time.Time) *TokenBucket {
	b.now = now
	return b
}

// Key namespaces a bucket, e.g. Key("control", "203.0.113.7").
func Key(scope, subject string) string {
	return fmt.Sprintf("rl:%s:%s", scope, subject)
}

// Allow takes one token from key's bucket when one is available.
func (b *TokenBucket) Allow(ctx context.Context, key string) (Decision, error) {
	res, err := takeScript.Run(ctx, b.client, []string{key},
		b.capacity, b.refill, b.now().UnixMilli(), b.ttl.Milliseconds()).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit %s: %w", key, err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("rate limit %s: unexpected reply length %d", key, len(res))
	}
	granted, _ := res[0].(int64)
	// Lua numbers are truncated to integers on the way out, so the script scales by 1000.
	milli, _ := res[1].(int64)
	waitMS, _ := res[2].(int64)
	d := Decision{
		Allowed:    granted == 1,
		Remaining:  float64(milli) / 1000,
		RetryAfter: time.Duration(waitMS) * time.Millisecond,
	}
	if waitMS < 0 {
		// No refill configured: the bucket only recovers when the key expires.
		d.RetryAfter = b.ttl
	}
	return d, nil
}

// RetryAfterSeconds rounds up for the Retry-After header.
func (d Decision) RetryAfterSeconds() int {
	return int(math.Ceil(d.RetryAfter.Seconds()))
}

var takeScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call('HMGET', KEYS[1], 'tokens', 'ts')
local tokens = tonumber(state[1]) or capacity
local ts = tonumber(state[2]) or now
if now > ts then
  tokens = math.min(capacity, tokens + (now - ts) * rate / 1000)
  ts = now
end

local granted = 0
local wait = 0
if tokens >= 1 then
  granted = 1
  tokens = tokens - 1
elseif rate > 0 then
  wait = math.ceil((1 - tokens) * 1000 / rate)
else
  wait = -1
end

redis.call('HSET', KEYS[1], 'tokens', tokens, 'ts', ts)
if ttl > 0 then
  redis.call('PEXPIRE', KEYS[1], ttl)
end
return {granted, math.floor(tokens * 1000), wait}
`)
