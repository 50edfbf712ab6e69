package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// One atomic INCR + window-start expiry; PTTL drives RetryAfter on denials.
var fixedWindowScript = redis.NewScript(`
local used = redis.call("INCR", KEYS[1])
if used == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {used, ttl}
`)

// RedisLimiter shares windows across gateway replicas. Any redis failure
// degrades to the per-process memory limiter rather than refusing decisions.
type RedisLimiter struct {
	Client   *redis.Client
	Window   time.Duration
	Prefix   string
	Fallback *MemoryLimiter
}

func NewRedis(client *redis.Client, windowSize time.Duration) *RedisLimiter {
	if windowSize <= 0 {
		windowSize = time.Minute
	}
	return &RedisLimiter{
		Client:   client,
		Window:   windowSize,
		Prefix:   "caracal:rl:",
		Fallback: NewMemory(windowSize),
	}
}

func (l *RedisLimiter) Allow(principalKey string, limit int) Result {
	if limit <= 0 {
		limit = 1
	}
	if l.Client == nil {
		return l.fallback(principalKey, limit)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := fixedWindowScript.Run(ctx, l.Client, []string{l.Prefix + principalKey}, l.Window.Milliseconds()).Result()
	if err != nil {
		return l.fallback(principalKey, limit)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return l.fallback(principalKey, limit)
	}
	used, _ := vals[0].(int64)
	ttlMS, _ := vals[1].(int64)
	if ttlMS < 0 {
		ttlMS = l.Window.Milliseconds()
	}
	return result(int(used), limit, time.Duration(ttlMS)*time.Millisecond)
}

func (l *RedisLimiter) fallback(principalKey string, limit int) Result {
	if l.Fallback != nil {
		return l.Fallback.Allow(principalKey, limit)
	}
	return Result{Allowed: true, Limit: limit, Remaining: limit}
}
