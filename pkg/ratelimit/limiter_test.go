package ratelimit

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestMemoryLimiter(t *testing.T) {
	limiter := NewMemory(50 * time.Millisecond)
	key := EvaluateKey("principal-a")

	first := limiter.Allow(key, 2)
	if !first.Allowed || first.Used != 1 || first.Remaining != 1 {
		t.Fatalf("unexpected first result: %+v", first)
	}
	second := limiter.Allow(key, 2)
	if !second.Allowed || second.Used != 2 || second.Remaining != 0 {
		t.Fatalf("unexpected second result: %+v", second)
	}
	third := limiter.Allow(key, 2)
	if third.Allowed || third.Used != 3 || third.Remaining != 0 {
		t.Fatalf("over-limit request must be denied: %+v", third)
	}
	if third.RetryAfter <= 0 || third.RetryAfter > 50*time.Millisecond {
		t.Fatalf("denial must carry the wait until reset: %v", third.RetryAfter)
	}

	time.Sleep(70 * time.Millisecond)
	reset := limiter.Allow(key, 2)
	if !reset.Allowed || reset.Used != 1 {
		t.Fatalf("expected a fresh window after reset, got %+v", reset)
	}
}

func TestMemoryLimiterIsolatesPrincipals(t *testing.T) {
	limiter := NewMemory(time.Minute)
	a := limiter.Allow(EvaluateKey("principal-a"), 1)
	b := limiter.Allow(EvaluateKey("principal-b"), 1)
	if !a.Allowed || !b.Allowed {
		t.Fatalf("windows must be per principal: %+v %+v", a, b)
	}
}

func TestMemoryLimiterLimitFloor(t *testing.T) {
	limiter := NewMemory(time.Minute)
	res := limiter.Allow(EvaluateKey("p"), 0)
	if !res.Allowed || res.Limit != 1 {
		t.Fatalf("non-positive limits floor to 1, got %+v", res)
	}
}

func TestRedisLimiter(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	limiter := NewRedis(client, 25*time.Millisecond)
	key := EvaluateKey("principal-a")

	first := limiter.Allow(key, 2)
	if !first.Allowed || first.Used != 1 || first.Remaining != 1 {
		t.Fatalf("unexpected first result: %+v", first)
	}
	second := limiter.Allow(key, 2)
	if !second.Allowed || second.Used != 2 {
		t.Fatalf("unexpected second result: %+v", second)
	}
	third := limiter.Allow(key, 2)
	if third.Allowed {
		t.Fatalf("over-limit request must be denied: %+v", third)
	}
	if third.RetryAfter <= 0 {
		t.Fatalf("denial must carry retry-after from PTTL: %+v", third)
	}

	mr.FastForward(30 * time.Millisecond)
	reset := limiter.Allow(key, 2)
	if !reset.Allowed || reset.Used != 1 {
		t.Fatalf("expected a fresh window after expiry, got %+v", reset)
	}
}

func TestRedisLimiterFallsBackOnOutage(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:         "127.0.0.1:1",
		DialTimeout:  5 * time.Millisecond,
		ReadTimeout:  5 * time.Millisecond,
		WriteTimeout: 5 * time.Millisecond,
		MaxRetries:   0,
	})
	defer client.Close()

	limiter := NewRedis(client, time.Second)
	key := EvaluateKey("principal-a")
	first := limiter.Allow(key, 1)
	if !first.Allowed || first.Used != 1 {
		t.Fatalf("fallback must admit the first request: %+v", first)
	}
	second := limiter.Allow(key, 1)
	if second.Allowed {
		t.Fatalf("fallback must still enforce the limit: %+v", second)
	}
}

func TestRedisLimiterNilClient(t *testing.T) {
	limiter := NewRedis(nil, 0)
	if limiter.Window != time.Minute {
		t.Fatalf("expected default one-minute window, got %v", limiter.Window)
	}
	if !limiter.Allow(EvaluateKey("p"), 5).Allowed {
		t.Fatal("nil client must use the memory fallback")
	}
}
