package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestFixedWindowLimiterBlocksAfterLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	limiter, err := NewRedisFixedWindowLimiter(mr.Addr(), "", "test:ratelimit", 2, time.Minute)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if ok, _ := limiter.Allow(ctx, "login|198.51.100.1"); !ok {
			t.Fatalf("attempt %d should pass", i+1)
		}
	}
	ok, retry := limiter.Allow(ctx, "login|198.51.100.1")
	if ok {
		t.Fatalf("third attempt should be blocked")
	}
	if retry <= 0 || retry > time.Minute {
		t.Fatalf("retryAfter = %v, want within the window", retry)
	}
	if ok, _ := limiter.Allow(ctx, "login|198.51.100.2"); !ok {
		t.Fatalf("other keys have their own quota")
	}
}

func TestFixedWindowLimiterResetsNextWindow(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	limiter, err := NewFixedWindowLimiter(client, "", 1, time.Minute)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	now := time.Date(2026, 1, 1, 12, 0, 10, 0, time.UTC)
	limiter.now = func() time.Time { return now }

	ctx := context.Background()
	if ok, _ := limiter.Allow(ctx, "k"); !ok {
		t.Fatalf("first attempt should pass")
	}
	ok, retry := limiter.Allow(ctx, "k")
	if ok || retry != 50*time.Second {
		t.Fatalf("second attempt = %v, retry %v; want blocked for 50s", ok, retry)
	}
	now = now.Add(time.Minute)
	if ok, _ := limiter.Allow(ctx, "k"); !ok {
		t.Fatalf("next window should pass")
	}
	if keys := mr.Keys(); len(keys) != 2 || keys[0][:len(defaultPrefix)] != defaultPrefix {
		t.Fatalf("unexpected redis keys: %v", keys)
	}
}

func TestFixedWindowLimiterFailsClosed(t *testing.T) {
	mr := miniredis.RunT(t)
	limiter, err := NewRedisFixedWindowLimiter(mr.Addr(), "", "test:ratelimit", 1, time.Second)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	mr.Close()
	if ok, _ := limiter.Allow(context.Background(), "ip-1"); ok {
		t.Fatalf("limiter should deny when redis is down")
	}
}

func TestFixedWindowLimiterConstructorErrors(t *testing.T) {
	if _, err := NewRedisFixedWindowLimiter("", "", "p", 1, time.Second); err == nil {
		t.Fatalf("expected error for empty redis addr")
	}
	if _, err := NewFixedWindowLimiter(nil, "p", 1, time.Second); err == nil {
		t.Fatalf("expected error for nil client")
	}
	mr := miniredis.RunT(t)
	if _, err := NewRedisFixedWindowLimiter(mr.Addr(), "", "p", 0, time.Second); err == nil {
		t.Fatalf("expected error for zero limit")
	}
}
