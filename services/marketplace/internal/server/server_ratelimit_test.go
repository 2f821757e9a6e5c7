package server

import (
	"net/http"
	"strconv"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestLoginRateLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	_, ts := newTestServer(t, Config{
		Redis:                   client,
		LoginRateLimitPerMinute: 1,
	})
	register(t, ts.URL, "u@example.com")

	body := `{"email":"u@example.com","password":"p@ss1234"}`
	if resp := do(t, jsonRequest(t, http.MethodPost, ts.URL+"/api/auth/login", "", body), nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("first login expected 200, got %d", resp.StatusCode)
	}
	resp := do(t, jsonRequest(t, http.MethodPost, ts.URL+"/api/auth/login", "", body), nil)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second login expected 429, got %d", resp.StatusCode)
	}
	secs, err := strconv.Atoi(resp.Header.Get("Retry-After"))
	if err != nil || secs < 1 || secs > 60 {
		t.Fatalf("unexpected Retry-After %q", resp.Header.Get("Retry-After"))
	}

	// register has its own, unlimited, quota here
	register(t, ts.URL, "second@example.com")
}

func TestServerRequiresRedisForRateLimits(t *testing.T) {
	a := newTestApp(t)
	if _, err := New(Config{App: a, SignupRateLimitPerMinute: 1}); err == nil {
		t.Fatalf("expected limiter initialization to fail without redis")
	}
	if _, err := New(Config{App: a}); err != nil {
		t.Fatalf("limits disabled should not need redis: %v", err)
	}
	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected error without app")
	}
}
