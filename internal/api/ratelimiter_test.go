package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type staticLimiter struct {
	allow bool
	seen  []string
}

func (s *staticLimiter) Allow(client string) bool {
	s.seen = append(s.seen, client)
	return s.allow
}

func TestRateLimitMiddlewareBlocksWhenLimiterDenies(t *testing.T) {
	limiter := &staticLimiter{allow: false}
	middleware := rateLimitMiddleware(limiter, http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		t.Fatalf("handler should not execute when rate limited")
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.7:52100"
	rec := httptest.NewRecorder()
	middleware.ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "1" {
		t.Fatalf("expected Retry-After header on throttled response, got %q", rec.Header().Get("Retry-After"))
	}
	if len(limiter.seen) != 1 || limiter.seen[0] != "203.0.113.7" {
		t.Fatalf("expected the client host as limiter key, got %v", limiter.seen)
	}
}

func TestRateLimitMiddlewareWithoutLimiterPassesThrough(t *testing.T) {
	var called bool
	middleware := rateLimitMiddleware(nil, http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		called = true
	}))

	middleware.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	if !called {
		t.Fatalf("expected handler to execute without a limiter")
	}
}

func TestClientLimiterKeepsSeparateBuckets(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	limiter := newClientLimiter(1, 1)
	limiter.clock = func() time.Time { return now }

	if !limiter.Allow("10.0.0.1") {
		t.Fatalf("expected first request from 10.0.0.1 to pass")
	}
	if limiter.Allow("10.0.0.1") {
		t.Fatalf("expected second immediate request from 10.0.0.1 to be throttled")
	}
	if !limiter.Allow("10.0.0.2") {
		t.Fatalf("expected another client to have its own bucket")
	}

	now = now.Add(time.Second)
	if !limiter.Allow("10.0.0.1") {
		t.Fatalf("expected bucket to refill after one second")
	}
}

func TestClientLimiterEvictsIdleClients(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	limiter := newClientLimiter(5, 5)
	limiter.clock = func() time.Time { return now }

	limiter.Allow("10.0.0.1")
	limiter.Allow("10.0.0.2")

	now = now.Add(clientIdleTTL / 2)
	limiter.Allow("10.0.0.2")

	now = now.Add(clientIdleTTL/2 + time.Second)
	limiter.Allow("10.0.0.3")

	if _, ok := limiter.buckets["10.0.0.1"]; ok {
		t.Fatalf("expected idle client to be evicted")
	}
	if _, ok := limiter.buckets["10.0.0.2"]; !ok {
		t.Fatalf("expected recently seen client to be kept")
	}
}

func TestClientLimiterClampsInvalidSettings(t *testing.T) {
	limiter := newClientLimiter(0, 0)
	if !limiter.Allow("c") {
		t.Fatalf("expected first request to be allowed")
	}
	if limiter.Allow("c") {
		t.Fatalf("expected burst of one to deny an immediate second request")
	}
	if got := limiter.retryAfter(); got != "1" {
		t.Fatalf("expected Retry-After of 1s, got %q", got)
	}
}
