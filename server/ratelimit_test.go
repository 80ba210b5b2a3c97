package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestFixedWindowLimiter(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	l := NewFixedWindowLimiter(10, time.Minute)
	l.now = clock.now
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		ok, _, err := l.Allow(ctx, "1.2.3.4")
		if err != nil || !ok {
			t.Fatalf("request %d denied", i+1)
		}
	}
	ok, retry, _ := l.Allow(ctx, "1.2.3.4")
	if ok {
		t.Fatal("11th request allowed")
	}
	if retry != time.Minute {
		t.Fatalf("retry = %v", retry)
	}

	if ok, _, _ := l.Allow(ctx, "5.6.7.8"); !ok {
		t.Fatal("other keys must have their own budget")
	}

	clock.advance(30 * time.Second)
	if _, retry, _ := l.Allow(ctx, "1.2.3.4"); retry != 30*time.Second {
		t.Fatalf("retry after 30s = %v", retry)
	}

	clock.advance(30 * time.Second)
	if ok, _, _ := l.Allow(ctx, "1.2.3.4"); !ok {
		t.Fatal("window boundary must reset the budget")
	}
}

func TestTokenBucketLimiter(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	l := NewTokenBucketLimiter(10, time.Minute)
	l.now = clock.now
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if ok, _, _ := l.Allow(ctx, "k"); !ok {
			t.Fatalf("burst request %d denied", i+1)
		}
	}
	ok, retry, _ := l.Allow(ctx, "k")
	if ok {
		t.Fatal("request beyond burst allowed")
	}
	if retry <= 0 || retry > 6*time.Second {
		t.Fatalf("retry = %v", retry)
	}

	clock.advance(6 * time.Second)
	if ok, _, _ := l.Allow(ctx, "k"); !ok {
		t.Fatal("refilled token not granted")
	}
}

func TestStoreLimiterSharesCounters(t *testing.T) {
	store := newTestStore(t)
	clock := &fakeClock{t: time.Now()}
	a := NewStoreLimiter(store, 3, time.Minute)
	b := NewStoreLimiter(store, 3, time.Minute)
	a.now, b.now = clock.now, clock.now
	ctx := context.Background()

	for _, l := range []*StoreLimiter{a, b, a} {
		if ok, _, err := l.Allow(ctx, "ip"); err != nil || !ok {
			t.Fatalf("allowed request denied: %v", err)
		}
	}
	ok, retry, err := b.Allow(ctx, "ip")
	if err != nil || ok {
		t.Fatalf("4th request: ok=%v err=%v", ok, err)
	}
	if retry <= 0 || retry > time.Minute {
		t.Fatalf("retry = %v", retry)
	}
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string) (bool, time.Duration, error) {
	return false, 0, errors.New("db down")
}

type denyLimiter struct{ retry time.Duration }

func (d denyLimiter) Allow(context.Context, string) (bool, time.Duration, error) {
	return false, d.retry, nil
}

func TestRateLimitMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	key := func(r *http.Request) string { return "k" }

	w := httptest.NewRecorder()
	RateLimit(failingLimiter{}, key, testLogger())(ok).ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("limiter errors must fail open, status = %d", w.Code)
	}

	w = httptest.NewRecorder()
	RateLimit(denyLimiter{retry: 1500 * time.Millisecond}, key, testLogger())(ok).ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", nil))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d", w.Code)
	}
	if got := w.Header().Get("Retry-After"); got != "2" {
		t.Fatalf("Retry-After = %q, want rounded up seconds", got)
	}
}

func TestRateLimitMiddlewareResetsAfterWindow(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	l := NewFixedWindowLimiter(10, time.Minute)
	l.now = clock.now
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })
	h := RateLimit(l, func(r *http.Request) string { return ClientIP(r, false) }, testLogger())(ok)

	post := func(addr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/oauth/authorize", nil)
		req.RemoteAddr = addr
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w
	}

	for i := 0; i < 10; i++ {
		if w := post("192.0.2.1:1000"); w.Code != http.StatusNoContent {
			t.Fatalf("request %d status = %d", i+1, w.Code)
		}
	}
	if w := post("192.0.2.1:1001"); w.Code != http.StatusTooManyRequests {
		t.Fatalf("11th request status = %d, want 429", w.Code)
	}
	if w := post("192.0.2.2:1000"); w.Code != http.StatusNoContent {
		t.Fatalf("other client status = %d", w.Code)
	}

	clock.advance(59 * time.Second)
	w := post("192.0.2.1:1000")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("inside window status = %d", w.Code)
	}
	if got := w.Header().Get("Retry-After"); got != "1" {
		t.Fatalf("Retry-After = %q, want 1", got)
	}

	clock.advance(time.Second)
	for i := 0; i < 10; i++ {
		if w := post("192.0.2.1:1000"); w.Code != http.StatusNoContent {
			t.Fatalf("new window request %d status = %d", i+1, w.Code)
		}
	}
	if w := post("192.0.2.1:1000"); w.Code != http.StatusTooManyRequests {
		t.Fatalf("new window 11th status = %d, want 429", w.Code)
	}
}

func TestNewRateLimiterStrategies(t *testing.T) {
	store := newTestStore(t)
	cfg := RateLimitConfig{Requests: 10, Window: time.Minute}

	for strategy, want := range map[string]string{
		"":                        "*server.FixedWindowLimiter",
		RateLimitStrategyMemory:   "*server.FixedWindowLimiter",
		RateLimitStrategyBucket:   "*server.TokenBucketLimiter",
		RateLimitStrategyDatabase: "*server.StoreLimiter",
	} {
		cfg.Strategy = strategy
		l, err := NewRateLimiter(cfg, store)
		if err != nil {
			t.Fatalf("%q: %v", strategy, err)
		}
		if got := fmt.Sprintf("%T", l); got != want {
			t.Fatalf("%q: limiter = %s, want %s", strategy, got, want)
		}
	}

	cfg.Strategy = "leaky"
	if _, err := NewRateLimiter(cfg, store); err == nil {
		t.Fatal("unknown strategy accepted")
	}
	cfg.Strategy = RateLimitStrategyDatabase
	if _, err := NewRateLimiter(cfg, nil); err == nil {
		t.Fatal("database strategy without store accepted")
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")

	if got := ClientIP(req, false); got != "10.0.0.1" {
		t.Fatalf("untrusted = %q", got)
	}
	if got := ClientIP(req, true); got != "203.0.113.9" {
		t.Fatalf("trusted = %q", got)
	}
	req.Header.Set("X-Forwarded-For", "garbage")
	if got := ClientIP(req, true); got != "10.0.0.1" {
		t.Fatalf("invalid XFF = %q", got)
	}
}
