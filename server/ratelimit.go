package server

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter decides whether a request identified by key may proceed. When it may
// not, the returned duration is the time until a retry can succeed.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, time.Duration, error)
}

// NewRateLimiter builds the limiter selected by rate_limit.strategy.
func NewRateLimiter(cfg RateLimitConfig, counters CounterStore) (RateLimiter, error) {
	switch cfg.Strategy {
	case "", RateLimitStrategyMemory:
		return NewFixedWindowLimiter(cfg.Requests, cfg.Window), nil
	case RateLimitStrategyBucket:
		return NewTokenBucketLimiter(cfg.Requests, cfg.Window), nil
	case RateLimitStrategyDatabase:
		if counters == nil {
			return nil, fmt.Errorf("rate limit strategy %q needs a counter store", cfg.Strategy)
		}
		return NewStoreLimiter(counters, cfg.Requests, cfg.Window), nil
	default:
		return nil, fmt.Errorf("unknown rate limit strategy %q", cfg.Strategy)
	}
}

type windowCounter struct {
	count     int
	expiresAt time.Time
}

// FixedWindowLimiter allows limit requests per key per window, in process memory.
type FixedWindowLimiter struct {
	mu           sync.Mutex
	windows      map[string]*windowCounter
	limit        int
	window       time.Duration
	sweepCounter int
	now          func() time.Time
}

// NewFixedWindowLimiter creates an in-memory fixed window limiter.
func NewFixedWindowLimiter(limit int, window time.Duration) *FixedWindowLimiter {
	return &FixedWindowLimiter{
		windows: make(map[string]*windowCounter),
		limit:   limit,
		window:  window,
		now:     time.Now,
	}
}

// Allow implements RateLimiter.
func (l *FixedWindowLimiter) Allow(_ context.Context, key string) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	c, exists := l.windows[key]

	// The boundary instant starts a new window.
	if !exists || !now.Before(c.expiresAt) {
		l.windows[key] = &windowCounter{count: 1, expiresAt: now.Add(l.window)}

		l.sweepCounter++
		if l.sweepCounter >= 100 {
			l.sweep(now)
			l.sweepCounter = 0
		}
		return true, 0, nil
	}

	if c.count < l.limit {
		c.count++
		return true, 0, nil
	}
	return false, c.expiresAt.Sub(now), nil
}

// sweep must be called with l.mu held.
func (l *FixedWindowLimiter) sweep(now time.Time) {
	for k, c := range l.windows {
		if !now.Before(c.expiresAt) {
			delete(l.windows, k)
		}
	}
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// TokenBucketLimiter refills limit tokens per window per key, allowing bursts of limit.
type TokenBucketLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	every   rate.Limit
	burst   int
	idle    time.Duration
	now     func() time.Time
}

// NewTokenBucketLimiter creates a per-key token bucket limiter.
func NewTokenBucketLimiter(limit int, window time.Duration) *TokenBucketLimiter {
	return &TokenBucketLimiter{
		buckets: make(map[string]*bucket),
		every:   rate.Every(window / time.Duration(limit)),
		burst:   limit,
		idle:    window,
		now:     time.Now,
	}
}

// Allow implements RateLimiter.
func (l *TokenBucketLimiter) Allow(_ context.Context, key string) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.every, l.burst)}
		l.buckets[key] = b
		if len(l.buckets)%100 == 0 {
			l.evictIdle(now)
		}
	}
	b.lastSeen = now

	res := b.limiter.ReserveN(now, 1)
	if !res.OK() {
		return false, l.idle, nil
	}
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return false, delay, nil
	}
	return true, 0, nil
}

// evictIdle drops buckets untouched for a full window; a fresh bucket starts full,
// which is the state an idle bucket would have refilled to anyway.
func (l *TokenBucketLimiter) evictIdle(now time.Time) {
	for k, b := range l.buckets {
		if now.Sub(b.lastSeen) >= l.idle {
			delete(l.buckets, k)
		}
	}
}

// StoreLimiter is a fixed window limiter whose counters live in the database, so
// every process sharing the file shares the budget.
type StoreLimiter struct {
	counters CounterStore
	limit    int
	window   time.Duration
	now      func() time.Time
}

// NewStoreLimiter creates a limiter backed by counters.
func NewStoreLimiter(counters CounterStore, limit int, window time.Duration) *StoreLimiter {
	return &StoreLimiter{counters: counters, limit: limit, window: window, now: time.Now}
}

// Allow implements RateLimiter.
func (l *StoreLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	now := l.now()
	count, resetAt, err := l.counters.IncrementCounter(ctx, "ratelimit:"+key, now, l.window)
	if err != nil {
		return false, 0, err
	}
	if count <= l.limit {
		return true, 0, nil
	}
	return false, resetAt.Sub(now), nil
}

// ClientIP returns the rate limit key for a request: the leftmost X-Forwarded-For
// address when proxy headers are trusted, otherwise the remote address host.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			ip := strings.TrimSpace(strings.SplitN(xff, ",", 2)[0])
			if net.ParseIP(ip) != nil {
				return ip
			}
		}
	}
	host := r.RemoteAddr
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if host == "" {
		return "unknown"
	}
	return host
}

// RateLimit rejects requests over the limiter's budget with 429. Limiter errors are
// logged and the request is let through.
func RateLimit(limiter RateLimiter, keyFunc func(*http.Request) string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil || keyFunc == nil {
				next.ServeHTTP(w, r)
				return
			}

			key := keyFunc(r)
			allowed, retryAfter, err := limiter.Allow(r.Context(), key)
			if err != nil {
				logger.Error("rate limiter failed", "error", err, "path", r.URL.Path)
				next.ServeHTTP(w, r)
				return
			}
			if allowed {
				next.ServeHTTP(w, r)
				return
			}

			retrySeconds := int(math.Ceil(retryAfter.Seconds()))
			if retrySeconds < 1 {
				retrySeconds = 1
			}
			logger.Warn("rate limit exceeded", "key", key, "path", r.URL.Path, "retry_after", retrySeconds)

			w.Header().Set("Retry-After", strconv.Itoa(retrySeconds))
			http.Error(w, "Too many requests", http.StatusTooManyRequests)
		})
	}
}
