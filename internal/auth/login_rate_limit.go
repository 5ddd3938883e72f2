package auth

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/redis/go-redis/v9"

	"github.com/anushkaabajpaiii/auth-vault/internal/observability"
)

// ipHitCounter decides whether another login request from ip fits the window.
type ipHitCounter interface {
	allow(ctx context.Context, ip string, now time.Time) (bool, time.Duration, error)
}

// LoginRateLimiter throttles login requests per client IP, in front of the
// per-account lockout.
type LoginRateLimiter struct {
	counter ipHitCounter
}

func NewLoginRateLimiter(maxHits int, window time.Duration) *LoginRateLimiter {
	maxHits, window = rateLimitDefaults(maxHits, window)
	return &LoginRateLimiter{counter: &memoryHitCounter{
		maxHits:   maxHits,
		window:    window,
		hitByIP:   make(map[string][]time.Time),
		maxMemory: 5000,
	}}
}

// NewRedisLoginRateLimiter shares the per-IP budget across instances using a
// fixed window counter per IP.
func NewRedisLoginRateLimiter(client redis.UniversalClient, maxHits int, window time.Duration) *LoginRateLimiter {
	maxHits, window = rateLimitDefaults(maxHits, window)
	return &LoginRateLimiter{counter: &redisHitCounter{
		client:  client,
		maxHits: maxHits,
		window:  window,
	}}
}

func rateLimitDefaults(maxHits int, window time.Duration) (int, time.Duration) {
	if maxHits <= 0 {
		maxHits = 10
	}
	if window <= 0 {
		window = time.Minute
	}
	return maxHits, window
}

func (l *LoginRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, retryAfter, err := l.counter.allow(r.Context(), observability.ClientIP(r), time.Now().UTC())
		if err != nil {
			// fail open: the account lockout still applies
			sentry.CaptureException(err)
			next.ServeHTTP(w, r)
			return
		}
		if !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
			writeError(w, http.StatusTooManyRequests, "too many login attempts")
			return
		}

		next.ServeHTTP(w, r)
	})
}

type memoryHitCounter struct {
	mu        sync.Mutex
	maxHits   int
	window    time.Duration
	hitByIP   map[string][]time.Time
	maxMemory int
}

func (l *memoryHitCounter) allow(_ context.Context, ip string, now time.Time) (bool, time.Duration, error) {
	threshold := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	hits := l.hitByIP[ip]
	filtered := make([]time.Time, 0, len(hits)+1)
	for _, hit := range hits {
		if hit.After(threshold) {
			filtered = append(filtered, hit)
		}
	}

	if len(filtered) >= l.maxHits {
		retryAfter := filtered[0].Add(l.window).Sub(now)
		if retryAfter < time.Second {
			retryAfter = time.Second
		}
		l.hitByIP[ip] = filtered
		return false, retryAfter, nil
	}

	filtered = append(filtered, now)
	l.hitByIP[ip] = filtered

	if len(l.hitByIP) > l.maxMemory {
		for key, value := range l.hitByIP {
			if len(value) == 0 || value[len(value)-1].Before(threshold) {
				delete(l.hitByIP, key)
			}
		}
	}

	return true, 0, nil
}

type redisHitCounter struct {
	client  redis.UniversalClient
	maxHits int
	window  time.Duration
}

func (c *redisHitCounter) allow(ctx context.Context, ip string, _ time.Time) (bool, time.Duration, error) {
	key := "login_ip:" + ip

	hits, err := c.client.Incr(ctx, key).Result()
	if err != nil {
		return false, 0, fmt.Errorf("incr login ip counter: %w", err)
	}
	if hits == 1 {
		if err := c.client.Expire(ctx, key, c.window).Err(); err != nil {
			return false, 0, fmt.Errorf("expire login ip counter: %w", err)
		}
	}
	if hits <= int64(c.maxHits) {
		return true, 0, nil
	}

	retryAfter, err := c.client.TTL(ctx, key).Result()
	if err != nil {
		return false, 0, fmt.Errorf("ttl login ip counter: %w", err)
	}
	if retryAfter < time.Second {
		retryAfter = time.Second
	}

	return false, retryAfter, nil
}
