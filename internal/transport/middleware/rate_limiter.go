// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const headerRateLimitLimit = "X-RateLimit-Limit"
const headerRateLimitRemaining = "X-RateLimit-Remaining"
const headerRetryAfter = "Retry-After"

// idleBucketTTL is how long an untouched client bucket is kept.
const idleBucketTTL = 10 * time.Minute

type rateLimitDecision struct {
	Allowed           bool
	LimitPerMinute    int
	Remaining         int
	RetryAfterSeconds int
}

type tokenBucket struct {
	capacity        float64
	tokens          float64
	refillPerSecond float64
	lastRefill      time.Time
}

type inMemoryRateLimiter struct {
	mu        sync.Mutex
	buckets   map[string]*tokenBucket
	lastSweep time.Time
}

func newInMemoryRateLimiter() *inMemoryRateLimiter {
	return &inMemoryRateLimiter{
		buckets: make(map[string]*tokenBucket, 32),
	}
}

func (l *inMemoryRateLimiter) Allow(client string, limitPerMinute int, now time.Time) rateLimitDecision {
	if limitPerMinute <= 0 {
		limitPerMinute = 1
	}

	capacity := float64(limitPerMinute)
	refillPerSecond := capacity / 60.0

	l.mu.Lock()
	defer l.mu.Unlock()

	l.sweepLocked(now)

	bucket, ok := l.buckets[client]
	if !ok || bucket.capacity != capacity {
		bucket = &tokenBucket{
			capacity:        capacity,
			tokens:          capacity,
			refillPerSecond: refillPerSecond,
			lastRefill:      now,
		}
		l.buckets[client] = bucket
	}

	elapsedSeconds := now.Sub(bucket.lastRefill).Seconds()
	if elapsedSeconds > 0 {
		bucket.tokens += elapsedSeconds * bucket.refillPerSecond
		if bucket.tokens > bucket.capacity {
			bucket.tokens = bucket.capacity
		}
		bucket.lastRefill = now
	}

	decision := rateLimitDecision{
		Allowed:        false,
		LimitPerMinute: limitPerMinute,
		Remaining:      int(math.Floor(bucket.tokens)),
	}

	if bucket.tokens >= 1 {
		bucket.tokens -= 1
		decision.Allowed = true
		decision.Remaining = int(math.Floor(bucket.tokens))
		return decision
	}

	missingTokens := 1 - bucket.tokens
	waitSeconds := int(math.Ceil(missingTokens / bucket.refillPerSecond))
	if waitSeconds < 1 {
		waitSeconds = 1
	}
	decision.RetryAfterSeconds = waitSeconds
	return decision
}

// sweepLocked drops buckets idle long enough to be full again.
func (l *inMemoryRateLimiter) sweepLocked(now time.Time) {
	if now.Sub(l.lastSweep) < idleBucketTTL {
		return
	}
	l.lastSweep = now
	for client, bucket := range l.buckets {
		if now.Sub(bucket.lastRefill) >= idleBucketTTL {
			delete(l.buckets, client)
		}
	}
}

// ClientRateLimit applies a per-client token bucket of limitPerMinute
// requests. Clients are keyed by remote IP. A non-positive limit disables
// the check.
func ClientRateLimit(limitPerMinute int, logger *slog.Logger) func(http.Handler) http.Handler {
	return clientRateLimitWithLimiter(limitPerMinute, newInMemoryRateLimiter(), time.Now, logger)
}

func clientRateLimitWithLimiter(
	limitPerMinute int,
	limiter *inMemoryRateLimiter,
	now func() time.Time,
	logger *slog.Logger,
) func(http.Handler) http.Handler {
	if limitPerMinute <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	if logger == nil {
		logger = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			client := clientKey(r)
			decision := limiter.Allow(client, limitPerMinute, now())
			w.Header().Set(headerRateLimitLimit, strconv.Itoa(decision.LimitPerMinute))
			w.Header().Set(headerRateLimitRemaining, strconv.Itoa(decision.Remaining))
			if !decision.Allowed {
				logger.Warn("request rate limited",
					"path", r.URL.Path,
					"client", client,
					"retry_after_s", decision.RetryAfterSeconds,
				)
				w.Header().Set(headerRetryAfter, strconv.Itoa(decision.RetryAfterSeconds))
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}
