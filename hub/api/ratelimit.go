package api

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"
)

// rateLimiter is a token-bucket limiter shared by the login and API
// throttles. Buckets are keyed by whatever the middleware extracts from the
// request: client IP for the login route, user ID for the authenticated API.
type rateLimiter struct {
	mu     sync.Mutex
	perKey map[string]*tokenBucket
	rate   float64
	burst  float64
}

type tokenBucket struct {
	tokens float64
	seen   time.Time
}

func newRateLimiter(perSecond float64, burst int) *rateLimiter {
	return &rateLimiter{
		perKey: make(map[string]*tokenBucket),
		rate:   perSecond,
		burst:  float64(burst),
	}
}

func (rl *rateLimiter) allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	b := rl.perKey[key]
	if b == nil {
		rl.perKey[key] = &tokenBucket{tokens: rl.burst - 1, seen: now}
		return true
	}

	b.tokens += now.Sub(b.seen).Seconds() * rl.rate
	if b.tokens > rl.burst {
		b.tokens = rl.burst
	}
	b.seen = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// StartCleanup drops buckets idle longer than maxAge so one-off clients do
// not accumulate forever.
func (rl *rateLimiter) StartCleanup(ctx context.Context, interval, maxAge time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cutoff := time.Now().Add(-maxAge)
				rl.mu.Lock()
				for key, b := range rl.perKey {
					if b.seen.Before(cutoff) {
						delete(rl.perKey, key)
					}
				}
				rl.mu.Unlock()
			}
		}
	}()
}

// throttle builds middleware that rejects a request once the bucket for the
// extracted key is drained. An empty key bypasses the limiter.
func throttle(rl *rateLimiter, key func(*http.Request) string, message string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if k := key(r); k != "" && !rl.allow(k) {
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, message)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP strips the port from RemoteAddr. RealIP has already resolved any
// forwarded headers by the time this runs.
func clientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

func userKey(r *http.Request) string {
	if id := getIdentityFromContext(r.Context()); id != nil {
		return id.UserID
	}
	return ""
}
