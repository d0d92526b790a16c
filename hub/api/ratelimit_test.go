package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRateLimiterBurst(t *testing.T) {
	rl := newRateLimiter(1, 5)

	allowed := 0
	for i := 0; i < 20; i++ {
		if rl.allow("10.0.0.1") {
			allowed++
		}
	}
	if allowed < 5 || allowed > 6 {
		t.Errorf("expected roughly the burst size to pass, got %d", allowed)
	}

	// A different key gets its own bucket.
	if !rl.allow("10.0.0.2") {
		t.Error("fresh key should not share an exhausted bucket")
	}
}

func TestThrottleRejectsWithRetryAfter(t *testing.T) {
	rl := newRateLimiter(1, 1)
	handler := throttle(rl, clientIP, "too many requests")(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "192.0.2.1:5555"

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("first request: got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: got %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("throttled response should carry Retry-After")
	}
}

func TestThrottleBypassesEmptyKey(t *testing.T) {
	rl := newRateLimiter(1, 1)
	handler := throttle(rl, userKey, "rate limit exceeded")(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

	// No identity in context, so every request passes.
	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: got %d", i, rec.Code)
		}
	}
}
