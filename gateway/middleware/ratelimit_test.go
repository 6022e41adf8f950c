package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/solana-turbin3/Q1-26-Accel-Meowy/crypto"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimiterBlocksAfterBurst(t *testing.T) {
	limiter := NewRateLimiter(RateLimit{RatePerSecond: 1, Burst: 1})
	handler := limiter.Middleware(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/v1/escrow/derive", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected first request to succeed, got %d", res.Code)
	}

	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second request to be rate limited, got %d", res.Code)
	}
}

func TestRateLimiterKeysBySubject(t *testing.T) {
	limiter := NewRateLimiter(RateLimit{RatePerSecond: 1, Burst: 1})
	handler := limiter.Middleware(okHandler())

	for _, b := range []byte{0x11, 0x22} {
		var subject crypto.Address
		subject[0] = b
		req := httptest.NewRequest(http.MethodPost, "/v1/escrow/records", nil)
		req = req.WithContext(WithPrincipal(req.Context(), Principal{Subject: subject}))
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, req)
		if res.Code != http.StatusOK {
			t.Fatalf("expected subject %x to have its own bucket, got %d", b, res.Code)
		}
	}
}

func TestRateLimiterRefillsAndForgetsIdleVisitors(t *testing.T) {
	limiter := NewRateLimiter(RateLimit{RatePerSecond: 1, Burst: 1})
	now := time.Unix(1_700_000_000, 0)
	limiter.clockNow = func() time.Time { return now }

	if !limiter.allow("ip:10.0.0.1") {
		t.Fatalf("expected first call allowed")
	}
	if limiter.allow("ip:10.0.0.1") {
		t.Fatalf("expected burst exhausted")
	}
	now = now.Add(time.Second)
	if !limiter.allow("ip:10.0.0.1") {
		t.Fatalf("expected token refilled after one second")
	}

	now = now.Add(2 * visitorTTL)
	limiter.allow("ip:10.0.0.2")
	if _, ok := limiter.visitors["ip:10.0.0.1"]; ok {
		t.Fatalf("expected idle visitor to be evicted")
	}
}

func TestClientIPPrefersForwardedHeaders(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	if got := clientIP(req); got != "192.0.2.1" {
		t.Fatalf("unexpected remote ip %q", got)
	}
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	if got := clientIP(req); got != "203.0.113.9" {
		t.Fatalf("unexpected forwarded ip %q", got)
	}
	req.Header.Set("X-Real-IP", "198.51.100.4")
	if got := clientIP(req); got != "198.51.100.4" {
		t.Fatalf("unexpected real ip %q", got)
	}
}
