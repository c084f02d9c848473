package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

func TestAdminAuthMiddleware(t *testing.T) {
	tests := []struct {
		name           string
		token          string
		reqToken       string
		basicPassword  string
		expectedStatus int
	}{
		{name: "no token configured - allows request", expectedStatus: http.StatusOK},
		{name: "valid header token", token: "secret", reqToken: "secret", expectedStatus: http.StatusOK},
		{name: "valid basic auth password", token: "secret", basicPassword: "secret", expectedStatus: http.StatusOK},
		{name: "wrong token", token: "secret", reqToken: "nope", expectedStatus: http.StatusUnauthorized},
		{name: "missing token", token: "secret", expectedStatus: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/send", nil)
			if tt.reqToken != "" {
				req.Header.Set("X-Admin-Token", tt.reqToken)
			}
			if tt.basicPassword != "" {
				req.SetBasicAuth("admin", tt.basicPassword)
			}
			rr := httptest.NewRecorder()
			adminAuth(okHandler, tt.token).ServeHTTP(rr, req)
			if rr.Code != tt.expectedStatus {
				t.Errorf("status = %d, want %d", rr.Code, tt.expectedStatus)
			}
		})
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	limiter := newIPRateLimiter(ctx, 20) // burst 2
	h := rateLimitMiddleware(okHandler, limiter)

	do := func(ip string) int {
		req := httptest.NewRequest(http.MethodPost, "/send", nil)
		req.RemoteAddr = ip + ":1234"
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr.Code
	}
	for i := 0; i < 2; i++ {
		if code := do("10.0.0.1"); code != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200", i+1, code)
		}
	}
	if code := do("10.0.0.1"); code != http.StatusTooManyRequests {
		t.Errorf("over-limit status = %d, want 429", code)
	}
	if code := do("10.0.0.2"); code != http.StatusOK {
		t.Errorf("other IP status = %d, want 200", code)
	}
}

func TestRateLimitDisabled(t *testing.T) {
	if newIPRateLimiter(context.Background(), 0) != nil {
		t.Fatal("limiter created for zero rate")
	}
	if rateLimitMiddleware(okHandler, nil) == nil {
		t.Fatal("nil limiter should pass through")
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		forwarded  string
		want       string
	}{
		{"remote addr", "192.0.2.1:5555", "", "192.0.2.1"},
		{"forwarded single", "10.0.0.1:1", "203.0.113.9", "203.0.113.9"},
		{"forwarded chain", "10.0.0.1:1", "203.0.113.9, 10.0.0.2", "203.0.113.9"},
		{"ipv6", "[2001:db8::1]:443", "", "2001:db8::1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			if got := clientIP(req); got != tt.want {
				t.Errorf("clientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCORS(t *testing.T) {
	t.Run("permissive", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/status", nil)
		req.Header.Set("Origin", "http://anything")
		rr := httptest.NewRecorder()
		withCORS(okHandler, CORSConfig{Permissive: true}).ServeHTTP(rr, req)
		if rr.Header().Get("Access-Control-Allow-Origin") != "*" {
			t.Errorf("allow-origin = %q", rr.Header().Get("Access-Control-Allow-Origin"))
		}
	})
	t.Run("restricted", func(t *testing.T) {
		h := withCORS(okHandler, CORSConfig{AllowedOrigins: []string{"https://bot.example.com", "*.example.org"}})
		for origin, allowed := range map[string]bool{
			"https://bot.example.com": true,
			"https://a.example.org":   true,
			"https://evil.com":        false,
		} {
			req := httptest.NewRequest(http.MethodGet, "/status", nil)
			req.Header.Set("Origin", origin)
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			got := rr.Header().Get("Access-Control-Allow-Origin")
			if allowed && got != origin {
				t.Errorf("origin %s: allow-origin = %q", origin, got)
			}
			if !allowed && got != "" {
				t.Errorf("origin %s unexpectedly allowed", origin)
			}
		}
	})
	t.Run("preflight", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/send", nil)
		rr := httptest.NewRecorder()
		withCORS(http.NotFoundHandler(), CORSConfig{Permissive: true}).ServeHTTP(rr, req)
		if rr.Code != http.StatusNoContent {
			t.Errorf("preflight status = %d, want 204", rr.Code)
		}
	})
}
