package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

// newTestClient builds a client against a test server with fast backoff.
func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{
		BaseURL:    srv.URL,
		MaxRetries: 2,
		BaseDelay:  5 * time.Millisecond,
		MaxDelay:   20 * time.Millisecond,
	})
}

// TestDoSuccessPassesBodyThrough tests that a 2xx body reaches the caller
// untouched.
func TestDoSuccessPassesBodyThrough(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if r.URL.Path != "/api/tasks" {
			t.Errorf("path = %s, want /api/tasks", r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q, want application/json", ct)
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"t1","ok":true}`))
	})

	resp, err := c.Do(context.Background(), http.MethodPost, "/api/tasks", json.RawMessage(`{"title":"x"}`))
	if err != nil {
		t.Fatalf("Do error: %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Errorf("StatusCode = %d, want 201", resp.StatusCode)
	}
	if string(resp.Body) != `{"id":"t1","ok":true}` {
		t.Errorf("Body = %s, want passthrough", resp.Body)
	}
}

// TestDoNon2xxReturnsAPIError tests the error mapping for client and server
// errors.
func TestDoNon2xxReturnsAPIError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "task does not exist", http.StatusNotFound)
	})

	_, err := c.Do(context.Background(), http.MethodGet, "/api/tasks/missing", nil)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Do error = %v, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusNotFound {
		t.Errorf("StatusCode = %d, want 404", apiErr.StatusCode)
	}
}

// TestDoRetriesOn429 tests that rate-limited requests are retried and then
// succeed.
func TestDoRetriesOn429(t *testing.T) {
	var calls atomic.Int64
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	})

	resp, err := c.Do(context.Background(), http.MethodGet, "/api/tasks", nil)
	if err != nil {
		t.Fatalf("Do error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want 200", resp.StatusCode)
	}
	if calls.Load() != 2 {
		t.Errorf("server calls = %d, want 2", calls.Load())
	}
}

// TestDoRateLimitExhaustion tests that persistent 429s surface RateLimitError.
func TestDoRateLimitExhaustion(t *testing.T) {
	stats := NewStats()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "0")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, MaxRetries: 2, BaseDelay: time.Millisecond, Stats: stats})

	_, err := c.Do(context.Background(), http.MethodGet, "/api/tasks", nil)
	var rlErr *RateLimitError
	if !errors.As(err, &rlErr) {
		t.Fatalf("Do error = %v, want *RateLimitError", err)
	}
	if stats.RateLimitCount() != 3 {
		t.Errorf("RateLimitCount = %d, want 3 (initial + 2 retries)", stats.RateLimitCount())
	}
}

// TestDoSendsBearerToken tests the Authorization header wiring.
func TestDoSendsBearerToken(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Token: "secret-token"})
	if _, err := c.Do(context.Background(), http.MethodGet, "/api/me", nil); err != nil {
		t.Fatalf("Do error: %v", err)
	}
	if gotAuth != "Bearer secret-token" {
		t.Errorf("Authorization = %q, want bearer token", gotAuth)
	}
}

// TestParseRetryAfter tests both supported header formats.
func TestParseRetryAfter(t *testing.T) {
	if d := ParseRetryAfter("3"); d == nil || *d != 3*time.Second {
		t.Errorf("ParseRetryAfter(3) = %v, want 3s", d)
	}
	if d := ParseRetryAfter(""); d != nil {
		t.Errorf("ParseRetryAfter(empty) = %v, want nil", d)
	}
	if d := ParseRetryAfter("-5"); d != nil {
		t.Errorf("ParseRetryAfter(-5) = %v, want nil", d)
	}
	httpDate := time.Now().Add(2 * time.Second).UTC().Format(http.TimeFormat)
	if d := ParseRetryAfter(httpDate); d == nil || *d > 2*time.Second {
		t.Errorf("ParseRetryAfter(http-date) = %v, want <= 2s", d)
	}
}

// TestCalculateBackoffCapped tests the exponential growth and cap.
func TestCalculateBackoffCapped(t *testing.T) {
	c := New(Config{BaseURL: "http://localhost", BaseDelay: time.Second, MaxDelay: 4 * time.Second})

	if d := c.calculateBackoff(0, nil); d != time.Second {
		t.Errorf("backoff(0) = %v, want 1s", d)
	}
	if d := c.calculateBackoff(1, nil); d != 2*time.Second {
		t.Errorf("backoff(1) = %v, want 2s", d)
	}
	if d := c.calculateBackoff(5, nil); d != 4*time.Second {
		t.Errorf("backoff(5) = %v, want capped 4s", d)
	}

	retryAfter := 7 * time.Second
	if d := c.calculateBackoff(0, &retryAfter); d != retryAfter {
		t.Errorf("backoff with Retry-After = %v, want 7s", d)
	}
}
