// Package client implements the engine's network call contract: method plus
// path plus JSON body in, JSON response or HTTP error out. A response is
// successful iff its status is in the 2xx range; the body is passed through
// untouched - the engine never inspects domain-level fields.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Config holds configuration for the engine's HTTP client.
type Config struct {
	// BaseURL is prepended to every request path.
	BaseURL string

	// Token, when set, is sent as a Bearer token on every request.
	Token string

	// HTTPClient overrides the underlying client (for tests). Default: a
	// client with a 30 second timeout.
	HTTPClient *http.Client

	// MaxRetries is the maximum number of retry attempts after receiving 429.
	// Default: 5. This is rate-limit handling only; ordinary request failures
	// are the sync manager's concern.
	MaxRetries int

	// BaseDelay is the initial delay before the first 429 retry.
	// Default: 1 second
	BaseDelay time.Duration

	// MaxDelay is the maximum delay between 429 retries.
	// Default: 32 seconds
	MaxDelay time.Duration

	// EnableJitter adds random jitter (±20%) to prevent thundering herd.
	EnableJitter bool

	// Stats is an optional tracker for rate limit events.
	Stats *Stats
}

// Response is a successful network call result.
type Response struct {
	StatusCode int
	Body       json.RawMessage
}

// APIError represents a non-2xx HTTP response.
type APIError struct {
	StatusCode int
	Snippet    string // leading bytes of the response body, for diagnostics
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Snippet == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Snippet)
}

// Client performs JSON requests against the remote endpoint with automatic
// backoff on rate limiting.
type Client struct {
	baseURL      string
	token        string
	httpClient   *http.Client
	maxRetries   int
	baseDelay    time.Duration
	maxDelay     time.Duration
	enableJitter bool
	stats        *Stats
}

// New creates a Client with the given configuration.
func New(cfg Config) *Client {
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}

	baseDelay := cfg.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 1 * time.Second
	}

	maxDelay := cfg.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 32 * time.Second
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &Client{
		baseURL:      strings.TrimSuffix(cfg.BaseURL, "/"),
		token:        cfg.Token,
		httpClient:   httpClient,
		maxRetries:   maxRetries,
		baseDelay:    baseDelay,
		maxDelay:     maxDelay,
		enableJitter: cfg.EnableJitter,
		stats:        cfg.Stats,
	}
}

// Do issues one request. It retries on 429 with exponential backoff honoring
// the Retry-After header, and returns *APIError for any other non-2xx status.
func (c *Client) Do(ctx context.Context, method, path string, body json.RawMessage) (*Response, error) {
	url := c.baseURL + "/" + strings.TrimPrefix(path, "/")

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		var bodyReader io.Reader
		if body != nil {
			bodyReader = bytes.NewReader(body)
		}

		req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}

		if resp.StatusCode != http.StatusTooManyRequests {
			return readResponse(resp)
		}

		// Rate limited: drop this response and back off before retrying.
		_ = resp.Body.Close()
		if c.stats != nil {
			c.stats.RecordRateLimit()
		}
		if attempt >= c.maxRetries {
			break
		}

		retryAfter := ParseRetryAfter(resp.Header.Get("Retry-After"))
		delay := c.calculateBackoff(attempt, retryAfter)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	return nil, &RateLimitError{Attempt: c.maxRetries, MaxAttempts: c.maxRetries}
}

// readResponse consumes the body and maps the status onto the success
// contract: 2xx passes through, anything else becomes *APIError.
func readResponse(resp *http.Response) (*Response, error) {
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := string(data)
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		return nil, &APIError{StatusCode: resp.StatusCode, Snippet: strings.TrimSpace(snippet)}
	}

	return &Response{StatusCode: resp.StatusCode, Body: data}, nil
}

// calculateBackoff computes the backoff duration for a given attempt.
func (c *Client) calculateBackoff(attempt int, retryAfter *time.Duration) time.Duration {
	if retryAfter != nil {
		return *retryAfter
	}

	// Exponential backoff: base * 2^attempt, capped at maxDelay
	delay := c.baseDelay * time.Duration(math.Pow(2, float64(attempt)))
	if delay > c.maxDelay {
		delay = c.maxDelay
	}

	if c.enableJitter {
		jitterFactor := 0.8 + rand.Float64()*0.4 // 0.8 to 1.2
		delay = time.Duration(float64(delay) * jitterFactor)
	}

	return delay
}

// RateLimitError represents an error when rate limit retries are exhausted.
type RateLimitError struct {
	Attempt     int
	MaxAttempts int
}

// Error implements the error interface.
func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded after %d retries (max %d)", e.Attempt, e.MaxAttempts)
}

// ParseRetryAfter parses the Retry-After header value. It supports both
// seconds format (integer) and HTTP-date format. Returns nil if the value is
// invalid or empty.
func ParseRetryAfter(value string) *time.Duration {
	if value == "" {
		return nil
	}

	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		if seconds < 0 {
			return nil
		}
		d := time.Duration(seconds) * time.Second
		return &d
	}

	if t, err := http.ParseTime(value); err == nil {
		d := time.Until(t)
		if d < 0 {
			d = 0
		}
		return &d
	}

	return nil
}

// Stats tracks rate limit statistics for the client.
type Stats struct {
	mu              sync.RWMutex
	rateLimitCount  int64
	lastRateLimitAt time.Time
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{}
}

// RecordRateLimit records a rate limit event.
func (s *Stats) RecordRateLimit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rateLimitCount++
	s.lastRateLimitAt = time.Now()
}

// RateLimitCount returns the total number of rate limit events.
func (s *Stats) RateLimitCount() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rateLimitCount
}

// LastRateLimitTime returns the time of the last rate limit event.
func (s *Stats) LastRateLimitTime() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastRateLimitAt
}
