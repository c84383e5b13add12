package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// throttlePatterns are body fragments that mark a soft block served with 200.
var throttlePatterns = []string{
	"rate limit exceeded",
	"too many requests",
	"access denied",
	"captcha",
	"are you a robot",
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code       int
	RetryAfter string
}

func (e *StatusError) Error() string {
	switch e.Code {
	case http.StatusTooManyRequests:
		return fmt.Sprintf("rate limited (429), retry after: %s", e.RetryAfter)
	case http.StatusForbidden:
		return "blocked (403)"
	}
	return fmt.Sprintf("http %d", e.Code)
}

// NewHTTPFetcher returns a plain GET fetcher with browser-like headers.
// Non-2xx responses and soft-block pages are failures, so callers fall back
// to the browser.
func NewHTTPFetcher(cfg Config) HTTPFetcher {
	cfg = cfg.WithDefaults()
	client := &http.Client{
		Timeout: cfg.HTTPTimeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	return func(ctx context.Context, url string) (string, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return "", fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("User-Agent", cfg.UserAgent)
		req.Header.Set("Accept-Language", cfg.AcceptLanguage)
		req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

		resp, err := client.Do(req)
		if err != nil {
			return "", fmt.Errorf("get %s: %w", url, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
			return "", &StatusError{Code: resp.StatusCode, RetryAfter: resp.Header.Get("Retry-After")}
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, cfg.MaxBodyBytes+1))
		if err != nil {
			return "", fmt.Errorf("read response: %w", err)
		}
		if int64(len(body)) > cfg.MaxBodyBytes {
			return "", fmt.Errorf("response from %s exceeds %d bytes", url, cfg.MaxBodyBytes)
		}
		if pattern, ok := detectThrottle(body); ok {
			return "", fmt.Errorf("soft block detected (%q) at %s", pattern, url)
		}
		return string(body), nil
	}
}

// detectThrottle looks for soft-block markers in short pages only; real
// pages routinely mention words like "captcha" in scripts.
func detectThrottle(body []byte) (string, bool) {
	if len(body) > 32<<10 {
		return "", false
	}
	lower := strings.ToLower(string(body))
	for _, pattern := range throttlePatterns {
		if strings.Contains(lower, pattern) {
			return pattern, true
		}
	}
	return "", false
}
