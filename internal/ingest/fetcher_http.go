package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const maxErrorBodyBytes = 512

// HTTPFetcher performs upstream API calls with pacing and bounded retries.
type HTTPFetcher struct {
	Client      *http.Client
	Config      FetchConfig
	BackoffBase time.Duration
	// Header is added to every request, e.g. an API key.
	Header http.Header

	pacer *rate.Limiter
}

// NewHTTPFetcher creates a fetcher for one source.
func NewHTTPFetcher(config FetchConfig) *HTTPFetcher {
	if config.TimeoutSeconds <= 0 {
		config.TimeoutSeconds = 30
	}
	switch {
	case config.MaxRetries == 0:
		config.MaxRetries = 2
	case config.MaxRetries < 0:
		config.MaxRetries = 0 // explicitly disabled
	}
	if config.RateLimitRPS <= 0 {
		config.RateLimitRPS = 2.0
	}
	if config.UserAgent == "" {
		config.UserAgent = "tender-agent/1.0"
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &HTTPFetcher{
		Client: &http.Client{
			Timeout:   time.Duration(config.TimeoutSeconds) * time.Second,
			Transport: transport,
		},
		Config:      config,
		BackoffBase: 500 * time.Millisecond,
		Header:      make(http.Header),
		pacer:       rate.NewLimiter(rate.Limit(config.RateLimitRPS), 1),
	}
}

// admitFunc is consulted before every attempt, retries included. A non-nil
// error aborts the call without sending anything.
type admitFunc func() error

// shouldRetry determines if an error or status code should trigger a retry
func shouldRetry(err error, statusCode int) bool {
	if err != nil {
		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) && netErr.Timeout() {
			return true
		}
		return false
	}

	switch statusCode {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// Do sends the request and returns the response body of a 2xx answer.
// Non-2xx answers that are not retried come back as *HTTPError.
func (f *HTTPFetcher) Do(ctx context.Context, method, url string, body []byte, admit admitFunc) ([]byte, error) {
	var lastErr error

	for attempt := 0; attempt <= f.Config.MaxRetries; attempt++ {
		if attempt > 0 {
			// Exponential backoff: base, 2*base, 4*base + jitter
			backoff := f.BackoffBase * time.Duration(1<<uint(attempt-1))
			jitter := time.Duration(rand.Int63n(int64(f.BackoffBase/5) + 1))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff + jitter):
			}
		}

		if admit != nil {
			if err := admit(); err != nil {
				return nil, err
			}
		}
		if err := f.pacer.Wait(ctx); err != nil {
			return nil, err
		}

		payload, status, err := f.attempt(ctx, method, url, body)
		if err == nil {
			return payload, nil
		}
		lastErr = err
		if !shouldRetry(transportErr(err), status) {
			return nil, err
		}
	}

	if f.Config.MaxRetries == 0 {
		return nil, lastErr
	}
	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (f *HTTPFetcher) attempt(ctx context.Context, method, url string, body []byte) ([]byte, int, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", f.Config.UserAgent)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range f.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if f.Config.AcceptLanguage != "" {
		req.Header.Set("Accept-Language", f.Config.AcceptLanguage)
	}

	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return nil, resp.StatusCode, &HTTPError{
			StatusCode: resp.StatusCode,
			URL:        url,
			Body:       strings.TrimSpace(string(snippet)),
		}
	}

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read body: %w", err)
	}
	return payload, resp.StatusCode, nil
}

// transportErr returns err unless it is an HTTP status error, so that
// shouldRetry judges those by status code alone.
func transportErr(err error) error {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return nil
	}
	return err
}
