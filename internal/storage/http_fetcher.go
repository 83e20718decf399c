package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Fetcher downloads raw bytes over HTTP
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
	FetchJSON(ctx context.Context, url string, out interface{}) error
}

// StatusError is returned for a non-200 response. 4xx responses are final.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	if e.Retryable() {
		return fmt.Sprintf("server error: status code %d", e.StatusCode)
	}
	return fmt.Sprintf("client error: status code %d", e.StatusCode)
}

// Retryable reports whether the status is a transient server error
func (e *StatusError) Retryable() bool {
	return e.StatusCode >= 500
}

// FetcherOptions tunes retries and response limits
type FetcherOptions struct {
	Timeout     time.Duration
	MaxAttempts int
	BackoffBase time.Duration
	MaxBodySize int64
}

// HTTPFetcher implements Fetcher with retries and exponential backoff
type HTTPFetcher struct {
	client      *http.Client
	maxAttempts int
	backoffBase time.Duration
	maxBodySize int64
}

// NewHTTPFetcher creates an HTTP fetcher
func NewHTTPFetcher(opts FetcherOptions) *HTTPFetcher {
	transport := &http.Transport{
		// Connection pooling sized for parallel dataset downloads
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     30 * time.Second,

		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,

		MaxResponseHeaderBytes: 4096,
	}

	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 3
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = time.Second
	}
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = 50 * 1024 * 1024
	}

	return &HTTPFetcher{
		client: &http.Client{
			Transport: transport,
			Timeout:   opts.Timeout,

			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 3 {
					return fmt.Errorf("too many redirects (limit: 3)")
				}
				return nil
			},
		},
		maxAttempts: opts.MaxAttempts,
		backoffBase: opts.BackoffBase,
		maxBodySize: opts.MaxBodySize,
	}
}

// Fetch GETs url, retrying transport errors and 5xx responses. The n-th
// retry waits backoffBase*2^(n-1), or until ctx is done.
func (h *HTTPFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	var lastErr error

	for attempt := 0; attempt < h.maxAttempts; attempt++ {
		if attempt > 0 {
			wait := h.backoffBase * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}

		body, err := h.fetchOnce(ctx, url)
		if err == nil {
			return body, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// 4xx client errors are non-retryable
		if se, ok := err.(*StatusError); ok && !se.Retryable() {
			break
		}
	}

	return nil, fmt.Errorf("failed to fetch %s after %d attempts: %w", url, h.maxAttempts, lastErr)
}

// FetchJSON fetches url and decodes the body into out
func (h *HTTPFetcher) FetchJSON(ctx context.Context, url string, out interface{}) error {
	body, err := h.Fetch(ctx, url)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode %s: %w", url, err)
	}
	return nil
}

func (h *HTTPFetcher) fetchOnce(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	req.Header.Set("User-Agent", "Go-Defect-Inspector/1.0")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Drain so the connection can be reused
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, h.maxBodySize+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > h.maxBodySize {
		return nil, &StatusError{StatusCode: http.StatusRequestEntityTooLarge}
	}
	return body, nil
}
