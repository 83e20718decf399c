package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFetcher() *HTTPFetcher {
	return NewHTTPFetcher(FetcherOptions{
		Timeout:     5 * time.Second,
		MaxAttempts: 3,
		BackoffBase: 10 * time.Millisecond,
	})
}

func TestHTTPFetcher_RetryLogic(t *testing.T) {
	tests := []struct {
		name          string
		responses     []int // Status codes to return in sequence
		expectCalls   int
		expectError   bool
		errorContains string
	}{
		{
			name:        "Success on first attempt",
			responses:   []int{200},
			expectCalls: 1,
		},
		{
			name:        "Success on second attempt after 5xx",
			responses:   []int{500, 200},
			expectCalls: 2,
		},
		{
			name:          "4xx client error - no retry",
			responses:     []int{404},
			expectCalls:   1,
			expectError:   true,
			errorContains: "client error: status code 404",
		},
		{
			name:          "4xx after 5xx - should retry until 4xx then stop",
			responses:     []int{500, 404},
			expectCalls:   2,
			expectError:   true,
			errorContains: "client error: status code 404",
		},
		{
			name:          "All 5xx errors - retry all attempts",
			responses:     []int{500, 502, 503},
			expectCalls:   3,
			expectError:   true,
			errorContains: "server error: status code 503",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int32

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				n := int(atomic.AddInt32(&calls, 1)) - 1
				if n >= len(tt.responses) {
					w.WriteHeader(http.StatusInternalServerError)
					return
				}
				if tt.responses[n] == http.StatusOK {
					fmt.Fprint(w, "payload")
					return
				}
				w.WriteHeader(tt.responses[n])
			}))
			defer server.Close()

			body, err := testFetcher().Fetch(context.Background(), server.URL)

			assert.Equal(t, tt.expectCalls, int(atomic.LoadInt32(&calls)))
			if tt.expectError {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errorContains)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "payload", string(body))
		})
	}
}

func TestHTTPFetcher_NetworkErrorRetry(t *testing.T) {
	var calls int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			// Simulate network error by closing connection
			if hj, ok := w.(http.Hijacker); ok {
				conn, _, _ := hj.Hijack()
				conn.Close()
			}
			return
		}
		fmt.Fprint(w, "ok")
	}))
	defer server.Close()

	fetcher := NewHTTPFetcher(FetcherOptions{MaxAttempts: 3, BackoffBase: 20 * time.Millisecond})

	start := time.Now()
	body, err := fetcher.Fetch(context.Background(), server.URL)
	duration := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	// 20ms + 40ms of backoff
	assert.GreaterOrEqual(t, duration, 60*time.Millisecond)
}

func TestHTTPFetcher_BackoffRespectsContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	fetcher := NewHTTPFetcher(FetcherOptions{MaxAttempts: 5, BackoffBase: time.Hour})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := fetcher.Fetch(ctx, server.URL)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestHTTPFetcher_FetchJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":7,"name":"x"}`)
	}))
	defer server.Close()

	var out struct {
		ID   int    `json:"id"`
		Name string `json:"name"`
	}
	require.NoError(t, testFetcher().FetchJSON(context.Background(), server.URL, &out))
	assert.Equal(t, 7, out.ID)
	assert.Equal(t, "x", out.Name)
}

func TestStatusError_Retryable(t *testing.T) {
	assert.True(t, (&StatusError{StatusCode: 502}).Retryable())
	assert.False(t, (&StatusError{StatusCode: 404}).Retryable())

	var se *StatusError
	err := fmt.Errorf("wrapped: %w", &StatusError{StatusCode: 404})
	require.True(t, errors.As(err, &se))
	assert.Equal(t, 404, se.StatusCode)
}
