package github

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"
)

// RetryOptions configures retry behavior for write operations.
type RetryOptions struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryOptions returns sensible defaults for retry behavior.
func DefaultRetryOptions() RetryOptions {
	return RetryOptions{
		MaxRetries: 3,
		BaseDelay:  1 * time.Second,
		MaxDelay:   30 * time.Second,
	}
}

// WithRetry executes op with exponential backoff. It respects context
// cancellation and the Retry-After value of rate-limit responses.
func WithRetry[T any](ctx context.Context, op func() (T, error), opts RetryOptions) (T, error) {
	var result T
	var lastErr error

	for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
		result, lastErr = op()
		if lastErr == nil {
			return result, nil
		}

		if !IsRetryable(lastErr) || attempt >= opts.MaxRetries {
			return result, lastErr
		}

		delay := opts.BaseDelay * time.Duration(1<<uint(attempt))
		if delay > opts.MaxDelay {
			delay = opts.MaxDelay
		}
		if ra := retryAfter(lastErr); ra > 0 {
			delay = ra
		}

		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-time.After(delay):
		}
	}

	return result, lastErr
}

// WithRetryVoid is WithRetry for operations without a result.
func WithRetryVoid(ctx context.Context, op func() error, opts RetryOptions) error {
	_, err := WithRetry(ctx, func() (struct{}, error) {
		return struct{}{}, op()
	}, opts)
	return err
}

// AsAPIError unwraps err into target if it is an *APIError.
func AsAPIError(err error, target **APIError) bool {
	return errors.As(err, target)
}

// IsRetryable reports whether err is transient: 429, 5xx, or a network
// failure.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout:
			return true
		}
		return false
	}

	// Network-level failures do not carry a status code.
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection refused",
		"connection reset",
		"no such host",
		"network is unreachable",
		"i/o timeout",
		"dial tcp",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}

	return false
}

// retryAfter returns the server-stated wait for a rate-limit error, or a
// one-minute default for 429 responses without a Retry-After header.
func retryAfter(err error) time.Duration {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return 0
	}
	if apiErr.RetryAfter > 0 {
		return apiErr.RetryAfter
	}
	if apiErr.StatusCode == http.StatusTooManyRequests {
		return time.Minute
	}
	return 0
}
