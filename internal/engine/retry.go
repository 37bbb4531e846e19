package engine

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/arenstad/conduit/pkg/schema"
)

// Backoff returns the delay before retry attempt n: 2^n seconds.
// Attempt 0 is the first retry (after the initial failure), so the
// sequence is 1s, 2s, 4s, 8s, ...
func Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		attempt = 30 // cap the shift, ~34 years is plenty
	}
	return time.Duration(1<<uint(attempt)) * time.Second
}

// WaitForBackoff sleeps for the given delay or returns early if the
// context is cancelled. Returns an error if the context was cancelled
// during the wait.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRetryableError classifies whether a step error should be retried.
// Retryable by default: network errors, timeouts, context.DeadlineExceeded.
// Non-retryable: validation errors, cancellation, typed ConduitErrors
// with permanent codes.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// Step deadline exceeded is retryable (step timeout, not workflow-level).
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Context cancelled is NOT retryable — means the workflow is shutting down.
	if errors.Is(err, context.Canceled) {
		return false
	}

	// ConduitError checks its own code.
	var cerr *schema.ConduitError
	if errors.As(err, &cerr) {
		return cerr.IsRetryable()
	}

	// Network errors are retryable.
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// String heuristics for common retryable patterns.
	msg := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"eof",
		"temporary failure",
		"i/o timeout",
		"service unavailable",
		"bad gateway",
		"gateway timeout",
		"internal server error",
		"too many requests",
	}
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	// Default: retryable (conservative — let the retry budget limit attempts).
	return true
}
