package gateway

import (
	"errors"
	"fmt"
	"time"
)

// ErrConfigurationMissing is returned before any request is made when the
// credentials or base URL for an upstream are absent. Jobs fail fast on it.
var ErrConfigurationMissing = errors.New("upstream configuration missing")

// RateLimitedError is returned after retries against a rate-limiting upstream
// are exhausted. It carries a suggested retry-after duration; callers requeue
// with the hint instead of failing the whole job.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("upstream rate limited; retry after %s", e.RetryAfter)
}

// TransientError wraps a network or 5xx failure that survived the bounded
// retry budget.
type TransientError struct {
	Attempts int
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient upstream error after %d attempts: %v", e.Attempts, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// RejectedError is a non-retryable upstream 4xx (other than rate limiting).
// It propagates immediately and fails the current page.
type RejectedError struct {
	Status int
	Body   string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("upstream rejected request: status %d: %s", e.Status, e.Body)
}

// IsRetryable reports whether err may succeed on a later attempt.
func IsRetryable(err error) bool {
	var rl *RateLimitedError
	var tr *TransientError
	return errors.As(err, &rl) || errors.As(err, &tr)
}
