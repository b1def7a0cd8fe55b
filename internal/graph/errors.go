package graph

import (
	"fmt"
	"time"
)

// RateLimitError is a 429 from the Graph API. RetryAfter is zero when the
// server sent no Retry-After header.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
	}
	return "rate limited"
}

// AuthError is a 401/403. It is fatal to the whole sync pass: nothing can
// proceed without valid credentials.
type AuthError struct {
	StatusCode int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed: status %d", e.StatusCode)
}

// StatusError covers the remaining non-2xx responses; the orchestrator
// treats these as transient.
type StatusError struct {
	StatusCode int
	URL        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.StatusCode, e.URL)
}
