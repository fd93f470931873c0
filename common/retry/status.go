package retry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// StatusError reports a non-2xx HTTP response from an upstream API.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// IsRetryableStatus reports whether an HTTP status is worth retrying:
// request timeout, rate limiting and server-side failures.
func IsRetryableStatus(code int) bool {
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return true
	case code >= 500 && code <= 599:
		return code != http.StatusNotImplemented
	default:
		return false
	}
}

// Transient is a ShouldRetry predicate. Status errors are retried only for
// retryable statuses, cancellation is never retried and anything else is
// assumed to be a network hiccup.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return IsRetryableStatus(se.StatusCode)
	}
	return true
}
