package reliability

import (
	"context"
	"errors"
	"net"
	"time"
)

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsRetryableNetError reports transport failures worth another attempt.
// Context cancellation and deadline expiry are never retryable.
func IsRetryableNetError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}

// CodeForHTTPStatus maps an upstream HTTP status to a short error code.
func CodeForHTTPStatus(status int) string {
	switch {
	case status == 401 || status == 403:
		return "unauthorized"
	case status == 429:
		return "rate_limited"
	case status == 408 || status == 504:
		return "timeout"
	case status >= 500:
		return "upstream_unavailable"
	case status >= 400:
		return "bad_request"
	default:
		return "bad_response"
	}
}

// CodeForError maps a transport or context error to a short error code.
func CodeForError(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case IsRetryableNetError(err):
		return "network"
	default:
		return "internal"
	}
}
