package reliability

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"
)

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// IsRetryableDial classifies a failed websocket handshake. resp is the
// handshake response, nil when the connection never got that far.
func IsRetryableDial(resp *http.Response, err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if resp != nil {
		return IsRetryableHTTPStatus(resp.StatusCode)
	}
	// Transport failures before a response are usually transient.
	return true
}

// IsBenignTruncationRace reports engine errors caused by truncating an
// utterance whose audio already ended. Barge-in races produce these and
// they need no alerting.
func IsBenignTruncationRace(code, message string) bool {
	msg := strings.ToLower(message)
	if !strings.Contains(msg, "already shorter than") {
		return false
	}
	return code == "" || code == "invalid_value"
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
