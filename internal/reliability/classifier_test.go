package reliability

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"
)

func TestIsRetryableHTTPStatus(t *testing.T) {
	cases := []struct {
		code int
		want bool
	}{
		{200, false},
		{401, false},
		{429, true},
		{500, true},
		{503, true},
	}
	for _, tc := range cases {
		got := IsRetryableHTTPStatus(tc.code)
		if got != tc.want {
			t.Fatalf("IsRetryableHTTPStatus(%d) = %v, want %v", tc.code, got, tc.want)
		}
	}
}

func TestIsRetryableDial(t *testing.T) {
	handshake := errors.New("websocket: bad handshake")
	if IsRetryableDial(&http.Response{StatusCode: http.StatusUnauthorized}, handshake) {
		t.Fatalf("401 handshake classified as retryable")
	}
	if !IsRetryableDial(&http.Response{StatusCode: http.StatusServiceUnavailable}, handshake) {
		t.Fatalf("503 handshake classified as permanent")
	}
	if IsRetryableDial(nil, context.Canceled) {
		t.Fatalf("cancellation classified as retryable")
	}
	if !IsRetryableDial(nil, errors.New("connection reset")) {
		t.Fatalf("transport error classified as permanent")
	}
	if IsRetryableDial(nil, nil) {
		t.Fatalf("nil error classified as retryable")
	}
}

func TestIsBenignTruncationRace(t *testing.T) {
	msg := "Audio content of 1200ms is already shorter than 1500ms"
	if !IsBenignTruncationRace("invalid_value", msg) {
		t.Fatalf("truncation race not recognized")
	}
	if IsBenignTruncationRace("invalid_value", "Invalid voice") {
		t.Fatalf("unrelated invalid_value classified as benign")
	}
	if IsBenignTruncationRace("server_error", msg) {
		t.Fatalf("server_error classified as benign")
	}
}

func TestExponentialBackoffCap(t *testing.T) {
	base := 100 * time.Millisecond
	capDur := 700 * time.Millisecond
	if got := ExponentialBackoff(0, base, capDur); got != base {
		t.Fatalf("attempt 0 = %v, want %v", got, base)
	}
	if got := ExponentialBackoff(2, base, capDur); got != 400*time.Millisecond {
		t.Fatalf("attempt 2 = %v, want 400ms", got)
	}
	if got := ExponentialBackoff(10, base, capDur); got != capDur {
		t.Fatalf("attempt 10 = %v, want %v", got, capDur)
	}
}
