package channels

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"
)

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status int
		want   Classification
	}{
		{401, AuthError},
		{403, AuthError},
		{429, RateLimit},
		{500, ServerError},
		{502, ServerError},
		{503, ServerError},
		{400, ParseError},
		{404, ParseError},
	}
	for _, tt := range tests {
		if got := ClassifyStatus(tt.status); got != tt.want {
			t.Errorf("ClassifyStatus(%d) = %s, want %s", tt.status, got, tt.want)
		}
	}
}

func TestNewHTTPErrorRetryAfterSeconds(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "17")

	se := NewHTTPError("test.send", 429, h, nil)
	if se.Kind != RateLimit {
		t.Errorf("Kind = %s, want RATE_LIMIT", se.Kind)
	}
	if se.RetryAfter != 17*time.Second {
		t.Errorf("RetryAfter = %v, want 17s", se.RetryAfter)
	}
}

func TestNewHTTPErrorRetryAfterHTTPDate(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", time.Now().Add(30*time.Second).UTC().Format(http.TimeFormat))

	se := NewHTTPError("test.send", 429, h, nil)
	if se.RetryAfter <= 0 || se.RetryAfter > 31*time.Second {
		t.Errorf("RetryAfter = %v, want ~30s", se.RetryAfter)
	}
}

func TestNewHTTPErrorRetryAfterAbsentOrGarbage(t *testing.T) {
	for _, v := range []string{"", "not-a-date", "-5"} {
		h := http.Header{}
		if v != "" {
			h.Set("Retry-After", v)
		}
		if se := NewHTTPError("test.send", 429, h, nil); se.RetryAfter != 0 {
			t.Errorf("Retry-After %q: RetryAfter = %v, want 0", v, se.RetryAfter)
		}
	}
}

func TestAsSendErrorThroughWrapping(t *testing.T) {
	inner := NewNetworkError("test.send", errors.New("connection refused"))
	wrapped := fmt.Errorf("dispatch: %w", inner)

	se, ok := AsSendError(wrapped)
	if !ok {
		t.Fatal("SendError not found through wrapping")
	}
	if se.Kind != NetworkError {
		t.Errorf("Kind = %s, want NETWORK_ERROR", se.Kind)
	}
}

func TestKindOfUnclassified(t *testing.T) {
	// Unclassified errors stay retryable.
	if got := KindOf(errors.New("something broke")); got != NetworkError {
		t.Errorf("KindOf(plain error) = %s, want NETWORK_ERROR", got)
	}
}
