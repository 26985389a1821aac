package channels

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"
)

// Classification buckets a send failure by the caller's remediation.
type Classification string

const (
	// AuthError means the credential is bad. Never retried — the fix is
	// credential rotation, not waiting.
	AuthError Classification = "AUTH_ERROR"
	// RateLimit means the platform asked us to slow down. Retried honoring
	// the server-provided delay when present.
	RateLimit Classification = "RATE_LIMIT"
	// ServerError is a platform 5xx. Retried with exponential backoff.
	ServerError Classification = "SERVER_ERROR"
	// NetworkError is a transport-level failure. Retried with backoff.
	NetworkError Classification = "NETWORK_ERROR"
	// ParseError means the input was malformed. Not retried.
	ParseError Classification = "PARSE_ERROR"
)

// SendError is a classified adapter failure. Adapters return these instead of
// raw errors so callers can branch on Kind without string matching.
type SendError struct {
	Kind       Classification
	Op         string // e.g. "telegram.send"
	Status     int    // HTTP status when applicable, else 0
	RetryAfter time.Duration
	Err        error
}

func (e *SendError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s (status %d)", e.Op, e.Kind, e.Status)
}

func (e *SendError) Unwrap() error { return e.Err }

// ClassifyStatus maps an HTTP status to a failure classification.
func ClassifyStatus(status int) Classification {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return AuthError
	case status == http.StatusTooManyRequests:
		return RateLimit
	case status >= 500:
		return ServerError
	default:
		return ParseError
	}
}

// NewHTTPError builds a SendError from an HTTP response status and headers,
// extracting a Retry-After delay when present.
func NewHTTPError(op string, status int, header http.Header, err error) *SendError {
	return &SendError{
		Kind:       ClassifyStatus(status),
		Op:         op,
		Status:     status,
		RetryAfter: parseRetryAfter(header),
		Err:        err,
	}
}

// NewNetworkError wraps a transport failure.
func NewNetworkError(op string, err error) *SendError {
	return &SendError{Kind: NetworkError, Op: op, Err: err}
}

// AsSendError extracts a SendError from an error chain.
func AsSendError(err error) (*SendError, bool) {
	var se *SendError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// KindOf returns the classification of an error, defaulting to NetworkError
// for unclassified transport errors so they stay retryable.
func KindOf(err error) Classification {
	if se, ok := AsSendError(err); ok {
		return se.Kind
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return NetworkError
	}
	return NetworkError
}

// parseRetryAfter reads a Retry-After header as delay-seconds or HTTP-date.
func parseRetryAfter(header http.Header) time.Duration {
	if header == nil {
		return 0
	}
	v := header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
