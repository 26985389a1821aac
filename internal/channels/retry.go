package channels

import (
	"context"
	"log/slog"
	"time"
)

// RetryPolicy bounds retries for a send operation. Attempts is the total
// number of tries including the first; a zero value means DefaultRetryPolicy.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration // unit for the 2^attempt backoff
}

// DefaultRetryPolicy matches the platform-observed behaviour: up to 3
// attempts, exponential backoff in whole seconds.
var DefaultRetryPolicy = RetryPolicy{Attempts: 3, BaseDelay: time.Second}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.Attempts <= 0 {
		p.Attempts = DefaultRetryPolicy.Attempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultRetryPolicy.BaseDelay
	}
	return p
}

// Do runs fn with the retry policy. RATE_LIMIT waits the server-provided
// delay when present, else exponential backoff; SERVER_ERROR and
// NETWORK_ERROR back off exponentially; AUTH_ERROR and PARSE_ERROR are
// surfaced immediately. Waits are cancellable: once ctx is done the loop
// aborts instead of completing a now-pointless dispatch.
func (p RetryPolicy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	p = p.normalized()

	var lastErr error
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		se, _ := AsSendError(lastErr)
		kind := KindOf(lastErr)
		if kind == AuthError || kind == ParseError {
			return lastErr
		}
		if attempt == p.Attempts {
			break
		}

		delay := p.BaseDelay << attempt // 2^attempt * base
		if kind == RateLimit && se != nil && se.RetryAfter > 0 {
			delay = se.RetryAfter
		}

		slog.Warn("send failed, retrying",
			"op", op,
			"kind", string(kind),
			"attempt", attempt,
			"delay", delay,
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return lastErr
		case <-timer.C:
		}
	}

	return lastErr
}
