// Package resilience provides the retry and circuit-breaker primitives that
// guard every outbound dependency of the call engine (telephony REST API,
// speech engine connection).
package resilience

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"time"
)

// RetryConfig configures retry behavior for a dependency.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including the first).
	MaxAttempts int
	// InitialDelay is the delay after the first failure.
	InitialDelay time.Duration
	// MaxDelay caps the delay between attempts.
	MaxDelay time.Duration
	// Multiplier is the exponential backoff multiplier.
	Multiplier float64
	// JitterFraction is the maximum fraction of random delay added on top
	// of the computed backoff (0.3 adds up to 30%).
	JitterFraction float64
	// RetryableSubstrings marks errors retryable when their message
	// contains any of these fragments, in addition to the built-in
	// transport classification.
	RetryableSubstrings []string
}

// DefaultRetryConfig returns the retry configuration used for dependency
// calls unless overridden.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialDelay:   500 * time.Millisecond,
		MaxDelay:       10 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.3,
	}
}

func (c *RetryConfig) normalize() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = 500 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 10 * time.Second
	}
	if c.Multiplier <= 0 {
		c.Multiplier = 2.0
	}
	if c.JitterFraction < 0 {
		c.JitterFraction = 0
	}
}

// PermanentError marks an error that must not be retried regardless of the
// transport classification.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps an error to indicate it should not be retried.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// HTTPStatusError carries an HTTP status from a dependency so the retry
// classifier can distinguish transient (408, 429, 5xx) from permanent
// failures.
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	if e.Body == "" {
		return http.StatusText(e.StatusCode)
	}
	return e.Body
}

// Retryable reports whether err is worth retrying under cfg: transient
// transport errors, retryable HTTP statuses, and configured message
// fragments. Permanent-wrapped errors and context cancellation never retry.
func Retryable(err error, cfg RetryConfig) bool {
	if err == nil {
		return false
	}
	var permanent *PermanentError
	if errors.As(err, &permanent) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		code := statusErr.StatusCode
		return code == http.StatusRequestTimeout ||
			code == http.StatusTooManyRequests ||
			code >= 500
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	msg := err.Error()
	for _, frag := range cfg.RetryableSubstrings {
		if frag != "" && strings.Contains(msg, frag) {
			return true
		}
	}
	return false
}

// Backoff computes the delay before the given attempt (1-based) without
// jitter: min(initial * multiplier^(attempt-1), max).
func Backoff(attempt int, cfg RetryConfig) time.Duration {
	cfg.normalize()
	if attempt <= 0 {
		attempt = 1
	}
	d := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if d > float64(cfg.MaxDelay) {
		d = float64(cfg.MaxDelay)
	}
	return time.Duration(d)
}

// BackoffWithJitter adds up to JitterFraction of random delay on top of the
// computed backoff.
func BackoffWithJitter(attempt int, cfg RetryConfig) time.Duration {
	base := Backoff(attempt, cfg)
	if cfg.JitterFraction <= 0 {
		return base
	}
	jitter := rand.Float64() * cfg.JitterFraction // #nosec G404 -- jitter does not require cryptographic randomness
	return time.Duration(float64(base) * (1 + jitter))
}

// Retry executes op until it succeeds, exhausts cfg.MaxAttempts, hits a
// non-retryable error, or ctx is done. The last error is returned unchanged
// so callers can inspect it.
func Retry(ctx context.Context, cfg RetryConfig, op func(ctx context.Context) error) error {
	cfg.normalize()

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !Retryable(lastErr, cfg) {
			return lastErr
		}
		if attempt >= cfg.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return lastErr
		case <-time.After(BackoffWithJitter(attempt, cfg)):
		}
	}
	return lastErr
}

// RetryWithValue is Retry for operations returning a value.
func RetryWithValue[T any](ctx context.Context, cfg RetryConfig, op func(ctx context.Context) (T, error)) (T, error) {
	var value T
	err := Retry(ctx, cfg, func(ctx context.Context) error {
		var opErr error
		value, opErr = op(ctx)
		return opErr
	})
	return value, err
}
