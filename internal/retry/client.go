// Package retry wraps exchange calls that are worth repeating: transient
// network and rate-limit failures are retried on a short fixed backoff
// schedule, anything else fails fast.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strings"
	"time"
)

// Config controls the retry schedule. Backoff[i] is slept after failed
// attempt i; MaxRetries is the number of re-attempts after the first call.
type Config struct {
	MaxRetries int
	Backoff    []time.Duration
}

// DefaultConfig matches the placement-path contract: three retries at
// 0.5 s, 1 s and 2 s.
var DefaultConfig = Config{
	MaxRetries: 3,
	Backoff:    []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second},
}

// Client carries the schedule, a logger, and an optional per-retry hook
// (used to feed the order_create_retries_total counter).
type Client struct {
	logger  *log.Logger
	config  Config
	onRetry func(attempt int)
}

// NewClient builds a retry client. Pass a Config to override DefaultConfig.
func NewClient(logger *log.Logger, config ...Config) *Client {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	return &Client{logger: logger, config: cfg}
}

// OnRetry registers fn to be called before every re-attempt.
func (c *Client) OnRetry(fn func(attempt int)) {
	c.onRetry = fn
}

// Do runs fn until it succeeds, the error is permanent, the schedule is
// exhausted, or ctx is done. op names the operation for logs and errors.
func Do[T any](ctx context.Context, c *Client, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, fmt.Errorf("%s canceled: %w", op, err)
		}

		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !IsTransient(err) || attempt >= c.config.MaxRetries {
			break
		}

		backoff := c.config.Backoff[len(c.config.Backoff)-1]
		if attempt < len(c.config.Backoff) {
			backoff = c.config.Backoff[attempt]
		}
		c.logger.Printf("%s attempt %d/%d failed (%v), retrying in %v",
			op, attempt+1, c.config.MaxRetries+1, err, backoff)
		if c.onRetry != nil {
			c.onRetry(attempt + 1)
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return zero, fmt.Errorf("%s canceled during backoff: %w", op, ctx.Err())
		}
	}

	return zero, fmt.Errorf("%s failed after %d attempt(s): %w", op, c.config.MaxRetries+1, lastErr)
}

var transientPatterns = []string{
	"timeout",
	"timed out",
	"connection refused",
	"connection reset",
	"temporary failure",
	"server error",
	"rate limit",
	"too many requests",
	"429",
	"502",
	"503",
	"504",
	"-1003", // venue request-weight limit
	"-1007", // venue backend timeout
	"network",
	"dns",
	"tcp",
	"eof",
}

// IsTransient classifies an error as retryable. Explicit cancellation is
// never transient; per-attempt timeouts are. A dead parent context is
// caught by the loop guard in Do regardless of classification.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}
