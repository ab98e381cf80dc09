package llm

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryConfig bounds the retry loop around transient provider errors.
type RetryConfig struct {
	MaxAttempts  int
	BaseInterval time.Duration
}

// DefaultRetryConfig matches the provider policy: 3 attempts, 500 ms base,
// exponential with jitter.
var DefaultRetryConfig = RetryConfig{MaxAttempts: 3, BaseInterval: 500 * time.Millisecond}

// RetryingClient wraps a Client with bounded exponential backoff on
// transient errors. Non-retryable errors pass through immediately.
type RetryingClient struct {
	inner Client
	cfg   RetryConfig
}

// NewRetryingClient wraps inner with the given retry policy.
func NewRetryingClient(inner Client, cfg RetryConfig) *RetryingClient {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultRetryConfig.MaxAttempts
	}
	if cfg.BaseInterval <= 0 {
		cfg.BaseInterval = DefaultRetryConfig.BaseInterval
	}
	return &RetryingClient{inner: inner, cfg: cfg}
}

// Complete implements Client.
func (c *RetryingClient) Complete(ctx context.Context, req Request, onDelta StreamFunc) (*Response, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.cfg.BaseInterval
	policy.RandomizationFactor = 0.5

	// Once any content has been streamed to the caller a retry would
	// duplicate output, so the error becomes permanent.
	emitted := false
	wrappedDelta := onDelta
	if onDelta != nil {
		wrappedDelta = func(delta string) {
			emitted = true
			onDelta(delta)
		}
	}

	var resp *Response
	attempt := 0
	operation := func() error {
		attempt++
		var err error
		resp, err = c.inner.Complete(ctx, req, wrappedDelta)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrTransient) && !emitted && attempt < c.cfg.MaxAttempts {
			slog.Warn("LLM call failed, retrying",
				"attempt", attempt, "max_attempts", c.cfg.MaxAttempts, "error", err)
			return err
		}
		return backoff.Permanent(err)
	}

	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		return nil, err
	}
	return resp, nil
}

// Close implements Client.
func (c *RetryingClient) Close() error { return c.inner.Close() }
