package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"

	"chatgw/internal/providers"
)

type RetryConfig struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 4
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 6 * time.Second
	}
	return c
}

// Client wraps a provider with two explicit stages composed at construction:
// a retry policy around a circuit breaker. Every attempt passes through the
// breaker, so an open breaker short-circuits the remaining attempts without
// contacting the provider. Client-input errors are never retried.
//
// For streams the policy covers establishment only; once the first chunk is
// out, failures surface in-band on the chunk channel and are terminal.
type Client struct {
	inner   providers.Provider
	breaker *Breaker
	cfg     RetryConfig
}

func Wrap(inner providers.Provider, breaker *Breaker, cfg RetryConfig) *Client {
	return &Client{inner: inner, breaker: breaker, cfg: cfg.withDefaults()}
}

var _ providers.Provider = (*Client)(nil)

func (c *Client) Name() string {
	return c.inner.Name()
}

func (c *Client) Generate(ctx context.Context, req providers.ChatRequest) (providers.ChatResponseFull, error) {
	var out providers.ChatResponseFull
	err := retry.Do(ctx, c.backoff(), func(ctx context.Context) error {
		if err := c.breaker.Allow(); err != nil {
			return err
		}
		res, err := c.inner.Generate(ctx, req)
		if err != nil {
			if errors.Is(err, providers.ErrBadRequest) {
				return err
			}
			c.breaker.Failure()
			return retry.RetryableError(err)
		}
		c.breaker.Success()
		out = res
		return nil
	})
	return out, err
}

func (c *Client) GenerateStream(ctx context.Context, req providers.ChatRequest) (<-chan providers.ChatResponseChunk, error) {
	var out <-chan providers.ChatResponseChunk
	err := retry.Do(ctx, c.backoff(), func(ctx context.Context) error {
		if err := c.breaker.Allow(); err != nil {
			return err
		}
		ch, err := c.inner.GenerateStream(ctx, req)
		if err != nil {
			if errors.Is(err, providers.ErrBadRequest) {
				return err
			}
			c.breaker.Failure()
			return retry.RetryableError(err)
		}
		c.breaker.Success()
		out = ch
		return nil
	})
	return out, err
}

func (c *Client) backoff() retry.Backoff {
	b := retry.NewExponential(c.cfg.BackoffBase)
	b = retry.WithJitterPercent(20, b)
	b = retry.WithCappedDuration(c.cfg.BackoffCap, b)
	return retry.WithMaxRetries(uint64(c.cfg.MaxAttempts-1), b)
}
