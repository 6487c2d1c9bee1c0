package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"chatgw/internal/providers"
)

var errUpstream = errors.New("upstream unavailable")

// scriptedProvider fails the first failN calls with errUpstream, then
// succeeds.
type scriptedProvider struct {
	failN int
	calls int
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Generate(_ context.Context, _ providers.ChatRequest) (providers.ChatResponseFull, error) {
	p.calls++
	if p.calls <= p.failN {
		return providers.ChatResponseFull{}, errUpstream
	}
	return providers.ChatResponseFull{ID: "resp-1", Content: "ok"}, nil
}

func (p *scriptedProvider) GenerateStream(_ context.Context, _ providers.ChatRequest) (<-chan providers.ChatResponseChunk, error) {
	p.calls++
	if p.calls <= p.failN {
		return nil, errUpstream
	}
	ch := make(chan providers.ChatResponseChunk)
	close(ch)
	return ch, nil
}

type badRequestProvider struct {
	calls int
}

func (p *badRequestProvider) Name() string { return "badreq" }

func (p *badRequestProvider) Generate(_ context.Context, _ providers.ChatRequest) (providers.ChatResponseFull, error) {
	p.calls++
	return providers.ChatResponseFull{}, fmt.Errorf("provider status 400: %w", providers.ErrBadRequest)
}

func (p *badRequestProvider) GenerateStream(_ context.Context, _ providers.ChatRequest) (<-chan providers.ChatResponseChunk, error) {
	p.calls++
	return nil, fmt.Errorf("provider status 422: %w", providers.ErrBadRequest)
}

func fastRetry() RetryConfig {
	return RetryConfig{MaxAttempts: 4, BackoffBase: time.Millisecond, BackoffCap: 2 * time.Millisecond}
}

func TestClientRetriesTransientFailures(t *testing.T) {
	prov := &scriptedProvider{failN: 2}
	c := Wrap(prov, NewBreaker(10, time.Minute), fastRetry())

	out, err := c.Generate(context.Background(), providers.ChatRequest{Model: "m"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if out.Content != "ok" {
		t.Fatalf("unexpected content %q", out.Content)
	}
	if prov.calls != 3 {
		t.Fatalf("expected 3 attempts (2 failures + success), got %d", prov.calls)
	}
}

func TestClientExhaustsAttempts(t *testing.T) {
	prov := &scriptedProvider{failN: 100}
	c := Wrap(prov, NewBreaker(10, time.Minute), fastRetry())

	_, err := c.Generate(context.Background(), providers.ChatRequest{Model: "m"})
	if !errors.Is(err, errUpstream) {
		t.Fatalf("expected upstream error, got %v", err)
	}
	if prov.calls != 4 {
		t.Fatalf("expected exactly 4 attempts, got %d", prov.calls)
	}
}

func TestClientDoesNotRetryBadRequest(t *testing.T) {
	prov := &badRequestProvider{}
	c := Wrap(prov, NewBreaker(10, time.Minute), fastRetry())

	_, err := c.Generate(context.Background(), providers.ChatRequest{Model: "m"})
	if !errors.Is(err, providers.ErrBadRequest) {
		t.Fatalf("expected ErrBadRequest, got %v", err)
	}
	if prov.calls != 1 {
		t.Fatalf("client errors must not be retried, got %d attempts", prov.calls)
	}
}

func TestClientBadRequestLeavesBreakerClosed(t *testing.T) {
	prov := &badRequestProvider{}
	b := NewBreaker(1, time.Minute)
	c := Wrap(prov, b, fastRetry())

	_, _ = c.Generate(context.Background(), providers.ChatRequest{Model: "m"})
	if err := b.Allow(); err != nil {
		t.Fatalf("bad requests must not trip the breaker: %v", err)
	}
}

func TestClientOpenBreakerShortCircuits(t *testing.T) {
	prov := &scriptedProvider{failN: 100}
	b := NewBreaker(1, time.Minute)
	b.Failure()
	c := Wrap(prov, b, fastRetry())

	_, err := c.Generate(context.Background(), providers.ChatRequest{Model: "m"})
	if !errors.Is(err, ErrBreakerOpen) {
		t.Fatalf("expected ErrBreakerOpen, got %v", err)
	}
	if prov.calls != 0 {
		t.Fatalf("open breaker must not contact the provider, got %d calls", prov.calls)
	}
}

func TestClientBreakerOpensMidRetry(t *testing.T) {
	prov := &scriptedProvider{failN: 100}
	b := NewBreaker(2, time.Minute)
	c := Wrap(prov, b, fastRetry())

	_, err := c.Generate(context.Background(), providers.ChatRequest{Model: "m"})
	if !errors.Is(err, ErrBreakerOpen) {
		t.Fatalf("expected ErrBreakerOpen once the threshold trips, got %v", err)
	}
	if prov.calls != 2 {
		t.Fatalf("expected 2 provider calls before the breaker opened, got %d", prov.calls)
	}
}

func TestClientStreamEstablishmentRetried(t *testing.T) {
	prov := &scriptedProvider{failN: 1}
	c := Wrap(prov, NewBreaker(10, time.Minute), fastRetry())

	ch, err := c.GenerateStream(context.Background(), providers.ChatRequest{Model: "m"})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if ch == nil {
		t.Fatal("expected a channel")
	}
	if prov.calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", prov.calls)
	}
}
