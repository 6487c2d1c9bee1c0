package resilience

import (
	"errors"
	"sync"
	"time"
)

// ErrBreakerOpen is returned without contacting the provider while the
// breaker cool-down is in effect.
var ErrBreakerOpen = errors.New("circuit breaker open")

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

// Breaker is a per-provider circuit breaker. After failMax consecutive
// failures it opens and rejects immediately until the cool-down elapses; the
// first call after that is a half-open trial whose outcome closes or reopens
// the breaker.
type Breaker struct {
	mu       sync.Mutex
	failMax  int
	cooldown time.Duration
	now      func() time.Time

	state    breakerState
	failures int
	openedAt time.Time
}

func NewBreaker(failMax int, cooldown time.Duration) *Breaker {
	if failMax < 1 {
		failMax = 1
	}
	return &Breaker{
		failMax:  failMax,
		cooldown: cooldown,
		now:      time.Now,
	}
}

// Allow reports whether a call may proceed. Returns ErrBreakerOpen while
// open or while a half-open trial is already in flight; the caller that gets
// nil back during half-open is the trial and must report Success or Failure.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateClosed:
		return nil
	case stateOpen:
		if b.now().Sub(b.openedAt) >= b.cooldown {
			b.state = stateHalfOpen
			return nil
		}
		return ErrBreakerOpen
	default: // half-open, trial in flight
		return ErrBreakerOpen
	}
}

func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.state = stateClosed
}

func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.state == stateHalfOpen || b.failures >= b.failMax {
		b.state = stateOpen
		b.openedAt = b.now()
	}
}

// Registry holds one breaker per provider identity, created lazily. Owned by
// the gateway instance, not a package global.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	failMax  int
	cooldown time.Duration
}

func NewRegistry(failMax int, cooldown time.Duration) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		failMax:  failMax,
		cooldown: cooldown,
	}
}

func (r *Registry) Get(provider string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[provider]
	if !ok {
		b = NewBreaker(r.failMax, r.cooldown)
		r.breakers[provider] = b
	}
	return b
}
