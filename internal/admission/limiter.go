package admission

import (
	"context"
	"sync"
	"time"
)

// Limiter admits at most limit calls per rolling window. Acquire suspends
// the caller until a slot frees; it never rejects and there is no bound on
// wait time or queue depth. Slots free automatically as the window advances;
// there is no release call.
type Limiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	stamps []time.Time
	now    func() time.Time
}

func NewLimiter(limit int, window time.Duration) *Limiter {
	if limit < 1 {
		limit = 1
	}
	return &Limiter{
		limit:  limit,
		window: window,
		stamps: make([]time.Time, 0, limit),
		now:    time.Now,
	}
}

func (l *Limiter) Acquire(ctx context.Context) error {
	for {
		l.mu.Lock()
		now := l.now()
		l.pruneLocked(now)
		if len(l.stamps) < l.limit {
			l.stamps = append(l.stamps, now)
			l.mu.Unlock()
			return nil
		}
		wait := l.stamps[0].Add(l.window).Sub(now)
		l.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (l *Limiter) pruneLocked(now time.Time) {
	cut := 0
	for cut < len(l.stamps) && now.Sub(l.stamps[cut]) >= l.window {
		cut++
	}
	if cut > 0 {
		l.stamps = append(l.stamps[:0], l.stamps[cut:]...)
	}
}

// Controller keeps one limiter per client key, created lazily on first use.
// State is process-local: across multiple gateway instances each instance
// enforces its own window.
type Controller struct {
	mu       sync.Mutex
	limiters map[string]*Limiter
	limit    int
	window   time.Duration
}

func NewController(limit int, window time.Duration) *Controller {
	return &Controller{
		limiters: make(map[string]*Limiter),
		limit:    limit,
		window:   window,
	}
}

func (c *Controller) Acquire(ctx context.Context, key string) error {
	c.mu.Lock()
	l, ok := c.limiters[key]
	if !ok {
		l = NewLimiter(c.limit, c.window)
		c.limiters[key] = l
	}
	c.mu.Unlock()
	return l.Acquire(ctx)
}
