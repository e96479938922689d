// Package ratelimit provides a monotonic token-bucket limiter that paces
// provider calls to a requests-per-minute budget.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Limiter is a token bucket with capacity 1 refilled at rpm/60 tokens per
// second. A nil *Limiter is valid and never blocks.
type Limiter struct {
	mu       sync.Mutex
	rpm      int
	tokens   float64
	lastFill time.Time
	counter  prometheus.Counter // optional: incremented on each blocking wait

	// Injected for deterministic tests.
	nowFunc   func() time.Time
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithCounter sets a Prometheus counter incremented whenever an acquire has
// to wait (pass nil to disable).
func WithCounter(c prometheus.Counter) Option {
	return func(l *Limiter) { l.counter = c }
}

// WithClock injects now/sleep functions for tests.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(l *Limiter) {
		l.nowFunc = now
		l.sleepFunc = sleep
	}
}

// New creates a limiter for the given requests-per-minute budget. rpm <= 0
// returns nil (acquisition becomes a no-op).
func New(rpm int, opts ...Option) *Limiter {
	if rpm <= 0 {
		return nil
	}
	l := &Limiter{
		rpm:       rpm,
		tokens:    1,
		nowFunc:   time.Now,
		sleepFunc: sleepCtx,
	}
	for _, o := range opts {
		o(l)
	}
	l.lastFill = l.nowFunc()
	return l
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Acquire blocks until a token is available or ctx is done. No lock is held
// while sleeping.
func (l *Limiter) Acquire(ctx context.Context) error {
	if l == nil {
		return nil
	}
	waited := false
	for {
		wait := l.reserve()
		if wait <= 0 {
			return nil
		}
		if !waited {
			waited = true
			if l.counter != nil {
				l.counter.Inc()
			}
		}
		if err := l.sleepFunc(ctx, wait); err != nil {
			return err
		}
	}
}

// reserve refills the bucket and either consumes a token (returning 0) or
// returns how long to wait before trying again.
func (l *Limiter) reserve() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFunc()
	elapsed := now.Sub(l.lastFill)
	if elapsed > 0 {
		l.tokens += elapsed.Seconds() * float64(l.rpm) / 60.0
		if l.tokens > 1 {
			l.tokens = 1
		}
		l.lastFill = now
	}

	if l.tokens >= 1 {
		l.tokens--
		return 0
	}

	deficit := 1 - l.tokens
	secs := deficit * 60.0 / float64(l.rpm)
	return time.Duration(secs * float64(time.Second))
}
