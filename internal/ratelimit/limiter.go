// Package ratelimit implements fixed-window request counters keyed by an
// arbitrary string, usually the client IP.
package ratelimit

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable wraps failures of the backing counter store.
var ErrUnavailable = errors.New("rate limit store unavailable")

// Counter increments the counter for key inside a window of the given size.
// When no window is active (or the active one has ended) it starts a new one
// with count 1. It returns the post-increment count and the time left until
// the window resets.
type Counter interface {
	Incr(ctx context.Context, key string, window time.Duration) (count int64, resetIn time.Duration, err error)
	Reset(ctx context.Context, key string) error
}

// Decision is the result of one Allow call.
type Decision struct {
	Allowed    bool
	Limit      int
	Count      int64
	Remaining  int
	RetryAfter time.Duration
}

// Limiter allows Limit requests per Window per key. The Limit-th request in a
// window passes, the next one is rejected.
type Limiter struct {
	Name    string
	Limit   int
	Window  time.Duration
	counter Counter
}

func New(name string, limit int, window time.Duration, counter Counter) *Limiter {
	return &Limiter{Name: name, Limit: limit, Window: window, counter: counter}
}

func (l *Limiter) key(key string) string {
	return l.Name + ":" + key
}

// Allow counts one request for key.
func (l *Limiter) Allow(ctx context.Context, key string) (Decision, error) {
	count, resetIn, err := l.counter.Incr(ctx, l.key(key), l.Window)
	if err != nil {
		return Decision{}, err
	}

	d := Decision{
		Allowed:    count <= int64(l.Limit),
		Limit:      l.Limit,
		Count:      count,
		RetryAfter: resetIn,
	}
	if remaining := int64(l.Limit) - count; remaining > 0 {
		d.Remaining = int(remaining)
	}
	return d, nil
}

// Reset forgets every request counted for key in the current window.
func (l *Limiter) Reset(ctx context.Context, key string) error {
	return l.counter.Reset(ctx, l.key(key))
}
