// Package ratelimit provides per-client sliding-window admission control.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Decision is the outcome of an admission check. RetryAfter is meaningful
// only when Allowed is false.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Limiter admits or rejects a request for a client key.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
	Close() error
}

// SlidingWindow keeps per-key timestamp lists in process memory. The limit
// is advisory per instance; deployments needing a global limit use the
// Redis-backed limiter. Check-and-record is atomic under the mutex.
type SlidingWindow struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	hits   map[string][]time.Time
	now    func() time.Time
}

// Option configures a SlidingWindow.
type Option func(*SlidingWindow)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(l *SlidingWindow) {
		if fn != nil {
			l.now = fn
		}
	}
}

// NewSlidingWindow builds a limiter admitting at most limit requests per key
// within the window.
func NewSlidingWindow(limit int, window time.Duration, opts ...Option) *SlidingWindow {
	l := &SlidingWindow{
		limit:  limit,
		window: window,
		hits:   make(map[string][]time.Time),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *SlidingWindow) Allow(_ context.Context, key string) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)

	hits := l.hits[key]
	kept := hits[:0]
	for _, ts := range hits {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= l.limit {
		l.hits[key] = kept
		retry := l.window - now.Sub(kept[0])
		if retry < time.Second {
			retry = time.Second
		}
		return Decision{Allowed: false, RetryAfter: retry}, nil
	}

	l.hits[key] = append(kept, now)
	return Decision{Allowed: true}, nil
}

// Sweep drops keys whose entries all fell out of the window and returns how
// many keys were removed. Intended for a periodic background schedule.
func (l *SlidingWindow) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-l.window)
	removed := 0
	for key, hits := range l.hits {
		live := false
		for _, ts := range hits {
			if ts.After(cutoff) {
				live = true
				break
			}
		}
		if !live {
			delete(l.hits, key)
			removed++
		}
	}
	return removed
}

func (l *SlidingWindow) Close() error { return nil }

// NoOp always admits. For tests and disabled rate limiting.
type NoOp struct{}

func (NoOp) Allow(context.Context, string) (Decision, error) {
	return Decision{Allowed: true}, nil
}

func (NoOp) Close() error { return nil }
