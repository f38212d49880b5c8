package ai

import (
	"context"
	"sync"
	"time"
)

// Limiter bounds provider calls to at most limit requests inside a sliding
// window. Callers block in Wait until a slot opens; a single turn token
// serializes waiters so requests go out in arrival order and the limiter is
// the one backpressure point shared by every concurrently scanning account.
type Limiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	buffer time.Duration
	stamps []time.Time
	turn   chan struct{}
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewLimiter creates a limiter allowing limit requests per window. now and
// sleep are injectable for tests; nil selects the real clock.
func NewLimiter(limit int, window time.Duration, now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) *Limiter {
	if now == nil {
		now = time.Now
	}
	if sleep == nil {
		sleep = func(ctx context.Context, d time.Duration) error {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-timer.C:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return &Limiter{
		limit:  limit,
		window: window,
		buffer: 100 * time.Millisecond,
		turn:   make(chan struct{}, 1),
		now:    now,
		sleep:  sleep,
	}
}

// Wait blocks until the caller may issue a request, then records the
// request timestamp. Returns the context error if cancelled while queued.
func (l *Limiter) Wait(ctx context.Context) error {
	select {
	case l.turn <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-l.turn }()

	for {
		wait := l.reserve()
		if wait <= 0 {
			return nil
		}
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// reserve records a timestamp if capacity allows, otherwise returns how
// long until the oldest stamp leaves the window.
func (l *Limiter) reserve() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)
	kept := l.stamps[:0]
	for _, s := range l.stamps {
		if s.After(cutoff) {
			kept = append(kept, s)
		}
	}
	l.stamps = kept

	if len(l.stamps) < l.limit {
		l.stamps = append(l.stamps, now)
		return 0
	}

	return l.stamps[0].Sub(cutoff) + l.buffer
}
