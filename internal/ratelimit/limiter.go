// Package ratelimit bounds how often a manual sync can be triggered by a
// human action. It governs only user-initiated triggers; the background
// reconciliation loop has its own minimum-interval gate.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter is a sliding-window counter over manual sync attempts
type Limiter struct {
	maxAttempts int
	window      time.Duration
	now         func() time.Time

	mu       sync.Mutex
	attempts []time.Time
}

// Option configures the limiter
type Option func(*Limiter)

// WithClock overrides the time source, for tests
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// NewLimiter creates a Limiter allowing maxAttempts per sliding window
func NewLimiter(maxAttempts int, window time.Duration, opts ...Option) *Limiter {
	l := &Limiter{
		maxAttempts: maxAttempts,
		window:      window,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// CanAttempt reports whether another manual sync is allowed right now
func (l *Limiter) CanAttempt() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.purgeLocked()
	return len(l.attempts) < l.maxAttempts
}

// RecordAttempt appends the current time to the window
func (l *Limiter) RecordAttempt() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.purgeLocked()
	l.attempts = append(l.attempts, l.now())
}

// RemainingWait returns how long until the oldest attempt in a full window
// expires, suitable for a "try again in Xs" message. Zero when an attempt is
// allowed immediately.
func (l *Limiter) RemainingWait() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.purgeLocked()
	if len(l.attempts) < l.maxAttempts {
		return 0
	}

	wait := l.attempts[0].Add(l.window).Sub(l.now())
	if wait < 0 {
		return 0
	}
	return wait
}

// purgeLocked lazily drops attempts older than the lookback; callers hold l.mu.
func (l *Limiter) purgeLocked() {
	cutoff := l.now().Add(-l.window)
	firstValid := len(l.attempts)
	for i, t := range l.attempts {
		if t.After(cutoff) {
			firstValid = i
			break
		}
	}
	l.attempts = l.attempts[firstValid:]
}
