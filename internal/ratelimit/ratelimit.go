// Package ratelimit is a process-local sliding-window throttle for the
// outbound-notification path. It bounds what this client sends; true
// enforcement needs an equivalent check at the point of dispatch, since
// a second client can exceed the limit independently.
package ratelimit

import (
	"sync"
	"time"
)

type Limiter struct {
	mu          sync.Mutex
	maxRequests int
	window      time.Duration
	times       []time.Time

	// now is swapped in tests
	now func() time.Time
}

func New(maxRequests int, window time.Duration) *Limiter {
	return &Limiter{maxRequests: maxRequests, window: window, now: time.Now}
}

// prune drops timestamps that fell out of the trailing window.
// Callers must hold mu.
func (l *Limiter) prune(now time.Time) {
	kept := l.times[:0]
	for _, t := range l.times {
		if now.Sub(t) < l.window {
			kept = append(kept, t)
		}
	}
	l.times = kept
}

// CanSend reports whether another send fits in the current window.
func (l *Limiter) CanSend() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(l.now())
	return len(l.times) < l.maxRequests
}

// RecordSend counts a send against the window.
func (l *Limiter) RecordSend() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.times = append(l.times, l.now())
}

// Remaining is how many sends are left in the current window.
func (l *Limiter) Remaining() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(l.now())
	if n := l.maxRequests - len(l.times); n > 0 {
		return n
	}
	return 0
}

// ResetIn is how long until the oldest recorded send ages out.
func (l *Limiter) ResetIn() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.prune(now)
	if len(l.times) == 0 {
		return 0
	}
	oldest := l.times[0]
	for _, t := range l.times[1:] {
		if t.Before(oldest) {
			oldest = t
		}
	}
	if d := l.window - now.Sub(oldest); d > 0 {
		return d
	}
	return 0
}

// Reset clears the window.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.times = nil
}
