// Package ratelimit implements a per-endpoint sliding-window request
// admission gate. At most W admissions are allowed in any trailing
// window of T seconds; Admit blocks the caller until a slot frees up.
package ratelimit

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// Limiter is a thread-safe sliding-window admission gate for one upstream
// endpoint. Mutations are serialized so it can be shared across concurrent
// per-author workers that hit the same endpoint.
type Limiter struct {
	window time.Duration
	max    int

	mu   sync.Mutex
	hist *list.List // admission timestamps, oldest at Front

	// forcedUntil, if non-zero, is a time before which Admit always blocks
	// regardless of window occupancy, used to honor a 429 Retry-After hint.
	forcedUntil time.Time
}

// New creates a Limiter admitting at most max requests per window.
func New(max int, window time.Duration) *Limiter {
	return &Limiter{
		window: window,
		max:    max,
		hist:   list.New(),
	}
}

// Admit blocks until a slot is available in the sliding window, then
// records the admission. Returns ctx.Err() if ctx is cancelled first.
func (l *Limiter) Admit(ctx context.Context) error {
	for {
		wait, ok := l.tryAdmit()
		if ok {
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// tryAdmit evicts stale entries and either admits immediately (returning
// ok=true) or reports how long the caller should wait before retrying.
func (l *Limiter) tryAdmit() (wait time.Duration, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if now.Before(l.forcedUntil) {
		return l.forcedUntil.Sub(now), false
	}

	l.evictLocked(now)

	if l.hist.Len() < l.max {
		l.hist.PushBack(now)
		return 0, true
	}

	oldest := l.hist.Front().Value.(time.Time)
	return oldest.Add(l.window).Sub(now), false
}

// evictLocked removes admission timestamps older than now-window. Caller
// must hold l.mu.
func (l *Limiter) evictLocked(now time.Time) {
	cutoff := now.Add(-l.window)
	for e := l.hist.Front(); e != nil; {
		next := e.Next()
		if e.Value.(time.Time).Before(cutoff) {
			l.hist.Remove(e)
		} else {
			break // list is ordered oldest-first; once one is in-window, all after it are too
		}
		e = next
	}
}

// ForceAdvance advances the limiter past an upstream-supplied Retry-After
// hint (e.g. from a 429 response), overriding the sliding window until d
// has elapsed.
func (l *Limiter) ForceAdvance(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	until := time.Now().Add(d)
	if until.After(l.forcedUntil) {
		l.forcedUntil = until
	}
}

// Occupancy returns the number of admissions currently counted within the
// window. Exposed for diagnostics/stats.
func (l *Limiter) Occupancy() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.evictLocked(time.Now())
	return l.hist.Len()
}
