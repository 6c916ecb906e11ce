package compliance

import (
	"sync"
	"time"
)

// AttemptLog tracks the most recent call attempt per recipient number. It is
// the only cross-call shared state the cooldown rule depends on; the gate
// itself stays pure and callers pass the looked-up value in.
type AttemptLog struct {
	mu   sync.RWMutex
	last map[string]time.Time
}

// NewAttemptLog creates an empty attempt log.
func NewAttemptLog() *AttemptLog {
	return &AttemptLog{last: make(map[string]time.Time)}
}

// Observe records an attempt to the recipient at time t. Older timestamps
// never overwrite newer ones.
func (l *AttemptLog) Observe(recipient string, t time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if prev, ok := l.last[recipient]; ok && prev.After(t) {
		return
	}
	l.last[recipient] = t
}

// Reserve records an attempt at t and returns the attempt it replaced, nil
// if none. Recording and reading happen under one lock acquisition, so
// concurrent reservations for the same recipient serialize: the loser sees
// the winner's timestamp and the cooldown rule can reject it.
func (l *AttemptLog) Reserve(recipient string, t time.Time) *time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	var prev *time.Time
	if p, ok := l.last[recipient]; ok {
		if p.After(t) {
			return &p
		}
		prev = &p
	}
	l.last[recipient] = t
	return prev
}

// Release undoes a reservation made at t, restoring prev, unless a newer
// attempt has been recorded since.
func (l *AttemptLog) Release(recipient string, t time.Time, prev *time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, ok := l.last[recipient]
	if !ok || !cur.Equal(t) {
		return
	}
	if prev == nil {
		delete(l.last, recipient)
		return
	}
	l.last[recipient] = *prev
}

// Last returns the most recent attempt to the recipient, nil if none.
func (l *AttemptLog) Last(recipient string) *time.Time {
	l.mu.RLock()
	defer l.mu.RUnlock()
	t, ok := l.last[recipient]
	if !ok {
		return nil
	}
	return &t
}

// Prune removes entries older than the cutoff and returns how many were
// removed. Entries older than the cooldown no longer affect decisions.
func (l *AttemptLog) Prune(olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan)

	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for recipient, t := range l.last {
		if t.Before(cutoff) {
			delete(l.last, recipient)
			removed++
		}
	}
	return removed
}
