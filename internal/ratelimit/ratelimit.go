// Package ratelimit implements the per-sender rate limiter (spec C3): a
// sliding-window message-rate enforcement, with idle-sender eviction
// grounded in the teacher's gateway.RateLimitMiddleware.EvictStale /
// TokenBucket.LastAccess (internal/gateway/ratelimit.go).
package ratelimit

import (
	"sync"
	"time"
)

// DefaultLimit is the default sustained message rate per sender, in
// messages per second, per spec §4.3.
const DefaultLimit = 1000

// window is a two-bucket sliding window: count accumulated in the current
// second and the previous second. The estimated rate at time t is
// prevCount*overlap + currCount, where overlap is the fraction of the
// previous second still "in view" of a one-second sliding window ending at
// t. This approximates a true sliding log without storing a timestamp per
// message, and is the standard fixed-window-with-carryover technique.
type window struct {
	mu         sync.Mutex
	prevCount  int64
	currCount  int64
	bucketUnix int64 // unix second this bucket started counting at
	lastAccess time.Time
}

// Limiter enforces a per-sender message rate limit and evicts senders that
// have gone idle, so memory does not grow without bound as components churn.
type Limiter struct {
	limit   int64
	mu      sync.RWMutex
	windows map[string]*window
}

// New builds a Limiter with the given messages-per-second ceiling. A limit
// of 0 is replaced with DefaultLimit.
func New(limit int64) *Limiter {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Limiter{limit: limit, windows: make(map[string]*window)}
}

// Allow reports whether sender may send one more message right now, and if
// so, records it (admission + increment, per spec §4.3's stated freedom to
// combine the check-and-increment). A sender with no prior history is
// always allowed its first message.
func (l *Limiter) Allow(sender string) bool {
	w := l.getWindow(sender)
	return w.allow(l.limit, time.Now())
}

func (l *Limiter) getWindow(sender string) *window {
	l.mu.RLock()
	w, ok := l.windows[sender]
	l.mu.RUnlock()
	if ok {
		return w
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if w, ok = l.windows[sender]; ok {
		return w
	}
	w = &window{bucketUnix: time.Now().Unix()}
	l.windows[sender] = w
	return w
}

func (w *window) allow(limit int64, now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	nowUnix := now.Unix()
	switch delta := nowUnix - w.bucketUnix; {
	case delta <= 0:
		// same second, nothing to roll
	case delta == 1:
		w.prevCount = w.currCount
		w.currCount = 0
		w.bucketUnix = nowUnix
	default:
		// more than one second idle: no carryover at all
		w.prevCount = 0
		w.currCount = 0
		w.bucketUnix = nowUnix
	}
	w.lastAccess = now

	overlap := 1.0 - float64(now.Nanosecond())/1e9
	estimated := float64(w.prevCount)*overlap + float64(w.currCount)
	if estimated >= float64(limit) {
		return false
	}
	w.currCount++
	return true
}

// LastAccess reports the last time sender was checked, for eviction.
func (w *window) lastAccessTime() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastAccess
}

// EvictIdle removes any sender windows that have not been checked within
// maxAge, freeing memory for senders that have gone away. It is intended to
// be invoked periodically by the supervisor's housekeeping sweep.
func (l *Limiter) EvictIdle(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	l.mu.Lock()
	defer l.mu.Unlock()

	evicted := 0
	for sender, w := range l.windows {
		if w.lastAccessTime().Before(cutoff) {
			delete(l.windows, sender)
			evicted++
		}
	}
	return evicted
}

// SenderCount reports the number of tracked senders, for metrics and tests.
func (l *Limiter) SenderCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.windows)
}
