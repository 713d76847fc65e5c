package gateway

import (
	"sync"
	"time"
)

// AcceptLimiter is a per-IP sliding window limit on new connections.
type AcceptLimiter struct {
	mu       sync.Mutex
	accepts  map[string][]time.Time
	limit    int           // max connections per window
	window   time.Duration // sliding window duration
	now      func() time.Time
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewAcceptLimiter returns nil when limit is not positive; a nil limiter
// allows everything.
func NewAcceptLimiter(limit int, window time.Duration) *AcceptLimiter {
	if limit <= 0 {
		return nil
	}
	l := &AcceptLimiter{
		accepts: make(map[string][]time.Time),
		limit:   limit,
		window:  window,
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow records an accept from ip and reports whether it is within the limit.
func (l *AcceptLimiter) Allow(ip string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	recent := prune(l.accepts[ip], now.Add(-l.window))
	if len(recent) >= l.limit {
		l.accepts[ip] = recent
		return false
	}
	l.accepts[ip] = append(recent, now)
	return true
}

// prune drops timestamps at or before cutoff, reusing the backing array.
func prune(times []time.Time, cutoff time.Time) []time.Time {
	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}

func (l *AcceptLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.window)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-l.stopCh:
			return
		}
	}
}

func (l *AcceptLimiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.window)
	for ip, times := range l.accepts {
		if recent := prune(times, cutoff); len(recent) == 0 {
			delete(l.accepts, ip)
		} else {
			l.accepts[ip] = recent
		}
	}
}

// tracked returns the number of addresses with recent accepts.
func (l *AcceptLimiter) tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.accepts)
}

// Stop halts the cleanup goroutine. It is safe to call more than once.
func (l *AcceptLimiter) Stop() {
	if l == nil {
		return
	}
	l.stopOnce.Do(func() { close(l.stopCh) })
}
