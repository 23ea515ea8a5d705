// Package denylog — limiter.go
//
// Token bucket for denial log lines. A misbehaving container can generate
// thousands of denials per second; the audit stream is best-effort, so
// lines over budget are counted and dropped rather than queued.
//
// Invariants:
//   - tokens ∈ [0, capacity] at all times.
//   - Allow() is atomic under mutex.
//   - Refill is full-capacity on a fixed period, not incremental.

package denylog

import (
	"sync"
	"sync/atomic"
	"time"
)

// Limiter is a thread-safe token bucket for denial log emission.
type Limiter struct {
	mu           sync.Mutex
	capacity     int
	tokens       int
	refillPeriod time.Duration

	suppressed atomic.Uint64

	stop chan struct{}
	once sync.Once
}

// NewLimiter creates a Limiter and starts its refill goroutine.
// capacity and refillPeriod must be > 0. Call Close to stop the refill
// goroutine.
func NewLimiter(capacity int, refillPeriod time.Duration) *Limiter {
	if capacity <= 0 {
		panic("denylog.Limiter: capacity must be > 0")
	}
	if refillPeriod <= 0 {
		panic("denylog.Limiter: refillPeriod must be > 0")
	}
	l := &Limiter{
		capacity:     capacity,
		tokens:       capacity,
		refillPeriod: refillPeriod,
		stop:         make(chan struct{}),
	}
	go l.refillLoop()
	return l
}

func (l *Limiter) refillLoop() {
	ticker := time.NewTicker(l.refillPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			l.tokens = l.capacity
			l.mu.Unlock()
		case <-l.stop:
			return
		}
	}
}

// Allow consumes one token. Returns false when the bucket is empty; the
// caller should drop the log line and count it as suppressed.
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.tokens > 0 {
		l.tokens--
		return true
	}
	l.suppressed.Add(1)
	return false
}

// Suppressed returns the lifetime count of dropped lines.
func (l *Limiter) Suppressed() uint64 {
	return l.suppressed.Load()
}

// Close stops the refill goroutine. Safe to call multiple times.
func (l *Limiter) Close() {
	l.once.Do(func() { close(l.stop) })
}
