package ingest

import (
	"context"
	"sync"
	"time"
)

// DefaultExtractionInterval is the minimum spacing between extraction calls.
// Free-tier LLM endpoints rate-limit aggressively; serialising the calls
// keeps long ingests from tripping 429 storms.
const DefaultExtractionInterval = 4 * time.Second

// Limiter enforces a minimum interval between calls, across all goroutines
// and all concurrent ingests in the process. The zero value is not usable;
// construct with NewLimiter.
type Limiter struct {
	mu       sync.Mutex
	next     time.Time
	interval time.Duration
}

// NewLimiter returns a limiter with the given minimum interval. Non-positive
// intervals fall back to the default.
func NewLimiter(interval time.Duration) *Limiter {
	if interval <= 0 {
		interval = DefaultExtractionInterval
	}
	return &Limiter{interval: interval}
}

// Wait blocks until the caller may proceed, or until ctx is done. Callers
// are admitted in the order they reserve a slot.
func (l *Limiter) Wait(ctx context.Context) error {
	l.mu.Lock()
	now := time.Now()
	at := l.next
	if at.Before(now) {
		at = now
	}
	l.next = at.Add(l.interval)
	l.mu.Unlock()

	d := time.Until(at)
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
