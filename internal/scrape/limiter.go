// Package scrape holds the explicitly constructed guardrail services shared
// by the scraper sources: pacing, window budgets, per-domain cooldowns, the
// per-run URL collision map, slug resolution, and domain policy.
package scrape

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter combines a minimum inter-request interval with a fixed-window
// request budget. The interval paces (waits); the budget rejects.
type Limiter struct {
	pacer *rate.Limiter

	mu          sync.Mutex
	window      time.Duration
	maxRequests int
	windowStart time.Time
	used        int

	now func() time.Time
}

func NewLimiter(interval, window time.Duration, maxRequests int) *Limiter {
	if interval <= 0 {
		interval = time.Second
	}
	if window <= 0 {
		window = 30 * time.Minute
	}
	return &Limiter{
		pacer:       rate.NewLimiter(rate.Every(interval), 1),
		window:      window,
		maxRequests: maxRequests,
		now:         time.Now,
	}
}

// Acquire consumes one request slot. It returns false without waiting when
// the current window's budget is spent; otherwise it blocks for pacing and
// returns ctx.Err() if cancelled while waiting.
func (l *Limiter) Acquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	now := l.now()
	if l.windowStart.IsZero() || now.Sub(l.windowStart) >= l.window {
		l.windowStart = now
		l.used = 0
	}
	if l.maxRequests > 0 && l.used >= l.maxRequests {
		l.mu.Unlock()
		return false, nil
	}
	l.used++
	l.mu.Unlock()

	if err := l.pacer.Wait(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Remaining reports the unused budget of the current window.
func (l *Limiter) Remaining() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.maxRequests <= 0 {
		return -1
	}
	if l.windowStart.IsZero() || l.now().Sub(l.windowStart) >= l.window {
		return l.maxRequests
	}
	return l.maxRequests - l.used
}

// Reset clears the window counter. Pacing state is left alone.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.windowStart = time.Time{}
	l.used = 0
}
