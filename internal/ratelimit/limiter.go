// Package ratelimit provides the admission controller that bounds the rate of
// calls into the upstream market-data API.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"straddle-engine/internal/errors"
	"straddle-engine/internal/metrics"
)

// Config holds admission-controller configuration.
type Config struct {
	// Window is the sliding-window span.
	Window time.Duration
	// Global is the maximum calls per window across all categories.
	Global int
	// Categories maps a call category to its per-window budget.
	Categories map[string]int
}

// Limiter admits calls under per-category and global sliding-window budgets.
// Acquire blocks the caller until a slot frees or the context expires; a
// deadline hit is a retryable backpressure signal, not a terminal error.
type Limiter struct {
	cfg Config

	mu     sync.Mutex
	global *window
	cats   map[string]*window

	// Metrics
	totalAdmitted int64
	totalWaits    int64
	totalTimeouts int64

	now func() time.Time
}

type window struct {
	limit  int
	stamps []time.Time
}

// New creates a new admission controller.
func New(cfg Config) *Limiter {
	l := &Limiter{
		cfg:    cfg,
		global: &window{limit: cfg.Global},
		cats:   make(map[string]*window, len(cfg.Categories)),
		now:    time.Now,
	}
	for name, limit := range cfg.Categories {
		l.cats[name] = &window{limit: limit}
	}
	return l
}

// Acquire blocks until one call slot in the given category (and the global
// budget) is available, or the context is done. Unknown categories count only
// against the global budget.
func (l *Limiter) Acquire(ctx context.Context, category string) error {
	for {
		ok, retryAt := l.tryAcquire(category)
		if ok {
			return nil
		}

		l.mu.Lock()
		l.totalWaits++
		l.mu.Unlock()
		metrics.AdmissionWaits.Inc()

		wait := time.Until(retryAt)
		if wait <= 0 {
			wait = time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			l.mu.Lock()
			l.totalTimeouts++
			l.mu.Unlock()
			return errors.Wrap(errors.ErrRateLimited, ctx.Err().Error())
		case <-timer.C:
		}
	}
}

// tryAcquire attempts a non-blocking admission. On refusal it returns the
// earliest time at which a slot may free.
func (l *Limiter) tryAcquire(category string) (bool, time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.cfg.Window)

	l.global.prune(cutoff)
	cat := l.cats[category]
	if cat != nil {
		cat.prune(cutoff)
	}

	if len(l.global.stamps) >= l.global.limit {
		return false, l.global.stamps[0].Add(l.cfg.Window)
	}
	if cat != nil && len(cat.stamps) >= cat.limit {
		return false, cat.stamps[0].Add(l.cfg.Window)
	}

	l.global.stamps = append(l.global.stamps, now)
	if cat != nil {
		cat.stamps = append(cat.stamps, now)
	}
	l.totalAdmitted++
	return true, time.Time{}
}

func (w *window) prune(cutoff time.Time) {
	i := 0
	for i < len(w.stamps) && !w.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[i:]...)
	}
}

// Stats reports admission counters.
type Stats struct {
	Admitted int64
	Waits    int64
	Timeouts int64
}

// Stats returns a snapshot of admission counters.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{
		Admitted: l.totalAdmitted,
		Waits:    l.totalWaits,
		Timeouts: l.totalTimeouts,
	}
}
