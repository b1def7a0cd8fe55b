// Package ratelimit implements the adaptive limiter that gates every call
// to the Graph API. The allowed rate moves between a floor and a ceiling
// based on feedback: additive increase on sustained success, halving on an
// explicit 429, multiplicative decay on other transient errors.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

const (
	// successStreak is how many consecutive successes earn one rate bump.
	successStreak = 20
	// rateIncrement is the additive bump in requests per minute.
	rateIncrement = 5
	// transientDecay shrinks the rate on non-429 remote errors.
	transientDecay = 0.8
)

// Options bound the limiter. Rates are requests per minute.
type Options struct {
	MinRate            float64
	MaxRate            float64
	MinInterval        time.Duration
	RetryAfterFallback time.Duration
}

// Limiter spaces requests so that no 60-second window ever sees more than
// the current rate. One instance is shared by every concurrent sync job;
// all state lives behind the mutex.
type Limiter struct {
	opts Options

	mu          sync.Mutex
	rate        float64 // current allowed requests/minute
	successes   int
	nextAllowed time.Time // earliest moment the next request may go out

	totalRequests int64
	totalWaits    int64
	totalWaitTime time.Duration
	rateLimitHits int64
}

// Stats is a point-in-time snapshot of limiter counters.
type Stats struct {
	Rate          float64
	TotalRequests int64
	TotalWaits    int64
	TotalWaitTime time.Duration
	RateLimitHits int64
}

// New creates a limiter starting at MaxRate.
func New(opts Options) *Limiter {
	if opts.MinRate <= 0 {
		opts.MinRate = 30
	}
	if opts.MaxRate < opts.MinRate {
		opts.MaxRate = opts.MinRate
	}
	if opts.RetryAfterFallback <= 0 {
		opts.RetryAfterFallback = 60 * time.Second
	}
	return &Limiter{
		opts: opts,
		rate: opts.MaxRate,
	}
}

// Acquire blocks until a request is permitted or ctx is done. It never
// fails for rate reasons; the only error it returns is ctx.Err().
func (l *Limiter) Acquire(ctx context.Context) error {
	for {
		l.mu.Lock()
		now := time.Now()
		if !now.Before(l.nextAllowed) {
			l.nextAllowed = now.Add(l.interval())
			l.totalRequests++
			l.mu.Unlock()
			return nil
		}
		wait := l.nextAllowed.Sub(now)
		l.totalWaits++
		l.totalWaitTime += wait
		l.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// OnSuccess records a successful remote call. Every successStreak
// consecutive successes nudge the rate up toward MaxRate.
func (l *Limiter) OnSuccess() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.successes++
	if l.successes >= successStreak {
		l.successes = 0
		l.rate = min(l.opts.MaxRate, l.rate+rateIncrement)
	}
}

// OnRateLimited halves the rate and blocks all acquirers for retryAfter
// (the server's Retry-After value, or the fallback when non-positive).
func (l *Limiter) OnRateLimited(retryAfter time.Duration) {
	if retryAfter <= 0 {
		retryAfter = l.opts.RetryAfterFallback
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.successes = 0
	l.rateLimitHits++
	l.rate = max(l.opts.MinRate, l.rate/2)
	if blocked := time.Now().Add(retryAfter); blocked.After(l.nextAllowed) {
		l.nextAllowed = blocked
	}
}

// OnTransientError decays the rate without imposing a quiet period.
func (l *Limiter) OnTransientError() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.successes = 0
	l.rate = max(l.opts.MinRate, l.rate*transientDecay)
}

// Rate returns the current allowed rate in requests per minute.
func (l *Limiter) Rate() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rate
}

// Snapshot returns current counters for stats and history records.
func (l *Limiter) Snapshot() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{
		Rate:          l.rate,
		TotalRequests: l.totalRequests,
		TotalWaits:    l.totalWaits,
		TotalWaitTime: l.totalWaitTime,
		RateLimitHits: l.rateLimitHits,
	}
}

// interval is the spacing that keeps the observed rate at or below the
// current allowance. Callers must hold l.mu.
func (l *Limiter) interval() time.Duration {
	spacing := time.Duration(float64(time.Minute) / l.rate)
	if spacing < l.opts.MinInterval {
		return l.opts.MinInterval
	}
	return spacing
}
