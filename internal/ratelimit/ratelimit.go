// Package ratelimit implements a per-source token bucket rate limiter
// with lazy bucket creation and periodic stale-entry eviction. The
// per-bucket token math is golang.org/x/time/rate; this package supplies
// the multi-tenant registry, lazy creation, and stale sweep around it
// that x/time/rate does not provide on its own.
package ratelimit

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultRate is the default refill rate in tokens per second.
const DefaultRate = 100.0

// DefaultCapacity is the default bucket capacity (burst size).
const DefaultCapacity = 100

// StaleTimeout is the duration of inactivity after which a bucket is
// evicted by the periodic sweep.
const StaleTimeout = 60 * time.Second

// Result is the outcome of a rate-limit check.
type Result struct {
	Allowed        bool
	RetryAfterSecs int64
}

// entry pairs an x/time/rate.Limiter with the last-seen timestamp the
// stale sweep needs (x/time/rate tracks its own internal "last" but does
// not expose it).
type entry struct {
	limiter    *rate.Limiter
	sourceRate float64
	lastSeen   time.Time
}

// Limiter is a thread-safe, per-source token bucket rate limiter.
type Limiter struct {
	rate     float64
	capacity int

	mu      sync.RWMutex
	buckets map[string]*entry
}

// New constructs a Limiter with the given per-source rate (tokens/sec)
// and capacity (burst size).
func New(sourceRate float64, capacity int) *Limiter {
	return &Limiter{
		rate:     sourceRate,
		capacity: capacity,
		buckets:  make(map[string]*entry),
	}
}

func (l *Limiter) getOrCreate(source string) *entry {
	l.mu.RLock()
	e, ok := l.buckets[source]
	l.mu.RUnlock()
	if ok {
		return e
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok = l.buckets[source]; ok {
		return e
	}
	e = &entry{
		limiter:    rate.NewLimiter(rate.Limit(l.rate), l.capacity),
		sourceRate: l.rate,
		lastSeen:   time.Now(),
	}
	l.buckets[source] = e
	return e
}

// Check consumes one token from source's bucket, lazily creating a full
// bucket on first sight. A reservation that would require waiting is
// canceled rather than committed, so a rejected request never consumes
// future capacity.
func (l *Limiter) Check(source string) Result {
	e := l.getOrCreate(source)
	now := time.Now()

	l.mu.Lock()
	e.lastSeen = now
	l.mu.Unlock()

	res := e.limiter.ReserveN(now, 1)
	if !res.OK() {
		// Burst capacity smaller than 1 token: treat as a long wait.
		return Result{Allowed: false, RetryAfterSecs: 1}
	}
	if delay := res.DelayFrom(now); delay <= 0 {
		return Result{Allowed: true}
	} else {
		res.CancelAt(now)
		secs := int64(math.Ceil(delay.Seconds()))
		if secs < 1 {
			secs = 1
		}
		return Result{Allowed: false, RetryAfterSecs: secs}
	}
}

// SourceCount reports how many source buckets currently exist.
func (l *Limiter) SourceCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.buckets)
}

// Cleanup evicts buckets whose last activity is older than StaleTimeout.
// It returns the number of buckets evicted.
func (l *Limiter) Cleanup() int {
	cutoff := time.Now().Add(-StaleTimeout)
	l.mu.Lock()
	defer l.mu.Unlock()
	evicted := 0
	for source, e := range l.buckets {
		if e.lastSeen.Before(cutoff) {
			delete(l.buckets, source)
			evicted++
		}
	}
	return evicted
}

// RunCleanup sweeps stale buckets every interval until stop is closed.
func (l *Limiter) RunCleanup(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			l.Cleanup()
		}
	}
}
