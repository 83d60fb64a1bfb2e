// Package ratelimit bounds how often each probe may contact a given host.
// Limits are shared across concurrent scans of the same host.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// entry pairs a limiter with its last use so idle keys can be expired.
type entry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// Limiter enforces a per-minute ceiling per (probe, host) key. Each key gets
// its own token bucket sized to the probe's declared ceiling, refilled at
// ceiling-per-minute, which bounds any 60 second window at roughly the
// ceiling. Entries idle past the TTL are dropped on the next sweep.
type Limiter struct {
	mu      sync.Mutex
	entries map[string]*entry
	ttl     time.Duration
	// now is replaceable in tests.
	now func() time.Time
}

// New returns a Limiter whose idle entries live for ttl. A ttl of zero
// defaults to two minutes, twice the rate window.
func New(ttl time.Duration) *Limiter {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &Limiter{
		entries: make(map[string]*entry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Allow reports whether probe may contact host right now, consuming one slot
// when it may. perMinute is the probe's declared ceiling; a non-positive
// ceiling disables limiting for that probe.
func (l *Limiter) Allow(probe, host string, perMinute int) bool {
	if perMinute <= 0 {
		return true
	}
	key := probe + "|" + host

	l.mu.Lock()
	defer l.mu.Unlock()

	l.sweepLocked()

	e, ok := l.entries[key]
	if !ok {
		e = &entry{lim: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)}
		l.entries[key] = e
	}
	e.lastSeen = l.now()
	return e.lim.AllowN(l.now(), 1)
}

func (l *Limiter) sweepLocked() {
	cutoff := l.now().Add(-l.ttl)
	for key, e := range l.entries {
		if e.lastSeen.Before(cutoff) {
			delete(l.entries, key)
		}
	}
}

// Len reports the number of live keys, for tests and introspection.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
