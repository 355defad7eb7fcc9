// Package ratelimit implements a per-client fixed-window request quota, with
// golang.org/x/time/rate doing the per-window accounting.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/docconvert/internal/clock"
)

// Config holds the quota: at most MaxRequests per Window for each client.
type Config struct {
	MaxRequests int
	Window      time.Duration
}

// Decision is the outcome of a single admission check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// entry is one client's quota for the window that began at windowStart. The
// bucket never refills; a new one replaces it when the window elapses.
type entry struct {
	limiter     *rate.Limiter
	windowStart time.Time
}

// Limiter gives each client key MaxRequests per fixed window. The window
// opens on the client's first request and the count resets once it elapses.
type Limiter struct {
	mu        sync.Mutex
	clients   map[string]*entry
	quota     int
	window    time.Duration
	clock     clock.Clock
	lastSweep time.Time
}

// New creates a Limiter. Non-positive values fall back to 100 requests per
// 15 minutes.
func New(cfg Config, clk clock.Clock) *Limiter {
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = 100
	}
	if cfg.Window <= 0 {
		cfg.Window = 15 * time.Minute
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Limiter{
		clients: make(map[string]*entry),
		quota:   cfg.MaxRequests,
		window:  cfg.Window,
		clock:   clk,
	}
}

// Allow consumes one request from key's quota if any is left in the current
// window. Rejected requests do not count.
func (l *Limiter) Allow(key string) Decision {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.sweep(now)
	e, ok := l.clients[key]
	if !ok || l.expired(e, now) {
		// A zero rate with burst N admits exactly N events, ever.
		e = &entry{limiter: rate.NewLimiter(0, l.quota), windowStart: now}
		l.clients[key] = e
	}

	if !e.limiter.AllowN(now, 1) {
		return Decision{
			Allowed:    false,
			Limit:      l.quota,
			Remaining:  0,
			RetryAfter: e.windowStart.Add(l.window).Sub(now),
		}
	}
	return Decision{Allowed: true, Limit: l.quota, Remaining: e.limiter.Burst()}
}

// Clients returns the number of tracked client keys.
func (l *Limiter) Clients() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

func (l *Limiter) expired(e *entry, now time.Time) bool {
	return now.Sub(e.windowStart) >= l.window
}

// sweep drops clients whose window has elapsed. Runs at most once per window.
// Caller holds l.mu.
func (l *Limiter) sweep(now time.Time) {
	if now.Sub(l.lastSweep) < l.window {
		return
	}
	l.lastSweep = now
	for key, e := range l.clients {
		if l.expired(e, now) {
			delete(l.clients, key)
		}
	}
}
