// Package ratelimit enforces the per-connection message quota and the per-IP
// concurrent-connection cap.
//
// The message quota uses a fixed window: each connection gets Capacity
// messages per Window, the counter resets exactly once when a full window has
// elapsed, and stats expose the remaining quota plus time until reset. The
// token-bucket limiter the endpoints use for burst protection lives with the
// endpoints; this package is the source of the stats attached to responses.
package ratelimit

import (
	"sync"
	"time"
)

// Config controls both limiter dimensions. Zero values mean unlimited.
type Config struct {
	// Capacity is the maximum number of messages per window per connection.
	Capacity int
	// Window is the fixed quota window.
	Window time.Duration
	// MaxConnsPerIP caps concurrently open connections per caller address.
	MaxConnsPerIP int
}

// DefaultConfig allows 100 messages per minute and 20 connections per IP.
func DefaultConfig() Config {
	return Config{
		Capacity:      100,
		Window:        time.Minute,
		MaxConnsPerIP: 20,
	}
}

// Stats is the window snapshot for one tracked connection.
type Stats struct {
	MessageCount int
	Remaining    int
	ResetMs      int64
}

type connEntry struct {
	ip          string
	count       int
	windowStart time.Time
}

// Limiter tracks connections and message windows. Safe for concurrent use;
// connections never share an entry so contention is limited to the maps.
type Limiter struct {
	cfg Config
	now func() time.Time

	mu      sync.Mutex
	conns   map[string]*connEntry
	ipConns map[string]int
}

// New creates a limiter with the given config.
func New(cfg Config) *Limiter {
	return &Limiter{
		cfg:     cfg,
		now:     time.Now,
		conns:   map[string]*connEntry{},
		ipConns: map[string]int{},
	}
}

// TrackConnection registers a newly accepted connection for ip. It returns
// false when the IP already has MaxConnsPerIP open connections, in which case
// nothing is recorded. The returned release func is the close hook: invoking
// it untracks the connection and is safe to call more than once.
func (l *Limiter) TrackConnection(id, ip string) (allowed bool, release func()) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cfg.MaxConnsPerIP > 0 && l.ipConns[ip] >= l.cfg.MaxConnsPerIP {
		return false, nil
	}
	if _, exists := l.conns[id]; exists {
		return false, nil
	}

	l.ipConns[ip]++
	l.conns[id] = &connEntry{ip: ip, windowStart: l.now()}

	return true, func() { l.UntrackConnection(id) }
}

// UntrackConnection removes a tracked connection. Idempotent; the IP entry is
// deleted once its count reaches zero so the map does not accumulate dead IPs.
func (l *Limiter) UntrackConnection(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.conns[id]
	if !ok {
		return
	}
	delete(l.conns, id)

	if n := l.ipConns[entry.ip]; n <= 1 {
		delete(l.ipConns, entry.ip)
	} else {
		l.ipConns[entry.ip] = n - 1
	}
}

// Allow counts one message against the connection's window and reports
// whether it is within quota. The window restarts once Window has elapsed
// since the last reset, with the current message counted as the first of the
// new window. Untracked connections and zero capacity are unlimited.
func (l *Limiter) Allow(id string) bool {
	if l.cfg.Capacity <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.conns[id]
	if !ok {
		return true
	}

	now := l.now()
	if now.Sub(entry.windowStart) >= l.cfg.Window {
		entry.count = 0
		entry.windowStart = now
	}

	entry.count++
	return entry.count <= l.cfg.Capacity
}

// ConnectionStats returns the window snapshot for id, or ok=false when the
// connection is not tracked.
func (l *Limiter) ConnectionStats(id string) (Stats, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.conns[id]
	if !ok {
		return Stats{}, false
	}

	if l.cfg.Capacity <= 0 {
		return Stats{MessageCount: entry.count, Remaining: -1}, true
	}

	remaining := l.cfg.Capacity - entry.count
	if remaining < 0 {
		remaining = 0
	}
	resetMs := l.cfg.Window.Milliseconds() - l.now().Sub(entry.windowStart).Milliseconds()
	if resetMs < 0 {
		resetMs = 0
	}
	return Stats{
		MessageCount: entry.count,
		Remaining:    remaining,
		ResetMs:      resetMs,
	}, true
}
