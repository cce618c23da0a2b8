// Package ratelimit bounds request rates per client address with fixed
// windows. Authentication endpoints get a strict window to blunt
// credential stuffing; read endpoints a loose one.
package ratelimit

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"
)

type window struct {
	start time.Time
	count int
}

// Limiter counts requests per key inside fixed windows. When a window's
// limit is exhausted the request is rejected immediately; nothing queues.
type Limiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*window
}

// NewLimiter allows limit requests per key per window.
func NewLimiter(limit int, windowSize time.Duration) *Limiter {
	return &Limiter{
		limit:   limit,
		window:  windowSize,
		now:     time.Now,
		entries: make(map[string]*window),
	}
}

// Allow consumes one slot for the key. When the window is exhausted it
// returns false plus the time until the window resets.
func (l *Limiter) Allow(key string) (bool, time.Duration) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.entries[key]
	if !ok || now.Sub(w.start) >= l.window {
		l.entries[key] = &window{start: now, count: 1}
		return true, 0
	}

	if w.count >= l.limit {
		return false, w.start.Add(l.window).Sub(now)
	}
	w.count++
	return true, 0
}

// Prune drops windows that ended before now. Called periodically so idle
// clients do not accumulate.
func (l *Limiter) Prune() {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	for key, w := range l.entries {
		if now.Sub(w.start) >= l.window {
			delete(l.entries, key)
		}
	}
}

// RunPruner prunes every interval until stop is closed.
func (l *Limiter) RunPruner(every time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			l.Prune()
		}
	}
}

// Middleware rejects over-limit requests with 429, a Retry-After header
// and a machine-readable body, before the wrapped handler runs.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ok, retryAfter := l.Allow(ClientIP(r))
		if !ok {
			seconds := int(retryAfter.Seconds()) + 1
			w.Header().Set("Retry-After", fmt.Sprintf("%d", seconds))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]any{
				"error":               "rate limit exceeded",
				"retry_after_seconds": seconds,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientIP extracts the client address without the port.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
