package http

import (
	"sync"
	"time"
)

const (
	rateWindow       = time.Minute
	rateLimitPerIP   = 60
	rateStaleEntries = 10 * time.Minute
)

// rateLimiter counts mutating requests per client IP in fixed one-minute
// windows.
type rateLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientInfo
	limit   int
	now     func() time.Time
	hits    int64
}

type clientInfo struct {
	windowStart time.Time
	lastRequest time.Time
	requests    int
}

func newRateLimiter(limit int) *rateLimiter {
	return &rateLimiter{
		clients: make(map[string]*clientInfo),
		limit:   limit,
		now:     time.Now,
	}
}

// allow records a request from clientIP and reports whether it is within
// the limit.
func (rl *rateLimiter) allow(clientIP string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	client, ok := rl.clients[clientIP]
	if !ok || now.Sub(client.windowStart) >= rateWindow {
		rl.clients[clientIP] = &clientInfo{windowStart: now, lastRequest: now, requests: 1}
		return true
	}

	client.requests++
	client.lastRequest = now
	if client.requests > rl.limit {
		rl.hits++
		return false
	}
	return true
}

// CleanExpired drops clients idle for longer than rateStaleEntries.
func (rl *rateLimiter) CleanExpired() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-rateStaleEntries)
	removed := 0
	for ip, client := range rl.clients {
		if client.lastRequest.Before(cutoff) {
			delete(rl.clients, ip)
			removed++
		}
	}
	return removed
}

func (rl *rateLimiter) rejected() int64 {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.hits
}
