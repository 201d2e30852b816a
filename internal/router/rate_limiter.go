package router

import (
	"sync"
	"time"
)

const (
	DefaultMessagesPerMinute = 30

	rateWindow = time.Minute
	staleAfter = 5 * rateWindow
)

// RateLimiter caps inbound messages per subject in fixed one-minute windows.
type RateLimiter struct {
	mu      sync.Mutex
	limit   int
	now     func() time.Time
	clients map[string]*clientLimit
}

type clientLimit struct {
	messageCount int
	windowStart  time.Time
}

// NewRateLimiter allows limit messages per subject per minute. A limit of
// zero or less uses DefaultMessagesPerMinute.
func NewRateLimiter(limit int, now func() time.Time) *RateLimiter {
	if limit <= 0 {
		limit = DefaultMessagesPerMinute
	}
	if now == nil {
		now = time.Now
	}
	return &RateLimiter{
		limit:   limit,
		now:     now,
		clients: make(map[string]*clientLimit),
	}
}

// Allow records one message from subjectID and reports whether it fits the window.
func (rl *RateLimiter) Allow(subjectID string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()

	limit, exists := rl.clients[subjectID]
	if !exists {
		rl.clients[subjectID] = &clientLimit{messageCount: 1, windowStart: now}
		return true
	}

	if now.Sub(limit.windowStart) >= rateWindow {
		limit.messageCount = 1
		limit.windowStart = now
		return true
	}

	if limit.messageCount >= rl.limit {
		return false
	}

	limit.messageCount++
	return true
}

// Cleanup forgets subjects idle for five windows.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for subjectID, limit := range rl.clients {
		if now.Sub(limit.windowStart) > staleAfter {
			delete(rl.clients, subjectID)
		}
	}
}

// Len returns the number of tracked subjects.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}
