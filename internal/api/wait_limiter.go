package api

import (
	"sync"
)

// WaitLimiter caps the number of blocking invoice status requests each IP
// address may hold open at once. Every wait holds a goroutine and a ledger
// subscription until the invoice settles.
type WaitLimiter struct {
	mu       sync.RWMutex
	maxWaits int
	activeBy map[string]int // IP -> open waits
}

// NewWaitLimiter creates a limiter allowing maxWaits concurrent waits per IP.
func NewWaitLimiter(maxWaits int) *WaitLimiter {
	return &WaitLimiter{
		maxWaits: maxWaits,
		activeBy: make(map[string]int),
	}
}

// Acquire reserves a wait slot for ip. It returns false if the IP is
// already at the limit; a successful Acquire must be paired with Release.
func (l *WaitLimiter) Acquire(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.activeBy[ip] >= l.maxWaits {
		return false
	}
	l.activeBy[ip]++
	return true
}

// Release frees a slot taken by Acquire.
func (l *WaitLimiter) Release(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	n, ok := l.activeBy[ip]
	if !ok {
		return
	}
	if n <= 1 {
		delete(l.activeBy, ip)
		return
	}
	l.activeBy[ip] = n - 1
}

// ActiveCount returns the number of open waits for an IP.
func (l *WaitLimiter) ActiveCount(ip string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.activeBy[ip]
}

// MaxWaits returns the configured maximum concurrent waits per IP.
func (l *WaitLimiter) MaxWaits() int {
	return l.maxWaits
}

// TrackedIPs returns the number of IPs with at least one open wait.
func (l *WaitLimiter) TrackedIPs() int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return len(l.activeBy)
}
