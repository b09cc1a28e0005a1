package transport

import "sync"

// ipLimiter caps concurrent inbound connections per remote IP.
type ipLimiter struct {
	mu     sync.Mutex
	max    int
	counts map[string]int
}

func newIPLimiter(max int) *ipLimiter {
	return &ipLimiter{max: max, counts: make(map[string]int)}
}

func (l *ipLimiter) acquire(ip string) bool {
	if l.max <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.counts[ip] >= l.max {
		return false
	}
	l.counts[ip]++
	return true
}

func (l *ipLimiter) release(ip string) {
	if l.max <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.counts[ip] <= 1 {
		delete(l.counts, ip)
		return
	}
	l.counts[ip]--
}
