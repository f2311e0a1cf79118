package quicnet

import (
	"net"
	"sync"
)

// hostLimiter caps concurrent inbound links per remote host. A cap of zero
// or less disables it.
type hostLimiter struct {
	mu     sync.Mutex
	max    int
	counts map[string]int
}

func newHostLimiter(max int) *hostLimiter {
	return &hostLimiter{max: max, counts: make(map[string]int)}
}

func hostOf(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

func (l *hostLimiter) acquire(host string) bool {
	if l.max <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.counts[host] >= l.max {
		return false
	}
	l.counts[host]++
	return true
}

func (l *hostLimiter) release(host string) {
	if l.max <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.counts[host] <= 1 {
		delete(l.counts, host)
		return
	}
	l.counts[host]--
}
