package peer

import "net"

const DefaultPerHostCap = 8

// hostLimiter bounds how many registry entries one IP may hold, so spoofed
// source ports cannot fill the registry from a single host.
type hostLimiter struct {
	max    int
	counts map[string]int
}

func newHostLimiter(max int) *hostLimiter {
	return &hostLimiter{max: max, counts: make(map[string]int)}
}

func (l *hostLimiter) full(host string) bool {
	return l.max > 0 && l.counts[host] >= l.max
}

func (l *hostLimiter) acquire(host string) {
	l.counts[host]++
}

func (l *hostLimiter) release(host string) {
	if l.counts[host] <= 1 {
		delete(l.counts, host)
		return
	}
	l.counts[host]--
}

func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
