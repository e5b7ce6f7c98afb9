package graph

import "sync"

// StaticThreatFeed is an in-memory IP denylist implementing
// domain.ThreatFeed. A production deployment swaps in a live
// threat-intel feed behind the same interface.
type StaticThreatFeed struct {
	mu  sync.RWMutex
	ips map[string]struct{}
}

// NewStaticThreatFeed creates a feed seeded with the given IPs.
func NewStaticThreatFeed(ips ...string) *StaticThreatFeed {
	f := &StaticThreatFeed{ips: make(map[string]struct{}, len(ips))}
	for _, ip := range ips {
		f.ips[ip] = struct{}{}
	}
	return f
}

// Add inserts an IP into the denylist.
func (f *StaticThreatFeed) Add(ip string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ips[ip] = struct{}{}
}

// IsSuspicious reports whether the IP is on the denylist.
func (f *StaticThreatFeed) IsSuspicious(ip string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.ips[ip]
	return ok
}
