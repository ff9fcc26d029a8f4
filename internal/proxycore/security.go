package proxycore

import (
	"sync"
	"sync/atomic"
)

// noRouteCounters tracks, per source IP, how many requests from that
// peer the proxy rejected for want of a route (no registrar binding,
// loop detection, unknown dialog). These are opaque counters: nothing
// consults them to blacklist or rate-limit a peer, they only surface
// for monitoring to decide whether such a policy is worth adding.
type noRouteCounters struct {
	counts sync.Map // string(ip) -> *atomic.Int64
}

func (n *noRouteCounters) record(ip string) int64 {
	v, _ := n.counts.LoadOrStore(ip, new(atomic.Int64))
	counter := v.(*atomic.Int64)
	return counter.Add(1)
}

func (n *noRouteCounters) get(ip string) int64 {
	v, ok := n.counts.Load(ip)
	if !ok {
		return 0
	}
	return v.(*atomic.Int64).Load()
}
