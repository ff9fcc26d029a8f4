// Package portpool allocates even/odd RTP/RTCP port pairs out of a
// fixed range, guarded by a single mutex as both the signaling loop
// (on SDP rewrite) and the forwarder shutdown path (on call end)
// touch it.
package portpool

import (
	"sync"

	"github.com/relaysip/sipproxy/internal/proxyerr"
)

// Pool manages RTP/RTCP port pairs in [minPort, maxPort).
type Pool struct {
	mu        sync.Mutex
	minPort   int
	maxPort   int
	available map[int]bool
	allocated map[int]bool
}

// New creates a pool covering the even ports of [minPort, maxPort),
// each paired with port+1 for RTCP.
func New(minPort, maxPort int) *Pool {
	if minPort%2 != 0 {
		minPort++
	}
	available := make(map[int]bool)
	for port := minPort; port < maxPort; port += 2 {
		available[port] = true
	}
	return &Pool{
		minPort:   minPort,
		maxPort:   maxPort,
		available: available,
		allocated: make(map[int]bool),
	}
}

// Allocate returns an (rtpPort, rtcpPort) pair and marks both used.
func (p *Pool) Allocate() (rtpPort, rtcpPort int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for port := range p.available {
		delete(p.available, port)
		p.allocated[port] = true
		return port, port + 1, nil
	}
	return 0, 0, proxyerr.New(proxyerr.PortExhausted, "no ports available in pool")
}

// Release returns a port pair to the pool.
func (p *Pool) Release(rtpPort int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.allocated[rtpPort]; ok {
		delete(p.allocated, rtpPort)
		p.available[rtpPort] = true
	}
}

// Available returns the number of free port pairs.
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.available)
}

// Allocated returns the number of in-use port pairs.
func (p *Pool) Allocated() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.allocated)
}
