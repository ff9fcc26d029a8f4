// Package media implements the B2BUA's shared-port symmetric-RTP
// forwarder: one dedicated goroutine per (call, media kind, rtp-or-
// rtcp) stream, performing blocking UDP receive with a 1s timeout and
// classifying each datagram as caller- or callee-origin per §4.7.
package media

import (
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

const (
	recvTimeout        = 1 * time.Second
	natAssistInterval  = 2 * time.Second
	natAssistMaxTries  = 30
	natAssistEveryNth  = 50
	statsInterval      = 5 * time.Second
	silenceWarnAfter   = 10 * time.Second
	holePunchBurstSize = 20
)

// side identifies which leg a datagram was classified as originating from.
type side int

const (
	sideUnknown side = iota
	sideCaller
	sideCallee
)

// Targets holds the addresses and expected source IPs a forwarder
// routes by. Sent over UpdateTargets on a re-INVITE.
type Targets struct {
	CallerTarget     *net.UDPAddr
	CalleeTarget     *net.UDPAddr
	CallerExpectedIP string
	CalleeExpectedIP string
}

// Stats is a point-in-time snapshot of a forwarder's counters.
type Stats struct {
	CallerToCallee int64
	CalleeToCaller int64
	Unknown        int64
	CallerLatched  bool
	CalleeLatched  bool
	LatchedCaller  string
	LatchedCallee  string
}

// Forwarder relays RTP (or RTCP) datagrams between a caller and
// callee peer through one shared local UDP port.
type Forwarder struct {
	callID   string
	kind     string // "audio-rtp", "audio-rtcp", "video-rtp", "video-rtcp"
	conn     *net.UDPConn
	localPort int

	mu               sync.Mutex
	callerTarget     *net.UDPAddr
	calleeTarget     *net.UDPAddr
	callerExpectedIP string
	calleeExpectedIP string
	latchedCaller    *net.UDPAddr
	latchedCallee    *net.UDPAddr

	callerToCallee atomic.Int64
	calleeToCaller atomic.Int64
	unknownCount   atomic.Int64
	lastPacketAt   atomic.Int64 // unix nano

	updates chan Targets
	stop    chan struct{}
	done    chan struct{}
}

// NewForwarder binds a UDP socket on localPort and returns a
// forwarder ready to Start.
func NewForwarder(callID, kind string, localPort int, targets Targets) (*Forwarder, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: localPort})
	if err != nil {
		return nil, err
	}
	f := &Forwarder{
		callID:           callID,
		kind:             kind,
		conn:             conn,
		localPort:        localPort,
		callerTarget:     targets.CallerTarget,
		calleeTarget:     targets.CalleeTarget,
		callerExpectedIP: targets.CallerExpectedIP,
		calleeExpectedIP: targets.CalleeExpectedIP,
		updates:          make(chan Targets, 1),
		stop:             make(chan struct{}),
		done:             make(chan struct{}),
	}
	return f, nil
}

// Start launches the forwarder's receive loop on its own goroutine.
func (f *Forwarder) Start() {
	go f.run()
}

// Stop signals the forwarder to exit and closes its socket, which
// unblocks a pending recv at once, then waits for the loop to finish.
func (f *Forwarder) Stop() {
	close(f.stop)
	_ = f.conn.Close()
	<-f.done
}

// UpdateTargets resets latching and retargets the forwarder for a
// re-INVITE, delivered via a bounded channel so the forwarder thread
// never shares mutable target state directly with the signaling loop.
func (f *Forwarder) UpdateTargets(t Targets) {
	select {
	case f.updates <- t:
	default:
		// drop a stale pending update in favor of the newest one
		select {
		case <-f.updates:
		default:
		}
		f.updates <- t
	}
}

// CurrentStats returns a snapshot of the forwarder's counters.
func (f *Forwarder) CurrentStats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := Stats{
		CallerToCallee: f.callerToCallee.Load(),
		CalleeToCaller: f.calleeToCaller.Load(),
		Unknown:        f.unknownCount.Load(),
		CallerLatched:  f.latchedCaller != nil,
		CalleeLatched:  f.latchedCallee != nil,
	}
	if f.latchedCaller != nil {
		s.LatchedCaller = f.latchedCaller.String()
	}
	if f.latchedCallee != nil {
		s.LatchedCallee = f.latchedCallee.String()
	}
	return s
}

func (f *Forwarder) run() {
	defer close(f.done)

	buf := make([]byte, 1500)
	silence := newSilenceSource()
	natAssistTries := 0
	lastNATAssist := time.Time{}
	lastStats := time.Now()
	calleeForwardCount := 0

	for {
		select {
		case <-f.stop:
			return
		case t := <-f.updates:
			f.applyTargets(t)
		default:
		}

		_ = f.conn.SetReadDeadline(time.Now().Add(recvTimeout))
		n, peer, err := f.conn.ReadFromUDP(buf)
		now := time.Now()

		if err == nil && n >= 12 {
			f.lastPacketAt.Store(now.UnixNano())
			classified := f.classify(peer)
			switch classified {
			case sideCaller:
				f.callerToCallee.Add(1)
				f.forwardTo(f.calleeTargetSnapshot(), buf[:n])
			case sideCallee:
				f.calleeToCaller.Add(1)
				f.forwardTo(f.callerTargetSnapshot(), buf[:n])
				calleeForwardCount++
			default:
				f.unknownCount.Add(1)
			}
		}

		if time.Since(lastNATAssist) >= natAssistInterval {
			lastNATAssist = now
			if !f.isLatched(sideCaller) && natAssistTries < natAssistMaxTries {
				natAssistTries++
				f.sendSilence(silence, f.callerTargetSnapshot())
			}
		}
		if calleeForwardCount > 0 && calleeForwardCount%natAssistEveryNth == 0 && !f.isLatched(sideCaller) {
			f.sendSilence(silence, f.callerTargetSnapshot())
		}

		if time.Since(lastStats) >= statsInterval {
			lastStats = now
			f.logStats()
		}
		if last := f.lastPacketAt.Load(); last != 0 && time.Since(time.Unix(0, last)) > silenceWarnAfter {
			slog.Warn("[MediaRelay] no packets received recently", "call_id", f.callID, "kind", f.kind, "port", f.localPort)
		}
	}
}

func (f *Forwarder) applyTargets(t Targets) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callerTarget = t.CallerTarget
	f.calleeTarget = t.CalleeTarget
	f.callerExpectedIP = t.CallerExpectedIP
	f.calleeExpectedIP = t.CalleeExpectedIP
	f.latchedCaller = nil
	f.latchedCallee = nil
}

func (f *Forwarder) callerTargetSnapshot() *net.UDPAddr {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.latchedCaller != nil {
		return f.latchedCaller
	}
	return f.callerTarget
}

func (f *Forwarder) calleeTargetSnapshot() *net.UDPAddr {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.latchedCallee != nil {
		return f.latchedCallee
	}
	return f.calleeTarget
}

func (f *Forwarder) isLatched(s side) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch s {
	case sideCaller:
		return f.latchedCaller != nil
	case sideCallee:
		return f.latchedCallee != nil
	}
	return false
}

// classify implements the §4.7 source-classification algorithm.
func (f *Forwarder) classify(peer *net.UDPAddr) side {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.latchedCallee != nil && addrEqual(peer, f.latchedCallee) {
		return sideCallee
	}
	if f.latchedCaller != nil && addrEqual(peer, f.latchedCaller) {
		return sideCaller
	}
	if f.calleeExpectedIP != "" && peer.IP.String() == f.calleeExpectedIP && peer.IP.String() != f.callerExpectedIP {
		f.latchedCallee = cloneAddr(peer)
		return sideCallee
	}
	if f.callerExpectedIP != "" && peer.IP.String() == f.callerExpectedIP && peer.IP.String() != f.calleeExpectedIP {
		f.latchedCaller = cloneAddr(peer)
		return sideCaller
	}
	if f.latchedCaller != nil && f.latchedCallee == nil {
		f.latchedCallee = cloneAddr(peer)
		return sideCallee
	}
	if f.latchedCallee != nil && f.latchedCaller == nil {
		f.latchedCaller = cloneAddr(peer)
		return sideCaller
	}
	if f.latchedCaller == nil && f.latchedCallee == nil {
		f.latchedCallee = cloneAddr(peer)
		return sideCallee
	}
	return sideUnknown
}

func (f *Forwarder) forwardTo(target *net.UDPAddr, data []byte) {
	if target == nil {
		return
	}
	if _, err := f.conn.WriteToUDP(data, target); err != nil {
		slog.Debug("[MediaRelay] forward error", "call_id", f.callID, "kind", f.kind, "error", err)
	}
}

func (f *Forwarder) sendSilence(s *silenceSource, target *net.UDPAddr) {
	if target == nil {
		return
	}
	data, err := s.Next()
	if err != nil {
		return
	}
	_, _ = f.conn.WriteToUDP(data, target)
}

// HolePunch sends an initial burst of silence packets to both expected
// peer addresses, used right after the forwarder starts (§4.6.7).
func (f *Forwarder) HolePunch() {
	s := newSilenceSource()
	caller := f.callerTargetSnapshot()
	callee := f.calleeTargetSnapshot()
	for i := 0; i < holePunchBurstSize; i++ {
		f.sendSilence(s, caller)
		f.sendSilence(s, callee)
	}
}

func (f *Forwarder) logStats() {
	stats := f.CurrentStats()
	slog.Debug("[MediaRelay] stats",
		"call_id", f.callID,
		"kind", f.kind,
		"caller_to_callee", stats.CallerToCallee,
		"callee_to_caller", stats.CalleeToCaller,
		"unknown", stats.Unknown,
		"caller_latched", stats.CallerLatched,
		"callee_latched", stats.CalleeLatched,
	)
}

func addrEqual(a, b *net.UDPAddr) bool {
	if a == nil || b == nil {
		return false
	}
	return a.IP.Equal(b.IP) && a.Port == b.Port
}

func cloneAddr(a *net.UDPAddr) *net.UDPAddr {
	return &net.UDPAddr{IP: append(net.IP(nil), a.IP...), Port: a.Port, Zone: a.Zone}
}
