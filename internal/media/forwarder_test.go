package media

import (
	"net"
	"testing"
	"time"
)

func mustListenUDP(t *testing.T) (*net.UDPConn, *net.UDPAddr) {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	return conn, conn.LocalAddr().(*net.UDPAddr)
}

func TestForwarderClassifiesAndLatchesBySourceIP(t *testing.T) {
	callerConn, callerAddr := mustListenUDP(t)
	defer callerConn.Close()
	calleeConn, calleeAddr := mustListenUDP(t)
	defer calleeConn.Close()

	// Both sockets live on 127.0.0.1, so the callee's expected IP is set
	// to a different address: with equal expected IPs an unlatched
	// packet cannot be told apart and classify assigns it to the callee.
	fwd, err := NewForwarder("call-1", "audio-rtp", 0, Targets{
		CallerTarget:     callerAddr,
		CalleeTarget:     calleeAddr,
		CallerExpectedIP: callerAddr.IP.String(),
		CalleeExpectedIP: "127.0.0.2",
	})
	if err != nil {
		t.Fatalf("NewForwarder: %v", err)
	}
	relayAddr := fwd.conn.LocalAddr().(*net.UDPAddr)
	fwd.Start()
	defer fwd.Stop()

	rtpPacket := make([]byte, 12)
	rtpPacket[0] = 0x80

	if _, err := callerConn.WriteToUDP(rtpPacket, relayAddr); err != nil {
		t.Fatalf("write from caller: %v", err)
	}
	buf := make([]byte, 1500)
	_ = calleeConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := calleeConn.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("callee did not receive forwarded packet: %v", err)
	}
	if n != len(rtpPacket) {
		t.Fatalf("forwarded packet length = %d, want %d", n, len(rtpPacket))
	}

	stats := fwd.CurrentStats()
	if stats.CallerToCallee != 1 {
		t.Fatalf("CallerToCallee = %d, want 1", stats.CallerToCallee)
	}
	if !stats.CallerLatched {
		t.Fatalf("expected caller side latched after first packet")
	}
}

func TestForwarderUpdateTargetsResetsLatch(t *testing.T) {
	_, callerAddr := mustListenUDP(t)
	_, calleeAddr := mustListenUDP(t)

	fwd, err := NewForwarder("call-2", "audio-rtp", 0, Targets{
		CallerTarget:     callerAddr,
		CalleeTarget:     calleeAddr,
		CallerExpectedIP: callerAddr.IP.String(),
		CalleeExpectedIP: calleeAddr.IP.String(),
	})
	if err != nil {
		t.Fatalf("NewForwarder: %v", err)
	}
	defer fwd.conn.Close()

	fwd.mu.Lock()
	fwd.latchedCaller = cloneAddr(callerAddr)
	fwd.mu.Unlock()

	_, newCallerAddr := mustListenUDP(t)
	fwd.applyTargets(Targets{
		CallerTarget:     newCallerAddr,
		CalleeTarget:     calleeAddr,
		CallerExpectedIP: newCallerAddr.IP.String(),
		CalleeExpectedIP: calleeAddr.IP.String(),
	})

	if fwd.isLatched(sideCaller) {
		t.Fatalf("expected latch cleared after applyTargets")
	}
}
