package proxycore

import (
	"net"
	"testing"
)

func TestNoRouteCountersAccumulatePerIP(t *testing.T) {
	var n noRouteCounters
	n.record("10.0.0.1")
	n.record("10.0.0.1")
	n.record("10.0.0.2")

	if got := n.get("10.0.0.1"); got != 2 {
		t.Fatalf("10.0.0.1 count = %d, want 2", got)
	}
	if got := n.get("10.0.0.2"); got != 1 {
		t.Fatalf("10.0.0.2 count = %d, want 1", got)
	}
	if got := n.get("10.0.0.3"); got != 0 {
		t.Fatalf("10.0.0.3 count = %d, want 0", got)
	}
}

func TestRouteInitialNoBindingIncrementsNoRouteCounter(t *testing.T) {
	d := &mockDispatcher{}
	p, _ := newTestProxy(t, d)

	peer := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 9), Port: 5060}
	req := buildInvite(t, "call-norout")
	p.HandleMessage(req, peer)

	if got := p.NoRouteCount("10.0.0.9"); got != 1 {
		t.Fatalf("NoRouteCount = %d, want 1", got)
	}
}
