package proxycore

import (
	"fmt"
	"net"
	"testing"

	"github.com/relaysip/sipproxy/internal/sipmsg"
)

// establishConfirmedDialog drives a full INVITE/200-OK exchange through
// the proxy so routing tests can exercise BYE/CANCEL/ACK against a
// dialog that actually knows both legs, the way a real call would.
func establishConfirmedDialog(t *testing.T, p *Proxy, d *mockDispatcher, callID string, callerPeer, calleeAddr *net.UDPAddr, calleeContact string) string {
	t.Helper()

	invite := fmt.Sprintf(
		"INVITE sip:bob@example.com SIP/2.0\r\n"+
			"Via: SIP/2.0/UDP %s;branch=z9hG4bK-orig\r\n"+
			"From: <sip:alice@example.com>;tag=1\r\n"+
			"To: <sip:bob@example.com>\r\n"+
			"Call-ID: %s\r\n"+
			"CSeq: 1 INVITE\r\n"+
			"Max-Forwards: 70\r\n"+
			"Contact: <sip:alice@%s>\r\n"+
			"Content-Length: 0\r\n\r\n",
		callerPeer.String(), callID, callerPeer.String())
	req, err := sipmsg.Parse([]byte(invite))
	if err != nil {
		t.Fatalf("parse INVITE: %v", err)
	}
	p.HandleMessage(req, callerPeer)

	var branch string
	for _, s := range d.all() {
		if !s.msg.IsResponse() && s.msg.Method() == "INVITE" {
			top, _ := s.msg.TopVia()
			branch, _ = sipmsg.ViaParam(top, "branch")
		}
	}
	if branch == "" {
		t.Fatalf("did not capture forwarded INVITE branch")
	}

	okRaw := fmt.Sprintf(
		"SIP/2.0 200 OK\r\n"+
			"Via: SIP/2.0/UDP 203.0.113.1:5060;branch=%s\r\n"+
			"Via: SIP/2.0/UDP %s;branch=z9hG4bK-orig\r\n"+
			"From: <sip:alice@example.com>;tag=1\r\n"+
			"To: <sip:bob@example.com>;tag=2\r\n"+
			"Call-ID: %s\r\n"+
			"CSeq: 1 INVITE\r\n"+
			"Contact: <%s>\r\n"+
			"Content-Length: 0\r\n\r\n",
		branch, callerPeer.String(), callID, calleeContact)
	resp, err := sipmsg.Parse([]byte(okRaw))
	if err != nil {
		t.Fatalf("parse 200 OK: %v", err)
	}
	p.HandleMessage(resp, calleeAddr)

	return branch
}

func buildBYE(t *testing.T, callID, viaHostPort string) *sipmsg.Message {
	t.Helper()
	raw := "BYE sip:alice@10.0.0.1:5060 SIP/2.0\r\n" +
		"Via: SIP/2.0/UDP " + viaHostPort + ";branch=z9hG4bK-bye1\r\n" +
		"From: <sip:bob@example.com>;tag=2\r\n" +
		"To: <sip:alice@example.com>;tag=1\r\n" +
		"Call-ID: " + callID + "\r\n" +
		"CSeq: 2 BYE\r\n" +
		"Max-Forwards: 70\r\n" +
		"Content-Length: 0\r\n\r\n"
	m, err := sipmsg.Parse([]byte(raw))
	if err != nil {
		t.Fatalf("parse BYE: %v", err)
	}
	return m
}

func TestCalleeOriginatedBYERoutesToCallerNotBackToCallee(t *testing.T) {
	d := &mockDispatcher{}
	p, reg := newTestProxy(t, d)
	b := testBinding()
	_ = reg.Upsert(&b)

	callerPeer := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 5060}
	calleeAddr := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 5060}
	establishConfirmedDialog(t, p, d, "call-bye-1", callerPeer, calleeAddr, "sip:bob@10.0.0.2:5060")

	bye := buildBYE(t, "call-bye-1", "10.0.0.2:5060")
	p.HandleMessage(bye, calleeAddr)

	var sawForwardedBYE bool
	for _, s := range d.all() {
		if !s.msg.IsResponse() && s.msg.Method() == "BYE" {
			sawForwardedBYE = true
			if s.addr.String() != callerPeer.String() {
				t.Fatalf("BYE forwarded to %v, want caller %v", s.addr, callerPeer)
			}
		}
	}
	if !sawForwardedBYE {
		t.Fatalf("expected the callee-originated BYE to be forwarded")
	}
}

func TestBYE200OKDeletesDialogAndBranchImmediately(t *testing.T) {
	d := &mockDispatcher{}
	p, reg := newTestProxy(t, d)
	b := testBinding()
	_ = reg.Upsert(&b)

	callerPeer := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 5060}
	calleeAddr := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 5060}
	establishConfirmedDialog(t, p, d, "call-bye-2", callerPeer, calleeAddr, "sip:bob@10.0.0.2:5060")

	dlg, ok := p.dialogs.Get("call-bye-2")
	if !ok {
		t.Fatalf("expected dialog to exist before BYE")
	}
	inviteBranch := dlg.InviteBranch

	byeOK, err := sipmsg.Parse([]byte(
		"SIP/2.0 200 OK\r\n" +
			"Via: SIP/2.0/UDP 203.0.113.1:5060;branch=z9hG4bK-bye1\r\n" +
			"From: <sip:bob@example.com>;tag=2\r\n" +
			"To: <sip:alice@example.com>;tag=1\r\n" +
			"Call-ID: call-bye-2\r\n" +
			"CSeq: 2 BYE\r\n" +
			"Content-Length: 0\r\n\r\n"))
	if err != nil {
		t.Fatalf("parse BYE 200 OK: %v", err)
	}
	p.HandleMessage(byeOK, callerPeer)

	if _, ok := p.dialogs.Get("call-bye-2"); ok {
		t.Fatalf("expected dialog removed immediately after BYE 200 OK")
	}
	if _, ok := p.branches.Get(inviteBranch); ok {
		t.Fatalf("expected INVITE branch entry removed immediately after BYE 200 OK")
	}
}

func TestCANCELForwardedOnSameBranchAndAnsweredLocally(t *testing.T) {
	d := &mockDispatcher{}
	p, reg := newTestProxy(t, d)
	b := testBinding()
	_ = reg.Upsert(&b)

	peer := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 5060}
	p.HandleMessage(buildInvite(t, "call-cancel-1"), peer)

	var inviteBranch string
	for _, s := range d.all() {
		if !s.msg.IsResponse() && s.msg.Method() == "INVITE" {
			top, _ := s.msg.TopVia()
			inviteBranch, _ = sipmsg.ViaParam(top, "branch")
		}
	}
	if inviteBranch == "" {
		t.Fatalf("did not capture forwarded INVITE branch")
	}

	cancel, err := sipmsg.Parse([]byte(
		"CANCEL sip:bob@example.com SIP/2.0\r\n" +
			"Via: SIP/2.0/UDP 10.0.0.1:5060;branch=z9hG4bK-orig\r\n" +
			"From: <sip:alice@example.com>;tag=1\r\n" +
			"To: <sip:bob@example.com>\r\n" +
			"Call-ID: call-cancel-1\r\n" +
			"CSeq: 1 CANCEL\r\n" +
			"Max-Forwards: 70\r\n" +
			"Content-Length: 0\r\n\r\n"))
	if err != nil {
		t.Fatalf("parse CANCEL: %v", err)
	}
	p.HandleMessage(cancel, peer)

	var sawForwardedCancel, sawLocalOK bool
	for _, s := range d.all() {
		if !s.msg.IsResponse() && s.msg.Method() == "CANCEL" {
			top, _ := s.msg.TopVia()
			branch, _ := sipmsg.ViaParam(top, "branch")
			if branch == inviteBranch {
				sawForwardedCancel = true
			}
		}
		if s.msg.IsResponse() {
			if code, _ := s.msg.StatusCode(); code == 200 {
				if cid, _ := s.msg.Get("Call-ID"); cid == "call-cancel-1" {
					sawLocalOK = true
				}
			}
		}
	}
	if !sawForwardedCancel {
		t.Fatalf("expected CANCEL forwarded on the INVITE's own branch")
	}
	if !sawLocalOK {
		t.Fatalf("expected a locally-generated 200 OK to the CANCEL")
	}
	if _, ok := p.dialogs.Get("call-cancel-1"); ok {
		t.Fatalf("expected dialog removed immediately after CANCEL")
	}
}

func TestForwardSuppressesExactRetransmission(t *testing.T) {
	d := &mockDispatcher{}
	p, reg := newTestProxy(t, d)
	b := testBinding()
	_ = reg.Upsert(&b)

	peer := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 5060}
	req := buildInvite(t, "call-retx-1")
	p.HandleMessage(req, peer)
	p.HandleMessage(req, peer)

	var forwardedInvites int
	for _, s := range d.all() {
		if !s.msg.IsResponse() && s.msg.Method() == "INVITE" {
			forwardedInvites++
		}
	}
	if forwardedInvites != 1 {
		t.Fatalf("forwarded INVITE count = %d, want 1 (retransmission should be suppressed)", forwardedInvites)
	}
}

func TestHandleResponseDropsProvisionalAndCascadingFailureCodes(t *testing.T) {
	for _, code := range []int{100, 482, 483, 502, 503, 504} {
		d := &mockDispatcher{}
		p, reg := newTestProxy(t, d)
		b := testBinding()
		_ = reg.Upsert(&b)

		peer := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 5060}
		p.HandleMessage(buildInvite(t, "call-drop-1"), peer)

		var branch string
		for _, s := range d.all() {
			if !s.msg.IsResponse() && s.msg.Method() == "INVITE" {
				top, _ := s.msg.TopVia()
				branch, _ = sipmsg.ViaParam(top, "branch")
			}
		}

		before := len(d.all())
		resp, err := sipmsg.Parse([]byte(fmt.Sprintf(
			"SIP/2.0 %d reason\r\n"+
				"Via: SIP/2.0/UDP 203.0.113.1:5060;branch=%s\r\n"+
				"Via: SIP/2.0/UDP 10.0.0.1:5060;branch=z9hG4bK-orig\r\n"+
				"From: <sip:alice@example.com>;tag=1\r\n"+
				"To: <sip:bob@example.com>;tag=2\r\n"+
				"Call-ID: call-drop-1\r\n"+
				"CSeq: 1 INVITE\r\n"+
				"Content-Length: 0\r\n\r\n", code, branch)))
		if err != nil {
			t.Fatalf("parse response %d: %v", code, err)
		}
		calleeAddr := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 5060}
		p.HandleMessage(resp, calleeAddr)

		after := d.all()
		if len(after) != before {
			t.Fatalf("code %d: expected no forwarded message, got %d new sends", code, len(after)-before)
		}
	}
}

func TestForward2xxACKSelfLoopSuppressed(t *testing.T) {
	d := &mockDispatcher{}
	p, reg := newTestProxy(t, d)
	b := testBinding()
	_ = reg.Upsert(&b)

	callerPeer := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 5060}
	calleeAddr := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 5060}
	// Callee's Contact resolves back to the caller's own address: a
	// misbehaving/misconfigured far end that would otherwise bounce
	// the caller's ACK straight back to the caller.
	establishConfirmedDialog(t, p, d, "call-loop-1", callerPeer, calleeAddr, "sip:alice@10.0.0.1:5060")

	before := len(d.all())

	ack, err := sipmsg.Parse([]byte(
		"ACK sip:bob@10.0.0.2:5060 SIP/2.0\r\n" +
			"Via: SIP/2.0/UDP 10.0.0.1:5060;branch=z9hG4bK-ack1\r\n" +
			"From: <sip:alice@example.com>;tag=1\r\n" +
			"To: <sip:bob@example.com>;tag=2\r\n" +
			"Call-ID: call-loop-1\r\n" +
			"CSeq: 1 ACK\r\n" +
			"Max-Forwards: 70\r\n" +
			"Content-Length: 0\r\n\r\n"))
	if err != nil {
		t.Fatalf("parse ACK: %v", err)
	}
	p.HandleMessage(ack, callerPeer)

	after := d.all()
	if len(after) != before {
		t.Fatalf("expected self-loop ACK to be dropped, got %d new sends", len(after)-before)
	}
}
