package proxycore

import (
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/relaysip/sipproxy/internal/sipmsg"
	"github.com/relaysip/sipproxy/internal/sipuri"
)

const defaultMaxForwards = 70

func (p *Proxy) handleRequest(req *sipmsg.Message, peer *net.UDPAddr) {
	p.recordTrack("inbound", req, peer)

	switch req.Method() {
	case "ACK":
		p.handleACK(req, peer)
		return
	case "CANCEL":
		p.handleCANCEL(req, peer)
		return
	}

	if !p.checkMaxForwards(req, peer) {
		return
	}

	callID, _ := req.Get("Call-ID")
	inDialog := hasTag(req, "To")

	// An initial INVITE gets its 100 Trying from routeInitial, once a
	// registrar binding for the target is known to exist.
	if req.Method() == "INVITE" && inDialog {
		p.sendProvisional(req, peer, 100, "Trying")
	}

	if !inDialog {
		p.routeInitial(req, peer, callID)
		return
	}
	p.routeInDialog(req, peer, callID)
}

func (p *Proxy) checkMaxForwards(req *sipmsg.Message, peer *net.UDPAddr) bool {
	mf := defaultMaxForwards
	if v, ok := req.Get("Max-Forwards"); ok {
		if n, err := parseInt(v); err == nil {
			mf = n
		}
	}
	mf--
	if mf < 0 {
		p.sendResponse(req, peer, 483, "Too Many Hops")
		return false
	}
	req.Set("Max-Forwards", fmt.Sprintf("%d", mf))
	return true
}

// routeInitial implements §4.6.5's out-of-dialog routing: look the
// request-URI's AOR up in the registrar, reject with 480 when there is
// no binding, send 100 Trying for an INVITE, drop on self-loop, push
// Via/Record-Route, create the dialog, and forward.
func (p *Proxy) routeInitial(req *sipmsg.Message, peer *net.UDPAddr, callID string) {
	reqURI := req.RequestURI()
	target, err := sipuri.Parse(reqURI)
	if err != nil {
		p.sendResponse(req, peer, 400, "Bad Request - malformed Request-URI")
		return
	}
	aor := sipuri.AOR(target)

	if p.registrar == nil {
		p.noRoute.record(peer.IP.String())
		p.sendResponse(req, peer, 480, "Temporarily Unavailable")
		return
	}
	binding, ok := p.registrar.Lookup(aor)
	if !ok {
		p.noRoute.record(peer.IP.String())
		p.sendResponse(req, peer, 480, "Temporarily Unavailable")
		return
	}
	if req.Method() == "INVITE" {
		p.sendProvisional(req, peer, 100, "Trying")
	}

	nextHop := &net.UDPAddr{IP: net.ParseIP(binding.RealSourceIP), Port: binding.RealSourcePort}
	if p.isSelf(nextHop) {
		p.noRoute.record(peer.IP.String())
		slog.Warn("[ProxyCore] dropping request, next hop is this proxy", "call_id", callID)
		return
	}

	branch := newBranch()
	fwd := req.Clone()
	fwd.InsertTopVia(fmt.Sprintf("SIP/2.0/UDP %s;branch=%s;rport", p.selfVia, branch))
	fwd.InsertFirst("Record-Route", fmt.Sprintf("<sip:%s;lr>", p.selfVia))

	dlg := NewDialog(callID)
	dlg.CallerRequestURI = reqURI
	dlg.CallerPeerAddr = peer
	if contact, ok := req.Get("Contact"); ok {
		dlg.CallerContact = stripAngleBrackets(stripParams(contact))
	}
	dlg.InviteBranch = branch
	if req.Method() == "INVITE" {
		p.triggerInitialSDP(fwd, dlg, peer)
	}
	p.dialogs.Set(callID, dlg, earlyDialogTTL)
	if p.events != nil && p.eventBldr != nil {
		from, _ := req.Get("From")
		to, _ := req.Get("To")
		switch req.Method() {
		case "INVITE":
			p.events.OnCallStart(p.eventBldr.CallStart(callID, from, to, reqURI, peer.String()))
		case "MESSAGE":
			p.events.OnMessage(p.eventBldr.Message(callID, from, to))
		}
	}

	p.branches.Set(branch, &BranchEntry{
		Branch:    branch,
		Method:    req.Method(),
		CallID:    callID,
		ViaStack:  req.ViaEntries(),
		NextHop:   nextHop.String(),
		CreatedAt: time.Now(),
	}, branchTTL)

	p.recordPending(req, callID)
	p.forward(fwd, peer, nextHop)
}

// routeInDialog routes a request that already belongs to a known
// dialog to the Contact learned for the dialog's other leg, chosen
// sender-relative by nextHopForDialog. The request's own Route headers
// and the dialog's RouteSet are not consulted for the next hop; a top
// Route naming this proxy is popped before forwarding.
func (p *Proxy) routeInDialog(req *sipmsg.Message, peer *net.UDPAddr, callID string) {
	dlg, ok := p.dialogs.Get(callID)
	if !ok {
		p.noRoute.record(peer.IP.String())
		p.sendResponse(req, peer, 481, "Call/Transaction Does Not Exist")
		return
	}
	dlg.touch()
	p.dialogs.Set(callID, dlg, dlg.retentionTTL())

	nextHop, err := p.nextHopForDialog(dlg, peer)
	if err != nil {
		p.sendResponse(req, peer, 500, "Server Internal Error")
		return
	}
	if p.isSelf(nextHop) {
		p.noRoute.record(peer.IP.String())
		slog.Warn("[ProxyCore] dropping in-dialog request, next hop is this proxy", "call_id", callID)
		return
	}

	branch := newBranch()
	fwd := req.Clone()
	popTopRouteIfSelf(fwd, p.selfVia)
	fwd.InsertTopVia(fmt.Sprintf("SIP/2.0/UDP %s;branch=%s;rport", p.selfVia, branch))

	p.branches.Set(branch, &BranchEntry{
		Branch:    branch,
		Method:    req.Method(),
		CallID:    callID,
		ViaStack:  req.ViaEntries(),
		NextHop:   nextHop.String(),
		CreatedAt: time.Now(),
	}, branchTTL)

	p.recordPending(req, callID)

	if req.Method() == "INVITE" {
		p.triggerReInviteSDP(req, dlg)
	}
	if req.Method() == "BYE" {
		p.finishCall(dlg, "bye", peer)
	}

	p.forward(fwd, peer, nextHop)
}

// nextHopForDialog resolves the peer address a dialog's next in-dialog
// request should go to. Routing is sender-relative, per the dialog's
// two legs: a request arriving from the side that created the dialog
// (the caller) targets the callee, and a request from anywhere else
// (the callee hanging up or re-INVITEing first) targets the caller.
// Without that symmetry, a callee-originated BYE would route straight
// back to the callee itself.
func (p *Proxy) nextHopForDialog(dlg *Dialog, peer *net.UDPAddr) (*net.UDPAddr, error) {
	sentByCaller := dlg.CallerPeerAddr != nil && peer != nil && sameAddr(peer, dlg.CallerPeerAddr)

	if sentByCaller {
		if addr, ok := resolveContactAddr(dlg.CalleeContact); ok {
			return addr, nil
		}
		return peer, nil
	}

	if addr, ok := resolveContactAddr(dlg.CallerContact); ok {
		return addr, nil
	}
	if dlg.CallerPeerAddr != nil {
		return dlg.CallerPeerAddr, nil
	}
	return peer, nil
}

// resolveContactAddr turns a Contact URI into a UDP address, resolving
// a hostname if the host part isn't already a literal IP.
func resolveContactAddr(contact string) (*net.UDPAddr, bool) {
	if contact == "" {
		return nil, false
	}
	u, err := sipuri.Parse(contact)
	if err != nil {
		return nil, false
	}
	if ip := net.ParseIP(u.Host); ip != nil {
		return &net.UDPAddr{IP: ip, Port: u.Port}, true
	}
	if resolved, rerr := net.ResolveUDPAddr("udp", sipuri.HostPort(u)); rerr == nil {
		return resolved, true
	}
	return nil, false
}

func sameAddr(a, b *net.UDPAddr) bool {
	if a == nil || b == nil {
		return false
	}
	return a.String() == b.String()
}

func (p *Proxy) forward(msg *sipmsg.Message, inboundPeer, nextHop *net.UDPAddr) {
	if p.dispatch == nil {
		return
	}
	key := dedupKey(mustCallID(msg), mustCSeq(msg), inboundPeer.String())
	if _, seen := p.dedup.Get(key); seen {
		slog.Debug("[ProxyCore] suppressing retransmission", "key", key)
		return
	}
	if err := p.dispatch.SendTo(nextHop, msg); err != nil {
		slog.Error("[ProxyCore] forward failed", "error", err, "next_hop", nextHop)
		return
	}
	p.dedup.Set(key, time.Now(), dedupWindow)
	p.recordTrack("outbound", msg, nextHop)
}

func (p *Proxy) recordPending(req *sipmsg.Message, callID string) {
	cseq, _ := req.Get("CSeq")
	key := callID + ":" + cseq
	p.pending.Set(key, &PendingRequest{
		CallID: callID,
		CSeq:   cseq,
		Method: req.Method(),
		SentAt: time.Now(),
	}, pendingRequestTTL)
}

func (p *Proxy) sendProvisional(req *sipmsg.Message, peer *net.UDPAddr, code int, reason string) {
	p.sendResponse(req, peer, code, reason)
}

func (p *Proxy) sendResponse(req *sipmsg.Message, peer *net.UDPAddr, code int, reason string) {
	resp := sipmsg.NewMessage(fmt.Sprintf("SIP/2.0 %d %s", code, reason))
	for _, name := range []string{"Via", "From", "To", "Call-ID", "CSeq"} {
		for _, v := range req.GetAll(name) {
			resp.Add(name, v)
		}
	}
	if p.dispatch != nil {
		if err := p.dispatch.SendTo(peer, resp); err != nil {
			slog.Error("[ProxyCore] failed to send local response", "error", err)
		}
	}
	p.recordTrack("outbound", resp, peer)
}

func (p *Proxy) isSelf(addr *net.UDPAddr) bool {
	if addr == nil {
		return false
	}
	return addr.String() == p.selfVia
}

func hasTag(m *sipmsg.Message, header string) bool {
	v, ok := m.Get(header)
	if !ok {
		return false
	}
	return strings.Contains(strings.ToLower(v), "tag=")
}

func popTopRouteIfSelf(m *sipmsg.Message, selfVia string) {
	routes := m.GetAll("Route")
	if len(routes) == 0 {
		return
	}
	if strings.Contains(routes[0], selfVia) {
		m.PopFirst("Route")
	}
}

func mustCallID(m *sipmsg.Message) string {
	v, _ := m.Get("Call-ID")
	return v
}

func mustCSeq(m *sipmsg.Message) string {
	v, _ := m.Get("CSeq")
	return v
}

func parseInt(s string) (int, error) {
	s = strings.TrimSpace(s)
	var n int
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err
}
