package proxycore

import (
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/relaysip/sipproxy/internal/sipmsg"
)

// handleACK implements the §4.6.3 disambiguation: an ACK to a 2xx
// final response is a new transaction routed like any in-dialog
// request, while an ACK to a non-2xx final response is part of the
// original INVITE transaction and must retrace its exact hop-by-hop
// path on the original branch.
func (p *Proxy) handleACK(req *sipmsg.Message, peer *net.UDPAddr) {
	callID, _ := req.Get("Call-ID")
	dlg, ok := p.dialogs.Get(callID)
	if !ok {
		p.forwardACKBlind(req, peer)
		return
	}
	dlg.touch()

	if dlg.LastFinalResponseStatus >= 200 && dlg.LastFinalResponseStatus < 300 {
		p.forward2xxACK(req, peer, dlg)
		return
	}
	p.forwardNon2xxACK(req, peer, dlg)
}

func (p *Proxy) forward2xxACK(req *sipmsg.Message, peer *net.UDPAddr, dlg *Dialog) {
	branch := dlg.InviteBranch
	if _, ok := p.branches.Get(branch); !ok || branch == "" {
		branch = newBranch()
	}
	nextHop, err := p.nextHopForDialog(dlg, peer)
	if err != nil {
		return
	}
	// Self-loop suppression: a resolved target equal to our own
	// advertised address, or equal to the ACK's own sender, can't be
	// the other leg. nextHopForDialog already resolves sender-relative,
	// so there is no further substitute to try here; drop.
	if p.isSelf(nextHop) || sameAddr(nextHop, peer) {
		slog.Warn("[ProxyCore] dropping 2xx-ACK, resolved target is a self-loop", "call_id", dlg.CallID)
		return
	}
	fwd := req.Clone()
	if dlg.Last2xxContact != "" && sameAddr(peer, dlg.CallerPeerAddr) {
		fwd.SetRequestURI(dlg.Last2xxContact)
	}
	popTopRouteIfSelf(fwd, p.selfVia)
	fwd.InsertTopVia(fmt.Sprintf("SIP/2.0/UDP %s;branch=%s;rport", p.selfVia, branch))
	p.forward(fwd, peer, nextHop)
	p.dialogs.Set(dlg.CallID, dlg, dlg.retentionTTL())
}

func (p *Proxy) forwardNon2xxACK(req *sipmsg.Message, peer *net.UDPAddr, dlg *Dialog) {
	entry, ok := p.branches.Get(dlg.InviteBranch)
	if !ok {
		p.forwardACKBlind(req, peer)
		return
	}
	nextHopAddr, err := net.ResolveUDPAddr("udp", entry.NextHop)
	if err != nil {
		return
	}
	fwd := req.Clone()
	fwd.InsertTopVia(fmt.Sprintf("SIP/2.0/UDP %s;branch=%s;rport", p.selfVia, dlg.InviteBranch))
	p.forward(fwd, peer, nextHopAddr)

	// This ACK closes out the INVITE transaction for good: remove the
	// dialog and branch entries immediately rather than waiting on the
	// sweep. A retransmitted ACK arriving after this falls back to
	// forwardACKBlind via the Route header it still carries.
	p.dialogs.Delete(dlg.CallID)
	p.branches.Delete(dlg.InviteBranch)
}

// forwardACKBlind is the fallback when no dialog/branch state survives
// (proxy restart, or an out-of-band ACK): route using the Route header
// set the UAC itself computed, same as a normal in-dialog request.
func (p *Proxy) forwardACKBlind(req *sipmsg.Message, peer *net.UDPAddr) {
	routes := req.GetAll("Route")
	if len(routes) == 0 {
		return
	}
	fwd := req.Clone()
	popTopRouteIfSelf(fwd, p.selfVia)
	target := fwd.RequestURI()
	if remaining := fwd.GetAll("Route"); len(remaining) > 0 {
		target = remaining[0]
	}
	nextHop, ok := resolveContactAddr(target)
	if !ok || p.isSelf(nextHop) || sameAddr(nextHop, peer) {
		return
	}
	p.forward(fwd, peer, nextHop)
}

// handleCANCEL correlates a CANCEL to the INVITE branch it cancels and
// forwards it along the exact same path, then replies 200 OK locally.
func (p *Proxy) handleCANCEL(req *sipmsg.Message, peer *net.UDPAddr) {
	callID, _ := req.Get("Call-ID")
	dlg, ok := p.dialogs.Get(callID)
	if !ok {
		p.sendResponse(req, peer, 481, "Call/Transaction Does Not Exist")
		return
	}

	entry, ok := p.branches.Get(dlg.InviteBranch)
	if !ok {
		p.sendResponse(req, peer, 481, "Call/Transaction Does Not Exist")
		return
	}
	nextHopAddr, err := net.ResolveUDPAddr("udp", entry.NextHop)
	if err == nil {
		fwd := req.Clone()
		fwd.InsertTopVia(fmt.Sprintf("SIP/2.0/UDP %s;branch=%s;rport", p.selfVia, dlg.InviteBranch))
		p.forward(fwd, peer, nextHopAddr)
	}

	p.sendResponse(req, peer, 200, "OK")

	if p.events != nil && p.eventBldr != nil {
		p.events.OnCallCancel(p.eventBldr.CallCancel(callID, "caller"))
	}
	if p.media != nil {
		p.media.EndSession(callID)
	}
	p.dialogs.Delete(callID)
	p.branches.Delete(dlg.InviteBranch)
}

// finishCall tears down a confirmed dialog's media session and emits
// a call-end CDR event; called from BYE handling in either direction.
func (p *Proxy) finishCall(dlg *Dialog, reason string, peer *net.UDPAddr) {
	var stats struct {
		sent, recv uint64
	}
	if p.media != nil {
		if s, ok := p.media.Lookup(dlg.CallID); ok {
			if st, have := s.Stats(); have {
				stats.sent = uint64(st.CallerToCallee)
				stats.recv = uint64(st.CalleeToCaller)
			}
		}
	}
	hangupSide := "callee"
	if sameAddr(peer, dlg.CallerPeerAddr) {
		hangupSide = "caller"
	}
	if p.events != nil && p.eventBldr != nil {
		p.events.OnCallEnd(p.eventBldr.CallEnd(dlg.CallID, reason, hangupSide, time.Since(dlg.CreatedAt), stats.sent, stats.recv))
	}
	if p.media != nil {
		p.media.EndSession(dlg.CallID)
	}
	dlg.State = DialogTerminated
}
