package proxycore

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/relaysip/sipproxy/internal/sipmsg"
)

// droppedResponseCodes are never forwarded upstream: 100 Trying is
// hop-by-hop (the proxy generates its own toward the caller), and the
// listed final failures are dropped to avoid cascading the same
// failure back through every leg of a multi-hop chain.
var droppedResponseCodes = map[int]bool{
	100: true,
	482: true,
	483: true,
	502: true,
	503: true,
	504: true,
}

func (p *Proxy) handleResponse(resp *sipmsg.Message, peer *net.UDPAddr) {
	p.recordTrack("inbound", resp, peer)

	top, ok := resp.TopVia()
	if !ok {
		return
	}
	if sipmsg.ViaHostPort(top) != p.selfVia {
		// not addressed to us; drop rather than risk a forwarding loop
		return
	}

	callID, _ := resp.Get("Call-ID")
	code, _ := resp.StatusCode()

	p.updateDialog(resp, callID, code)
	if code >= 200 {
		cseq, _ := resp.Get("CSeq")
		p.pending.Delete(callID + ":" + cseq)
	}

	if droppedResponseCodes[code] {
		return
	}

	fwd := resp.Clone()
	fwd.PopTopVia()

	nextVia, hasNext := fwd.TopVia()
	if !hasNext {
		// we originated the request (shouldn't normally happen for a
		// pure proxy, but guards against a malformed/short Via stack)
		return
	}

	if code >= 200 && code < 300 && cseqMethod(resp) == "INVITE" {
		fwd.InsertFirst("Record-Route", fmt.Sprintf("<sip:%s;lr>", p.selfVia))
	}

	nextHop := p.responseNextHop(nextVia)
	p.forwardResponse(fwd, nextHop)
}

// cseqMethod extracts the method token from a CSeq header value
// ("1 INVITE" -> "INVITE"). Responses carry no start-line method of
// their own, so every response-side dispatch keyed on method must go
// through CSeq instead of Message.Method.
func cseqMethod(m *sipmsg.Message) string {
	v, ok := m.Get("CSeq")
	if !ok {
		return ""
	}
	fields := strings.Fields(v)
	if len(fields) < 2 {
		return ""
	}
	return fields[len(fields)-1]
}

// responseNextHop prefers the received/rport params a downstream proxy
// or this proxy's own inbound processing recorded over the Via's own
// host:port, per RFC 3581.
func (p *Proxy) responseNextHop(viaEntry string) *net.UDPAddr {
	host := sipmsg.ViaHostPort(viaEntry)
	port := hostPortOf(host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if received, ok := sipmsg.ViaParam(viaEntry, "received"); ok && received != "" {
		host = received
	}
	if rport, ok := sipmsg.ViaParam(viaEntry, "rport"); ok && rport != "" {
		port = rport
	}
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, port))
	if err != nil {
		return nil
	}
	return addr
}

func hostPortOf(hostPort string) string {
	_, port, err := net.SplitHostPort(hostPort)
	if err != nil {
		return "5060"
	}
	return port
}

func (p *Proxy) forwardResponse(resp *sipmsg.Message, nextHop *net.UDPAddr) {
	if nextHop == nil || p.dispatch == nil {
		return
	}
	if err := p.dispatch.SendTo(nextHop, resp); err != nil {
		return
	}
	p.recordTrack("outbound", resp, nextHop)
}

// updateDialog applies the bookkeeping rules from §4.6.6: Record-Route
// rewriting into the dialog's route set, Last2xxContact/LastFinal
// -ResponseStatus tracking, and dialog retention by status class.
func (p *Proxy) updateDialog(resp *sipmsg.Message, callID string, code int) {
	dlg, ok := p.dialogs.Get(callID)
	if !ok {
		return
	}
	dlg.touch()
	method := cseqMethod(resp)
	isInvite := method == "INVITE"

	if method == "BYE" && code == 200 {
		// Dialog, Branch, Last-Status, and Last-2xx-Contact for this
		// Call-ID all disappear in the same step; nothing is left for
		// the timer wheel's sweep to find later.
		p.dialogs.Delete(callID)
		p.branches.Delete(dlg.InviteBranch)
		return
	}

	if code >= 200 && isInvite {
		// Last-Final-Response-Status tracks the most recent non-1xx
		// INVITE response only; BYE/CANCEL finals don't touch it.
		dlg.LastFinalResponseStatus = code
	}

	if code >= 200 && code < 300 && isInvite {
		firstAnswer := dlg.State != DialogConfirmed
		if contact, ok := resp.Get("Contact"); ok {
			dlg.CalleeContact = stripAngleBrackets(stripParams(contact))
			dlg.Last2xxContact = dlg.CalleeContact
		}
		dlg.RouteSet = resp.GetAll("Record-Route")
		dlg.State = DialogConfirmed
		p.triggerAnswerSDP(resp, dlg)
		if firstAnswer && p.events != nil && p.eventBldr != nil {
			p.events.OnCallAnswer(p.eventBldr.CallAnswer(callID, code, time.Since(dlg.CreatedAt)))
		}
	} else if code >= 300 && isInvite {
		dlg.State = DialogTerminated
		if p.events != nil && p.eventBldr != nil {
			p.events.OnCallFail(p.eventBldr.CallFail(callID, code, resp.StartLine))
		}
		if p.media != nil {
			p.media.EndSession(callID)
		}
	}

	p.dialogs.Set(callID, dlg, dlg.retentionTTL())
}

func stripParams(s string) string {
	if idx := indexByte(s, ';'); idx != -1 {
		return s[:idx]
	}
	return s
}

func stripAngleBrackets(s string) string {
	s = trimSpace(s)
	if len(s) > 0 && s[0] == '<' {
		if idx := indexByte(s, '>'); idx != -1 {
			return s[1:idx]
		}
	}
	return s
}

func trimSpace(s string) string {
	start, end := 0, len(s)
	for start < end && (s[start] == ' ' || s[start] == '\t') {
		start++
	}
	for end > start && (s[end-1] == ' ' || s[end-1] == '\t') {
		end--
	}
	return s[start:end]
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}
