package proxycore

import (
	"net"

	"github.com/relaysip/sipproxy/internal/sdp"
	"github.com/relaysip/sipproxy/internal/sipmsg"
)

// sdpPeerAddr turns an extracted Info's connection address/port into a
// UDP address, falling back to the session-level address when the
// media description didn't carry its own.
func sdpPeerAddr(info *sdp.Info) *net.UDPAddr {
	if info == nil || info.Audio == nil {
		return nil
	}
	host := info.Audio.ConnAddr
	if host == "" {
		host = info.SessionConnAddr
	}
	if host == "" {
		return nil
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil
	}
	return &net.UDPAddr{IP: ip, Port: info.Audio.Port}
}

// triggerInitialSDP runs at the initial INVITE: it records the
// caller's offered media address and, if a media manager is wired,
// allocates the session's port pair and rewrites the INVITE body to
// advertise the relay instead of the caller.
func (p *Proxy) triggerInitialSDP(req *sipmsg.Message, dlg *Dialog, peer *net.UDPAddr) {
	if len(req.Body) == 0 {
		return
	}
	info, err := sdp.Extract(req.Body)
	if err != nil {
		return
	}
	dlg.CallerSDPAddr = sdpPeerAddr(info)
	dlg.CallerSigAddr = peer
	dlg.WantsVideo = sdp.HasVideo(info)

	if p.mediaPassthrough {
		p.rewritePassthrough(req, info)
		return
	}
	if p.media == nil {
		return
	}

	session, err := p.media.CreateSession(dlg.CallID, dlg.WantsVideo)
	if err != nil {
		return
	}
	newBody, err := sdp.Rewrite(req.Body, sdp.RewriteParams{
		ConnAddr:  p.advertiseAddr,
		AudioPort: session.AudioRTPPort,
		VideoPort: session.VideoRTPPort,
	})
	if err == nil {
		req.Body = newBody
	}
}

// rewritePassthrough implements the passthrough media mode: only the
// connection address is swapped for the proxy's advertised address,
// the endpoint's own ports are kept, and no forwarder is started.
func (p *Proxy) rewritePassthrough(msg *sipmsg.Message, info *sdp.Info) {
	params := sdp.RewriteParams{ConnAddr: p.advertiseAddr}
	if info.Audio != nil {
		params.AudioPort = info.Audio.Port
	}
	if info.Video != nil {
		params.VideoPort = info.Video.Port
	}
	if newBody, err := sdp.Rewrite(msg.Body, params); err == nil {
		msg.Body = newBody
	}
}

// triggerAnswerSDP runs on the 2xx response to INVITE: it records the
// callee's answered media address, rewrites the response body to
// advertise the relay to the caller, and starts the forwarders now
// that both endpoints are known.
func (p *Proxy) triggerAnswerSDP(resp *sipmsg.Message, dlg *Dialog) {
	if len(resp.Body) == 0 {
		return
	}
	info, err := sdp.Extract(resp.Body)
	if err != nil {
		return
	}
	dlg.CalleeSDPAddr = sdpPeerAddr(info)

	if p.mediaPassthrough {
		p.rewritePassthrough(resp, info)
		return
	}
	if p.media == nil {
		return
	}

	session, ok := p.media.Lookup(dlg.CallID)
	if !ok {
		return
	}
	newBody, err := sdp.Rewrite(resp.Body, sdp.RewriteParams{
		ConnAddr:  p.advertiseAddr,
		AudioPort: session.AudioRTPPort,
		VideoPort: session.VideoRTPPort,
	})
	if err == nil {
		resp.Body = newBody
	}

	if dlg.CallerSDPAddr != nil && dlg.CalleeSDPAddr != nil {
		_ = session.StartAudio(dlg.CallerSDPAddr, dlg.CalleeSDPAddr)
		if dlg.WantsVideo {
			_ = session.StartVideo(dlg.CallerSDPAddr, dlg.CalleeSDPAddr)
		}
	}
}

// triggerReInviteSDP runs when a confirmed dialog sees another INVITE
// (hold/resume, codec change, ICE restart): it rewrites the body the
// same way and retargets the already-running forwarders rather than
// starting new ones.
func (p *Proxy) triggerReInviteSDP(req *sipmsg.Message, dlg *Dialog) {
	if len(req.Body) == 0 {
		return
	}
	info, err := sdp.Extract(req.Body)
	if err != nil {
		return
	}
	newCallerAddr := sdpPeerAddr(info)
	if newCallerAddr != nil {
		dlg.CallerSDPAddr = newCallerAddr
	}

	if p.mediaPassthrough {
		p.rewritePassthrough(req, info)
		return
	}
	if p.media == nil {
		return
	}
	session, ok := p.media.Lookup(dlg.CallID)
	if !ok {
		return
	}

	newBody, err := sdp.Rewrite(req.Body, sdp.RewriteParams{
		ConnAddr:  p.advertiseAddr,
		AudioPort: session.AudioRTPPort,
		VideoPort: session.VideoRTPPort,
	})
	if err == nil {
		req.Body = newBody
	}

	if dlg.CallerSDPAddr != nil && dlg.CalleeSDPAddr != nil {
		session.Retarget(dlg.CallerSDPAddr, dlg.CalleeSDPAddr)
	}
}
