// Package proxycore implements the stateful SIP proxy: hop-by-hop
// header processing, ACK disambiguation, retransmission suppression,
// request/response routing, and the SDP rewrite triggers that hand
// off to the media relay.
package proxycore

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/relaysip/sipproxy/internal/events"
	"github.com/relaysip/sipproxy/internal/media"
	"github.com/relaysip/sipproxy/internal/registration"
	"github.com/relaysip/sipproxy/internal/sipmsg"
	"github.com/relaysip/sipproxy/internal/sipuri"
	"github.com/relaysip/sipproxy/internal/store"
	"github.com/relaysip/sipproxy/internal/tracker"
)

// Dispatcher sends a serialized message to a transport-level peer.
// Implemented by internal/core's adapter over the UDP listener.
type Dispatcher interface {
	SendTo(addr *net.UDPAddr, msg *sipmsg.Message) error
}

// Config configures a Proxy.
type Config struct {
	AdvertiseAddr string
	Port          int
	Registrar     *registration.Store
	Media         *media.Manager
	Events        events.Sink
	EventBuilder  *events.Builder
	Tracker       *tracker.Tracker
	Dispatcher    Dispatcher
	// MediaPassthrough runs the SDP rewrite triggers in passthrough
	// mode: only the connection address is rewritten to AdvertiseAddr,
	// the original ports are left alone, and no forwarder is started.
	// Fragile across NATs; off by default.
	MediaPassthrough bool
}

// Proxy is the single-threaded SIP signaling core: one instance owns
// all dialog/branch/dedup/pending state and is driven by the
// transport listeners' Handler callback.
type Proxy struct {
	advertiseAddr string
	port          int
	selfVia       string

	dialogs *store.TTLStore[string, *Dialog]
	branches *store.TTLStore[string, *BranchEntry]
	dedup    *store.TTLStore[string, time.Time]
	pending  *store.TTLStore[string, *PendingRequest]

	registrar *registration.Store
	media     *media.Manager
	events    events.Sink
	eventBldr *events.Builder
	tracker   *tracker.Tracker
	dispatch  Dispatcher
	noRoute   noRouteCounters

	mediaPassthrough bool
}

// New builds a Proxy ready to handle inbound messages.
func New(cfg Config) *Proxy {
	return &Proxy{
		advertiseAddr: cfg.AdvertiseAddr,
		port:          cfg.Port,
		selfVia:       fmt.Sprintf("%s:%d", cfg.AdvertiseAddr, cfg.Port),
		dialogs:       store.NewTTLStore[string, *Dialog](),
		branches:      store.NewTTLStore[string, *BranchEntry](),
		dedup:         store.NewTTLStore[string, time.Time](),
		pending:       store.NewTTLStore[string, *PendingRequest](),
		registrar:     cfg.Registrar,
		media:         cfg.Media,
		events:        cfg.Events,
		eventBldr:     cfg.EventBuilder,
		tracker:          cfg.Tracker,
		dispatch:         cfg.Dispatcher,
		mediaPassthrough: cfg.MediaPassthrough,
	}
}

// HandleMessage is the entry point wired to the transport listeners:
// it dispatches to request or response handling based on the start line.
func (p *Proxy) HandleMessage(m *sipmsg.Message, peer *net.UDPAddr) {
	if m.IsResponse() {
		p.handleResponse(m, peer)
		return
	}
	p.handleRequest(m, peer)
}

// SweepDialogs is driven by the timer wheel.
func (p *Proxy) SweepDialogs() int {
	return p.dialogs.Sweep(func(callID string, d *Dialog) {
		slog.Debug("[ProxyCore] dialog expired", "call_id", callID, "state", d.State)
	})
}

// SweepBranches is driven by the timer wheel and covers the branch map
// and retransmission dedup cache together, per §4.9.
func (p *Proxy) SweepBranches() int {
	n := p.branches.Sweep(func(branch string, e *BranchEntry) {})
	n += p.dedup.Sweep(func(key string, at time.Time) {})
	return n
}

// SweepPending reaps requests that never received a final response,
// synthesizing a 408 Request Timeout CDR fail event.
func (p *Proxy) SweepPending() int {
	return p.pending.Sweep(func(key string, pr *PendingRequest) {
		slog.Warn("[ProxyCore] pending request timed out", "call_id", pr.CallID, "cseq", pr.CSeq, "method", pr.Method)
		if p.events != nil && p.eventBldr != nil {
			p.events.OnCallFail(p.eventBldr.CallFail(pr.CallID, 408, "no final response within timeout"))
		}
	})
}

// Dialogs returns a snapshot of every live dialog, for the read-only
// monitoring API. The returned slice is a copy; mutating it does not
// affect the proxy's internal state.
func (p *Proxy) Dialogs() []*Dialog {
	out := make([]*Dialog, 0, p.dialogs.Len())
	p.dialogs.ForEach(func(_ string, d *Dialog) bool {
		out = append(out, d)
		return true
	})
	return out
}

// Dialog looks up one dialog by Call-ID, for the read-only monitoring API.
func (p *Proxy) Dialog(callID string) (*Dialog, bool) {
	return p.dialogs.Get(callID)
}

// NoRouteCount returns how many requests from ip the proxy has
// rejected for want of a route. Purely observational.
func (p *Proxy) NoRouteCount(ip string) int64 {
	return p.noRoute.get(ip)
}

func (p *Proxy) recordTrack(direction string, m *sipmsg.Message, peer *net.UDPAddr) {
	if p.tracker == nil {
		return
	}
	callID, _ := m.Get("Call-ID")
	snap := tracker.Snapshot{
		Timestamp:   time.Now(),
		Direction:   direction,
		CallID:      callID,
		ViaCount:    len(m.ViaEntries()),
		RouteCount:  len(m.GetAll("Route")),
		PostNATAddr: peer.String(),
	}
	if m.IsResponse() {
		code, _ := m.StatusCode()
		snap.StatusCode = code
	} else {
		snap.Method = m.Method()
	}
	fromUser, fromTag := userAndTag(m, "From")
	toUser, toTag := userAndTag(m, "To")
	snap.FromUser, snap.FromTag = fromUser, fromTag
	snap.ToUser, snap.ToTag = toUser, toTag
	p.tracker.Record(snap)
}

func userAndTag(m *sipmsg.Message, header string) (user, tag string) {
	v, ok := m.Get(header)
	if !ok {
		return "", ""
	}
	if idx := strings.Index(strings.ToLower(v), "tag="); idx != -1 {
		tag = strings.Trim(strings.SplitN(v[idx+4:], ";", 2)[0], " \t")
	}
	if u, err := sipuri.Parse(v); err == nil {
		user = u.User
	}
	return user, tag
}

func newBranch() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return "z9hG4bK-" + hex.EncodeToString(b[:])
}
