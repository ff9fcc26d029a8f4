// Package core wires the registration store, proxy signaling core,
// media relay, timer wheel, and message tracker into the single
// object the command entrypoints drive from their transport loops.
package core

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"

	"github.com/google/uuid"

	"github.com/relaysip/sipproxy/internal/digestauth"
	"github.com/relaysip/sipproxy/internal/events"
	"github.com/relaysip/sipproxy/internal/media"
	"github.com/relaysip/sipproxy/internal/proxycore"
	"github.com/relaysip/sipproxy/internal/registration"
	"github.com/relaysip/sipproxy/internal/sipmsg"
	"github.com/relaysip/sipproxy/internal/timers"
	"github.com/relaysip/sipproxy/internal/tracker"
	"github.com/relaysip/sipproxy/internal/transport"
)

// Config collects everything needed to build a Core.
type Config struct {
	NodeID        string
	AdvertiseAddr string
	Port          int
	Realm         string
	RTPMin        int
	RTPMax        int
	Users            digestauth.UserDirectory // nil disables REGISTER auth
	Events           events.Sink              // nil disables CDR emission
	UDP              *transport.UDPListener
	MediaPassthrough bool
}

// Core owns all proxy state and dispatches inbound messages from the
// transport listeners to the registration handler or the signaling
// core depending on method.
type Core struct {
	registrar     *registration.Store
	media         *media.Manager
	proxy         *proxycore.Proxy
	regHandle     *registration.Handler
	tracker       *tracker.Tracker
	events        events.Sink
	eventBldr     *events.Builder
	wheel         *timers.Wheel
	udp           *transport.UDPListener
	advertiseAddr string
	port          int
}

// New builds a Core ready to run; call Start to begin the timer wheel.
func New(cfg Config) *Core {
	registrar := registration.NewStore()
	mediaMgr := media.NewManager(cfg.RTPMin, cfg.RTPMax)
	trk := tracker.New(tracker.DefaultCapacity)
	eventBldr := events.NewBuilder(cfg.NodeID)

	dispatch := &udpDispatcher{listener: cfg.UDP}

	proxy := proxycore.New(proxycore.Config{
		AdvertiseAddr: cfg.AdvertiseAddr,
		Port:          cfg.Port,
		Registrar:     registrar,
		Media:         mediaMgr,
		Events:        cfg.Events,
		EventBuilder:  eventBldr,
		Tracker:          trk,
		Dispatcher:       dispatch,
		MediaPassthrough: cfg.MediaPassthrough,
	})

	regHandle := registration.NewHandler(registrar, cfg.Users, cfg.Realm,
		&registrationEventAdapter{events: cfg.Events, builder: eventBldr})

	c := &Core{
		registrar:     registrar,
		media:         mediaMgr,
		proxy:         proxy,
		regHandle:     regHandle,
		tracker:       trk,
		events:        cfg.Events,
		eventBldr:     eventBldr,
		udp:           cfg.UDP,
		advertiseAddr: cfg.AdvertiseAddr,
		port:          cfg.Port,
	}

	c.wheel = timers.NewWheel([]timers.Task{
		{Name: "registration-sweep", Interval: timers.RegistrationSweepInterval, Run: c.sweepRegistrations},
		{Name: "dialog-sweep", Interval: timers.DialogSweepInterval, Run: func() { proxy.SweepDialogs() }},
		{Name: "branch-sweep", Interval: timers.BranchSweepInterval, Run: func() { proxy.SweepBranches() }},
		{Name: "pending-sweep", Interval: timers.PendingRequestSweepInterval, Run: func() { proxy.SweepPending() }},
		{Name: "nat-keepalive", Interval: timers.NATKeepaliveInterval, Run: c.sendNATKeepalives},
	})

	return c
}

// Start launches the timer wheel. The transport listeners' Serve loops
// are started separately by the caller.
func (c *Core) Start() { c.wheel.Start() }

// Stop halts the timer wheel.
func (c *Core) Stop() {
	c.wheel.Stop()
}

// Registrar exposes the registration store for the read-only API.
func (c *Core) Registrar() *registration.Store { return c.registrar }

// Tracker exposes the message tracker for the read-only API.
func (c *Core) Tracker() *tracker.Tracker { return c.tracker }

// Proxy exposes the signaling core for the read-only API's dialog view.
func (c *Core) Proxy() *proxycore.Proxy { return c.proxy }

// Media exposes the media relay manager for the read-only API's
// session view.
func (c *Core) Media() *media.Manager { return c.media }

// HandleInbound is the transport.Handler wired to both listeners: it
// routes REGISTER requests to the registration handler and everything
// else to the signaling core.
func (c *Core) HandleInbound(in transport.Inbound) {
	if !in.Message.IsResponse() && in.Message.Method() == "REGISTER" {
		resp := c.regHandle.Handle(in.Message, addrToUDP(in.Peer))
		if resp != nil {
			if err := in.Sink.Send(resp.Serialize()); err != nil {
				slog.Error("[Core] failed to send REGISTER response", "error", err)
			}
		}
		return
	}

	peer, ok := in.Peer.(*net.UDPAddr)
	if !ok {
		slog.Warn("[Core] dropping non-UDP message, signaling core only resolves UDP next hops", "peer", in.Peer)
		return
	}
	c.proxy.HandleMessage(in.Message, peer)
}

func (c *Core) sweepRegistrations() {
	c.registrar.Sweep(func(aor string, b *registration.Binding) {
		slog.Info("[Core] registration expired", "aor", aor)
		if c.events != nil && c.eventBldr != nil {
			c.events.OnUnregister(c.eventBldr.Unregister(aor, aor, "expired"))
		}
	})
}

// sendNATKeepalives pings every live binding's source address with an
// OPTIONS request and a bare CRLF datagram, keeping the UDP NAT
// binding the REGISTER arrived through from closing.
func (c *Core) sendNATKeepalives() {
	if c.udp == nil {
		return
	}
	for aor, bindings := range c.registrar.All() {
		for _, b := range bindings {
			addr := &net.UDPAddr{IP: net.ParseIP(b.RealSourceIP), Port: b.RealSourcePort}
			if addr.IP == nil {
				continue
			}
			opts := sipmsg.NewMessage(fmt.Sprintf("OPTIONS %s SIP/2.0", b.ContactURI))
			opts.Add("Via", fmt.Sprintf("SIP/2.0/UDP %s:%d;branch=%s;rport", c.advertiseAddr, c.port, newKeepaliveBranch()))
			opts.Add("From", fmt.Sprintf("<sip:keepalive@%s>;tag=ka", aor))
			opts.Add("To", fmt.Sprintf("<%s>", b.ContactURI))
			opts.Add("Call-ID", "keepalive-"+uuid.New().String())
			opts.Add("CSeq", "1 OPTIONS")
			opts.Add("Content-Length", "0")

			if err := c.udp.SendTo(addr, opts.Serialize()); err != nil {
				slog.Debug("[Core] OPTIONS keepalive failed", "aor", aor, "error", err)
			}
			if err := c.udp.SendTo(addr, []byte("\r\n")); err != nil {
				slog.Debug("[Core] CRLF keepalive failed", "aor", aor, "error", err)
			}
		}
	}
}

// addrToUDP extracts an IP/port pair from a UDP or TCP peer address so
// the registration store can record a real source even when a
// REGISTER arrived over a TCP connection.
func addrToUDP(addr net.Addr) *net.UDPAddr {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return a
	case *net.TCPAddr:
		return &net.UDPAddr{IP: a.IP, Port: a.Port, Zone: a.Zone}
	default:
		return &net.UDPAddr{}
	}
}

func newKeepaliveBranch() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return "z9hG4bK-" + hex.EncodeToString(b[:])
}

// udpDispatcher adapts transport.UDPListener's raw-bytes SendTo to
// proxycore.Dispatcher's Message-typed interface.
type udpDispatcher struct {
	listener *transport.UDPListener
}

func (d *udpDispatcher) SendTo(addr *net.UDPAddr, msg *sipmsg.Message) error {
	if d.listener == nil {
		return nil
	}
	return d.listener.SendTo(addr, msg.Serialize())
}

// registrationEventAdapter adapts the registration handler's narrow
// EventSink to the broader CDR events.Sink + events.Builder pair the
// rest of the core shares.
type registrationEventAdapter struct {
	events  events.Sink
	builder *events.Builder
}

// Registration events have no SIP dialog to key off of, so the AOR
// itself stands in for BaseEvent.CallID.
func (a *registrationEventAdapter) OnRegister(aor, contact string, expires int) {
	if a.events == nil || a.builder == nil {
		return
	}
	a.events.OnRegister(a.builder.Register(aor, aor, contact, expires))
}

func (a *registrationEventAdapter) OnUnregister(aor string) {
	if a.events == nil || a.builder == nil {
		return
	}
	a.events.OnUnregister(a.builder.Unregister(aor, aor, "explicit"))
}
