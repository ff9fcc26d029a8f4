package media

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relaysip/sipproxy/internal/media/portpool"
)

// Session tracks one call's media relay state: the bound port pairs
// and the caller/callee forwarders that pump RTP/RTCP between them.
//
// The data model nominally has a port pair per leg (A-leg and B-leg),
// but the relay only ever binds and uses a single shared port pair per
// media kind: both legs are told, via SDP rewrite, to send to that one
// port, and the forwarder classifies inbound traffic by source address
// rather than by which socket it arrived on. The A-leg pair is never
// allocated. See DESIGN.md for the rationale.
type Session struct {
	CallID string

	AudioRTPPort  int
	AudioRTCPPort int
	VideoRTPPort  int
	VideoRTCPPort int

	CreatedAt time.Time
	StartedAt time.Time

	mu             sync.Mutex
	audioForwarder *Forwarder
	audioRTCPFwd   *Forwarder
	videoForwarder *Forwarder
	videoRTCPFwd   *Forwarder

	ended atomic.Bool
}

// Manager owns the lifetime of media sessions and the port pool they
// draw from.
type Manager struct {
	pool *portpool.Pool

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a media session manager over the given RTP port range.
func NewManager(rtpMin, rtpMax int) *Manager {
	return &Manager{
		pool:     portpool.New(rtpMin, rtpMax),
		sessions: make(map[string]*Session),
	}
}

// CreateSession allocates an audio port pair (and a video pair, if
// wantVideo) for a new call and registers the session by Call-ID.
func (m *Manager) CreateSession(callID string, wantVideo bool) (*Session, error) {
	audioRTP, audioRTCP, err := m.pool.Allocate()
	if err != nil {
		return nil, err
	}
	s := &Session{
		CallID:        callID,
		AudioRTPPort:  audioRTP,
		AudioRTCPPort: audioRTCP,
		CreatedAt:     time.Now(),
	}
	if wantVideo {
		videoRTP, videoRTCP, verr := m.pool.Allocate()
		if verr == nil {
			s.VideoRTPPort = videoRTP
			s.VideoRTCPPort = videoRTCP
		}
	}
	m.mu.Lock()
	m.sessions[callID] = s
	m.mu.Unlock()
	return s, nil
}

// Lookup returns the session for a Call-ID, if any.
func (m *Manager) Lookup(callID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[callID]
	return s, ok
}

// StartAudio starts the audio RTP (and RTCP) forwarders once both
// legs' SDP addresses are known, performing the initial NAT hole-punch.
func (s *Session) StartAudio(callerAddr, calleeAddr *net.UDPAddr) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	targets := Targets{
		CallerTarget:     callerAddr,
		CalleeTarget:     calleeAddr,
		CallerExpectedIP: callerAddr.IP.String(),
		CalleeExpectedIP: calleeAddr.IP.String(),
	}
	fwd, err := NewForwarder(s.CallID, "audio-rtp", s.AudioRTPPort, targets)
	if err != nil {
		return err
	}
	rtcpFwd, err := NewForwarder(s.CallID, "audio-rtcp", s.AudioRTCPPort, targets)
	if err != nil {
		return err
	}
	s.audioForwarder = fwd
	s.audioRTCPFwd = rtcpFwd
	s.StartedAt = time.Now()
	fwd.Start()
	rtcpFwd.Start()
	fwd.HolePunch()
	return nil
}

// StartVideo mirrors StartAudio for the video stream, when the call
// negotiated one.
func (s *Session) StartVideo(callerAddr, calleeAddr *net.UDPAddr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.VideoRTPPort == 0 {
		return nil
	}
	targets := Targets{
		CallerTarget:     callerAddr,
		CalleeTarget:     calleeAddr,
		CallerExpectedIP: callerAddr.IP.String(),
		CalleeExpectedIP: calleeAddr.IP.String(),
	}
	fwd, err := NewForwarder(s.CallID, "video-rtp", s.VideoRTPPort, targets)
	if err != nil {
		return err
	}
	rtcpFwd, err := NewForwarder(s.CallID, "video-rtcp", s.VideoRTCPPort, targets)
	if err != nil {
		return err
	}
	s.videoForwarder = fwd
	s.videoRTCPFwd = rtcpFwd
	fwd.Start()
	rtcpFwd.Start()
	fwd.HolePunch()
	return nil
}

// Retarget pushes new peer addresses to the running forwarders after a
// re-INVITE changes either leg's SDP.
func (s *Session) Retarget(callerAddr, calleeAddr *net.UDPAddr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	targets := Targets{
		CallerTarget:     callerAddr,
		CalleeTarget:     calleeAddr,
		CallerExpectedIP: callerAddr.IP.String(),
		CalleeExpectedIP: calleeAddr.IP.String(),
	}
	if s.audioForwarder != nil {
		s.audioForwarder.UpdateTargets(targets)
	}
	if s.audioRTCPFwd != nil {
		s.audioRTCPFwd.UpdateTargets(targets)
	}
	if s.videoForwarder != nil {
		s.videoForwarder.UpdateTargets(targets)
	}
	if s.videoRTCPFwd != nil {
		s.videoRTCPFwd.UpdateTargets(targets)
	}
}

// Stats returns counters for the audio stream, or ok=false if audio
// hasn't started yet.
func (s *Session) Stats() (Stats, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.audioForwarder == nil {
		return Stats{}, false
	}
	return s.audioForwarder.CurrentStats(), true
}

// End stops all forwarders belonging to the session. Safe to call once.
func (s *Session) End() {
	if !s.ended.CompareAndSwap(false, true) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, fwd := range []*Forwarder{s.audioForwarder, s.audioRTCPFwd, s.videoForwarder, s.videoRTCPFwd} {
		if fwd != nil {
			fwd.Stop()
		}
	}
}

// EndSession stops and releases a session's ports back to the pool.
func (m *Manager) EndSession(callID string) {
	m.mu.Lock()
	s, ok := m.sessions[callID]
	if ok {
		delete(m.sessions, callID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	s.End()
	m.pool.Release(s.AudioRTPPort)
	if s.VideoRTPPort != 0 {
		m.pool.Release(s.VideoRTPPort)
	}
}

// Len returns the number of live media sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Sessions returns a snapshot of every live session, for the
// read-only monitoring API.
func (m *Manager) Sessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}
