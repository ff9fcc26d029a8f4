package media

import (
	"net"
	"testing"
)

func TestManagerCreateAndEndSession(t *testing.T) {
	m := NewManager(30000, 30010)

	s, err := m.CreateSession("call-abc", false)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if s.AudioRTPPort == 0 || s.AudioRTCPPort != s.AudioRTPPort+1 {
		t.Fatalf("unexpected port pair: rtp=%d rtcp=%d", s.AudioRTPPort, s.AudioRTCPPort)
	}
	if s.VideoRTPPort != 0 {
		t.Fatalf("expected no video port when wantVideo=false, got %d", s.VideoRTPPort)
	}

	if _, ok := m.Lookup("call-abc"); !ok {
		t.Fatalf("Lookup did not find created session")
	}
	if m.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", m.Len())
	}

	m.EndSession("call-abc")
	if _, ok := m.Lookup("call-abc"); ok {
		t.Fatalf("session still present after EndSession")
	}
	if m.Len() != 0 {
		t.Fatalf("Len() after EndSession = %d, want 0", m.Len())
	}
}

func TestManagerCreateSessionWithVideo(t *testing.T) {
	m := NewManager(30000, 30020)
	s, err := m.CreateSession("call-video", true)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if s.VideoRTPPort == 0 {
		t.Fatalf("expected a video port pair when wantVideo=true")
	}
	if s.VideoRTPPort == s.AudioRTPPort {
		t.Fatalf("video and audio ports must not collide")
	}
}

func TestSessionStartAudioBindsForwarders(t *testing.T) {
	m := NewManager(30100, 30110)
	s, err := m.CreateSession("call-start", false)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	caller := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 40000}
	callee := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 40002}
	if err := s.StartAudio(caller, callee); err != nil {
		t.Fatalf("StartAudio: %v", err)
	}
	if stats, ok := s.Stats(); !ok || stats.CallerToCallee != 0 {
		t.Fatalf("unexpected initial stats: %+v ok=%v", stats, ok)
	}
	s.End()
}
