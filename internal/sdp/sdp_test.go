package sdp

import (
	"strings"
	"testing"
)

const sampleSDP = "v=0\r\n" +
	"o=- 0 0 IN IP4 10.0.0.11\r\n" +
	"s=-\r\n" +
	"c=IN IP4 10.0.0.11\r\n" +
	"t=0 0\r\n" +
	"m=audio 40000 RTP/AVP 0\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n"

func TestExtract(t *testing.T) {
	info, err := Extract([]byte(sampleSDP))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if info.SessionConnAddr != "10.0.0.11" {
		t.Fatalf("SessionConnAddr = %q", info.SessionConnAddr)
	}
	if info.Audio == nil || info.Audio.Port != 40000 {
		t.Fatalf("Audio = %+v", info.Audio)
	}
	if info.RTPMap["0"] != "PCMU/8000" {
		t.Fatalf("RTPMap[0] = %q", info.RTPMap["0"])
	}
}

func TestRewriteReplacesAddrAndPort(t *testing.T) {
	out, err := Rewrite([]byte(sampleSDP), RewriteParams{ConnAddr: "203.0.113.9", AudioPort: 20000})
	if err != nil {
		t.Fatalf("Rewrite: %v", err)
	}
	s := string(out)
	if !strings.Contains(s, "c=IN IP4 203.0.113.9") {
		t.Fatalf("address not rewritten:\n%s", s)
	}
	if !strings.Contains(s, "m=audio 20000 RTP/AVP 0") {
		t.Fatalf("port/payload not preserved correctly:\n%s", s)
	}
}

func TestRewriteIdempotent(t *testing.T) {
	p := RewriteParams{ConnAddr: "203.0.113.9", AudioPort: 20000}
	first, err := Rewrite([]byte(sampleSDP), p)
	if err != nil {
		t.Fatalf("Rewrite: %v", err)
	}
	second, err := Rewrite(first, p)
	if err != nil {
		t.Fatalf("Rewrite second pass: %v", err)
	}
	if string(first) != string(second) {
		t.Fatalf("rewrite not idempotent:\nfirst:\n%s\nsecond:\n%s", first, second)
	}
}
