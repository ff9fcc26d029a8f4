package sipuri

import "testing"

func TestParseStripsDisplayNameAndTag(t *testing.T) {
	u, err := Parse(`"Alice" <sip:alice@example.com:5062>;tag=abc`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if u.User != "alice" || u.Host != "example.com" || u.Port != 5062 {
		t.Fatalf("unexpected uri: %+v", u)
	}
}

func TestParseBareURIWithParam(t *testing.T) {
	u, err := Parse("sip:bob@10.0.0.5:5060;transport=udp")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if u.User != "bob" || u.Host != "10.0.0.5" {
		t.Fatalf("unexpected uri: %+v", u)
	}
}

func TestRewriteHostPort(t *testing.T) {
	u, err := Parse("sip:bob@192.168.1.1:5060")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	RewriteHostPort(&u, "203.0.113.9", 11000)
	if u.Host != "203.0.113.9" || u.Port != 11000 {
		t.Fatalf("RewriteHostPort did not apply: %+v", u)
	}
}

func TestAOR(t *testing.T) {
	u, err := Parse("sip:1001@sip.local:5060")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := AOR(u); got != "sip:1001@sip.local" {
		t.Fatalf("AOR = %q, want sip:1001@sip.local", got)
	}
}
