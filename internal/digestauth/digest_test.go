package digestauth

import "testing"

type staticDirectory map[string]User

func (d staticDirectory) Lookup(username string) (User, bool) {
	u, ok := d[username]
	return u, ok
}

func TestVerifyRoundTrip(t *testing.T) {
	dir := staticDirectory{"1001": {Password: "secret", Status: "ACTIVE"}}

	resp := Response("1001", "secret", "sip.local", "abc123", "REGISTER", "sip:sip.local")
	creds := Credentials{
		Username: "1001",
		Realm:    "sip.local",
		Nonce:    "abc123",
		URI:      "sip:sip.local",
		Response: resp,
	}
	if !Verify(creds, "REGISTER", dir) {
		t.Fatalf("expected valid credentials to verify")
	}
}

func TestVerifyRejectsWrongPassword(t *testing.T) {
	dir := staticDirectory{"1001": {Password: "secret", Status: "ACTIVE"}}
	creds := Credentials{
		Username: "1001",
		Realm:    "sip.local",
		Nonce:    "abc123",
		URI:      "sip:sip.local",
		Response: Response("1001", "wrong", "sip.local", "abc123", "REGISTER", "sip:sip.local"),
	}
	if Verify(creds, "REGISTER", dir) {
		t.Fatalf("expected wrong password to fail verification")
	}
}

func TestVerifyRejectsInactiveUser(t *testing.T) {
	dir := staticDirectory{"1001": {Password: "secret", Status: "DISABLED"}}
	creds := Credentials{
		Username: "1001",
		Realm:    "sip.local",
		Nonce:    "abc123",
		URI:      "sip:sip.local",
		Response: Response("1001", "secret", "sip.local", "abc123", "REGISTER", "sip:sip.local"),
	}
	if Verify(creds, "REGISTER", dir) {
		t.Fatalf("expected inactive user to fail verification")
	}
}

func TestParseAuthorization(t *testing.T) {
	header := `Digest username="1001", realm="sip.local", nonce="abc123", uri="sip:sip.local", response="deadbeef", algorithm=MD5, qop=auth, nc=00000001, cnonce="xyz"`
	creds, ok := ParseAuthorization(header)
	if !ok {
		t.Fatalf("expected to parse header")
	}
	if creds.Username != "1001" || creds.Nonce != "abc123" || creds.Response != "deadbeef" {
		t.Fatalf("unexpected parse result: %+v", creds)
	}
}

func TestNewChallengeHeader(t *testing.T) {
	c, err := NewChallenge("sip.local")
	if err != nil {
		t.Fatalf("NewChallenge: %v", err)
	}
	if len(c.Nonce) != 32 {
		t.Fatalf("nonce length = %d, want 32 hex chars", len(c.Nonce))
	}
	header := c.Header()
	if header == "" {
		t.Fatalf("expected non-empty header")
	}
}
