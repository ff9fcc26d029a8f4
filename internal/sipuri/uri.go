// Package sipuri adapts github.com/emiago/sipgo's URI type for the
// specific things the proxy needs to do to Contact/Request-URI/Route
// values: parse, rewrite host:port for NAT, strip transport hints, and
// derive a canonical AOR key.
package sipuri

import (
	"fmt"
	"strings"

	"github.com/emiago/sipgo/sip"
)

// Parse parses a SIP/SIPS URI, tolerating angle brackets and a
// leading display name (as found in Contact/To/From header values).
func Parse(raw string) (sip.Uri, error) {
	raw = stripDisplayName(raw)
	var u sip.Uri
	if err := sip.ParseUri(raw, &u); err != nil {
		return sip.Uri{}, fmt.Errorf("parse uri %q: %w", raw, err)
	}
	return u, nil
}

// stripDisplayName removes a leading display name and surrounding
// angle brackets, e.g. `"Alice" <sip:alice@example.com>;tag=1` ->
// `sip:alice@example.com`. Header parameters (after the closing `>`)
// are intentionally dropped — they belong to the header, not the URI.
func stripDisplayName(raw string) string {
	raw = strings.TrimSpace(raw)
	if idx := strings.IndexByte(raw, '<'); idx >= 0 {
		raw = raw[idx+1:]
		if end := strings.IndexByte(raw, '>'); end >= 0 {
			raw = raw[:end]
		}
		return raw
	}
	// No angle brackets: a bare URI may still carry header params
	// (;tag=...) tacked directly onto it in some From/To values.
	if idx := strings.IndexByte(raw, ';'); idx >= 0 {
		return raw[:idx]
	}
	return raw
}

// RewriteHostPort overwrites the host and port of a URI in place,
// used for NAT-safe contact rewriting (§4.4 step 4) and R-URI rewrite
// to a chosen binding.
func RewriteHostPort(u *sip.Uri, host string, port int) {
	u.Host = host
	u.Port = port
}

// StripTransportParams removes the `;ob` and `;transport=` URI
// parameters some clients attach to outbound-aware contacts, which
// must not leak into the R-URI the proxy forwards.
func StripTransportParams(u *sip.Uri) {
	if u.UriParams == nil {
		return
	}
	u.UriParams.Remove("ob")
	u.UriParams.Remove("transport")
}

// AOR renders the canonical `sip:user@host` form used as a
// registration-store key: no port, no parameters, no display name.
func AOR(u sip.Uri) string {
	scheme := "sip"
	if u.Encrypted {
		scheme = "sips"
	}
	if u.User == "" {
		return fmt.Sprintf("%s:%s", scheme, u.Host)
	}
	return fmt.Sprintf("%s:%s@%s", scheme, u.User, u.Host)
}

// String renders a bare `sip:user@host:port` URI, without display
// name or header parameters, suitable for Contact/R-URI rewriting.
func String(u sip.Uri) string {
	var b strings.Builder
	if u.Encrypted {
		b.WriteString("sips:")
	} else {
		b.WriteString("sip:")
	}
	if u.User != "" {
		b.WriteString(u.User)
		b.WriteByte('@')
	}
	b.WriteString(u.Host)
	if u.Port != 0 {
		fmt.Fprintf(&b, ":%d", u.Port)
	}
	for k, v := range u.UriParams {
		b.WriteByte(';')
		b.WriteString(k)
		if v != "" {
			b.WriteByte('=')
			b.WriteString(v)
		}
	}
	return b.String()
}

// HostPort renders "host:port" for comparisons against Via
// received/rport or transport peer addresses.
func HostPort(u sip.Uri) string {
	return fmt.Sprintf("%s:%d", u.Host, u.Port)
}
