package sipmsg

import (
	"regexp"
	"strings"
)

// sip2Token matches a word-bounded, case-insensitive "SIP/2.0" marker,
// which is how a Via value is split into its comma-joined entries:
// parameter values (e.g. a quoted display name) may themselves
// contain commas, so splitting on "," alone is unsafe.
var sip2Token = regexp.MustCompile(`(?i)\bSIP/2\.0\b`)

// SplitVia splits a single Via header value into its individual
// "SIP/2.0/..." entries.
func SplitVia(value string) []string {
	locs := sip2Token.FindAllStringIndex(value, -1)
	if len(locs) <= 1 {
		return []string{strings.TrimSpace(value)}
	}
	entries := make([]string, 0, len(locs))
	start := locs[0][0]
	for i := 1; i < len(locs); i++ {
		entry := value[start:locs[i][0]]
		entry = strings.TrimRight(strings.TrimSpace(entry), ",")
		entries = append(entries, strings.TrimSpace(entry))
		start = locs[i][0]
	}
	entries = append(entries, strings.TrimSpace(value[start:]))
	return entries
}

// JoinVia rejoins Via entries into a single header value.
func JoinVia(entries []string) string {
	return strings.Join(entries, ", ")
}

// ViaEntries returns every Via entry across all Via header
// occurrences, in top-to-bottom order.
func (m *Message) ViaEntries() []string {
	var all []string
	for _, raw := range m.GetAll("Via") {
		all = append(all, SplitVia(raw)...)
	}
	return all
}

// TopVia returns the first Via entry, if any.
func (m *Message) TopVia() (string, bool) {
	entries := m.ViaEntries()
	if len(entries) == 0 {
		return "", false
	}
	return entries[0], true
}

// PopTopVia removes the first Via entry across the (possibly
// multi-entry) Via headers and returns it. If the first Via header
// value carried more than one entry, the remainder is rejoined and
// kept as the new first Via header.
func (m *Message) PopTopVia() (string, bool) {
	lower := "via"
	for i, h := range m.headers {
		if h.Name != lower {
			continue
		}
		entries := SplitVia(h.Value)
		top := entries[0]
		rest := entries[1:]
		if len(rest) == 0 {
			m.headers = append(m.headers[:i], m.headers[i+1:]...)
		} else {
			m.headers[i].Value = JoinVia(rest)
		}
		return top, true
	}
	return "", false
}

// InsertTopVia inserts a brand-new Via header ahead of any existing one.
func (m *Message) InsertTopVia(value string) {
	m.InsertFirst("Via", value)
}

var viaParamRe = regexp.MustCompile(`;\s*([a-zA-Z0-9_.!%*+\-]+)(=("[^"]*"|[^;,\s]*))?`)

// ViaParam extracts a named parameter from a single Via entry, e.g.
// ViaParam(entry, "branch") or ViaParam(entry, "received").
func ViaParam(entry, name string) (string, bool) {
	matches := viaParamRe.FindAllStringSubmatch(entry, -1)
	for _, mm := range matches {
		if strings.EqualFold(mm[1], name) {
			return strings.Trim(mm[3], `"`), true
		}
	}
	return "", false
}

// ViaHostPort extracts the host:port portion of a Via entry (the
// token following "SIP/2.0/<transport>").
func ViaHostPort(entry string) string {
	parts := strings.SplitN(entry, " ", 2)
	if len(parts) < 2 {
		return ""
	}
	rest := strings.TrimSpace(parts[1])
	if idx := strings.IndexByte(rest, ';'); idx >= 0 {
		rest = rest[:idx]
	}
	return strings.TrimSpace(rest)
}
