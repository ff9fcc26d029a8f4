// Package sipmsg implements the wire-level SIP message model: an
// ordered, case-insensitive header multimap over an opaque body,
// matching RFC 3261 §7 closely enough to round-trip byte-for-byte.
//
// Messages are not parsed into structured From/To/Via fields — header
// values stay raw strings, because several proxy behaviors (Via-stack
// preservation across CANCEL/non-2xx-ACK, byte-identical round
// tripping) require operating on the literal header text rather than
// a library's regenerated serialization of parsed fields.
package sipmsg

import (
	"fmt"
	"strconv"
	"strings"
)

// headerField is one header line: Name is stored lower-cased, Value raw.
type headerField struct {
	Name  string
	Value string
}

// Message is a parsed SIP request or response.
type Message struct {
	StartLine string
	headers   []headerField
	Body      []byte
}

// NewMessage builds an empty message with the given start line.
func NewMessage(startLine string) *Message {
	return &Message{StartLine: startLine}
}

// Clone deep-copies the message so mutation of the copy never affects
// the original (needed because the same inbound message may feed both
// a forwarded copy and a tracker snapshot).
func (m *Message) Clone() *Message {
	c := &Message{StartLine: m.StartLine}
	c.headers = append([]headerField(nil), m.headers...)
	c.Body = append([]byte(nil), m.Body...)
	return c
}

// IsResponse reports whether the start line is a status line.
func (m *Message) IsResponse() bool {
	return strings.HasPrefix(m.StartLine, "SIP/2.0")
}

// Method returns the request method (first token of the start line),
// or "" if this is a response.
func (m *Message) Method() string {
	if m.IsResponse() {
		return ""
	}
	fields := strings.Fields(m.StartLine)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// RequestURI returns the request-URI (second token of the start
// line), or "" if this is a response.
func (m *Message) RequestURI() string {
	if m.IsResponse() {
		return ""
	}
	fields := strings.Fields(m.StartLine)
	if len(fields) < 2 {
		return ""
	}
	return fields[1]
}

// SetRequestURI rewrites the request-URI in place, preserving method
// and SIP version.
func (m *Message) SetRequestURI(uri string) {
	if m.IsResponse() {
		return
	}
	fields := strings.Fields(m.StartLine)
	if len(fields) < 3 {
		return
	}
	m.StartLine = fmt.Sprintf("%s %s %s", fields[0], uri, fields[2])
}

// StatusCode returns the numeric status code and true if this is a
// well-formed status line.
func (m *Message) StatusCode() (int, bool) {
	if !m.IsResponse() {
		return 0, false
	}
	fields := strings.SplitN(m.StartLine, " ", 3)
	if len(fields) < 2 {
		return 0, false
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, false
	}
	return code, true
}

// Get returns the first value of a header, case-insensitively.
func (m *Message) Get(name string) (string, bool) {
	lower := strings.ToLower(name)
	for _, h := range m.headers {
		if h.Name == lower {
			return h.Value, true
		}
	}
	return "", false
}

// GetAll returns every value of a header in original order.
func (m *Message) GetAll(name string) []string {
	lower := strings.ToLower(name)
	var out []string
	for _, h := range m.headers {
		if h.Name == lower {
			out = append(out, h.Value)
		}
	}
	return out
}

// Add appends a header value, preserving existing ones.
func (m *Message) Add(name, value string) {
	m.headers = append(m.headers, headerField{Name: strings.ToLower(name), Value: value})
}

// InsertFirst inserts a new header value as the very first occurrence
// of name, ahead of any existing values — used for Via insertion.
func (m *Message) InsertFirst(name, value string) {
	lower := strings.ToLower(name)
	idx := -1
	for i, h := range m.headers {
		if h.Name == lower {
			idx = i
			break
		}
	}
	field := headerField{Name: lower, Value: value}
	if idx == -1 {
		m.headers = append(m.headers, field)
		return
	}
	m.headers = append(m.headers[:idx], append([]headerField{field}, m.headers[idx:]...)...)
}

// Set replaces all values of a header with a single value, inserting
// it where the first existing occurrence was (or at the end).
func (m *Message) Set(name, value string) {
	lower := strings.ToLower(name)
	replaced := false
	out := m.headers[:0:0]
	for _, h := range m.headers {
		if h.Name == lower {
			if !replaced {
				out = append(out, headerField{Name: lower, Value: value})
				replaced = true
			}
			continue
		}
		out = append(out, h)
	}
	if !replaced {
		out = append(out, headerField{Name: lower, Value: value})
	}
	m.headers = out
}

// Remove deletes every occurrence of a header.
func (m *Message) Remove(name string) {
	lower := strings.ToLower(name)
	out := m.headers[:0:0]
	for _, h := range m.headers {
		if h.Name != lower {
			out = append(out, h)
		}
	}
	m.headers = out
}

// PopFirst removes and returns the first value of a header, leaving
// any remaining values with the same name in place (used to pop the
// top Route header; PopTopVia handles entries within a Via value).
func (m *Message) PopFirst(name string) (string, bool) {
	lower := strings.ToLower(name)
	for i, h := range m.headers {
		if h.Name == lower {
			v := h.Value
			m.headers = append(m.headers[:i], m.headers[i+1:]...)
			return v, true
		}
	}
	return "", false
}

// ContentLength returns the declared Content-Length, defaulting to 0
// when the header is absent.
func (m *Message) ContentLength() (int, error) {
	v, ok := m.Get("Content-Length")
	if !ok {
		return 0, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("invalid Content-Length %q: %w", v, err)
	}
	return n, nil
}

// Serialize renders the message to wire bytes: start line, headers in
// canonical casing and original order, a blank line, then the body.
// Content-Length is written to match len(Body) exactly.
func (m *Message) Serialize() []byte {
	var b strings.Builder
	b.WriteString(m.StartLine)
	b.WriteString("\r\n")

	wroteContentLength := false
	for _, h := range m.headers {
		name := h.Name
		value := h.Value
		if name == "content-length" {
			value = strconv.Itoa(len(m.Body))
			wroteContentLength = true
		}
		b.WriteString(canon(name))
		b.WriteString(": ")
		b.WriteString(value)
		b.WriteString("\r\n")
	}
	if !wroteContentLength {
		b.WriteString("Content-Length: ")
		b.WriteString(strconv.Itoa(len(m.Body)))
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")

	out := make([]byte, 0, b.Len()+len(m.Body))
	out = append(out, []byte(b.String())...)
	out = append(out, m.Body...)
	return out
}
