package sipmsg

import (
	"bufio"
	"bytes"
	"io"
	"strings"

	"github.com/relaysip/sipproxy/internal/proxyerr"
)

// splitLines tolerates both CRLF and bare LF line endings.
func splitLines(s string) []string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.Split(s, "\n")
}

// Parse parses a complete SIP message (header block plus any body
// bytes already known to belong to it) from raw bytes. The caller is
// responsible for framing — handing Parse exactly one message's
// bytes, no more and no less.
func Parse(data []byte) (*Message, error) {
	headerEnd := bytes.Index(data, []byte("\r\n\r\n"))
	sep := 4
	if headerEnd < 0 {
		headerEnd = bytes.Index(data, []byte("\n\n"))
		sep = 2
		if headerEnd < 0 {
			return nil, proxyerr.New(proxyerr.MalformedMessage, "missing header/body separator")
		}
	}

	head := string(data[:headerEnd])
	body := data[headerEnd+sep:]

	lines := splitLines(head)
	if len(lines) == 0 || strings.TrimSpace(lines[0]) == "" {
		return nil, proxyerr.New(proxyerr.MalformedMessage, "missing start line")
	}

	m := &Message{StartLine: strings.TrimRight(lines[0], "\r")}

	for _, line := range lines[1:] {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		idx := strings.Index(line, ":")
		if idx < 0 {
			return nil, proxyerr.New(proxyerr.MalformedMessage, "header missing colon: "+line)
		}
		name := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])
		if name == "" {
			return nil, proxyerr.New(proxyerr.MalformedMessage, "empty header name")
		}
		m.Add(name, value)
	}

	contentLength, err := m.ContentLength()
	if err != nil {
		return nil, proxyerr.Wrap(proxyerr.MalformedMessage, "content-length", err)
	}
	if contentLength < 0 {
		return nil, proxyerr.New(proxyerr.MalformedMessage, "negative Content-Length")
	}
	if contentLength > len(body) {
		return nil, proxyerr.New(proxyerr.MalformedMessage, "truncated body")
	}
	m.Body = body[:contentLength]

	return m, nil
}

// ParseDatagram parses one UDP datagram. A datagram that is empty or
// contains only CRLF (a UA keep-alive) yields (nil, nil, true) —
// callers should silently drop it, not log an error.
func ParseDatagram(data []byte) (m *Message, err error, isKeepAlive bool) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil, true
	}
	m, err = Parse(data)
	return m, err, false
}

// ReadStreamed reads exactly one framed message from a TCP connection:
// the header block up to the blank line, plus exactly Content-Length
// body bytes. Returns io.EOF when the connection is cleanly closed
// before any bytes of a new message arrive.
func ReadStreamed(r *bufio.Reader) (*Message, error) {
	var head bytes.Buffer
	sawStartLine := false
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			if err == io.EOF && head.Len() == 0 {
				return nil, io.EOF
			}
			return nil, proxyerr.Wrap(proxyerr.MalformedMessage, "reading headers", err)
		}
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			if !sawStartLine {
				// a blank line before any start line is a stray
				// keep-alive between framed messages; skip it
				continue
			}
			head.WriteString("\r\n")
			break
		}
		sawStartLine = true
		head.WriteString(trimmed)
		head.WriteString("\r\n")
	}

	// Collect the header fields to learn Content-Length before reading
	// the body; Parse on the header block alone would reject it as a
	// truncated message.
	partial := &Message{}
	for _, line := range splitLines(head.String())[1:] {
		if idx := strings.Index(line, ":"); idx > 0 {
			partial.Add(strings.TrimSpace(line[:idx]), strings.TrimSpace(line[idx+1:]))
		}
	}
	contentLength, err := partial.ContentLength()
	if err != nil {
		return nil, err
	}
	if contentLength < 0 {
		return nil, proxyerr.New(proxyerr.MalformedMessage, "negative Content-Length")
	}

	body := make([]byte, contentLength)
	if contentLength > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, proxyerr.Wrap(proxyerr.MalformedMessage, "truncated body", err)
		}
	}
	return Parse(append(head.Bytes(), body...))
}

// FrameSize reports the total byte length a message with the given
// header block and Content-Length would occupy, used by callers that
// need to know how many bytes they consumed from a larger buffer.
func FrameSize(headerBytes int, contentLength int) int {
	return headerBytes + contentLength
}
