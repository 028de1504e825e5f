// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package http

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"

	perrors "github.com/absmach/fwdproxy/pkg/errors"
	"golang.org/x/net/http/httpguts"
)

// ErrIncomplete is returned while the buffer does not yet hold a complete
// header section. The caller should read more bytes and parse again.
var ErrIncomplete = errors.New("incomplete message")

// FramingMode tells how the end of a message body is found.
type FramingMode int

const (
	// NoBody means the message ends with its header section.
	NoBody FramingMode = iota
	// ContentLength means exactly Message.Length body bytes follow.
	ContentLength
	// Chunked means the body uses the chunked transfer coding.
	Chunked
	// CloseDelimited means the body runs until the sender closes the connection.
	CloseDelimited
)

func (m FramingMode) String() string {
	switch m {
	case NoBody:
		return "no-body"
	case ContentLength:
		return "content-length"
	case Chunked:
		return "chunked"
	case CloseDelimited:
		return "close-delimited"
	default:
		return "unknown"
	}
}

// Message is a parsed request or response head.
type Message struct {
	// Method and Target are set for requests.
	Method string
	Target string

	// StatusCode and Reason are set for responses.
	StatusCode int
	Reason     string

	Proto string // "HTTP/1.1"
	Major int
	Minor int

	Header Header

	Framing FramingMode
	Length  int64 // body length when Framing is ContentLength
}

// IsRequest reports whether m was parsed as a request.
func (m *Message) IsRequest() bool {
	return m.Method != ""
}

// KeepAlive reports whether the sender of m intends to keep the connection
// open after this message.
func (m *Message) KeepAlive() bool {
	if m.Header.HasToken("Connection", "close") {
		return false
	}
	if m.Major == 1 && m.Minor == 0 {
		return m.Header.HasToken("Connection", "keep-alive")
	}
	return true
}

// AppendHead appends the start line and header section of m to dst.
func (m *Message) AppendHead(dst []byte) []byte {
	if m.IsRequest() {
		dst = append(dst, m.Method...)
		dst = append(dst, ' ')
		dst = append(dst, m.Target...)
		dst = append(dst, ' ')
		dst = append(dst, m.Proto...)
	} else {
		dst = append(dst, m.Proto...)
		dst = append(dst, ' ')
		dst = strconv.AppendInt(dst, int64(m.StatusCode), 10)
		if m.Reason != "" {
			dst = append(dst, ' ')
			dst = append(dst, m.Reason...)
		}
	}
	dst = append(dst, "\r\n"...)
	for _, f := range m.Header {
		dst = append(dst, f.Name...)
		dst = append(dst, ": "...)
		dst = append(dst, f.Value...)
		dst = append(dst, "\r\n"...)
	}
	return append(dst, "\r\n"...)
}

// Framer locates and parses message heads in a growing buffer. It remembers
// how far the previous attempt scanned, so re-entering it after more bytes
// arrive only looks at the new bytes. The buffer passed to consecutive calls
// must keep the same start; call Reset after consuming a head.
type Framer struct {
	pos int
}

// Reset prepares f for the next message.
func (f *Framer) Reset() {
	f.pos = 0
}

// Request parses the request head at the start of buf. It returns the
// message and the offset of the first body byte. Leading empty lines are
// skipped. No I/O is performed; ErrIncomplete asks for more bytes.
func (f *Framer) Request(buf []byte) (*Message, int, error) {
	skip := 0
	for bytes.HasPrefix(buf[skip:], crlf) {
		skip += len(crlf)
	}
	if f.pos < skip {
		f.pos = skip
	}
	end, err := f.locate(buf)
	if err != nil {
		return nil, 0, err
	}
	lines := splitLines(buf[skip:end])

	m := &Message{}
	if err := m.parseRequestLine(lines[0]); err != nil {
		return nil, 0, err
	}
	if m.Header, err = parseFields(lines[1:]); err != nil {
		return nil, 0, err
	}
	if err := m.requestFraming(); err != nil {
		return nil, 0, err
	}
	f.Reset()
	return m, end, nil
}

// Response parses the response head at the start of buf. The method of
// the request being answered decides whether a body may follow.
func (f *Framer) Response(buf []byte, requestMethod string) (*Message, int, error) {
	end, err := f.locate(buf)
	if err != nil {
		return nil, 0, err
	}
	lines := splitLines(buf[:end])

	m := &Message{}
	if err := m.parseStatusLine(lines[0]); err != nil {
		return nil, 0, err
	}
	if m.Header, err = parseFields(lines[1:]); err != nil {
		return nil, 0, err
	}
	if err := m.responseFraming(requestMethod); err != nil {
		return nil, 0, err
	}
	f.Reset()
	return m, end, nil
}

// ParseRequest parses a request head with a fresh Framer.
func ParseRequest(buf []byte) (*Message, int, error) {
	var f Framer
	return f.Request(buf)
}

// ParseResponse parses a response head with a fresh Framer.
func ParseResponse(buf []byte, requestMethod string) (*Message, int, error) {
	var f Framer
	return f.Response(buf, requestMethod)
}

var crlf = []byte("\r\n")

// locate finds the end of the header section, resuming at f.pos. Every line
// must end in CRLF and the first line must not be empty.
func (f *Framer) locate(buf []byte) (int, error) {
	for {
		i := bytes.IndexByte(buf[f.pos:], '\n')
		if i < 0 {
			return 0, ErrIncomplete
		}
		end := f.pos + i
		if end == f.pos || buf[end-1] != '\r' {
			return 0, malformed("bare LF line terminator")
		}
		lineStart := f.pos
		f.pos = end + 1
		if end-1 == lineStart {
			if lineStart == 0 {
				return 0, malformed("empty start line")
			}
			return f.pos, nil
		}
	}
}

// splitLines splits a complete header section into lines without CRLF,
// dropping the terminating empty line.
func splitLines(head []byte) [][]byte {
	return bytes.Split(head[:len(head)-2*len(crlf)], crlf)
}

func (m *Message) parseRequestLine(line []byte) error {
	method, rest, ok := strings.Cut(string(line), " ")
	if !ok {
		return malformed("request line %q", line)
	}
	target, proto, ok := strings.Cut(rest, " ")
	if !ok || target == "" || strings.ContainsAny(target, " \t") {
		return malformed("request line %q", line)
	}
	if !httpguts.ValidHeaderFieldName(method) {
		return malformed("method %q", method)
	}
	for i := 0; i < len(target); i++ {
		if target[i] < 0x21 || target[i] == 0x7f {
			return malformed("request target %q", target)
		}
	}
	major, minor, err := parseVersion(proto)
	if err != nil {
		return err
	}
	m.Method, m.Target = method, target
	m.Proto, m.Major, m.Minor = proto, major, minor
	return nil
}

func (m *Message) parseStatusLine(line []byte) error {
	proto, rest, ok := strings.Cut(string(line), " ")
	if !ok {
		return malformed("status line %q", line)
	}
	code, reason, _ := strings.Cut(rest, " ")
	if len(code) != 3 {
		return malformed("status code %q", code)
	}
	status, err := strconv.Atoi(code)
	if err != nil || status < 100 {
		return malformed("status code %q", code)
	}
	major, minor, err := parseVersion(proto)
	if err != nil {
		return err
	}
	m.StatusCode, m.Reason = status, reason
	m.Proto, m.Major, m.Minor = proto, major, minor
	return nil
}

func parseVersion(proto string) (int, int, error) {
	if len(proto) != len("HTTP/1.1") || !strings.HasPrefix(proto, "HTTP/") || proto[6] != '.' {
		return 0, 0, malformed("version %q", proto)
	}
	major, minor := int(proto[5]-'0'), int(proto[7]-'0')
	if major != 1 || minor < 0 || minor > 9 {
		return 0, 0, malformed("unsupported version %q", proto)
	}
	return major, minor, nil
}

func parseFields(lines [][]byte) (Header, error) {
	h := make(Header, 0, len(lines))
	for _, line := range lines {
		f, err := parseField(line)
		if err != nil {
			return nil, err
		}
		h = append(h, f)
	}
	return h, nil
}

func parseField(line []byte) (Field, error) {
	if line[0] == ' ' || line[0] == '\t' {
		return Field{}, malformed("obsolete line folding")
	}
	name, value, ok := strings.Cut(string(line), ":")
	if !ok {
		return Field{}, malformed("header line without colon %q", line)
	}
	if !httpguts.ValidHeaderFieldName(name) {
		return Field{}, malformed("header name %q", name)
	}
	value = strings.Trim(value, " \t")
	if !httpguts.ValidHeaderFieldValue(value) {
		return Field{}, malformed("header value for %q", name)
	}
	return Field{Name: name, Value: value}, nil
}

func (m *Message) requestFraming() error {
	chunked, hasTE, err := m.transferEncoding()
	if err != nil {
		return err
	}
	length, hasCL, err := m.contentLength()
	if err != nil {
		return err
	}
	switch {
	case hasTE && hasCL:
		return malformed("both Content-Length and Transfer-Encoding")
	case hasTE && !chunked:
		return malformed("request transfer coding does not end in chunked")
	case hasTE:
		m.Framing = Chunked
	case hasCL:
		m.Framing, m.Length = ContentLength, length
	default:
		m.Framing = NoBody
	}
	return nil
}

func (m *Message) responseFraming(requestMethod string) error {
	chunked, hasTE, err := m.transferEncoding()
	if err != nil {
		return err
	}
	length, hasCL, err := m.contentLength()
	if err != nil {
		return err
	}
	if hasTE && hasCL {
		return malformed("both Content-Length and Transfer-Encoding")
	}

	switch {
	case requestMethod == "HEAD",
		m.StatusCode < 200,
		m.StatusCode == 204,
		m.StatusCode == 304,
		requestMethod == "CONNECT" && m.StatusCode < 300:
		m.Framing = NoBody
	case hasTE && chunked:
		m.Framing = Chunked
	case hasTE:
		m.Framing = CloseDelimited
	case hasCL:
		m.Framing, m.Length = ContentLength, length
	default:
		m.Framing = CloseDelimited
	}
	return nil
}

// transferEncoding reports whether Transfer-Encoding is present and whether
// chunked is its final coding.
func (m *Message) transferEncoding() (chunked, present bool, err error) {
	vals := m.Header.Values("Transfer-Encoding")
	if len(vals) == 0 {
		return false, false, nil
	}
	var codings []string
	for _, v := range vals {
		for _, c := range strings.Split(v, ",") {
			if c = strings.TrimSpace(c); c != "" {
				codings = append(codings, strings.ToLower(c))
			}
		}
	}
	if len(codings) == 0 {
		return false, false, malformed("empty Transfer-Encoding")
	}
	for i, c := range codings {
		if c == "chunked" && i != len(codings)-1 {
			return false, true, malformed("chunked is not the final transfer coding")
		}
	}
	return codings[len(codings)-1] == "chunked", true, nil
}

// contentLength parses Content-Length. Repeated values must agree.
func (m *Message) contentLength() (int64, bool, error) {
	vals := m.Header.Values("Content-Length")
	if len(vals) == 0 {
		return 0, false, nil
	}
	length := int64(-1)
	for _, v := range vals {
		for _, s := range strings.Split(v, ",") {
			s = strings.TrimSpace(s)
			n, err := parseLength(s)
			if err != nil {
				return 0, true, err
			}
			if length >= 0 && n != length {
				return 0, true, malformed("conflicting Content-Length values")
			}
			length = n
		}
	}
	return length, true, nil
}

func parseLength(s string) (int64, error) {
	if s == "" {
		return 0, malformed("empty Content-Length")
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, malformed("Content-Length %q", s)
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, malformed("Content-Length %q", s)
	}
	return n, nil
}

// IsIdempotent reports whether method is idempotent per RFC 9110.
func IsIdempotent(method string) bool {
	switch method {
	case "GET", "HEAD", "OPTIONS", "TRACE", "PUT", "DELETE":
		return true
	default:
		return false
	}
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", perrors.ErrMalformedMessage, fmt.Sprintf(format, args...))
}
