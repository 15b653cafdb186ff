package http1

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

// ErrFrozen is returned by mutators once a message has been forwarded.
var ErrFrozen = errors.New("http1: message already forwarded")

// ErrBodyNotAllowed is returned by SetBody for responses that cannot carry a
// body: answers to HEAD, 1xx, 204 and 304.
var ErrBodyNotAllowed = errors.New("http1: response status does not allow a body")

// Framing is the way a message body is delimited on the wire.
type Framing int

const (
	FramingNone    Framing = iota // no body
	FramingLength                 // Content-Length
	FramingChunked                // Transfer-Encoding: chunked
	FramingClose                  // body ends when the connection closes (responses only)
)

func (f Framing) String() string {
	switch f {
	case FramingNone:
		return "none"
	case FramingLength:
		return "content-length"
	case FramingChunked:
		return "chunked"
	case FramingClose:
		return "close"
	}
	return "framing(" + strconv.Itoa(int(f)) + ")"
}

// Message is one HTTP/1.x request or response, fully buffered.
type Message struct {
	// Request line. Empty for responses.
	Method string
	Target string

	// Status line. Zero for requests.
	StatusCode int
	Reason     string

	Proto   string
	Header  Headers
	Body    []byte
	Trailer Headers

	// ID is the exchange identifier the message belongs to.
	ID int64

	ReceivedAt time.Time
	SentAt     time.Time

	// Framing is how the body was (or will be) delimited.
	Framing Framing

	response bool
	frozen   bool
	// answers a HEAD request
	head bool

	rawStart   string
	rawEnd     string
	startParts [3]string

	// wire is the chunked body as received; reused while the decoded
	// body still hashes to wireSum.
	wire    []byte
	wireSum [32]byte
}

// NewRequest builds a request with a Content-Length body when body is not nil.
func NewRequest(method, target string, body []byte) *Message {
	m := &Message{Method: method, Target: target, Proto: "HTTP/1.1"}
	if body != nil {
		m.Body = body
		m.Framing = FramingLength
		m.Header.Set("Content-Length", strconv.Itoa(len(body)))
	}
	return m
}

// NewResponse builds a response. Reason defaults to the standard status text.
func NewResponse(status int, reason string, body []byte) *Message {
	if reason == "" {
		reason = StatusText(status)
	}
	m := &Message{StatusCode: status, Reason: reason, Proto: "HTTP/1.1", response: true}
	if bodyAllowedForStatus(status) {
		m.Body = body
		m.Framing = FramingLength
		m.Header.Set("Content-Length", strconv.Itoa(len(body)))
	}
	return m
}

func (m *Message) IsResponse() bool { return m.response }

// bodiless reports whether m is a response that never has a body on the wire.
func (m *Message) bodiless() bool {
	return m.response && (m.head || !bodyAllowedForStatus(m.StatusCode))
}

// Frozen reports whether the message was already written to its peer.
func (m *Message) Frozen() bool { return m.frozen }

// Freeze marks the message as forwarded; Set* mutators fail afterwards.
func (m *Message) Freeze() { m.frozen = true }

// SetBody replaces the body. Content-Length or chunking is fixed up on write.
func (m *Message) SetBody(b []byte) error {
	if m.frozen {
		return ErrFrozen
	}
	if len(b) > 0 && m.bodiless() {
		return ErrBodyNotAllowed
	}
	m.Body = b
	if m.Framing == FramingNone && len(b) > 0 {
		m.Framing = FramingLength
	}
	return nil
}

// SetHeader sets a header field, see Headers.Set.
func (m *Message) SetHeader(name, value string) error {
	if m.frozen {
		return ErrFrozen
	}
	m.Header.Set(name, value)
	return nil
}

// Clone returns a deep, unfrozen copy.
func (m *Message) Clone() *Message {
	c := *m
	c.frozen = false
	c.Header = m.Header.Clone()
	c.Trailer = m.Trailer.Clone()
	if m.Body != nil {
		c.Body = append([]byte(nil), m.Body...)
	}
	if m.wire != nil {
		c.wire = append([]byte(nil), m.wire...)
	}
	return &c
}

// ProtoAtLeast reports whether the message version is at least major.minor.
func (m *Message) ProtoAtLeast(major, minor int) bool {
	ma, mi, ok := parseHTTPVersion(m.Proto)
	if !ok {
		return false
	}
	return ma > major || ma == major && mi >= minor
}

// KeepAlive reports whether the sender is willing to reuse the connection
// after this message.
func (m *Message) KeepAlive() bool {
	if m.Framing == FramingClose {
		return false
	}
	if m.Header.HasToken("Connection", "close") {
		return false
	}
	if m.ProtoAtLeast(1, 1) {
		return true
	}
	return m.Header.HasToken("Connection", "keep-alive")
}

// ContentLength returns the declared Content-Length, or -1.
func (m *Message) ContentLength() int64 {
	v := m.Header.Get("Content-Length")
	if v == "" {
		return -1
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return -1
	}
	return n
}

func (m *Message) startLine() string {
	if m.response {
		return m.Proto + " " + strconv.Itoa(m.StatusCode) + " " + m.Reason + "\r\n"
	}
	return m.Method + " " + m.Target + " " + m.Proto + "\r\n"
}

func (m *Message) startUntouched() bool {
	if m.rawStart == "" {
		return false
	}
	if m.response {
		return m.startParts == [3]string{m.Proto, strconv.Itoa(m.StatusCode), m.Reason}
	}
	return m.startParts == [3]string{m.Method, m.Target, m.Proto}
}

func (m *Message) wireReusable() bool {
	return m.wire != nil && chunkSum(m.Body, m.Trailer) == m.wireSum
}

// StatusText is net/http's table, extended with a fallback.
func StatusText(code int) string {
	if t, ok := statusText[code]; ok {
		return t
	}
	return "Status " + strconv.Itoa(code)
}

var statusText = map[int]string{
	100: "Continue",
	101: "Switching Protocols",
	200: "OK",
	201: "Created",
	202: "Accepted",
	204: "No Content",
	206: "Partial Content",
	301: "Moved Permanently",
	302: "Found",
	304: "Not Modified",
	307: "Temporary Redirect",
	308: "Permanent Redirect",
	400: "Bad Request",
	401: "Unauthorized",
	403: "Forbidden",
	404: "Not Found",
	405: "Method Not Allowed",
	407: "Proxy Authentication Required",
	408: "Request Timeout",
	411: "Length Required",
	413: "Payload Too Large",
	431: "Request Header Fields Too Large",
	500: "Internal Server Error",
	501: "Not Implemented",
	502: "Bad Gateway",
	503: "Service Unavailable",
	504: "Gateway Timeout",
}

func bodyAllowedForStatus(status int) bool {
	switch {
	case status >= 100 && status <= 199:
		return false
	case status == 204, status == 304:
		return false
	}
	return true
}

func parseHTTPVersion(vers string) (major, minor int, ok bool) {
	if len(vers) != len("HTTP/X.Y") || !strings.HasPrefix(vers, "HTTP/") || vers[6] != '.' {
		return 0, 0, false
	}
	if vers[5] < '0' || vers[5] > '9' || vers[7] < '0' || vers[7] > '9' {
		return 0, 0, false
	}
	return int(vers[5] - '0'), int(vers[7] - '0'), true
}
